package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-auth/internal/constants"
)

//go:embed models.yaml
var modelsYAML []byte

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Match     MatchConfig
	Capture   CaptureConfig
	Auth      AuthConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Archive   ArchiveConfig
	RateLimit RateLimitConfig
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	Models    ModelsConfig
}

type ServerConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           int           `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	SecureCookies  bool          `env:"SECURE_COOKIES" envDefault:"false"`
}

type DatabaseConfig struct {
	Driver        string `env:"DATABASE_DRIVER" envDefault:"postgres"` // postgres, mariadb or memory
	URL           string `env:"DATABASE_URL"`                          // PostgreSQL URL or MariaDB DSN
	MaxOpenConns  int    `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns  int    `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	HNSWEnabled   bool   `env:"HNSW_ENABLED" envDefault:"false"`
	HNSWIndexPath string `env:"HNSW_INDEX_PATH"` // optional, if empty the index is rebuilt on startup
}

type EmbeddingConfig struct {
	URL     string        `env:"EMBEDDING_URL" envDefault:"http://localhost:8000"`
	Model   string        `env:"EMBEDDING_MODEL" envDefault:"dlib_resnet_v1"`
	Dim     int           `env:"EMBEDDING_DIM"` // 0 means take it from models.yaml
	Timeout time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`
}

type MatchConfig struct {
	Threshold float64 `env:"FACE_MATCH_THRESHOLD"` // 0 means take it from models.yaml
}

type CaptureConfig struct {
	SnapshotURL         string        `env:"CAMERA_SNAPSHOT_URL"`
	EnrollmentSamples   int           `env:"CAPTURE_ENROLLMENT_SAMPLES" envDefault:"50"`
	EnrollmentBudget    time.Duration `env:"CAPTURE_ENROLLMENT_BUDGET" envDefault:"6s"`
	VerificationSamples int           `env:"CAPTURE_VERIFICATION_SAMPLES" envDefault:"1"`
	VerificationBudget  time.Duration `env:"CAPTURE_VERIFICATION_BUDGET" envDefault:"3s"`
	MaxImageSize        int           `env:"CAPTURE_MAX_IMAGE_SIZE" envDefault:"1920"`
	DropStaleFrames     bool          `env:"CAPTURE_DROP_STALE_FRAMES" envDefault:"true"`
}

type AuthConfig struct {
	JWTSecret  string        `env:"JWT_SECRET"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"60m"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"` // empty disables the token denylist
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type NATSConfig struct {
	URL string `env:"NATS_URL"` // empty disables event publishing
}

type ArchiveConfig struct {
	Endpoint  string `env:"ARCHIVE_ENDPOINT"` // empty disables the enrollment archive
	AccessKey string `env:"ARCHIVE_ACCESS_KEY"`
	SecretKey string `env:"ARCHIVE_SECRET_KEY"`
	Bucket    string `env:"ARCHIVE_BUCKET" envDefault:"face-enrollments"`
	UseSSL    bool   `env:"ARCHIVE_USE_SSL" envDefault:"false"`
}

type RateLimitConfig struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"2"`
	Burst int     `env:"RATE_LIMIT_BURST" envDefault:"5"`
}

type ModelsConfig struct {
	Models map[string]ModelProfile `yaml:"models"`
}

// ModelProfile describes one face embedding model.
type ModelProfile struct {
	Dim       int     `yaml:"dim"`
	Threshold float64 `yaml:"threshold"`
}

func Load() *Config {
	var models ModelsConfig
	if err := yaml.Unmarshal(modelsYAML, &models); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded models.yaml: " + err.Error())
	}

	cfg := &Config{Models: models}
	if err := env.Parse(cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// ModelProfile returns the profile of the configured embedding model,
// falling back to the built-in dlib defaults for unknown models.
func (c *Config) ModelProfile() ModelProfile {
	if p, ok := c.Models.Models[c.Embedding.Model]; ok {
		return p
	}
	return ModelProfile{Dim: constants.FaceEmbeddingDim, Threshold: constants.DefaultMatchThreshold}
}

// Threshold resolves the match threshold: explicit FACE_MATCH_THRESHOLD,
// then the model default, then the global default.
func (c *Config) Threshold() float64 {
	if c.Match.Threshold != 0 {
		return c.Match.Threshold
	}
	if t := c.ModelProfile().Threshold; t > 0 {
		return t
	}
	return constants.DefaultMatchThreshold
}

// EmbeddingDim resolves the expected embedding dimension.
func (c *Config) EmbeddingDim() int {
	if c.Embedding.Dim > 0 {
		return c.Embedding.Dim
	}
	if d := c.ModelProfile().Dim; d > 0 {
		return d
	}
	return constants.FaceEmbeddingDim
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the settings that the serve command cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	} else if len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 characters")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "mariadb":
		if c.Database.URL == "" {
			problems = append(problems, "DATABASE_URL is required for driver "+c.Database.Driver)
		}
	default:
		problems = append(problems, "unknown DATABASE_DRIVER "+c.Database.Driver)
	}
	if c.Capture.EnrollmentSamples <= 0 || c.Capture.VerificationSamples <= 0 {
		problems = append(problems, "capture sample counts must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
