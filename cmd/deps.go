package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kozaktomas/face-auth/internal/archive"
	"github.com/kozaktomas/face-auth/internal/auth"
	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/database/mariadb"
	"github.com/kozaktomas/face-auth/internal/database/memory"
	"github.com/kozaktomas/face-auth/internal/database/postgres"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/fingerprint"
	"github.com/kozaktomas/face-auth/internal/logger"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/kozaktomas/face-auth/internal/web/handlers"
)

// runtime holds everything a command needs, plus what must be closed on exit.
type runtime struct {
	cfg       *config.Config
	log       *slog.Logger
	dir       database.IdentityWriter
	indexed   *database.Indexed
	extractor *fingerprint.EmbeddingClient
	svc       *service.FaceAuth
	denylist  auth.Denylist
	checks    map[string]handlers.Pinger
	closers   []io.Closer
}

// pingFunc adapts a health function to handlers.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// closerFunc adapts a close function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// runtimeOptions selects the optional parts of the runtime.
type runtimeOptions struct {
	tokens   service.TokenIssuer
	services bool // connect redis, nats and the archive
}

// newLogger builds the logger honoring --log-level over LOG_LEVEL.
func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logger.New(level)
}

// openDirectory connects the configured identity directory and returns the
// pgvector candidate finder when the backend offers one.
func openDirectory(ctx context.Context, cfg *config.Config, log *slog.Logger) (database.IdentityWriter, database.CandidateFinder, io.Closer, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using in-memory identity directory, enrollments are lost on exit")
		return memory.New(), nil, nil, nil
	case "mariadb":
		pool, err := mariadb.Open(ctx, &cfg.Database, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize MariaDB: %w", err)
		}
		return mariadb.NewIdentityRepository(pool), nil, pool, nil
	case "postgres", "":
		if cfg.Database.URL == "" {
			return nil, nil, nil, errors.New("DATABASE_URL environment variable is required")
		}
		pool, err := postgres.Open(ctx, &cfg.Database, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		repo := postgres.NewIdentityRepository(pool)
		return repo, repo, pool, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.Database.Driver)
	}
}

// newRuntime wires the directory, extractor and service from the configuration.
func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	log := newLogger(cfg)
	rt := &runtime{cfg: cfg, log: log, checks: make(map[string]handlers.Pinger)}

	dir, candidates, closer, err := openDirectory(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
		if p, ok := closer.(handlers.Pinger); ok {
			rt.checks["database"] = p
		}
	}

	rt.indexed = database.NewIndexed(dir, cfg.Database.HNSWIndexPath, log)
	rt.dir = rt.indexed
	if cfg.Database.HNSWEnabled {
		if err := rt.indexed.EnableHNSW(ctx); err != nil {
			log.Warn("failed to build face index, identification scans the directory", "err", err)
		} else {
			candidates = rt.indexed
		}
	}

	rt.extractor = fingerprint.NewEmbeddingClient(cfg.Embedding.URL, cfg.Embedding.Model,
		fingerprint.WithTimeout(cfg.Embedding.Timeout),
		fingerprint.WithMaxImageSize(cfg.Capture.MaxImageSize),
	)
	rt.checks["extractor"] = pingFunc(rt.extractor.Health)

	policy, err := facematch.NewPolicy(cfg.Threshold())
	if err != nil {
		rt.Close()
		return nil, err
	}

	deps := service.Deps{
		Directory:  rt.dir,
		Candidates: candidates,
		Stabilizer: facematch.NewStabilizer(rt.extractor, log),
		Policy:     policy,
		Tokens:     opts.tokens,
		Hasher:     auth.NewHasher(cfg.Auth.BcryptCost),
		Log:        log,
		Capture: service.CaptureSettings{
			EnrollmentSamples:   cfg.Capture.EnrollmentSamples,
			EnrollmentBudget:    cfg.Capture.EnrollmentBudget,
			VerificationSamples: cfg.Capture.VerificationSamples,
			VerificationBudget:  cfg.Capture.VerificationBudget,
		},
		Model: cfg.Embedding.Model,
		Dim:   cfg.EmbeddingDim(),
	}

	if opts.services {
		if err := rt.connectServices(ctx, &deps); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if rt.denylist == nil {
		rt.denylist = auth.NewMemoryDenylist()
	}

	rt.svc, err = service.New(deps)
	if err != nil {
		rt.Close()
		return nil, err
	}

	log.Info("face auth ready",
		"driver", cfg.Database.Driver,
		"model", cfg.Embedding.Model,
		"dim", deps.Dim,
		"threshold", policy.Threshold,
		"hnsw", rt.indexed.IsHNSWEnabled(),
	)
	return rt, nil
}

// connectServices connects the token denylist, the event bus and the frame archive.
func (rt *runtime) connectServices(ctx context.Context, deps *service.Deps) error {
	cfg, log := rt.cfg, rt.log

	if cfg.Redis.Addr != "" {
		dl, err := auth.NewRedisDenylist(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		rt.denylist = dl
		rt.closers = append(rt.closers, dl)
		log.Info("token denylist enabled", "redis", cfg.Redis.Addr)
	} else {
		log.Warn("REDIS_ADDR not set, revoked tokens are only remembered by this process")
	}

	if cfg.NATS.URL != "" {
		pub, nc, err := events.Connect(log, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		deps.Events = pub
		rt.closers = append(rt.closers, closerFunc(func() error {
			return nc.Drain()
		}))
		log.Info("event publishing enabled", "nats", cfg.NATS.URL)
	}

	if cfg.Archive.Endpoint != "" {
		arc, err := archive.NewMinio(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to archive: %w", err)
		}
		deps.Archive = arc
		log.Info("enrollment archive enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}
	return nil
}

// Close saves the face index and releases every connection.
func (rt *runtime) Close() {
	if rt.indexed != nil && rt.indexed.IsHNSWEnabled() {
		if err := rt.indexed.SaveHNSWIndex(); err != nil {
			rt.log.Warn("failed to save face index", "err", err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.log.Warn("close failed", "err", err)
		}
	}
	rt.closers = nil
}
