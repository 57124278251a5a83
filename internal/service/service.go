// Package service implements enrollment, verification and identification on
// top of the face matching core and an identity directory.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kozaktomas/face-auth/internal/archive"
	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

var (
	// ErrUserExists is returned when registering an email that is already enrolled.
	ErrUserExists = errors.New("user already exists")

	// ErrFaceMismatch is returned when the captured face is not close enough
	// to the claimed identity (the Unknown decision).
	ErrFaceMismatch = errors.New("face does not match")

	// ErrInvalidCredentials is returned when a password check fails.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput is returned for missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// TokenIssuer issues access tokens for verified identities.
type TokenIssuer interface {
	Issue(subject, faceID string) (token string, expiresAt time.Time, err error)
}

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) error
}

// CaptureSettings bounds the stabilization runs of each operation.
type CaptureSettings struct {
	EnrollmentSamples   int
	EnrollmentBudget    time.Duration
	VerificationSamples int
	VerificationBudget  time.Duration
}

// DefaultCaptureSettings returns the enrollment (50 frames / 6 s) and
// verification (1 frame / 3 s) defaults.
func DefaultCaptureSettings() CaptureSettings {
	return CaptureSettings{
		EnrollmentSamples:   constants.EnrollmentSamples,
		EnrollmentBudget:    constants.EnrollmentBudget,
		VerificationSamples: constants.VerificationSamples,
		VerificationBudget:  constants.VerificationBudget,
	}
}

// Deps holds the collaborators of FaceAuth. Candidates, Tokens, Hasher,
// Events and Archive are optional.
type Deps struct {
	Directory  database.IdentityWriter
	Candidates database.CandidateFinder
	Stabilizer *facematch.Stabilizer
	Policy     facematch.Policy
	Tokens     TokenIssuer
	Hasher     PasswordHasher
	Events     events.Publisher
	Archive    archive.Archive
	Log        *slog.Logger
	Capture    CaptureSettings
	Model      string
	// Dim is the embedding dimension of the configured model, 0 disables the check.
	Dim int
	// CandidateIdentities is how many identities the candidate finder preselects.
	CandidateIdentities int
}

// FaceAuth is the face authentication service.
type FaceAuth struct {
	dir        database.IdentityWriter
	candidates database.CandidateFinder
	stabilizer *facematch.Stabilizer
	policy     facematch.Policy
	tokens     TokenIssuer
	hasher     PasswordHasher
	events     events.Publisher
	archive    archive.Archive
	log        *slog.Logger
	capture    CaptureSettings
	model      string
	dim        int
	topK       int
}

// New validates the dependencies and creates the service.
func New(d Deps) (*FaceAuth, error) {
	if d.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if d.Stabilizer == nil {
		return nil, errors.New("stabilizer is required")
	}
	if d.Policy.Threshold <= 0 {
		return nil, errors.New("match policy is required")
	}
	if d.Capture.EnrollmentSamples <= 0 || d.Capture.VerificationSamples <= 0 {
		return nil, fmt.Errorf("invalid capture settings %+v", d.Capture)
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Archive == nil {
		d.Archive = archive.Noop{}
	}
	if d.CandidateIdentities <= 0 {
		d.CandidateIdentities = constants.HNSWCandidateIdentities
	}

	return &FaceAuth{
		dir:        d.Directory,
		candidates: d.Candidates,
		stabilizer: d.Stabilizer,
		policy:     d.Policy,
		tokens:     d.Tokens,
		hasher:     d.Hasher,
		events:     d.Events,
		archive:    d.Archive,
		log:        d.Log,
		capture:    d.Capture,
		model:      d.Model,
		dim:        d.Dim,
		topK:       d.CandidateIdentities,
	}, nil
}

// Policy returns the active decision policy.
func (s *FaceAuth) Policy() facematch.Policy {
	return s.policy
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *FaceAuth) enrollmentOptions() facematch.StabilizeOptions {
	return facematch.StabilizeOptions{
		Samples:    s.capture.EnrollmentSamples,
		Budget:     s.capture.EnrollmentBudget,
		KeepFrames: true,
	}
}

func (s *FaceAuth) verificationOptions() facematch.StabilizeOptions {
	return facematch.StabilizeOptions{
		Samples: s.capture.VerificationSamples,
		Budget:  s.capture.VerificationBudget,
	}
}

// stabilize runs the stabilizer and checks the embedding against the configured model.
func (s *FaceAuth) stabilize(ctx context.Context, src facematch.FrameSource, opts facematch.StabilizeOptions) (*facematch.Stabilization, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no frame source", ErrInvalidInput)
	}
	st, err := s.stabilizer.Stabilize(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	if s.dim > 0 && st.Embedding.Dim() != s.dim {
		return nil, fmt.Errorf("%w: extractor returned %d dimensions, model %s expects %d",
			facematch.ErrDimensionMismatch, st.Embedding.Dim(), s.model, s.dim)
	}
	return st, nil
}

// publish sends an event, failures are only logged.
func (s *FaceAuth) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("failed to publish event", "type", e.Type, "face_id", e.FaceID, "err", err)
	}
}

// archiveFrames stores enrollment frames, failures are only logged.
func (s *FaceAuth) archiveFrames(ctx context.Context, faceID string, frames []facematch.Frame) {
	if len(frames) == 0 {
		return
	}
	data := make([][]byte, len(frames))
	for i, f := range frames {
		data[i] = f.Data
	}
	if n, err := s.archive.StoreFrames(ctx, faceID, data); err != nil {
		s.log.Warn("failed to archive enrollment frames", "face_id", faceID, "stored", n, "err", err)
	}
}
