package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// RegisterInput is an account enrollment request.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Source   facematch.FrameSource
}

// EnrollInput enrolls an identity without an account (CLI enrollment).
type EnrollInput struct {
	Name   string
	Source facematch.FrameSource
}

// Enrollment is the outcome of a successful enrollment.
type Enrollment struct {
	FaceID string                   `json:"face_id"`
	Stats  facematch.StabilizeStats `json:"stats"`
}

// Register enrolls a new account: the email must be unused, the stabilized
// embedding becomes the identity's only reference.
func (s *FaceAuth) Register(ctx context.Context, in RegisterInput) (*Enrollment, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if s.hasher == nil {
		return nil, errors.New("password hasher not configured")
	}

	exists, err := s.dir.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("checking email: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	st, err := s.stabilize(ctx, in.Source, s.enrollmentOptions())
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	return s.store(ctx, &database.StoredIdentity{
		Name:         in.Name,
		Email:        email,
		PasswordHash: hash,
	}, st)
}

// Enroll adds an identity known only by name.
func (s *FaceAuth) Enroll(ctx context.Context, in EnrollInput) (*Enrollment, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	st, err := s.stabilize(ctx, in.Source, s.enrollmentOptions())
	if err != nil {
		return nil, err
	}
	return s.store(ctx, &database.StoredIdentity{Name: in.Name}, st)
}

// store assigns a face id and writes a new identity.
func (s *FaceAuth) store(ctx context.Context, identity *database.StoredIdentity, st *facematch.Stabilization) (*Enrollment, error) {
	faceID, err := s.dir.NextFaceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("assigning face id: %w", err)
	}
	identity.FaceID = faceID
	identity.Model = s.model
	identity.Embeddings = []facematch.Embedding{st.Embedding}

	if err := s.dir.Put(ctx, identity); err != nil {
		if errors.Is(err, database.ErrEmailTaken) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("storing identity: %w", err)
	}

	s.log.Info("identity enrolled", "face_id", faceID, "samples", st.Stats.Samples,
		"attempts", st.Stats.Attempts, "budget_expired", st.Stats.BudgetExpired)
	s.archiveFrames(ctx, faceID, st.Frames)
	s.publish(ctx, events.Event{Type: events.TypeEnrolled, FaceID: faceID, Samples: st.Stats.Samples})

	return &Enrollment{FaceID: faceID, Stats: st.Stats}, nil
}

// Reenroll captures a new reference embedding and replaces the identity's
// whole reference set. Identities with a password require it.
func (s *FaceAuth) Reenroll(ctx context.Context, faceID, password string, src facematch.FrameSource) (*Enrollment, error) {
	identity, err := s.dir.Get(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", facematch.ErrIdentityNotFound, faceID)
	}
	if identity.PasswordHash != "" {
		if s.hasher == nil {
			return nil, errors.New("password hasher not configured")
		}
		if err := s.hasher.Verify(identity.PasswordHash, password); err != nil {
			s.log.Info("re-enrollment refused", "face_id", faceID, "reason", err)
			return nil, ErrInvalidCredentials
		}
	}

	st, err := s.stabilize(ctx, src, s.enrollmentOptions())
	if err != nil {
		return nil, err
	}

	identity.Model = s.model
	identity.Embeddings = []facematch.Embedding{st.Embedding}
	if err := s.dir.Put(ctx, identity); err != nil {
		return nil, fmt.Errorf("storing identity: %w", err)
	}

	s.log.Info("identity re-enrolled", "face_id", faceID, "samples", st.Stats.Samples)
	s.archiveFrames(ctx, faceID, st.Frames)
	s.publish(ctx, events.Event{Type: events.TypeReenrolled, FaceID: faceID, Samples: st.Stats.Samples})

	return &Enrollment{FaceID: faceID, Stats: st.Stats}, nil
}
