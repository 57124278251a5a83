package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// Grant is issued after a successful verification.
type Grant struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	FaceID      string    `json:"face_id"`
	Distance    float64   `json:"distance"`
}

// Identification is the outcome of a 1:N lookup.
type Identification struct {
	Decision   facematch.Decision
	Name       string
	Email      string
	Candidates int // identities compared exactly
	Stats      facematch.StabilizeStats
}

// Login verifies the captured face against one claimed identity and issues a
// token when the distance is below the threshold.
func (s *FaceAuth) Login(ctx context.Context, faceID string, src facematch.FrameSource) (*Grant, error) {
	if faceID == "" {
		return nil, fmt.Errorf("%w: face id is required", ErrInvalidInput)
	}
	if s.tokens == nil {
		return nil, errors.New("token issuer not configured")
	}

	identity, err := s.dir.Get(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if identity == nil {
		s.log.Info("verification for unknown identity", "face_id", faceID)
		return nil, fmt.Errorf("%w: %s", facematch.ErrIdentityNotFound, faceID)
	}

	st, err := s.stabilize(ctx, src, s.verificationOptions())
	if err != nil {
		return nil, err
	}

	distance, err := facematch.MatchOne(st.Embedding, identity.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("matching against %q: %w", faceID, err)
	}

	if !s.policy.Accepts(distance) {
		s.log.Info("verification rejected", "face_id", faceID, "distance", distance, "threshold", s.policy.Threshold)
		s.publish(ctx, events.Event{Type: events.TypeRejected, FaceID: faceID, Distance: events.Ptr(distance)})
		return nil, fmt.Errorf("%w: distance %.4f", ErrFaceMismatch, distance)
	}

	subject := identity.Email
	if subject == "" {
		subject = faceID
	}
	token, expiresAt, err := s.tokens.Issue(subject, faceID)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	s.log.Info("verification accepted", "face_id", faceID, "distance", distance)
	s.publish(ctx, events.Event{Type: events.TypeVerified, FaceID: faceID, Distance: events.Ptr(distance)})

	return &Grant{
		AccessToken: token,
		TokenType:   constants.TokenType,
		ExpiresAt:   expiresAt,
		FaceID:      faceID,
		Distance:    distance,
	}, nil
}

// Identify finds the closest enrolled identity to the captured face. With a
// candidate finder the search is narrowed to its preselection and re-ranked
// exactly; an empty or failed preselection falls back to the full directory.
func (s *FaceAuth) Identify(ctx context.Context, src facematch.FrameSource) (*Identification, error) {
	st, err := s.stabilize(ctx, src, s.verificationOptions())
	if err != nil {
		return nil, err
	}

	refs, err := s.references(ctx, st.Embedding)
	if err != nil {
		return nil, err
	}

	match, err := facematch.Match(st.Embedding, refs)
	if err != nil {
		return nil, err
	}
	decision := s.policy.Decide(match)

	out := &Identification{Decision: decision, Candidates: len(refs), Stats: st.Stats}
	if !decision.Accepted {
		s.log.Info("face not identified", "nearest", decision.Nearest, "distance", decision.Distance)
		s.publish(ctx, events.Event{Type: events.TypeUnknown, FaceID: decision.Nearest, Distance: finite(decision.Distance)})
		return out, nil
	}

	identity, err := s.dir.Get(ctx, decision.Identity)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if identity != nil {
		out.Name = identity.Name
		out.Email = identity.Email
	}

	s.log.Info("face identified", "face_id", decision.Identity, "distance", decision.Distance)
	s.publish(ctx, events.Event{Type: events.TypeIdentified, FaceID: decision.Identity, Distance: events.Ptr(decision.Distance)})
	return out, nil
}

// references returns the reference sets to compare a candidate against.
func (s *FaceAuth) references(ctx context.Context, candidate facematch.Embedding) ([]facematch.Reference, error) {
	if s.candidates != nil {
		ids, err := s.candidates.NearestIdentities(ctx, candidate, s.topK)
		switch {
		case errors.Is(err, facematch.ErrDimensionMismatch):
			return nil, err
		case err != nil:
			s.log.Warn("candidate preselection failed, scanning all identities", "err", err)
		case len(ids) > 0:
			refs, err := s.dir.ReferencesFor(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("loading candidate references: %w", err)
			}
			return refs, nil
		}
	}

	refs, err := s.dir.References(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading references: %w", err)
	}
	return refs, nil
}

// finite drops the +Inf distance of an empty directory.
func finite(d float64) *float64 {
	if math.IsInf(d, 0) {
		return nil
	}
	return events.Ptr(d)
}
