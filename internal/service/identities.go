package service

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// Get returns an identity by face id.
func (s *FaceAuth) Get(ctx context.Context, faceID string) (*database.StoredIdentity, error) {
	identity, err := s.dir.Get(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", facematch.ErrIdentityNotFound, faceID)
	}
	return identity, nil
}

// List returns all identities in enrollment order.
func (s *FaceAuth) List(ctx context.Context) ([]database.IdentitySummary, error) {
	list, err := s.dir.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	return list, nil
}

// Count returns the number of enrolled identities.
func (s *FaceAuth) Count(ctx context.Context) (int, error) {
	return s.dir.Count(ctx)
}

// Delete removes an identity.
func (s *FaceAuth) Delete(ctx context.Context, faceID string) error {
	existed, err := s.dir.Delete(ctx, faceID)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	if !existed {
		return fmt.Errorf("%w: %s", facematch.ErrIdentityNotFound, faceID)
	}
	s.log.Info("identity deleted", "face_id", faceID)
	s.publish(ctx, events.Event{Type: events.TypeDeleted, FaceID: faceID})
	return nil
}
