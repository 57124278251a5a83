package database

import (
	"fmt"
	"time"

	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// StoredIdentity is one enrolled identity with its reference embeddings.
type StoredIdentity struct {
	FaceID       string // directory key
	Name         string
	Email        string // empty for identities enrolled without an account
	PasswordHash string
	Model        string
	Embeddings   []facematch.Embedding
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy, so callers never share embedding slices with a store.
func (s *StoredIdentity) Clone() *StoredIdentity {
	if s == nil {
		return nil
	}
	out := *s
	out.Embeddings = make([]facematch.Embedding, len(s.Embeddings))
	for i, e := range s.Embeddings {
		out.Embeddings[i] = e.Clone()
	}
	return &out
}

// Dim returns the dimension of the first reference embedding, 0 when there are none.
func (s *StoredIdentity) Dim() int {
	if len(s.Embeddings) == 0 {
		return 0
	}
	return len(s.Embeddings[0])
}

// Reference converts the identity into a matcher reference.
func (s *StoredIdentity) Reference() facematch.Reference {
	return facematch.Reference{Identity: s.FaceID, Embeddings: s.Embeddings}
}

// Summary returns the identity without credentials and embeddings.
func (s *StoredIdentity) Summary() IdentitySummary {
	return IdentitySummary{
		FaceID:     s.FaceID,
		Name:       s.Name,
		Email:      s.Email,
		Model:      s.Model,
		References: len(s.Embeddings),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// Validate checks the invariants every stored identity must satisfy.
func (s *StoredIdentity) Validate() error {
	if s.FaceID == "" {
		return fmt.Errorf("%w: empty face id", ErrInvalidIdentity)
	}
	if len(s.Embeddings) == 0 {
		return fmt.Errorf("%w: identity %s has no reference embeddings", ErrInvalidIdentity, s.FaceID)
	}
	dim := len(s.Embeddings[0])
	if dim == 0 {
		return fmt.Errorf("%w: identity %s has an empty embedding", ErrInvalidIdentity, s.FaceID)
	}
	for i, e := range s.Embeddings {
		if len(e) != dim {
			return fmt.Errorf("%w: identity %s reference %d has %d dimensions, expected %d",
				facematch.ErrDimensionMismatch, s.FaceID, i, len(e), dim)
		}
	}
	return nil
}

// IdentitySummary is the listing view of an identity.
type IdentitySummary struct {
	FaceID     string    `json:"face_id"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Model      string    `json:"model"`
	References int       `json:"references"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FormatFaceID renders a directory sequence number as a zero-padded face id ("0004").
func FormatFaceID(seq int64) string {
	return fmt.Sprintf("%0*d", constants.FaceIDWidth, seq)
}
