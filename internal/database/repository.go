package database

import (
	"context"
	"errors"

	"github.com/kozaktomas/face-auth/internal/facematch"
)

var (
	// ErrEmailTaken is returned by Put when another identity already uses the email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidIdentity is returned by Put for identities that violate the directory invariants.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// IdentityReader provides read-only access to the identity directory.
// Implementations must be safe for concurrent use.
type IdentityReader interface {
	// Get retrieves an identity by face id, returns nil if not found
	Get(ctx context.Context, faceID string) (*StoredIdentity, error)
	// ExistsByEmail checks whether any identity carries the given email
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// References returns a snapshot of all reference sets in enrollment order
	References(ctx context.Context) ([]facematch.Reference, error)
	// ReferencesFor returns the reference sets of the given identities in enrollment order.
	// Unknown face ids are skipped.
	ReferencesFor(ctx context.Context, faceIDs []string) ([]facematch.Reference, error)
	// Count returns the number of enrolled identities
	Count(ctx context.Context) (int, error)
	// List returns all identities in enrollment order
	List(ctx context.Context) ([]IdentitySummary, error)
}

// IdentityWriter provides write access to the identity directory.
type IdentityWriter interface {
	IdentityReader

	// Put stores the identity, atomically replacing its whole reference set
	// when it already exists. Concurrent writers of the same identity: last writer wins.
	Put(ctx context.Context, identity *StoredIdentity) error
	// Delete removes an identity, reports whether it existed
	Delete(ctx context.Context, faceID string) (bool, error)
	// NextFaceID reserves a new sequential face id
	NextFaceID(ctx context.Context) (string, error)
}

// CandidateFinder preselects identities close to an embedding (approximate).
type CandidateFinder interface {
	NearestIdentities(ctx context.Context, embedding facematch.Embedding, k int) ([]string, error)
}

// HNSWRebuilder is an interface for directories that keep an HNSW index
type HNSWRebuilder interface {
	// RebuildHNSW rebuilds the in-memory HNSW index from the directory
	RebuildHNSW(ctx context.Context) error
	// HNSWCount returns the number of reference embeddings in the HNSW index
	HNSWCount() int
	// IsHNSWEnabled returns whether HNSW is enabled
	IsHNSWEnabled() bool
	// SaveHNSWIndex saves the current index to disk (if path configured)
	SaveHNSWIndex() error
}
