// Package memory provides an in-process identity directory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// Directory keeps identities in memory in enrollment order. Reads take a
// shared lock; Put replaces an identity's stored copy in one step.
type Directory struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*database.StoredIdentity
	seq   int64
	now   func() time.Time
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		byID: make(map[string]*database.StoredIdentity),
		now:  time.Now,
	}
}

// Get retrieves an identity by face id, returns nil if not found.
func (d *Directory) Get(_ context.Context, faceID string) (*database.StoredIdentity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[faceID].Clone(), nil
}

// ExistsByEmail checks whether any identity carries the email (case-insensitive).
func (d *Directory) ExistsByEmail(_ context.Context, email string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.emailOwner(email) != "", nil
}

func (d *Directory) emailOwner(email string) string {
	if email == "" {
		return ""
	}
	for id, identity := range d.byID {
		if strings.EqualFold(identity.Email, email) {
			return id
		}
	}
	return ""
}

// References returns a snapshot of all reference sets in enrollment order.
func (d *Directory) References(_ context.Context) ([]facematch.Reference, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	refs := make([]facematch.Reference, 0, len(d.order))
	for _, id := range d.order {
		// stored embeddings are never mutated in place, so sharing them is safe
		refs = append(refs, d.byID[id].Reference())
	}
	return refs, nil
}

// ReferencesFor returns the reference sets of the given identities in enrollment order.
func (d *Directory) ReferencesFor(_ context.Context, faceIDs []string) ([]facematch.Reference, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	refs := make([]facematch.Reference, 0, len(faceIDs))
	for _, id := range d.order {
		if slices.Contains(faceIDs, id) {
			refs = append(refs, d.byID[id].Reference())
		}
	}
	return refs, nil
}

// Count returns the number of enrolled identities.
func (d *Directory) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order), nil
}

// List returns all identities in enrollment order.
func (d *Directory) List(_ context.Context) ([]database.IdentitySummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]database.IdentitySummary, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id].Summary())
	}
	return out, nil
}

// Put stores a copy of the identity, replacing any previous version.
func (d *Directory) Put(_ context.Context, identity *database.StoredIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	stored := identity.Clone()

	d.mu.Lock()
	defer d.mu.Unlock()

	if owner := d.emailOwner(stored.Email); owner != "" && owner != stored.FaceID {
		return fmt.Errorf("%w: %s", database.ErrEmailTaken, stored.Email)
	}

	now := d.now()
	stored.UpdatedAt = now
	if prev, ok := d.byID[stored.FaceID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
		d.order = append(d.order, stored.FaceID)
	}
	d.byID[stored.FaceID] = stored
	return nil
}

// Delete removes an identity, reports whether it existed.
func (d *Directory) Delete(_ context.Context, faceID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[faceID]; !ok {
		return false, nil
	}
	delete(d.byID, faceID)
	d.order = slices.DeleteFunc(d.order, func(id string) bool { return id == faceID })
	return true, nil
}

// NextFaceID reserves the next free sequential face id.
func (d *Directory) NextFaceID(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		d.seq++
		id := database.FormatFaceID(d.seq)
		if _, taken := d.byID[id]; !taken {
			return id, nil
		}
	}
}

// Verify interface compliance.
var _ database.IdentityWriter = (*Directory)(nil)
