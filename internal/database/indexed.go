package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kozaktomas/face-auth/internal/facematch"
)

// Indexed decorates a directory with an in-memory HNSW index over all
// reference embeddings. Writes go to the directory first and then to the index.
type Indexed struct {
	IdentityWriter

	log       *slog.Logger
	indexPath string

	mu      sync.RWMutex
	index   *HNSWIndex
	enabled bool
}

// NewIndexed wraps dir. The index stays disabled until EnableHNSW is called.
func NewIndexed(dir IdentityWriter, indexPath string, log *slog.Logger) *Indexed {
	if log == nil {
		log = slog.Default()
	}
	return &Indexed{IdentityWriter: dir, indexPath: indexPath, log: log}
}

// EnableHNSW loads the index from disk when it matches the directory,
// otherwise builds it from a fresh reference snapshot and saves it.
func (d *Indexed) EnableHNSW(ctx context.Context) error {
	refs, err := d.IdentityWriter.References(ctx)
	if err != nil {
		return fmt.Errorf("failed to load references: %w", err)
	}
	total := 0
	for _, ref := range refs {
		for _, e := range ref.Embeddings {
			if len(e) > 0 {
				total++
			}
		}
	}

	if d.indexPath != "" {
		if idx, ok := d.tryLoad(total, ReferencesFingerprint(refs)); ok {
			d.mu.Lock()
			d.index = idx
			d.enabled = true
			d.mu.Unlock()
			return nil
		}
	}

	idx := NewHNSWIndex()
	if err := idx.BuildFromReferences(refs); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}
	d.log.Info("face index built", "identities", idx.Identities(), "references", idx.Count())

	d.mu.Lock()
	d.index = idx
	d.enabled = true
	d.mu.Unlock()

	if d.indexPath != "" && total > 0 {
		if err := idx.Save(d.indexPath); err != nil {
			d.log.Warn("failed to save face index", "path", d.indexPath, "err", err)
		}
	}
	return nil
}

func (d *Indexed) tryLoad(references int, fingerprint uint64) (*HNSWIndex, bool) {
	idx, meta, err := LoadHNSWIndex(d.indexPath)
	if err != nil {
		d.log.Info("face index not loaded, rebuilding", "path", d.indexPath, "reason", err)
		return nil, false
	}
	if meta.References != references {
		d.log.Info("face index stale, rebuilding",
			"cached_references", meta.References, "directory_references", references)
		return nil, false
	}
	if meta.Fingerprint != fingerprint {
		d.log.Info("face index content differs from directory, rebuilding", "references", references)
		return nil, false
	}
	d.log.Info("face index loaded from disk", "path", d.indexPath, "references", meta.References,
		"built_at", meta.BuildTime)
	return idx, true
}

// DisableHNSW drops the index.
func (d *Indexed) DisableHNSW() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	d.index = nil
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (d *Indexed) IsHNSWEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled && d.index != nil
}

// HNSWCount returns the number of reference embeddings in the HNSW index.
func (d *Indexed) HNSWCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.index == nil {
		return 0
	}
	return d.index.Count()
}

// RebuildHNSW rebuilds the index from the directory.
func (d *Indexed) RebuildHNSW(ctx context.Context) error {
	refs, err := d.IdentityWriter.References(ctx)
	if err != nil {
		return fmt.Errorf("failed to load references: %w", err)
	}
	idx := NewHNSWIndex()
	if err := idx.BuildFromReferences(refs); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}

	d.mu.Lock()
	d.index = idx
	d.enabled = true
	d.mu.Unlock()
	return nil
}

// SaveHNSWIndex saves the current index to disk (if path configured).
func (d *Indexed) SaveHNSWIndex() error {
	d.mu.RLock()
	idx := d.index
	d.mu.RUnlock()

	if d.indexPath == "" || idx == nil {
		return nil
	}
	if err := idx.Save(d.indexPath); err != nil {
		return fmt.Errorf("saving HNSW face index: %w", err)
	}
	d.log.Info("face index saved", "path", d.indexPath, "references", idx.Count())
	return nil
}

// Put stores the identity and refreshes its index entries.
func (d *Indexed) Put(ctx context.Context, identity *StoredIdentity) error {
	if err := d.IdentityWriter.Put(ctx, identity); err != nil {
		return err
	}
	if idx := d.activeIndex(); idx != nil {
		if err := idx.Replace(identity.FaceID, identity.Embeddings); err != nil {
			// The directory stays authoritative; a broken index is dropped.
			d.log.Error("face index update failed, disabling index", "face_id", identity.FaceID, "err", err)
			d.DisableHNSW()
		}
	}
	return nil
}

// Delete removes the identity from the directory and the index.
func (d *Indexed) Delete(ctx context.Context, faceID string) (bool, error) {
	existed, err := d.IdentityWriter.Delete(ctx, faceID)
	if err != nil {
		return false, err
	}
	if idx := d.activeIndex(); idx != nil {
		idx.Remove(faceID)
	}
	return existed, nil
}

// NearestIdentities preselects up to k identities using the index. While the
// index is disabled it defers to the wrapped directory when that can search by
// itself, otherwise it returns nil (every identity is a candidate).
func (d *Indexed) NearestIdentities(ctx context.Context, embedding facematch.Embedding, k int) ([]string, error) {
	idx := d.activeIndex()
	if idx == nil {
		if finder, ok := d.IdentityWriter.(CandidateFinder); ok {
			return finder.NearestIdentities(ctx, embedding, k)
		}
		return nil, nil
	}
	return idx.Search(embedding, k)
}

func (d *Indexed) activeIndex() *HNSWIndex {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.enabled {
		return nil
	}
	return d.index
}

// Verify interface compliance.
var (
	_ IdentityWriter  = (*Indexed)(nil)
	_ HNSWRebuilder   = (*Indexed)(nil)
	_ CandidateFinder = (*Indexed)(nil)
)
