package database

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/hnsw"
	"github.com/klauspost/compress/zstd"

	"github.com/kozaktomas/face-auth/internal/facematch"
)

const hnswFormatVersion = 2

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	Version    int
	References  int
	Fingerprint uint64 // ReferencesFingerprint of the indexed content
	Dim         int
	NextID     int64
	BuildTime  time.Time
	Keys       map[int64]string // HNSW node key -> face id
}

// HNSWIndex wraps an HNSW graph over reference embeddings. Each node is one
// reference embedding; nodeToFace maps it back to the identity.
type HNSWIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[int64]
	nodeToFace map[int64]string
	faceNodes  map[string][]int64
	nextID     int64
	dim        int
	tombstones int // graph nodes no longer mapped to an identity
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		graph:      newGraph(),
		nodeToFace: make(map[int64]string),
		faceNodes:  make(map[string][]int64),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// BuildFromReferences replaces the index content with the given reference sets.
func (h *HNSWIndex) BuildFromReferences(refs []facematch.Reference) error {
	fresh := NewHNSWIndex()
	for _, ref := range refs {
		if err := fresh.add(ref.Identity, ref.Embeddings); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = fresh.graph
	h.nodeToFace = fresh.nodeToFace
	h.faceNodes = fresh.faceNodes
	h.nextID = fresh.nextID
	h.dim = fresh.dim
	h.tombstones = 0
	return nil
}

// Replace swaps the reference set of one identity.
func (h *HNSWIndex) Replace(faceID string, embeddings []facematch.Embedding) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(faceID)
	err := h.add(faceID, embeddings)
	h.compactIfNeeded()
	return err
}

// Remove drops an identity from the index.
func (h *HNSWIndex) Remove(faceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(faceID)
	h.compactIfNeeded()
}

func (h *HNSWIndex) add(faceID string, embeddings []facematch.Embedding) error {
	for _, e := range embeddings {
		if len(e) == 0 {
			continue
		}
		if h.dim == 0 {
			h.dim = len(e)
		}
		if len(e) != h.dim {
			return fmt.Errorf("%w: index holds %d-dimensional embeddings, got %d",
				facematch.ErrDimensionMismatch, h.dim, len(e))
		}
		h.nextID++
		h.graph.Add(hnsw.MakeNode(h.nextID, []float32(e.Clone())))
		h.nodeToFace[h.nextID] = faceID
		h.faceNodes[faceID] = append(h.faceNodes[faceID], h.nextID)
	}
	return nil
}

// remove unmaps the identity's nodes. The nodes stay in the graph as
// tombstones; graph.Delete is unsafe in coder/hnsw v0.6.1 and Search already
// skips keys missing from nodeToFace.
func (h *HNSWIndex) remove(faceID string) {
	for _, id := range h.faceNodes[faceID] {
		delete(h.nodeToFace, id)
		h.tombstones++
	}
	delete(h.faceNodes, faceID)
}

// compactIfNeeded rebuilds the graph from the live nodes once tombstones
// outnumber them. Node keys are kept.
func (h *HNSWIndex) compactIfNeeded() {
	if h.tombstones == 0 || h.tombstones <= len(h.nodeToFace) {
		return
	}

	g := newGraph()
	for id := range h.nodeToFace {
		vec, ok := h.graph.Lookup(id)
		if !ok {
			continue
		}
		g.Add(hnsw.MakeNode(id, vec))
	}
	h.graph = g
	h.tombstones = 0
}

// Search returns up to k distinct face ids ordered by their nearest reference.
func (h *HNSWIndex) Search(query facematch.Embedding, k int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || len(h.nodeToFace) == 0 {
		return nil, nil
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: index holds %d-dimensional embeddings, query has %d",
			facematch.ErrDimensionMismatch, h.dim, len(query))
	}

	neighbors := h.graph.Search([]float32(query), k*HNSWSearchMultiplier+h.tombstones)

	seen := make(map[string]bool, k)
	out := make([]string, 0, k)
	for _, n := range neighbors {
		faceID, ok := h.nodeToFace[n.Key]
		if !ok || seen[faceID] {
			continue
		}
		seen[faceID] = true
		out = append(out, faceID)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Count returns the number of indexed reference embeddings.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodeToFace)
}

// Identities returns the number of indexed identities.
func (h *HNSWIndex) Identities() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.faceNodes)
}

// references rebuilds the reference sets held by the index. Embeddings keep
// the order they were added in.
func (h *HNSWIndex) references() []facematch.Reference {
	refs := make([]facematch.Reference, 0, len(h.faceNodes))
	for faceID, ids := range h.faceNodes {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		ref := facematch.Reference{Identity: faceID}
		for _, id := range sorted {
			if vec, ok := h.graph.Lookup(id); ok {
				ref.Embeddings = append(ref.Embeddings, facematch.Embedding(vec))
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// ReferencesFingerprint hashes reference sets independent of identity order.
// Empty embeddings are skipped, matching what the index stores.
func ReferencesFingerprint(refs []facematch.Reference) uint64 {
	sorted := slices.Clone(refs)
	slices.SortFunc(sorted, func(a, b facematch.Reference) int {
		return cmp.Compare(a.Identity, b.Identity)
	})

	d := xxhash.New()
	var buf [4]byte
	for _, ref := range sorted {
		_, _ = d.WriteString(ref.Identity)
		_, _ = d.Write([]byte{0})
		for _, e := range ref.Embeddings {
			if len(e) == 0 {
				continue
			}
			for _, v := range e {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				_, _ = d.Write(buf[:])
			}
			_, _ = d.Write([]byte{1})
		}
		_, _ = d.Write([]byte{2})
	}
	return d.Sum64()
}

// Save persists the index as a zstd-compressed stream of metadata followed by the graph.
// An empty index removes the file.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if path == "" {
		return nil
	}
	if len(h.nodeToFace) == 0 {
		_ = os.Remove(path) // best-effort cleanup
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}

	if err := h.writeTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move HNSW index into place: %w", err)
	}
	return nil
}

func (h *HNSWIndex) writeTo(f *os.File) error {
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	meta := HNSWIndexMetadata{
		Version:    hnswFormatVersion,
		References:  len(h.nodeToFace),
		Fingerprint: ReferencesFingerprint(h.references()),
		Dim:         h.dim,
		NextID:      h.nextID,
		BuildTime:   time.Now(),
		Keys:        h.nodeToFace,
	}
	if err := gob.NewEncoder(zw).Encode(meta); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode HNSW metadata: %w", err)
	}
	if err := h.graph.Export(zw); err != nil {
		_ = zw.Close()
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd stream: %w", err)
	}
	return nil
}

// LoadHNSWIndex reads an index written by Save.
func LoadHNSWIndex(path string) (*HNSWIndex, HNSWIndexMetadata, error) {
	var meta HNSWIndexMetadata

	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, meta, fmt.Errorf("failed to open HNSW index: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	if err := gob.NewDecoder(br).Decode(&meta); err != nil {
		return nil, meta, fmt.Errorf("failed to decode HNSW metadata: %w", err)
	}
	if meta.Version != hnswFormatVersion {
		return nil, meta, fmt.Errorf("unsupported HNSW index version %d", meta.Version)
	}

	g := newGraph()
	if err := g.Import(br); err != nil {
		return nil, meta, fmt.Errorf("importing HNSW graph: %w", err)
	}

	idx := &HNSWIndex{
		graph:      g,
		nodeToFace: make(map[int64]string, len(meta.Keys)),
		faceNodes:  make(map[string][]int64),
		nextID:     meta.NextID,
		dim:        meta.Dim,
	}
	for id, faceID := range meta.Keys {
		idx.nodeToFace[id] = faceID
		idx.faceNodes[faceID] = append(idx.faceNodes[faceID], id)
	}
	idx.tombstones = max(g.Len()-len(idx.nodeToFace), 0)
	if len(idx.nodeToFace) == 0 {
		return nil, meta, errors.New("HNSW index file holds no references")
	}
	return idx, meta, nil
}
