// Package facematch turns noisy face embeddings into identity decisions.
// It holds the stabilizer (many frames -> one reference embedding), the matcher
// (candidate vs. directory) and the threshold decision policy.
package facematch

import (
	"context"
	"time"
)

// Embedding is a fixed-length face descriptor produced by the extractor.
// Embeddings are treated as immutable; use Clone before handing one to another owner.
type Embedding []float32

// Clone returns a copy of the embedding.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// Dim returns the embedding dimension.
func (e Embedding) Dim() int {
	return len(e)
}

// Face is a single detection returned by an Extractor.
type Face struct {
	Embedding Embedding
	BBox      []float64 // [x1, y1, x2, y2] in pixels
	DetScore  float64
}

// Frame is one captured image.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Extractor detects faces in a frame and computes their embeddings.
// A frame without faces yields an empty slice and no error. The order of the
// returned faces is stable within one call.
type Extractor interface {
	Extract(ctx context.Context, frame Frame) ([]Face, error)
}

// FrameSource yields frames one at a time. It returns ErrFrameUnavailable when
// a frame could not be captured right now and ErrSourceExhausted when no more
// frames will ever be produced.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
}

// Reference is the reference set of one identity in a directory snapshot.
type Reference struct {
	Identity   string
	Embeddings []Embedding
}

// MatchResult is the closest identity found for a candidate.
// Identity is empty and Distance is +Inf when nothing was compared.
type MatchResult struct {
	Identity string
	Distance float64
}

// Found reports whether any reference was compared.
func (m MatchResult) Found() bool {
	return m.Identity != ""
}
