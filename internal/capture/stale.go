package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/fingerprint"
)

// StaleFilter drops frames that are identical to the previous frame, which
// happens when a camera keeps serving a frozen buffer.
type StaleFilter struct {
	src        facematch.FrameSource
	maxHamming int

	mu      sync.Mutex
	last    uint64
	hasLast bool
	dropped int
}

// NewStaleFilter wraps src. Two consecutive frames whose dHash differ in at
// most maxHamming bits are treated as the same image.
func NewStaleFilter(src facematch.FrameSource, maxHamming int) *StaleFilter {
	return &StaleFilter{src: src, maxHamming: maxHamming}
}

// NextFrame returns the next frame, or ErrFrameUnavailable for a repeated one.
// Frames that cannot be decoded are passed through unchanged.
func (f *StaleFilter) NextFrame(ctx context.Context) (facematch.Frame, error) {
	frame, err := f.src.NextFrame(ctx)
	if err != nil {
		return frame, err
	}

	hash, err := fingerprint.DHash(frame.Data)
	if err != nil {
		return frame, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stale := f.hasLast && fingerprint.Similar(f.last, hash, f.maxHamming)
	f.last = hash
	f.hasLast = true
	if stale {
		f.dropped++
		return facematch.Frame{}, fmt.Errorf("%w: stale frame", facematch.ErrFrameUnavailable)
	}
	return frame, nil
}

// Dropped returns the number of frames dropped as stale.
func (f *StaleFilter) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
