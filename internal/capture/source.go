// Package capture provides frame sources for the stabilizer.
package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-auth/internal/facematch"
)

// imageExtensions lists the file extensions DirSource picks up.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"}

// SliceSource yields frames that were captured up front, e.g. uploaded with a request.
type SliceSource struct {
	mu     sync.Mutex
	frames []facematch.Frame
	pos    int
}

// NewSliceSource creates a source over the given frames.
func NewSliceSource(frames []facematch.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// NextFrame returns the next frame or ErrSourceExhausted after the last one.
func (s *SliceSource) NextFrame(ctx context.Context) (facematch.Frame, error) {
	if err := ctx.Err(); err != nil {
		return facematch.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.frames) {
		return facematch.Frame{}, facematch.ErrSourceExhausted
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Len returns the total number of frames.
func (s *SliceSource) Len() int {
	return len(s.frames)
}

// NewDirSource loads all image files of a directory (sorted by name) into a SliceSource.
func NewDirSource(dir string) (*SliceSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var frames []facematch.Frame
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", path, err)
		}
		info, err := entry.Info()
		capturedAt := time.Now()
		if err == nil {
			capturedAt = info.ModTime()
		}
		frames = append(frames, facematch.Frame{Data: data, CapturedAt: capturedAt})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no image files in %s", dir)
	}
	return NewSliceSource(frames), nil
}

// IsImageFile reports whether the file name has a supported image extension.
func IsImageFile(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

// SnapshotSource grabs a still image from an IP camera snapshot URL on every call.
// It never runs out of frames; the stabilizer's sample count and budget bound it.
type SnapshotSource struct {
	url      string
	client   *http.Client
	interval time.Duration
	maxBytes int64

	mu   sync.Mutex
	last time.Time
}

// SnapshotOption customizes a SnapshotSource.
type SnapshotOption func(*SnapshotSource)

// WithInterval enforces a minimum delay between two snapshots.
func WithInterval(d time.Duration) SnapshotOption {
	return func(s *SnapshotSource) { s.interval = d }
}

// WithSnapshotClient replaces the HTTP client.
func WithSnapshotClient(c *http.Client) SnapshotOption {
	return func(s *SnapshotSource) { s.client = c }
}

// NewSnapshotSource creates a camera source for the given URL.
func NewSnapshotSource(url string, opts ...SnapshotOption) *SnapshotSource {
	s := &SnapshotSource{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		maxBytes: 20 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextFrame fetches one snapshot. Transport failures and non-200 responses
// are reported as ErrFrameUnavailable so the stabilizer retries within budget.
func (s *SnapshotSource) NextFrame(ctx context.Context) (facematch.Frame, error) {
	if err := s.wait(ctx); err != nil {
		return facematch.Frame{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return facematch.Frame{}, fmt.Errorf("failed to create snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return facematch.Frame{}, ctx.Err()
		}
		return facematch.Frame{}, fmt.Errorf("%w: %v", facematch.ErrFrameUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return facematch.Frame{}, fmt.Errorf("%w: camera returned status %d", facematch.ErrFrameUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return facematch.Frame{}, fmt.Errorf("%w: %v", facematch.ErrFrameUnavailable, err)
	}
	if len(data) == 0 {
		return facematch.Frame{}, fmt.Errorf("%w: empty snapshot", facematch.ErrFrameUnavailable)
	}
	return facematch.Frame{Data: data, CapturedAt: time.Now()}, nil
}

func (s *SnapshotSource) wait(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	s.mu.Lock()
	delay := time.Until(s.last.Add(s.interval))
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
	return nil
}
