package facematch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// scriptedSource replays a fixed list of frames, each optionally failing.
type scriptedSource struct {
	mu     sync.Mutex
	frames []Frame
	errs   []error
	pos    int
	delay  time.Duration
}

func (s *scriptedSource) NextFrame(ctx context.Context) (Frame, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.frames) {
		return Frame{}, ErrSourceExhausted
	}
	i := s.pos
	s.pos++
	if s.errs != nil && s.errs[i] != nil {
		return Frame{}, s.errs[i]
	}
	return s.frames[i], nil
}

// keyedExtractor returns the faces registered for the frame's first byte.
type keyedExtractor struct {
	faces map[byte][]Face
	err   error
}

func (e *keyedExtractor) Extract(_ context.Context, frame Frame) ([]Face, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}
	return e.faces[frame.Data[0]], nil
}

func frames(keys ...byte) []Frame {
	out := make([]Frame, len(keys))
	for i, k := range keys {
		out[i] = Frame{Data: []byte{k}}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func embeddingsEqual(a, b Embedding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMedianEmbedding(t *testing.T) {
	tests := []struct {
		name     string
		samples  []Embedding
		expected Embedding
		wantErr  error
	}{
		{
			name:     "three samples",
			samples:  []Embedding{{1, 2}, {3, 2}, {2, 2}},
			expected: Embedding{2, 2},
		},
		{
			name:     "single sample is returned unchanged",
			samples:  []Embedding{{0.25, -0.5, 1}},
			expected: Embedding{0.25, -0.5, 1},
		},
		{
			name:     "even count averages middle values",
			samples:  []Embedding{{1}, {4}, {2}, {3}},
			expected: Embedding{2.5},
		},
		{
			name:     "outlier does not move the median",
			samples:  []Embedding{{0.1, 0.1}, {0.1, 0.1}, {9, -9}},
			expected: Embedding{0.1, 0.1},
		},
		{
			name:    "empty",
			samples: nil,
			wantErr: ErrNoFaceDetected,
		},
		{
			name:    "dimension mismatch",
			samples: []Embedding{{1, 2}, {1}},
			wantErr: ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MedianEmbedding(tt.samples)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("MedianEmbedding() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("MedianEmbedding() unexpected error: %v", err)
			}
			if !embeddingsEqual(result, tt.expected) {
				t.Errorf("MedianEmbedding() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMedianEmbedding_OrderInvariant(t *testing.T) {
	samples := []Embedding{{5, 1, 0}, {1, 3, 2}, {4, 2, 9}, {2, 8, 1}, {3, 0, 4}}
	want, err := MedianEmbedding(samples)
	if err != nil {
		t.Fatal(err)
	}

	permutations := [][]int{{4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {1, 4, 0, 3, 2}}
	for _, perm := range permutations {
		shuffled := make([]Embedding, len(samples))
		for i, j := range perm {
			shuffled[i] = samples[j]
		}
		got, err := MedianEmbedding(shuffled)
		if err != nil {
			t.Fatal(err)
		}
		if !embeddingsEqual(got, want) {
			t.Errorf("permutation %v: got %v, want %v", perm, got, want)
		}
	}
}

func TestMedianEmbedding_DoesNotModifyInput(t *testing.T) {
	samples := []Embedding{{3}, {1}, {2}}
	if _, err := MedianEmbedding(samples); err != nil {
		t.Fatal(err)
	}
	if samples[0][0] != 3 || samples[1][0] != 1 || samples[2][0] != 2 {
		t.Errorf("input modified: %v", samples)
	}
}

func TestStabilize(t *testing.T) {
	faceA := Face{Embedding: Embedding{1, 2}, BBox: []float64{0, 0, 10, 10}}
	faceB := Face{Embedding: Embedding{3, 2}, BBox: []float64{1, 1, 11, 11}}
	faceC := Face{Embedding: Embedding{2, 2}, BBox: []float64{0, 1, 10, 11}}
	far := Face{Embedding: Embedding{9, 9}, BBox: []float64{500, 500, 600, 600}}

	extractor := &keyedExtractor{faces: map[byte][]Face{
		'a': {faceA},
		'b': {faceB},
		'c': {faceC},
		'm': {faceC, far},
		'f': {far},
		'n': nil,
	}}

	tests := []struct {
		name      string
		src       *scriptedSource
		samples   int
		expected  Embedding
		wantErr   error
		wantStats StabilizeStats
	}{
		{
			name:      "median of three frames",
			src:       &scriptedSource{frames: frames('a', 'b', 'c')},
			samples:   3,
			expected:  Embedding{2, 2},
			wantStats: StabilizeStats{Attempts: 3, Samples: 3},
		},
		{
			name:      "no-face frames are skipped",
			src:       &scriptedSource{frames: frames('n', 'a', 'n', 'b', 'c')},
			samples:   5,
			expected:  Embedding{2, 2},
			wantStats: StabilizeStats{Attempts: 5, Samples: 3, NoFace: 2},
		},
		{
			name:      "all frames without face",
			src:       &scriptedSource{frames: frames('n', 'n', 'n')},
			samples:   3,
			wantErr:   ErrNoFaceDetected,
			wantStats: StabilizeStats{},
		},
		{
			name:      "sample limit stops capture",
			src:       &scriptedSource{frames: frames('a', 'b', 'c', 'c', 'c')},
			samples:   1,
			expected:  Embedding{1, 2},
			wantStats: StabilizeStats{Attempts: 1, Samples: 1},
		},
		{
			name:      "exhausted source uses what was collected",
			src:       &scriptedSource{frames: frames('a', 'c')},
			samples:   50,
			expected:  Embedding{1.5, 2},
			wantStats: StabilizeStats{Attempts: 2, Samples: 2},
		},
		{
			name: "unavailable frames are skipped",
			src: &scriptedSource{
				frames: frames('a', 'x', 'b', 'c'),
				errs:   []error{nil, ErrFrameUnavailable, nil, nil},
			},
			samples:   4,
			expected:  Embedding{2, 2},
			wantStats: StabilizeStats{Attempts: 4, Samples: 3, Unavailable: 1},
		},
		{
			name:      "first face of a multi-face frame is used",
			src:       &scriptedSource{frames: frames('a', 'm', 'b')},
			samples:   3,
			expected:  Embedding{2, 2},
			wantStats: StabilizeStats{Attempts: 3, Samples: 3, MultiFace: 1},
		},
		{
			name:      "track jumps are counted",
			src:       &scriptedSource{frames: frames('a', 'f', 'a')},
			samples:   3,
			expected:  Embedding{1, 2},
			wantStats: StabilizeStats{Attempts: 3, Samples: 3, TrackJumps: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStabilizer(extractor, discardLogger())
			result, err := s.Stabilize(context.Background(), tt.src, StabilizeOptions{
				Samples: tt.samples,
				Budget:  5 * time.Second,
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Stabilize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Stabilize() unexpected error: %v", err)
			}
			if !embeddingsEqual(result.Embedding, tt.expected) {
				t.Errorf("Stabilize() embedding = %v, want %v", result.Embedding, tt.expected)
			}

			got := result.Stats
			got.Elapsed = 0
			if got != tt.wantStats {
				t.Errorf("Stabilize() stats = %+v, want %+v", got, tt.wantStats)
			}
		})
	}
}

func TestStabilize_BudgetExpiryKeepsPartialSamples(t *testing.T) {
	src := &scriptedSource{frames: frames('a', 'a', 'a', 'a', 'a', 'a'), delay: 30 * time.Millisecond}
	extractor := &keyedExtractor{faces: map[byte][]Face{'a': {{Embedding: Embedding{0.5}}}}}
	s := NewStabilizer(extractor, discardLogger())

	result, err := s.Stabilize(context.Background(), src, StabilizeOptions{
		Samples: 50,
		Budget:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Stabilize() unexpected error: %v", err)
	}
	if !result.Stats.BudgetExpired {
		t.Error("expected BudgetExpired")
	}
	if result.Stats.Samples == 0 || result.Stats.Samples >= 6 {
		t.Errorf("expected a partial sample set, got %d samples", result.Stats.Samples)
	}
	if result.Embedding[0] != 0.5 {
		t.Errorf("embedding = %v, want [0.5]", result.Embedding)
	}
}

func TestStabilize_BudgetExpiryWithoutSamples(t *testing.T) {
	src := &scriptedSource{frames: frames('a'), delay: time.Second}
	extractor := &keyedExtractor{faces: map[byte][]Face{'a': {{Embedding: Embedding{1}}}}}
	s := NewStabilizer(extractor, discardLogger())

	_, err := s.Stabilize(context.Background(), src, StabilizeOptions{
		Samples: 1,
		Budget:  20 * time.Millisecond,
	})
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("Stabilize() error = %v, want ErrNoFaceDetected", err)
	}
}

func TestStabilize_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewStabilizer(&keyedExtractor{}, discardLogger())
	_, err := s.Stabilize(ctx, &scriptedSource{frames: frames('a')}, StabilizeOptions{Samples: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Stabilize() error = %v, want context.Canceled", err)
	}
}

func TestStabilize_ExtractorFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewStabilizer(&keyedExtractor{err: boom}, discardLogger())

	_, err := s.Stabilize(context.Background(), &scriptedSource{frames: frames('a', 'b')}, StabilizeOptions{Samples: 2})
	if !errors.Is(err, ErrExtractorUnavailable) {
		t.Fatalf("Stabilize() error = %v, want ErrExtractorUnavailable", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Stabilize() error should wrap the extractor error, got %v", err)
	}
}

func TestStabilize_KeepFrames(t *testing.T) {
	extractor := &keyedExtractor{faces: map[byte][]Face{'a': {{Embedding: Embedding{1}}}}}
	s := NewStabilizer(extractor, discardLogger())

	result, err := s.Stabilize(context.Background(), &scriptedSource{frames: frames('a', 'n', 'a')}, StabilizeOptions{
		Samples:    3,
		KeepFrames: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Frames) != 2 {
		t.Errorf("expected 2 kept frames, got %d", len(result.Frames))
	}
}

func TestStabilize_InvalidSamples(t *testing.T) {
	s := NewStabilizer(&keyedExtractor{}, discardLogger())
	if _, err := s.Stabilize(context.Background(), &scriptedSource{}, StabilizeOptions{Samples: 0}); err == nil {
		t.Error("expected error for zero samples")
	}
}

func TestBudgetContext(t *testing.T) {
	tests := []struct {
		name         string
		budget       time.Duration
		wantDeadline bool
	}{
		{name: "with budget", budget: time.Minute, wantDeadline: true},
		{name: "no budget", budget: 0, wantDeadline: false},
		{name: "negative budget", budget: -time.Second, wantDeadline: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent, parentCancel := context.WithCancel(context.Background())
			defer parentCancel()

			ctx, cancel := budgetContext(parent, tt.budget)
			if _, ok := ctx.Deadline(); ok != tt.wantDeadline {
				t.Errorf("Deadline() set = %v, want %v", ok, tt.wantDeadline)
			}

			cancel()
			select {
			case <-ctx.Done():
			default:
				t.Fatal("cancel() did not release the worker context")
			}
			if parent.Err() != nil {
				t.Error("cancel() reached the parent context")
			}
		})
	}
}
