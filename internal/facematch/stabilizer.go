package facematch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// trackJumpIoU is the overlap below which the selected face in two consecutive
// frames is counted as a different position (possible different person).
const trackJumpIoU = 0.3

// StabilizeOptions bounds one stabilization run.
type StabilizeOptions struct {
	Samples    int           // maximum number of frames to attempt (N)
	Budget     time.Duration // wall-clock budget (T), <= 0 means no time limit
	KeepFrames bool          // retain the frames that produced samples
}

// StabilizeStats describes what happened during a stabilization run.
type StabilizeStats struct {
	Attempts      int           `json:"attempts"`
	Samples       int           `json:"samples"`
	NoFace        int           `json:"no_face"`
	Unavailable   int           `json:"unavailable"`
	ExtractErrors int           `json:"extract_errors"`
	MultiFace     int           `json:"multi_face"`
	TrackJumps    int           `json:"track_jumps"`
	BudgetExpired bool          `json:"budget_expired"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Stabilization is the outcome of a successful stabilization run.
type Stabilization struct {
	Embedding Embedding
	Frames    []Frame // only populated with StabilizeOptions.KeepFrames
	Stats     StabilizeStats
}

// Stabilizer aggregates per-frame embeddings into one representative embedding.
type Stabilizer struct {
	extractor Extractor
	log       *slog.Logger
}

// NewStabilizer creates a stabilizer that runs frames through the given extractor.
func NewStabilizer(extractor Extractor, log *slog.Logger) *Stabilizer {
	if log == nil {
		log = slog.Default()
	}
	return &Stabilizer{extractor: extractor, log: log}
}

// sampleSet is shared between the capture worker and the waiting caller.
type sampleSet struct {
	mu         sync.Mutex
	samples    []Embedding
	frames     []Frame
	stats      StabilizeStats
	lastBox    []float64
	lastErr    error
	keepFrames bool
}

// Stabilize captures up to opts.Samples frames from src (or until opts.Budget
// elapses) on a dedicated worker and returns the per-dimension median of all
// collected embeddings. Frames without a face, unavailable frames and failed
// extractions are skipped. When a frame holds several faces the first one in
// extractor order is used. Samples collected before the budget expired are
// still used; zero samples yield ErrNoFaceDetected.
func (s *Stabilizer) Stabilize(ctx context.Context, src FrameSource, opts StabilizeOptions) (*Stabilization, error) {
	if opts.Samples <= 0 {
		return nil, fmt.Errorf("invalid sample count %d", opts.Samples)
	}

	start := time.Now()
	workCtx, cancel := budgetContext(ctx, opts.Budget)
	defer cancel()

	set := &sampleSet{keepFrames: opts.KeepFrames}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.collect(workCtx, src, opts.Samples, set)
	}()

	select {
	case <-done:
	case <-workCtx.Done():
		// The worker may still be blocked inside the source or extractor;
		// whatever it collected so far is used and later results are dropped.
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stabilization cancelled: %w", err)
	}

	set.mu.Lock()
	samples := slices.Clone(set.samples)
	frames := slices.Clone(set.frames)
	stats := set.stats
	lastErr := set.lastErr
	set.mu.Unlock()

	stats.Samples = len(samples)
	stats.BudgetExpired = errors.Is(workCtx.Err(), context.DeadlineExceeded)
	stats.Elapsed = time.Since(start)

	s.log.Debug("stabilization finished",
		"attempts", stats.Attempts,
		"samples", stats.Samples,
		"no_face", stats.NoFace,
		"unavailable", stats.Unavailable,
		"multi_face", stats.MultiFace,
		"track_jumps", stats.TrackJumps,
		"budget_expired", stats.BudgetExpired,
		"elapsed_ms", stats.Elapsed.Milliseconds(),
	)
	if stats.TrackJumps > 0 {
		s.log.Warn("selected face moved between frames, samples may mix several people",
			"track_jumps", stats.TrackJumps, "multi_face", stats.MultiFace)
	}

	if len(samples) == 0 {
		extracted := stats.Attempts - stats.Unavailable
		if stats.ExtractErrors > 0 && stats.ExtractErrors == extracted {
			return nil, fmt.Errorf("%w: %w", ErrExtractorUnavailable, lastErr)
		}
		return nil, ErrNoFaceDetected
	}

	median, err := MedianEmbedding(samples)
	if err != nil {
		return nil, err
	}

	return &Stabilization{
		Embedding: median,
		Frames:    frames,
		Stats:     stats,
	}, nil
}

// budgetContext derives the worker context; budget <= 0 means no deadline.
func budgetContext(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}

// collect runs on the capture worker.
func (s *Stabilizer) collect(ctx context.Context, src FrameSource, n int, set *sampleSet) {
	for range n {
		if ctx.Err() != nil {
			return
		}

		frame, err := src.NextFrame(ctx)
		if ctx.Err() != nil {
			return
		}

		set.mu.Lock()
		set.stats.Attempts++
		set.mu.Unlock()

		if errors.Is(err, ErrSourceExhausted) {
			set.mu.Lock()
			set.stats.Attempts--
			set.mu.Unlock()
			return
		}
		if err != nil {
			if !errors.Is(err, ErrFrameUnavailable) {
				s.log.Debug("frame source error", "err", err)
			}
			set.mu.Lock()
			set.stats.Unavailable++
			set.mu.Unlock()
			continue
		}

		faces, err := s.extractor.Extract(ctx, frame)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Debug("face extraction failed", "err", err)
			set.mu.Lock()
			set.stats.ExtractErrors++
			set.lastErr = err
			set.mu.Unlock()
			continue
		}

		set.add(frame, faces)
	}
}

// add records the first face of a frame as a sample.
func (set *sampleSet) add(frame Frame, faces []Face) {
	set.mu.Lock()
	defer set.mu.Unlock()

	if len(faces) == 0 {
		set.stats.NoFace++
		return
	}
	if len(faces) > 1 {
		set.stats.MultiFace++
	}

	face := faces[0]
	if len(face.BBox) == 4 {
		if set.lastBox != nil && ComputeIoU(set.lastBox, face.BBox) < trackJumpIoU {
			set.stats.TrackJumps++
		}
		set.lastBox = face.BBox
	}

	set.samples = append(set.samples, face.Embedding.Clone())
	if set.keepFrames {
		set.frames = append(set.frames, frame)
	}
}

// MedianEmbedding returns the per-dimension median of the samples.
// For an even number of samples the two middle values are averaged.
func MedianEmbedding(samples []Embedding) (Embedding, error) {
	if len(samples) == 0 {
		return nil, ErrNoFaceDetected
	}

	dim := len(samples[0])
	for i, sample := range samples {
		if len(sample) != dim {
			return nil, fmt.Errorf("%w: sample %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(sample), dim)
		}
	}

	out := make(Embedding, dim)
	column := make([]float64, len(samples))
	for d := range dim {
		for i, sample := range samples {
			column[i] = float64(sample[d])
		}
		out[d] = float32(computeMedian(column))
	}
	return out, nil
}

// computeMedian returns the median value from a slice without modifying it.
func computeMedian(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
