package facematch

import "errors"

var (
	// ErrNoFaceDetected is returned when stabilization collected zero usable samples.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrDimensionMismatch is returned when two embeddings have different lengths.
	// It signals an extractor model mismatch and is never coerced.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIdentityNotFound is returned when a verification targets an identity
	// that is not in the directory.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrFrameUnavailable is returned by frame sources for a transient capture failure.
	ErrFrameUnavailable = errors.New("frame unavailable")

	// ErrSourceExhausted is returned by finite frame sources after the last frame.
	ErrSourceExhausted = errors.New("frame source exhausted")

	// ErrExtractorUnavailable is returned when every extraction attempt failed,
	// so "no face" cannot be told apart from a broken extractor.
	ErrExtractorUnavailable = errors.New("face extractor unavailable")
)
