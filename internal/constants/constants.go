// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Face matching constants
const (
	// DefaultMatchThreshold is the maximum Euclidean distance accepted as the same person.
	// Lower values = stricter matching
	DefaultMatchThreshold = 0.45

	// FaceEmbeddingDim is the descriptor length of the default (dlib ResNet) model
	FaceEmbeddingDim = 128

	// DefaultFaceModel is the extractor model assumed when none is configured
	DefaultFaceModel = "dlib_resnet_v1"
)

// Capture constants
const (
	// EnrollmentSamples is the number of frames attempted when enrolling
	EnrollmentSamples = 50

	// EnrollmentBudget is the wall-clock limit for enrollment capture
	EnrollmentBudget = 6 * time.Second

	// VerificationSamples is the number of frames attempted when verifying
	VerificationSamples = 1

	// VerificationBudget is the wall-clock limit for verification capture
	VerificationBudget = 3 * time.Second

	// MaxImageSize is the maximum dimension (width or height) sent to the extractor
	MaxImageSize = 1920

	// StaleFrameHammingDistance is the dHash distance at or below which two
	// consecutive frames are considered the same stuck image
	StaleFrameHammingDistance = 0
)

// Auth constants
const (
	// TokenTTL is the lifetime of issued access tokens
	TokenTTL = 60 * time.Minute

	// TokenType is returned alongside access tokens
	TokenType = "bearer"

	// FaceIDWidth is the zero-padded width of sequential face ids
	FaceIDWidth = 4
)

// HNSW constants
const (
	// HNSWCandidateIdentities is how many identities the index preselects for exact re-ranking
	HNSWCandidateIdentities = 10
)

// Processing constants
const (
	// DefaultConcurrency is the default number of parallel enrollment workers
	DefaultConcurrency = 4

	// EventChannelBuffer is the buffer size for the async event publisher
	EventChannelBuffer = 100
)

// File upload constants
const (
	// MaxUploadSize is the maximum multipart request size in bytes (64MB)
	MaxUploadSize = 64 << 20

	// MaxFramesPerRequest is the maximum number of frame files accepted in one request
	MaxFramesPerRequest = 60
)
