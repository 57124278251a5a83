// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/database/memory"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// MockDirectory is an in-memory database.IdentityWriter with error injection
// and call counters.
type MockDirectory struct {
	inner *memory.Directory

	mu    sync.Mutex
	calls map[string]int

	// Error injection
	GetError           error
	ExistsByEmailError error
	ReferencesError    error
	CountError         error
	ListError          error
	PutError           error
	DeleteError        error
	NextFaceIDError    error
}

// NewMockDirectory creates an empty mock directory
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		inner: memory.New(),
		calls: make(map[string]int),
	}
}

// AddIdentity stores an identity directly, bypassing error injection
func (m *MockDirectory) AddIdentity(identity database.StoredIdentity) {
	if err := m.inner.Put(context.Background(), &identity); err != nil {
		panic(err)
	}
}

// Calls returns how many times the named method was called
func (m *MockDirectory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockDirectory) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

// Get retrieves an identity by face id
func (m *MockDirectory) Get(ctx context.Context, faceID string) (*database.StoredIdentity, error) {
	m.record("Get")
	if m.GetError != nil {
		return nil, m.GetError
	}
	return m.inner.Get(ctx, faceID)
}

// ExistsByEmail checks whether the email is taken
func (m *MockDirectory) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	m.record("ExistsByEmail")
	if m.ExistsByEmailError != nil {
		return false, m.ExistsByEmailError
	}
	return m.inner.ExistsByEmail(ctx, email)
}

// References returns all reference sets
func (m *MockDirectory) References(ctx context.Context) ([]facematch.Reference, error) {
	m.record("References")
	if m.ReferencesError != nil {
		return nil, m.ReferencesError
	}
	return m.inner.References(ctx)
}

// ReferencesFor returns the reference sets of the given identities
func (m *MockDirectory) ReferencesFor(ctx context.Context, faceIDs []string) ([]facematch.Reference, error) {
	m.record("ReferencesFor")
	if m.ReferencesError != nil {
		return nil, m.ReferencesError
	}
	return m.inner.ReferencesFor(ctx, faceIDs)
}

// Count returns the number of identities
func (m *MockDirectory) Count(ctx context.Context) (int, error) {
	m.record("Count")
	if m.CountError != nil {
		return 0, m.CountError
	}
	return m.inner.Count(ctx)
}

// List returns all identities
func (m *MockDirectory) List(ctx context.Context) ([]database.IdentitySummary, error) {
	m.record("List")
	if m.ListError != nil {
		return nil, m.ListError
	}
	return m.inner.List(ctx)
}

// Put stores an identity
func (m *MockDirectory) Put(ctx context.Context, identity *database.StoredIdentity) error {
	m.record("Put")
	if m.PutError != nil {
		return m.PutError
	}
	return m.inner.Put(ctx, identity)
}

// Delete removes an identity
func (m *MockDirectory) Delete(ctx context.Context, faceID string) (bool, error) {
	m.record("Delete")
	if m.DeleteError != nil {
		return false, m.DeleteError
	}
	return m.inner.Delete(ctx, faceID)
}

// NextFaceID reserves a new face id
func (m *MockDirectory) NextFaceID(ctx context.Context) (string, error) {
	m.record("NextFaceID")
	if m.NextFaceIDError != nil {
		return "", m.NextFaceIDError
	}
	return m.inner.NextFaceID(ctx)
}

// MockCandidateFinder returns a fixed candidate list
type MockCandidateFinder struct {
	mu         sync.Mutex
	Candidates []string
	Error      error
	LastK      int
}

// NearestIdentities returns the configured candidates
func (m *MockCandidateFinder) NearestIdentities(_ context.Context, _ facematch.Embedding, k int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastK = k
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Candidates, nil
}

// Verify interface compliance.
var (
	_ database.IdentityWriter  = (*MockDirectory)(nil)
	_ database.CandidateFinder = (*MockCandidateFinder)(nil)
)
