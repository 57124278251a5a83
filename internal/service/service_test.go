package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-auth/internal/auth"
	"github.com/kozaktomas/face-auth/internal/capture"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/database/mock"
	"github.com/kozaktomas/face-auth/internal/events"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"golang.org/x/crypto/bcrypt"
)

// fakeExtractor maps frame contents to a single face embedding. Unknown
// contents yield no face.
type fakeExtractor struct {
	faces map[string]facematch.Embedding
}

func (f *fakeExtractor) Extract(_ context.Context, frame facematch.Frame) ([]facematch.Face, error) {
	e, ok := f.faces[string(frame.Data)]
	if !ok {
		return nil, nil
	}
	return []facematch.Face{{Embedding: e.Clone()}}, nil
}

type fakeTokens struct {
	mu     sync.Mutex
	issued []string
}

func (f *fakeTokens) Issue(subject, faceID string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, subject+"|"+faceID)
	return "token-" + faceID, time.Now().Add(time.Hour), nil
}

type fakeArchive struct {
	mu     sync.Mutex
	stored map[string]int
	err    error
}

func (f *fakeArchive) StoreFrames(_ context.Context, faceID string, frames [][]byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.stored[faceID] += len(frames)
	return len(frames), nil
}

type fixture struct {
	svc     *FaceAuth
	dir     *mock.MockDirectory
	tokens  *fakeTokens
	events  *events.Recorder
	archive *fakeArchive
}

func newFixture(t *testing.T, modify ...func(*Deps)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	extractor := &fakeExtractor{faces: map[string]facematch.Embedding{
		"alice-1": {0, 0, 0},
		"alice-2": {0.1, 0, 0},
		"alice-3": {0.2, 0, 0},
		"alice-4": {0.15, 0.05, 0},
		"bob-1":   {1, 1, 1},
		"bob-2":   {1.1, 1, 1},
		"eve-1":   {5, 5, 5},
		"short":   {1, 2},
	}}
	policy, err := facematch.NewPolicy(0.45)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		dir:     mock.NewMockDirectory(),
		tokens:  &fakeTokens{},
		events:  events.NewRecorder(100),
		archive: &fakeArchive{stored: make(map[string]int)},
	}
	deps := Deps{
		Directory:  f.dir,
		Stabilizer: facematch.NewStabilizer(extractor, log),
		Policy:     policy,
		Tokens:     f.tokens,
		Hasher:     auth.NewHasher(bcrypt.MinCost),
		Events:     f.events,
		Archive:    f.archive,
		Log:        log,
		Capture: CaptureSettings{
			EnrollmentSamples:   10,
			EnrollmentBudget:    time.Second,
			VerificationSamples: 1,
			VerificationBudget:  time.Second,
		},
		Model: "test",
		Dim:   3,
	}
	for _, m := range modify {
		m(&deps)
	}
	f.svc, err = New(deps)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func frames(names ...string) facematch.FrameSource {
	out := make([]facematch.Frame, len(names))
	for i, n := range names {
		out[i] = facematch.Frame{Data: []byte(n)}
	}
	return capture.NewSliceSource(out)
}

func eventTypes(r *events.Recorder) []events.Type {
	var out []events.Type
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without directory should fail")
	}
	f := newFixture(t)
	if _, err := New(Deps{Directory: f.dir, Stabilizer: f.svc.stabilizer}); err == nil {
		t.Error("New() without policy should fail")
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	enr, err := f.svc.Register(ctx, RegisterInput{
		Email:    "  Alice@Example.com ",
		Password: "secret",
		Source:   frames("alice-1", "noise", "alice-2", "alice-3"),
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if enr.FaceID != "0001" {
		t.Errorf("FaceID = %q, want 0001", enr.FaceID)
	}
	if enr.Stats.Samples != 3 || enr.Stats.NoFace != 1 {
		t.Errorf("stats = %+v", enr.Stats)
	}

	stored, _ := f.dir.Get(ctx, "0001")
	if stored.Email != "alice@example.com" {
		t.Errorf("email stored as %q", stored.Email)
	}
	if stored.PasswordHash == "secret" || stored.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}
	if len(stored.Embeddings) != 1 || stored.Embeddings[0][0] != 0.1 {
		t.Errorf("reference = %v, want the median [0.1 0 0]", stored.Embeddings)
	}
	if f.archive.stored["0001"] != 3 {
		t.Errorf("archived %d frames, want 3", f.archive.stored["0001"])
	}
	if got := eventTypes(f.events); len(got) != 1 || got[0] != events.TypeEnrolled {
		t.Errorf("events = %v", got)
	}
}

func TestRegister_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		input   RegisterInput
		wantErr error
	}{
		{
			name:    "missing password",
			input:   RegisterInput{Email: "a@example.com", Source: frames("alice-1")},
			wantErr: ErrInvalidInput,
		},
		{
			name: "email taken",
			setup: func(f *fixture) {
				f.dir.AddIdentity(database.StoredIdentity{
					FaceID: "0009", Email: "a@example.com", Embeddings: []facematch.Embedding{{1, 1, 1}},
				})
			},
			input:   RegisterInput{Email: "A@example.com", Password: "x", Source: frames("alice-1")},
			wantErr: ErrUserExists,
		},
		{
			name:    "no face",
			input:   RegisterInput{Email: "a@example.com", Password: "x", Source: frames("noise", "noise")},
			wantErr: facematch.ErrNoFaceDetected,
		},
		{
			name:    "no source",
			input:   RegisterInput{Email: "a@example.com", Password: "x"},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "wrong model dimension",
			input:   RegisterInput{Email: "a@example.com", Password: "x", Source: frames("short")},
			wantErr: facematch.ErrDimensionMismatch,
		},
		{
			name:    "email taken between check and write",
			setup:   func(f *fixture) { f.dir.PutError = database.ErrEmailTaken },
			input:   RegisterInput{Email: "a@example.com", Password: "x", Source: frames("alice-1")},
			wantErr: ErrUserExists,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			_, err := f.svc.Register(ctx, tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegister_ArchiveFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.archive.err = errors.New("bucket gone")

	if _, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "a@example.com", Password: "x", Source: frames("alice-1"),
	}); err != nil {
		t.Errorf("Register() error = %v, archive failures must be ignored", err)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	enr, err := f.svc.Register(ctx, RegisterInput{
		Email: "alice@example.com", Password: "x", Source: frames("alice-1", "alice-2", "alice-3"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.events.Events()

	t.Run("accepted", func(t *testing.T) {
		grant, err := f.svc.Login(ctx, enr.FaceID, frames("alice-4"))
		if err != nil {
			t.Fatalf("Login() error: %v", err)
		}
		if grant.AccessToken != "token-0001" || grant.TokenType != "bearer" {
			t.Errorf("grant = %+v", grant)
		}
		if grant.Distance >= 0.45 {
			t.Errorf("distance = %v", grant.Distance)
		}
		if f.tokens.issued[0] != "alice@example.com|0001" {
			t.Errorf("token issued for %q", f.tokens.issued[0])
		}
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := f.svc.Login(ctx, enr.FaceID, frames("bob-1"))
		if !errors.Is(err, ErrFaceMismatch) {
			t.Errorf("Login() error = %v, want ErrFaceMismatch", err)
		}
	})

	t.Run("unknown identity", func(t *testing.T) {
		_, err := f.svc.Login(ctx, "0404", frames("alice-1"))
		if !errors.Is(err, facematch.ErrIdentityNotFound) {
			t.Errorf("Login() error = %v, want ErrIdentityNotFound", err)
		}
	})

	t.Run("no face", func(t *testing.T) {
		_, err := f.svc.Login(ctx, enr.FaceID, frames("noise"))
		if !errors.Is(err, facematch.ErrNoFaceDetected) {
			t.Errorf("Login() error = %v, want ErrNoFaceDetected", err)
		}
	})

	got := eventTypes(f.events)
	want := []events.Type{events.TypeVerified, events.TypeRejected}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestLogin_ThresholdIsStrict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(d *Deps) { d.Policy = facematch.Policy{Threshold: 0.5} })
	f.dir.AddIdentity(database.StoredIdentity{
		FaceID: "0001", Embeddings: []facematch.Embedding{{0.5, 0, 0}},
	})

	// alice-1 is the origin, exactly 0.5 away
	if _, err := f.svc.Login(ctx, "0001", frames("alice-1")); !errors.Is(err, ErrFaceMismatch) {
		t.Errorf("Login() at distance == threshold error = %v, want ErrFaceMismatch", err)
	}
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0001", Name: "Alice", Embeddings: []facematch.Embedding{{0, 0, 0}}})
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0002", Name: "Bob", Embeddings: []facematch.Embedding{{1, 1, 1}}})

	t.Run("known face", func(t *testing.T) {
		id, err := f.svc.Identify(ctx, frames("bob-2"))
		if err != nil {
			t.Fatalf("Identify() error: %v", err)
		}
		if !id.Decision.Accepted || id.Decision.Identity != "0002" || id.Name != "Bob" {
			t.Errorf("Identify() = %+v", id)
		}
		if id.Candidates != 2 {
			t.Errorf("compared %d identities, want 2", id.Candidates)
		}
	})

	t.Run("unknown face", func(t *testing.T) {
		id, err := f.svc.Identify(ctx, frames("eve-1"))
		if err != nil {
			t.Fatalf("Identify() error: %v", err)
		}
		if id.Decision.Accepted || id.Decision.Identity != "" || id.Decision.Nearest != "0002" {
			t.Errorf("Identify() = %+v", id.Decision)
		}
	})
}

func TestIdentify_EmptyDirectory(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.Identify(context.Background(), frames("alice-1"))
	if err != nil {
		t.Fatal(err)
	}
	if id.Decision.Accepted || id.Decision.Nearest != "" {
		t.Errorf("Identify() on empty directory = %+v", id.Decision)
	}
	for _, e := range f.events.Events() {
		if e.Distance != nil {
			t.Errorf("event distance = %v, want nil for +Inf", *e.Distance)
		}
	}
}

func TestIdentify_UsesCandidates(t *testing.T) {
	ctx := context.Background()
	finder := &mock.MockCandidateFinder{Candidates: []string{"0002"}}
	f := newFixture(t, func(d *Deps) {
		d.Candidates = finder
		d.CandidateIdentities = 5
	})
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0001", Embeddings: []facematch.Embedding{{0, 0, 0}}})
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0002", Embeddings: []facematch.Embedding{{1, 1, 1}}})

	id, err := f.svc.Identify(ctx, frames("bob-1"))
	if err != nil {
		t.Fatal(err)
	}
	if id.Candidates != 1 || id.Decision.Identity != "0002" {
		t.Errorf("Identify() = %+v", id)
	}
	if finder.LastK != 5 {
		t.Errorf("preselected %d identities, want 5", finder.LastK)
	}
	if f.dir.Calls("References") != 0 {
		t.Error("full snapshot loaded although candidates were found")
	}

	finder.Error = errors.New("index down")
	id, err = f.svc.Identify(ctx, frames("alice-1"))
	if err != nil {
		t.Fatal(err)
	}
	if id.Candidates != 2 || id.Decision.Identity != "0001" {
		t.Errorf("fallback Identify() = %+v", id)
	}
}

func TestIdentify_DimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Dim = 0 })
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0001", Embeddings: []facematch.Embedding{{0, 0, 0}}})

	_, err := f.svc.Identify(context.Background(), frames("short"))
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Errorf("Identify() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestIdentify_CandidateDimensionMismatchIsFatal(t *testing.T) {
	finder := &mock.MockCandidateFinder{
		Error: fmt.Errorf("%w: directory holds 512-dimensional embeddings, candidate has 3", facematch.ErrDimensionMismatch),
	}
	f := newFixture(t, func(d *Deps) { d.Candidates = finder })
	f.dir.AddIdentity(database.StoredIdentity{FaceID: "0001", Embeddings: []facematch.Embedding{{0, 0, 0}}})

	_, err := f.svc.Identify(context.Background(), frames("alice-1"))
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Errorf("Identify() error = %v, want ErrDimensionMismatch", err)
	}
	if f.dir.Calls("References") != 0 {
		t.Error("fell back to a full scan after a dimension mismatch")
	}
}

func TestReenroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	enr, _ := f.svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "pw", Source: frames("alice-1")})

	if _, err := f.svc.Reenroll(ctx, enr.FaceID, "wrong", frames("bob-1")); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Reenroll() with wrong password error = %v", err)
	}
	if _, err := f.svc.Reenroll(ctx, "0404", "pw", frames("bob-1")); !errors.Is(err, facematch.ErrIdentityNotFound) {
		t.Errorf("Reenroll() of unknown identity error = %v", err)
	}

	if _, err := f.svc.Reenroll(ctx, enr.FaceID, "pw", frames("bob-1", "bob-2")); err != nil {
		t.Fatalf("Reenroll() error: %v", err)
	}
	stored, _ := f.dir.Get(ctx, enr.FaceID)
	if len(stored.Embeddings) != 1 || math.Abs(float64(stored.Embeddings[0][0])-1.05) > 1e-6 {
		t.Errorf("references after re-enrollment = %v", stored.Embeddings)
	}
	if stored.Email != "a@example.com" {
		t.Error("re-enrollment must keep the account attributes")
	}
}

func TestEnrollAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	enr, err := f.svc.Enroll(ctx, EnrollInput{Name: "Eve", Source: frames("eve-1")})
	if err != nil {
		t.Fatal(err)
	}
	// identities without a password can be re-enrolled without one
	if _, err := f.svc.Reenroll(ctx, enr.FaceID, "", frames("eve-1")); err != nil {
		t.Errorf("Reenroll() error: %v", err)
	}

	list, _ := f.svc.List(ctx)
	if len(list) != 1 || list[0].Name != "Eve" {
		t.Errorf("List() = %+v", list)
	}

	if err := f.svc.Delete(ctx, enr.FaceID); err != nil {
		t.Errorf("Delete() error: %v", err)
	}
	if err := f.svc.Delete(ctx, enr.FaceID); !errors.Is(err, facematch.ErrIdentityNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := f.svc.Enroll(ctx, EnrollInput{Source: frames("eve-1")}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Enroll() without name error = %v", err)
	}
}
