package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-auth/internal/auth"
	"github.com/kozaktomas/face-auth/internal/database/mock"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/kozaktomas/face-auth/internal/web/middleware"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// pngMagic makes DetectContentType report image/png for test frames.
const pngMagic = "\x89PNG\r\n\x1a\n"

// fakeExtractor maps the bytes after the PNG magic to one face embedding.
type fakeExtractor struct {
	faces map[string]facematch.Embedding
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, frame facematch.Frame) ([]facematch.Face, error) {
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.faces[strings.TrimPrefix(string(frame.Data), pngMagic)]
	if !ok {
		return nil, nil
	}
	return []facematch.Face{{Embedding: e.Clone()}}, nil
}

type testEnv struct {
	svc        *service.FaceAuth
	dir        *mock.MockDirectory
	tokens     *middleware.TokenManager
	denylist   *auth.MemoryDenylist
	extractor  *fakeExtractor
	auth       *AuthHandler
	identities *IdentitiesHandler
	log        *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := middleware.NewTokenManager(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	policy, err := facematch.NewPolicy(0.45)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		dir:      mock.NewMockDirectory(),
		tokens:   tokens,
		denylist: auth.NewMemoryDenylist(),
		extractor: &fakeExtractor{faces: map[string]facematch.Embedding{
			"alice-1": {0, 0, 0},
			"alice-2": {0.1, 0, 0},
			"alice-3": {0.05, 0.05, 0},
			"bob-1":   {1, 1, 1},
			"eve-1":   {5, 5, 5},
		}},
		log: log,
	}
	env.svc, err = service.New(service.Deps{
		Directory:  env.dir,
		Stabilizer: facematch.NewStabilizer(env.extractor, log),
		Policy:     policy,
		Tokens:     tokens,
		Hasher:     auth.NewHasher(bcrypt.MinCost),
		Log:        log,
		Capture: service.CaptureSettings{
			EnrollmentSamples:   10,
			EnrollmentBudget:    time.Second,
			VerificationSamples: 1,
			VerificationBudget:  time.Second,
		},
		Model: "test",
		Dim:   3,
	})
	if err != nil {
		t.Fatal(err)
	}

	frames := &FrameProvider{}
	env.auth = NewAuthHandler(env.svc, tokens, env.denylist, frames, log, false)
	env.identities = NewIdentitiesHandler(env.svc, frames, log)
	return env
}

// protect wraps a handler with token authentication.
func (e *testEnv) protect(h http.HandlerFunc) http.Handler {
	return middleware.RequireToken(e.tokens, e.denylist, e.log)(h)
}

// multipartRequest builds a multipart request with form fields and frame files.
func multipartRequest(t *testing.T, method, target string, fields map[string]string, frames ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for i, frame := range frames {
		fw, err := mw.CreateFormFile("frames", "frame"+string(rune('a'+i))+".png")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(pngMagic + frame)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

// register enrolls alice and returns her face id.
func (e *testEnv) register(t *testing.T, email string, frames ...string) string {
	t.Helper()
	req := multipartRequest(t, http.MethodPost, "/api/v1/register", map[string]string{
		"email":    email,
		"password": "correct-horse",
		"name":     "Alice",
	}, frames...)
	rec := httptest.NewRecorder()
	e.auth.Register(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[RegisterResponse](t, rec).FaceID
}

// login verifies faceID with one frame and returns the access token.
func (e *testEnv) login(t *testing.T, faceID, frame string) string {
	t.Helper()
	req := multipartRequest(t, http.MethodPost, "/api/v1/login", map[string]string{"face_id": faceID}, frame)
	rec := httptest.NewRecorder()
	e.auth.Login(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[LoginResponse](t, rec).AccessToken
}
