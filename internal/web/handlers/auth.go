package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-auth/internal/auth"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/kozaktomas/face-auth/internal/web/middleware"
)

// AuthHandler handles registration, face login and token endpoints.
type AuthHandler struct {
	svc           *service.FaceAuth
	tokens        *middleware.TokenManager
	denylist      auth.Denylist
	frames        *FrameProvider
	log           *slog.Logger
	secureCookies bool
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *service.FaceAuth, tokens *middleware.TokenManager, denylist auth.Denylist,
	frames *FrameProvider, log *slog.Logger, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		svc:           svc,
		tokens:        tokens,
		denylist:      denylist,
		frames:        frames,
		log:           log,
		secureCookies: secureCookies,
	}
}

// RegisterRequest represents the registration form.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=255"`
}

// RegisterResponse represents the registration response.
type RegisterResponse struct {
	Message string `json:"message"`
	FaceID  string `json:"face_id"`
	Samples int    `json:"samples"`
}

// LoginRequest represents the face login form.
type LoginRequest struct {
	FaceID string `json:"face_id" validate:"required,max=32"`
}

// LoginResponse represents the face login response.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Distance    float64   `json:"distance"`
}

// IdentifyResponse represents the 1:N identification response.
type IdentifyResponse struct {
	Identity   string   `json:"identity,omitempty"`
	Name       string   `json:"name,omitempty"`
	Accepted   bool     `json:"accepted"`
	Distance   *float64 `json:"distance,omitempty"`
	Confidence float64  `json:"confidence"`
}

// MeResponse describes the token holder.
type MeResponse struct {
	Email     string    `json:"email"`
	FaceID    string    `json:"face_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register enrolls a new account from the uploaded frames or the camera.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	frames, err := bindRequest(w, r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody, "invalid_body")
		return
	}
	if err := requestValidator().Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err), "invalid_input")
		return
	}
	src, err := h.frames.Source(frames)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "no_frames")
		return
	}

	enr, err := h.svc.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Source:   src,
	})
	if err != nil {
		h.log.Info("registration failed", "email", sanitizeForLog(req.Email), "err", err)
		respondServiceError(h.log, w, err)
		return
	}

	respondJSON(w, http.StatusCreated, RegisterResponse{
		Message: "User registered successfully",
		FaceID:  enr.FaceID,
		Samples: enr.Stats.Samples,
	})
}

// Login verifies the captured face against the claimed face id and issues a token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	frames, err := bindRequest(w, r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody, "invalid_body")
		return
	}
	if err := requestValidator().Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err), "invalid_input")
		return
	}
	src, err := h.frames.Source(frames)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "no_frames")
		return
	}

	grant, err := h.svc.Login(r.Context(), req.FaceID, src)
	if err != nil {
		respondServiceError(h.log, w, err)
		return
	}

	middleware.SetTokenCookie(w, grant.AccessToken, grant.ExpiresAt, h.secureCookies)
	respondJSON(w, http.StatusOK, LoginResponse{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
		ExpiresAt:   grant.ExpiresAt,
		Distance:    grant.Distance,
	})
}

// Identify finds the enrolled identity closest to the captured face.
func (h *AuthHandler) Identify(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	frames, err := bindRequest(w, r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody, "invalid_body")
		return
	}
	src, err := h.frames.Source(frames)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "no_frames")
		return
	}

	id, err := h.svc.Identify(r.Context(), src)
	if err != nil {
		respondServiceError(h.log, w, err)
		return
	}

	resp := IdentifyResponse{
		Identity:   id.Decision.Identity,
		Accepted:   id.Decision.Accepted,
		Confidence: id.Decision.Confidence(),
	}
	if id.Decision.Accepted {
		resp.Name = id.Name
	}
	if id.Decision.Nearest != "" {
		d := id.Decision.Distance
		resp.Distance = &d
	}
	respondJSON(w, http.StatusOK, resp)
}

// Me returns the token holder. It runs behind RequireToken.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "Invalid token", "invalid_token")
		return
	}
	resp := MeResponse{Email: claims.Subject, FaceID: claims.FaceID}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	respondJSON(w, http.StatusOK, resp)
}

// Logout revokes the current token until it expires. It runs behind RequireToken.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "Invalid token", "invalid_token")
		return
	}

	until := time.Now()
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	if err := h.denylist.Revoke(r.Context(), claims.ID, until); err != nil {
		h.log.Error("failed to revoke token", "face_id", claims.FaceID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "Logout unavailable", "unavailable")
		return
	}

	middleware.ClearTokenCookie(w, h.secureCookies)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
