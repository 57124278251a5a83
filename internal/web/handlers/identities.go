package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/kozaktomas/face-auth/internal/web/middleware"
)

// IdentitiesHandler manages enrolled identities. All routes run behind RequireToken.
type IdentitiesHandler struct {
	svc    *service.FaceAuth
	frames *FrameProvider
	log    *slog.Logger
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(svc *service.FaceAuth, frames *FrameProvider, log *slog.Logger) *IdentitiesHandler {
	return &IdentitiesHandler{svc: svc, frames: frames, log: log}
}

// ReenrollRequest carries the password of the identity being re-enrolled.
type ReenrollRequest struct {
	Password string `json:"password" validate:"max=72"`
}

// IdentityView is an identity as listed to token holders. Email is only
// filled in for the caller's own identity.
type IdentityView struct {
	FaceID     string    `json:"face_id"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Model      string    `json:"model"`
	References int       `json:"references"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// List returns every identity without credentials or embeddings.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		respondServiceError(h.log, w, err)
		return
	}

	out := make([]IdentityView, 0, len(list))
	for _, s := range list {
		v := IdentityView{
			FaceID:     s.FaceID,
			Name:       s.Name,
			Model:      s.Model,
			References: s.References,
			CreatedAt:  s.CreatedAt,
			UpdatedAt:  s.UpdatedAt,
		}
		if h.ownsIdentity(r, s.FaceID) {
			v.Email = s.Email
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, out)
}

// Reenroll replaces the reference set of the caller's own identity.
func (h *IdentitiesHandler) Reenroll(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "faceID")
	if !h.ownsIdentity(r, faceID) {
		respondError(w, http.StatusForbidden, "Not allowed to modify this identity", "forbidden")
		return
	}

	var req ReenrollRequest
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

	enr, err := h.svc.Reenroll(r.Context(), faceID, req.Password, src)
	if err != nil {
		respondServiceError(h.log, w, err)
		return
	}
	respondJSON(w, http.StatusOK, RegisterResponse{
		Message: "Face re-enrolled successfully",
		FaceID:  enr.FaceID,
		Samples: enr.Stats.Samples,
	})
}

// Delete removes the caller's own identity.
func (h *IdentitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "faceID")
	if !h.ownsIdentity(r, faceID) {
		respondError(w, http.StatusForbidden, "Not allowed to modify this identity", "forbidden")
		return
	}
	if err := h.svc.Delete(r.Context(), faceID); err != nil {
		respondServiceError(h.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IdentitiesHandler) ownsIdentity(r *http.Request, faceID string) bool {
	claims := middleware.ClaimsFromContext(r.Context())
	return claims != nil && faceID != "" && claims.FaceID == faceID
}
