package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/kozaktomas/face-auth/internal/service"
)

// errInvalidRequestBody is a shared error message for unreadable request bodies.
const errInvalidRequestBody = "invalid request body"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator returns the shared validator, reporting fields by their json names.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validationMessage turns validator errors into a short client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "min", "max":
		return fe.Field() + " has an invalid length"
	default:
		return fe.Field() + " is invalid"
	}
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondServiceError maps service and matching errors onto HTTP responses.
// Unknown errors are logged and answered with 500.
func respondServiceError(log *slog.Logger, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_input")
	case errors.Is(err, facematch.ErrNoFaceDetected):
		respondError(w, http.StatusBadRequest, "Face not detected", "no_face_detected")
	case errors.Is(err, facematch.ErrIdentityNotFound):
		respondError(w, http.StatusNotFound, "Face ID not found", "identity_not_found")
	case errors.Is(err, service.ErrFaceMismatch):
		respondError(w, http.StatusUnauthorized, "Face verification failed", "face_mismatch")
	case errors.Is(err, service.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "Invalid credentials", "invalid_credentials")
	case errors.Is(err, service.ErrUserExists):
		respondError(w, http.StatusConflict, "User already exists", "user_exists")
	case errors.Is(err, facematch.ErrExtractorUnavailable):
		log.Error("face extractor unavailable", "err", err)
		respondError(w, http.StatusServiceUnavailable, "Face extractor unavailable", "extractor_unavailable")
	case errors.Is(err, facematch.ErrDimensionMismatch):
		log.Error("embedding dimension mismatch", "err", err)
		respondError(w, http.StatusInternalServerError, "Embedding model mismatch", "dimension_mismatch")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "Request timed out", "timeout")
	default:
		log.Error("request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", "internal")
	}
}
