// Package api provides HTTP handlers for the studio API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository) *Handler {
	return &Handler{repo: repo}
}

// touch records visitor activity without delaying the response.
func (h *Handler) touch(userID string) {
	if h.repo == nil || userID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of a failed studio request.
type ErrorResponse struct {
	Error   domain.ErrorKind `json:"error"`
	Message string           `json:"message"`
}

// DomainError writes err with the status that matches its kind.
func DomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	JSON(w, statusForKind(kind), ErrorResponse{Error: kind, Message: domain.UserMessage(err)})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindMissingInput, domain.KindUnsupportedFile, domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindBusy:
		return http.StatusConflict
	case domain.KindConfiguration:
		return http.StatusServiceUnavailable
	case domain.KindExternalCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return domain.NewError(domain.KindInvalidInput, "decode request", err)
	}
	if dec.More() {
		return domain.NewError(domain.KindInvalidInput, "decode request", errors.New("unexpected data after JSON body"))
	}
	return nil
}
