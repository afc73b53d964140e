package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/ashureev/fashion-studio/internal/chat"
	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/identity"
	"github.com/ashureev/fashion-studio/internal/session"
	"github.com/ashureev/fashion-studio/internal/tryon"
	"github.com/go-chi/chi/v5"
)

const multipartMemory = 32 << 20

// StudioOptions carries the settings the studio endpoints expose or enforce.
type StudioOptions struct {
	MaxUploadBytes     int64
	ConfigurationError error
	RateLimiter        *RateLimiter
}

// StudioHandler serves the try-on and chat endpoints.
type StudioHandler struct {
	*Handler
	sessions *session.Manager
	tryon    *tryon.Service
	chat     *chat.Service
	opts     StudioOptions
}

// NewStudioHandler creates the studio handler.
func NewStudioHandler(base *Handler, sessions *session.Manager, tryonSvc *tryon.Service, chatSvc *chat.Service, opts StudioOptions) *StudioHandler {
	return &StudioHandler{
		Handler:  base,
		sessions: sessions,
		tryon:    tryonSvc,
		chat:     chatSvc,
		opts:     opts,
	}
}

// RegisterRoutes registers studio routes.
func (h *StudioHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/session", h.GetSession)
		r.Get("/tryon/result", h.GetResult)
		r.Post("/tryon/reset", h.ResetTryOn)

		r.Group(func(r chi.Router) {
			if h.opts.RateLimiter != nil {
				r.Use(h.opts.RateLimiter.Middleware)
			}
			r.Post("/tryon", h.SubmitTryOn)
			r.Post("/chat", h.SendChat)
		})
	})
}

// SessionResponse is the state snapshot returned by studio endpoints.
type SessionResponse struct {
	Username string               `json:"username,omitempty"`
	View     domain.View          `json:"view"`
	State    *domain.SessionState `json:"state"`
	Error    *ErrorResponse       `json:"error,omitempty"`
}

func newSessionResponse(state *domain.SessionState) SessionResponse {
	return SessionResponse{View: state.View(), State: state}
}

// GetConfig returns what the UI needs to render itself.
func (h *StudioHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	var configErr string
	if h.opts.ConfigurationError != nil {
		configErr = domain.UserMessage(h.opts.ConfigurationError)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"chat_available":      h.chat.Available(),
		"tryon_available":     h.tryon.Available(),
		"tryon_backend":       h.tryon.Backend(),
		"configuration_error": configErr,
		"accepted_types":      tryon.AcceptedExtensions,
		"max_upload_bytes":    h.opts.MaxUploadBytes,
		"default_description": tryon.DefaultDescription,
		"persona":             h.chat.Persona(),
	})
}

// GetSession returns the session snapshot, creating the session on first access.
func (h *StudioHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	state, err := h.sessions.Get(r.Context(), key)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		DomainError(w, err)
		return
	}

	resp := newSessionResponse(state)
	resp.Username = identity.UsernameFromContext(r.Context())
	JSON(w, http.StatusOK, resp)
}

// SubmitTryOn accepts the multipart form with both images and runs the model.
func (h *StudioHandler) SubmitTryOn(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	h.touch(key.UserID)

	if h.opts.MaxUploadBytes > 0 {
		// Two images plus form overhead.
		r.Body = http.MaxBytesReader(w, r.Body, 2*h.opts.MaxUploadBytes+(1<<20))
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			DomainError(w, domain.NewError(domain.KindUnsupportedFile, "parse upload", fmt.Errorf("upload is larger than %d bytes", h.opts.MaxUploadBytes)))
			return
		}
		DomainError(w, domain.NewError(domain.KindMissingInput, "parse upload", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	human, err := h.readUpload(r, "human_image")
	if err != nil {
		DomainError(w, err)
		return
	}
	garment, err := h.readUpload(r, "garment_image")
	if err != nil {
		DomainError(w, err)
		return
	}

	state, err := h.tryon.Submit(r.Context(), key, tryon.Request{
		HumanImage:   human,
		GarmentImage: garment,
		Description:  r.FormValue("garment_description"),
	})
	if err != nil {
		slog.Warn("Try-on submission failed", "error_kind", domain.KindOf(err), "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		if state == nil {
			DomainError(w, err)
			return
		}
		// The failure is part of the state; send both so the UI can show the banner.
		resp := newSessionResponse(state)
		resp.Error = &ErrorResponse{Error: domain.KindOf(err), Message: domain.UserMessage(err)}
		JSON(w, statusForKind(domain.KindOf(err)), resp)
		return
	}

	JSON(w, http.StatusOK, newSessionResponse(state))
}

// readUpload returns an empty Upload when the field is absent so the
// try-on service reports the missing image.
func (h *StudioHandler) readUpload(r *http.Request, field string) (tryon.Upload, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return tryon.Upload{}, nil
	}
	if err != nil {
		return tryon.Upload{}, domain.NewError(domain.KindMissingInput, "read "+field, err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	limit := h.opts.MaxUploadBytes
	if limit <= 0 {
		limit = multipartMemory
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return tryon.Upload{}, domain.NewError(domain.KindInternal, "read "+field, err)
	}

	return tryon.Upload{
		Filename:    filepath.Base(header.Filename),
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// ResetTryOn returns the try-on panel to the input view.
func (h *StudioHandler) ResetTryOn(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	state, err := h.sessions.Reset(r.Context(), key)
	if err != nil {
		slog.Error("Failed to reset session", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, newSessionResponse(state))
}

// GetResult serves the generated image. ?download=1 makes the browser save it.
func (h *StudioHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	f, ref, err := h.sessions.OpenResult(r.Context(), key)
	if errors.Is(err, session.ErrNoResult) {
		Error(w, http.StatusNotFound, "no generated image")
		return
	}
	if err != nil {
		slog.Error("Failed to open result", "error", err, "user_id", key.UserID)
		DomainError(w, err)
		return
	}
	defer f.Close()

	name := "fashion-look" + filepath.Ext(ref.Path)
	w.Header().Set("Content-Type", ref.MIMEType)
	w.Header().Set("Cache-Control", "private, no-store")
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	http.ServeContent(w, r, name, ref.CreatedAt, f)
}

type chatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is returned by SendChat.
type ChatResponse struct {
	*chat.Reply
	History []domain.ChatTurn `json:"history"`
}

// SendChat sends one message to the stylist.
func (h *StudioHandler) SendChat(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	h.touch(key.UserID)

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		DomainError(w, err)
		return
	}

	reply, err := h.chat.Send(r.Context(), key, req.Message)
	if err != nil {
		if !domain.IsKind(err, domain.KindInvalidInput) {
			slog.Error("Chat failed", "error_kind", domain.KindOf(err), "error", err, "user_id", key.UserID)
		}
		DomainError(w, err)
		return
	}

	state, err := h.sessions.Get(r.Context(), key)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, ChatResponse{Reply: reply, History: state.ChatHistory})
}
