package tryon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
)

// AcceptedExtensions lists the upload types the studio accepts.
var AcceptedExtensions = []string{".png", ".jpg", ".jpeg"}

// Upload is one image received from the visitor.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Request is a try-on submission. It is never persisted beyond the call.
type Request struct {
	HumanImage   Upload
	GarmentImage Upload
	Description  string
}

// SessionStore is the part of the session manager the try-on flow drives.
type SessionStore interface {
	BeginProcessing(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error)
	EndProcessing(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error)
	CompleteTryOn(ctx context.Context, key domain.SessionKey, image []byte) (*domain.SessionState, error)
	FailTryOn(ctx context.Context, key domain.SessionKey, cause error) (*domain.SessionState, error)
}

// Options tune a Service.
type Options struct {
	TempDir        string
	MaxUploadBytes int64
	Timeout        time.Duration
	Params         Params
}

// Service runs try-on submissions against a Client.
type Service struct {
	client   Client
	sessions SessionStore
	opts     Options
}

// NewService creates a try-on service. A nil client makes every submission
// fail with a configuration error.
func NewService(client Client, sessions SessionStore, opts Options) *Service {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Params == (Params{}) {
		opts.Params = DefaultParams()
	}
	return &Service{client: client, sessions: sessions, opts: opts}
}

// Available reports whether a backend is configured.
func (s *Service) Available() bool {
	return s.client != nil
}

// Backend returns the backend name, or "" when none is configured.
func (s *Service) Backend() string {
	if s.client == nil {
		return ""
	}
	return s.client.Name()
}

// Health checks the backend.
func (s *Service) Health(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no try-on backend configured")
	}
	return s.client.Health(ctx)
}

// Submit validates req, calls the model once, and records the outcome on the
// session. Validation and Busy errors leave the session untouched; model
// failures are recorded as the session's last error. The returned state is
// the one after processing ended.
func (s *Service) Submit(ctx context.Context, key domain.SessionKey, req Request) (*domain.SessionState, error) {
	const op = "tryon.Submit"

	if err := s.validate(req); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, domain.NewError(domain.KindConfiguration, op, errors.New("no try-on backend configured"))
	}

	if _, err := s.sessions.BeginProcessing(ctx, key); err != nil {
		return nil, err
	}

	callErr := s.run(ctx, key, req)

	state, endErr := s.sessions.EndProcessing(ctx, key)
	if callErr != nil {
		return state, callErr
	}
	if endErr != nil {
		return nil, endErr
	}
	return state, nil
}

func (s *Service) run(ctx context.Context, key domain.SessionKey, req Request) error {
	const op = "tryon.Submit"
	log := slog.With("user_id", key.UserID, "session_id", key.SessionID, "backend", s.client.Name())

	image, err := s.predict(ctx, req)
	if err != nil {
		err = domain.NewError(domain.KindExternalCall, op, err)
		log.Warn("Try-on call failed", "error_kind", domain.KindExternalCall, "error", err)
		if _, recErr := s.sessions.FailTryOn(ctx, key, err); recErr != nil {
			log.Error("Failed to record try-on failure", "error", recErr)
		}
		return err
	}

	if _, err := s.sessions.CompleteTryOn(ctx, key, image); err != nil {
		log.Error("Failed to store try-on result", "error_kind", domain.KindOf(err), "error", err)
		if _, recErr := s.sessions.FailTryOn(ctx, key, err); recErr != nil {
			log.Error("Failed to record try-on failure", "error", recErr)
		}
		return err
	}

	log.Info("Try-on completed", "bytes", len(image))
	return nil
}

// predict writes both uploads to temporary files, calls the backend, and
// removes the files whatever the outcome.
func (s *Service) predict(ctx context.Context, req Request) ([]byte, error) {
	humanPath, err := s.writeTemp("human-", req.HumanImage)
	if err != nil {
		return nil, err
	}
	defer removeTemp(humanPath)

	garmentPath, err := s.writeTemp("garment-", req.GarmentImage)
	if err != nil {
		return nil, err
	}
	defer removeTemp(garmentPath)

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = DefaultDescription
	}

	image, err := s.client.Predict(ctx, Call{
		HumanPath:   humanPath,
		GarmentPath: garmentPath,
		Description: description,
		Params:      s.opts.Params,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("try-on timed out after %s", s.opts.Timeout)
		}
		return nil, err
	}
	return image, nil
}

func (s *Service) writeTemp(prefix string, u Upload) (string, error) {
	f, err := os.CreateTemp(s.opts.TempDir, prefix+"*"+strings.ToLower(filepath.Ext(u.Filename)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(u.Data); err != nil {
		_ = f.Close()
		removeTemp(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		removeTemp(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

func removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove temp upload", "path", path, "error", err)
	}
}

func (s *Service) validate(req Request) error {
	const op = "tryon.validate"

	if len(req.HumanImage.Data) == 0 || len(req.GarmentImage.Data) == 0 {
		return domain.NewError(domain.KindMissingInput, op, errors.New("both images are required"))
	}
	for _, u := range []Upload{req.HumanImage, req.GarmentImage} {
		if !IsAcceptedFilename(u.Filename) {
			return domain.NewError(domain.KindUnsupportedFile, op, fmt.Errorf("%q is not a png or jpeg file", u.Filename))
		}
		if s.opts.MaxUploadBytes > 0 && int64(len(u.Data)) > s.opts.MaxUploadBytes {
			return domain.NewError(domain.KindUnsupportedFile, op, fmt.Errorf("%q is larger than %d bytes", u.Filename, s.opts.MaxUploadBytes))
		}
	}
	return nil
}

// IsAcceptedFilename reports whether name has an accepted image extension.
func IsAcceptedFilename(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, accepted := range AcceptedExtensions {
		if ext == accepted {
			return true
		}
	}
	return false
}
