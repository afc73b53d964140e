package session

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ResultStore keeps generated try-on images on local disk.
type ResultStore struct {
	dir string
}

// NewResultStore creates the results directory if needed.
func NewResultStore(dir string) (*ResultStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	return &ResultStore{dir: dir}, nil
}

// Dir returns the directory holding result files.
func (s *ResultStore) Dir() string {
	return s.dir
}

// Save writes data under a fresh id and returns its reference.
func (s *ResultStore) Save(data []byte, now time.Time) (*domain.ImageRef, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty result image")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate result id: %w", err)
	}

	mimeType := http.DetectContentType(data)
	path := filepath.Join(s.dir, id+extensionFor(mimeType))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, fmt.Errorf("write result %s: %w", id, err)
	}

	return &domain.ImageRef{
		ID:        id,
		Path:      path,
		MIMEType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: now,
	}, nil
}

// Open opens the file behind ref. Paths outside the results directory are refused.
func (s *ResultStore) Open(ref *domain.ImageRef) (*os.File, error) {
	if err := s.owns(ref); err != nil {
		return nil, err
	}
	return os.Open(ref.Path)
}

// Remove deletes the file behind ref. A missing file is not an error.
func (s *ResultStore) Remove(ref *domain.ImageRef) error {
	if ref == nil {
		return nil
	}
	if err := s.owns(ref); err != nil {
		return err
	}
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove result %s: %w", ref.ID, err)
	}
	return nil
}

func (s *ResultStore) owns(ref *domain.ImageRef) error {
	if ref == nil || ref.Path == "" {
		return fmt.Errorf("no result image")
	}
	rel, err := filepath.Rel(s.dir, ref.Path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("result %s is outside %s", ref.ID, s.dir)
	}
	return nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
