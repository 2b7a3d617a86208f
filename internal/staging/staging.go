// Package staging writes uploaded multipart files to a local temp directory
// so they can be handed to a media.Uploader by path.
package staging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sakif/user-accounts/internal/apperror"
)

// DefaultMaxBytes caps a whole multipart request when no limit is configured.
const DefaultMaxBytes = 10 << 20

// memoryLimit is how much of a form is held in memory before spilling.
const memoryLimit = 1 << 20

// Stager stages files under Dir. MaxBytes limits the entire request body.
type Stager struct {
	Dir      string
	MaxBytes int64
}

// New returns a Stager for dir, creating it if needed.
func New(dir string, maxBytes int64) (*Stager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "user-accounts-uploads")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("staging: creating %s: %w", dir, err)
	}
	return &Stager{Dir: dir, MaxBytes: maxBytes}, nil
}

// ParseForm parses r as multipart/form-data within the size limit.
// Callers should defer r.MultipartForm.RemoveAll() once it succeeds.
func (s *Stager) ParseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBytes)
	if err := r.ParseMultipartForm(memoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.BadRequest(fmt.Sprintf("Upload exceeds the %d byte limit", s.MaxBytes))
		}
		return apperror.BadRequest("Request must be multipart/form-data")
	}
	return nil
}

// Stage copies the file sent under field into Dir and returns its path.
// An absent field returns "" and no error; more than one file is rejected.
func (s *Stager) Stage(form *multipart.Form, field string) (string, error) {
	if form == nil {
		return "", nil
	}
	files := form.File[field]
	switch len(files) {
	case 0:
		return "", nil
	case 1:
	default:
		return "", apperror.ValidationFailed(field, fmt.Sprintf("Only one %s file is allowed", field))
	}

	fh := files[0]
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("staging: opening %s: %w", field, err)
	}
	defer src.Close()

	path := filepath.Join(s.Dir, uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename)))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("staging: creating %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging: writing %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("staging: closing %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes staged files that were never handed to an uploader.
// Paths an uploader already consumed are gone and are skipped silently.
func Remove(logger *slog.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("staging: removing file",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}
