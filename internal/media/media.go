// Package media turns locally staged upload files into hosted URLs.
//
// Every Uploader removes the local file once the attempt is over, whether
// it succeeded or not. Callers must not touch the path after Upload returns.
package media

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoFile is returned when the local path is empty or does not exist.
var ErrNoFile = errors.New("media: no local file to upload")

// Uploader uploads a local file and returns the URL it is served from.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// DefaultTimeout bounds a single upload when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// objectName builds a collision-free name that keeps the original
// extension, e.g. "avatars/3f0c...b2.png".
func objectName(prefix, localPath string) string {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(localPath))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// contentType prefers the extension's registered type and falls back to
// sniffing the first 512 bytes.
func contentType(f *os.File) string {
	if ct := mime.TypeByExtension(filepath.Ext(f.Name())); ct != "" {
		return ct
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if _, err := f.Seek(0, 0); err != nil {
		return "application/octet-stream"
	}
	return http.DetectContentType(buf[:n])
}

// removeStaged deletes the staged file, logging anything but "already gone".
func removeStaged(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("media: removing staged file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// joinURL appends key to base with exactly one slash between them.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
