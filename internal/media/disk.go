package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// DiskUploader keeps media on the local filesystem under Dir. The server
// serves Dir at BaseURL, which makes it suitable for development and tests.
type DiskUploader struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewDiskUploader creates dir if needed.
func NewDiskUploader(dir, baseURL string, logger *slog.Logger) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: creating media dir %s: %w", dir, err)
	}
	return &DiskUploader{dir: dir, baseURL: baseURL, logger: logger}, nil
}

// Upload moves the staged file into the media directory.
func (u *DiskUploader) Upload(ctx context.Context, localPath string) (string, error) {
	if localPath == "" {
		return "", ErrNoFile
	}
	defer removeStaged(u.logger, localPath)

	if _, err := os.Stat(localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoFile
		}
		return "", fmt.Errorf("media: stat %s: %w", localPath, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := objectName("", localPath)
	dst := filepath.Join(u.dir, name)

	// Rename fails across filesystems (tmpfs staging dir, mounted volume).
	if err := os.Rename(localPath, dst); err != nil {
		if err := copyFile(localPath, dst); err != nil {
			return "", fmt.Errorf("media: storing %s: %w", name, err)
		}
	}

	u.logger.Info("media stored", slog.String("name", name))
	return joinURL(u.baseURL, name), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
