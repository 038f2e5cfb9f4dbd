package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
)

// uploadTypes maps accepted MIME types to stored file extensions.
var uploadTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
}

// UploadResult describes a stored upload.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
}

// Upload stores the body under a random name. mime is the client-declared
// content type; filename is echoed back unchanged.
func (s *Service) Upload(ctx context.Context, filename, mime string, body io.Reader) (*UploadResult, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	ext, ok := uploadTypes[mime]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q: %w", mime, core.ErrValidation)
	}

	// One extra byte distinguishes "exactly max" from "too large".
	data, err := io.ReadAll(io.LimitReader(body, s.uploads.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	size := int64(len(data))
	if size == 0 || size > s.uploads.MaxBytes {
		return nil, fmt.Errorf("file size invalid or too large: %w", core.ErrValidation)
	}

	if err := os.MkdirAll(s.uploads.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.uploads.Dir, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	s.logger.Info("upload stored", zap.String("name", name), zap.String("mime", mime), zap.Int64("size", size))
	return &UploadResult{URL: "/uploads/" + name, Filename: filename, MIME: mime, Size: size}, nil
}
