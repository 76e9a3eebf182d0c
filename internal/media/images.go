// Package media loads user attachments into provider-ready content.
package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/wardenlabs/warden/internal/providers"
)

const (
	// maxImageBytes is the safety limit for reading image files (10MB).
	maxImageBytes = 10 * 1024 * 1024

	// maxImageDim is the long-edge pixel limit vision models accept without
	// server-side resizing. Larger images are downscaled before upload.
	maxImageDim = 1568

	reencodeQuality = 85
)

// LoadImages reads local image files and returns base64-encoded
// ImageContent slices. Non-image files and files that fail to read are
// skipped with a warning log. Oversized images are downscaled to
// maxImageDim on the long edge and re-encoded as JPEG.
func LoadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := InferImageMime(p)
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image file too large, skipping", "path", p, "size", len(data))
			continue
		}

		if shrunk, smime, ok := downscale(data, mime); ok {
			slog.Debug("vision: downscaled image", "path", p, "from", len(data), "to", len(shrunk))
			data, mime = shrunk, smime
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// InferImageMime returns the MIME type for supported image extensions, or
// "" if the path is not an image.
func InferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

// downscale re-encodes images whose long edge exceeds maxImageDim. GIFs are
// left alone (re-encoding drops frames) and formats without a registered
// decoder (webp) pass through untouched.
func downscale(data []byte, mime string) ([]byte, string, bool) {
	if mime == "image/gif" {
		return nil, "", false
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", false
	}
	if cfg.Width <= maxImageDim && cfg.Height <= maxImageDim {
		return nil, "", false
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("vision: image decode failed, sending original", "error", err)
		return nil, "", false
	}

	img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(reencodeQuality)); err != nil {
		slog.Warn("vision: image re-encode failed, sending original", "error", err)
		return nil, "", false
	}
	return buf.Bytes(), "image/jpeg", true
}
