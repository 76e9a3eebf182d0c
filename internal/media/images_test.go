package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, name string, w, h int, encode func(*os.File, image.Image) error) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, encode(f, img))
	return path
}

func TestInferImageMime(t *testing.T) {
	cases := map[string]string{
		"photo.jpg":    "image/jpeg",
		"photo.JPEG":   "image/jpeg",
		"shot.png":     "image/png",
		"anim.gif":     "image/gif",
		"sticker.webp": "image/webp",
		"notes.txt":    "",
		"archive.zip":  "",
		"noext":        "",
	}
	for path, want := range cases {
		assert.Equal(t, want, InferImageMime(path), path)
	}
}

func TestLoadImagesSkipsNonImagesAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0600))

	got := LoadImages([]string{txt, filepath.Join(dir, "missing.png"), ""})
	assert.Empty(t, got)
}

func TestLoadImagesKeepsSmallImageVerbatim(t *testing.T) {
	path := writeImage(t, "small.png", 8, 8, func(f *os.File, img image.Image) error {
		return png.Encode(f, img)
	})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	got := LoadImages([]string{path})
	require.Len(t, got, 1)
	assert.Equal(t, "image/png", got[0].MimeType)

	decoded, err := base64.StdEncoding.DecodeString(got[0].Data)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded, "small images pass through untouched")
}

func TestLoadImagesDownscalesOversized(t *testing.T) {
	path := writeImage(t, "wide.jpg", 2000, 100, func(f *os.File, img image.Image) error {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	})

	got := LoadImages([]string{path})
	require.Len(t, got, 1)
	assert.Equal(t, "image/jpeg", got[0].MimeType)

	decoded, err := base64.StdEncoding.DecodeString(got[0].Data)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(decoded))
	require.NoError(t, err)
	assert.Equal(t, 1568, cfg.Width, "long edge clamped")
	assert.LessOrEqual(t, cfg.Height, 100)
}

func TestLoadImagesLeavesOversizedGifAlone(t *testing.T) {
	path := writeImage(t, "banner.gif", 1700, 40, func(f *os.File, img image.Image) error {
		return gif.Encode(f, img, nil)
	})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	got := LoadImages([]string{path})
	require.Len(t, got, 1)
	assert.Equal(t, "image/gif", got[0].MimeType)

	decoded, err := base64.StdEncoding.DecodeString(got[0].Data)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded, "gif re-encode would drop animation frames")
}
