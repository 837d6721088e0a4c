package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/subsystems"
	"github.com/joshband/copy-that/internal/types"
)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "hero.png")
	bad := filepath.Join(dir, "notes.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))

	images, err := loadImages(t.Context(), []string{good, bad})
	require.NoError(t, err)
	require.Len(t, images, 2)

	assert.Equal(t, "hero.png", images[0].ID)
	assert.Equal(t, "image/png", images[0].MediaType)
	assert.NoError(t, images[0].Validate())

	assert.Equal(t, "notes.png", images[1].ID)
	assert.Error(t, images[1].Validate(), "undecodable images are left for the batch to reject")

	_, err = loadImages(t.Context(), []string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
}

func TestImageIDsDisambiguateSharedNames(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  []string
	}{
		{name: "distinct names", paths: []string{"a/hero.png", "b/logo.png"}, want: []string{"hero.png", "logo.png"}},
		{name: "shared name", paths: []string{"a/logo.png", "b/./logo.png", "c/hero.png"}, want: []string{"a/logo.png", "b/logo.png", "hero.png"}},
		{name: "same file twice", paths: []string{"a/logo.png", "a/logo.png"}, want: []string{"a/logo.png", "a/logo.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, imageIDs(tt.paths))
		})
	}

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o700))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "b"), 0o700))
	images, err := loadImages(t.Context(), []string{writePNG(t, filepath.Join(dir, "a"), "logo.png"), writePNG(t, filepath.Join(dir, "b"), "logo.png")})
	require.NoError(t, err)
	assert.NotEqual(t, images[0].ID, images[1].ID)
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, &subsystems.BatchResult{
		BatchID:     "b1",
		Diagnostics: []types.Diagnostic{},
	}))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "b1", decoded["batch_id"])
	assert.Contains(t, decoded, "diagnostics")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARN").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
