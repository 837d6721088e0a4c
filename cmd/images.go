package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joshband/copy-that/internal/types"
)

// loadImages reads and decodes each path. An undecodable file is still
// returned, without pixels, so the batch reports it as invalid input.
func loadImages(ctx context.Context, paths []string) ([]*types.Image, error) {
	ids := imageIDs(paths)
	images := make([]*types.Image, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}

		img := &types.Image{ID: ids[i], Data: data}
		pixels, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			slog.WarnContext(ctx, "Failed to decode image", "path", path, "error", err)
		} else {
			img.Pixels = pixels
			img.MediaType = "image/" + format
		}
		images = append(images, img)
	}
	return images, nil
}

// imageIDs names each image by its file name, or by its cleaned path when
// another input shares the file name
func imageIDs(paths []string) []string {
	bases := make(map[string]int, len(paths))
	for _, p := range paths {
		bases[filepath.Base(p)]++
	}
	ids := make([]string, len(paths))
	for i, p := range paths {
		ids[i] = filepath.Base(p)
		if bases[ids[i]] > 1 {
			ids[i] = filepath.ToSlash(filepath.Clean(p))
		}
	}
	return ids
}
