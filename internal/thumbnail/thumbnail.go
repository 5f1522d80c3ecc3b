// Package thumbnail implements C11: a fixed-width, aspect-preserving PNG
// preview for any rendered artifact, with a deterministic storage path so
// repeated writes overwrite the same file.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/blendforge/blendforge/internal/logging"
	"github.com/blendforge/blendforge/internal/storage"
)

// Width is the fixed thumbnail width in pixels.
const Width = 256

// Path returns the deterministic thumbnail path for an owning entity,
// keyed on its model name and primary key plus a _thumbnail suffix.
func Path(model string, pk interface{}) string {
	return fmt.Sprintf("thumbnails/%s_%v_thumbnail.png", model, pk)
}

// Generate resizes src to a Width-px-wide PNG preserving aspect ratio,
// removes any file already at the deterministic path (preventing orphan
// alternates from storage backends that de-collide by renaming), and
// writes the new preview via the shared storage backend.
func Generate(ctx context.Context, backend storage.StorageBackendWithInfo, model string, pk interface{}, src image.Image) (string, error) {
	logger := logging.ComponentLogger(logging.ComponentThumbnail)
	path := Path(model, pk)

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return "", fmt.Errorf("thumbnail: source image for %s has zero dimension", path)
	}
	height := int(float64(Width) * float64(srcH) / float64(srcW))
	if height < 1 {
		height = 1
	}

	resized := image.NewRGBA(image.Rect(0, 0, Width, height))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return "", err
	}

	if err := backend.Delete(ctx, path); err != nil {
		logger.Debug("no prior thumbnail to remove", "path", path, "error", err)
	}
	if err := backend.Put(ctx, path, bytes.NewReader(buf.Bytes())); err != nil {
		return "", err
	}

	logger.Info("generated thumbnail", "path", path, "width", Width, "height", height)
	return path, nil
}

// GenerateFromPNG decodes a PNG-encoded source artifact and generates its
// thumbnail in one step; a convenience for callers holding raw bytes
// (job/frame/tiled-job output blobs) rather than a decoded image.Image.
func GenerateFromPNG(ctx context.Context, backend storage.StorageBackendWithInfo, model string, pk interface{}, pngBytes []byte) (string, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return "", fmt.Errorf("thumbnail: decode source: %w", err)
	}
	return Generate(ctx, backend, model, pk, img)
}
