// Package assembler implements C9: pasting a tile grid's per-tile render
// outputs into one final image, for both a tiled Animation frame and a
// standalone TiledJob.
package assembler

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"regexp"
	"strconv"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// tileNamePattern extracts (ty, tx) from a tile job's generated name,
// matching the "_Tile_{ty}_{tx}" suffix.
var tileNamePattern = regexp.MustCompile(`_Tile_(\d+)_(\d+)$`)

// ErrMissingTileOutput is returned when a tile job has no output blob at
// assembly time.
type ErrMissingTileOutput struct{ JobName string }

func (e *ErrMissingTileOutput) Error() string {
	return fmt.Sprintf("tile job %q has no output", e.JobName)
}

// ErrMalformedTileName is returned when a tile job's name does not match
// the expected _Tile_{ty}_{tx} suffix.
type ErrMalformedTileName struct{ JobName string }

func (e *ErrMalformedTileName) Error() string {
	return fmt.Sprintf("tile job %q has a malformed tile name", e.JobName)
}

// BlobLoader reads the raw bytes backing a job's output_blob reference, and
// BlobSaver persists a new artifact and returns its storage reference. The
// dispatch layer supplies concrete implementations backed by
// internal/storage.
type BlobLoader func(ref string) ([]byte, error)
type BlobSaver func(name string, data []byte) (ref string, err error)

// AssembleFrame reads every tile output belonging to an AnimationFrame,
// pastes them into one canvas, and writes the result back as the frame's
// output. On any error the frame is marked
// ERROR and no partial result is persisted.
func AssembleFrame(tx *gorm.DB, jobRepo *database.JobRepository, animRepo *database.AnimationRepository, load BlobLoader, save BlobSaver, frameID uint, finalX, finalY, tilesX, tilesY int) (*database.AnimationFrame, error) {
	logger := logging.ComponentLogger(logging.ComponentAssembler)

	tiles, err := jobRepo.SiblingsOfAnimationFrame(frameID)
	if err != nil {
		return nil, err
	}

	canvas, totalRenderTime, tileJobIDs, err := pasteTiles(tiles, load, finalX, finalY, tilesX, tilesY)
	if err != nil {
		logger.Error("frame assembly failed", "frame_id", frameID, "error", err)
		_ = animRepo.MarkFrameError(tx, frameID)
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		_ = animRepo.MarkFrameError(tx, frameID)
		return nil, err
	}

	ref, err := save(fmt.Sprintf("frame_%d_assembled.png", frameID), buf.Bytes())
	if err != nil {
		_ = animRepo.MarkFrameError(tx, frameID)
		return nil, err
	}

	if err := animRepo.UpdateFrameStatus(tx, frameID, database.AnimationFrameStatusAssembling); err != nil {
		return nil, err
	}
	if err := animRepo.SetFrameOutput(tx, frameID, ref, totalRenderTime); err != nil {
		return nil, err
	}
	if err := jobRepo.DeleteOutputs(tileJobIDs); err != nil {
		logger.Warn("failed to reclaim tile outputs", "frame_id", frameID, "error", err)
	}

	frame, err := animRepo.GetFrame(frameID)
	if err != nil {
		return nil, err
	}
	logger.Info("assembled frame", "frame_id", frameID, "tiles", len(tiles), "render_time_s", totalRenderTime)
	return frame, nil
}

// AssembleTiledJob is the standalone-image equivalent of AssembleFrame.
func AssembleTiledJob(tx *gorm.DB, jobRepo *database.JobRepository, tiledRepo *database.TiledJobRepository, load BlobLoader, save BlobSaver, tiledJobID uuid.UUID, finalX, finalY, tilesX, tilesY int) error {
	logger := logging.ComponentLogger(logging.ComponentAssembler)

	tiles, err := jobRepo.SiblingsOfTiledJob(tiledJobID)
	if err != nil {
		return err
	}

	canvas, totalRenderTime, tileJobIDs, err := pasteTiles(tiles, load, finalX, finalY, tilesX, tilesY)
	if err != nil {
		logger.Error("tiled job assembly failed", "tiled_job_id", tiledJobID, "error", err)
		_ = tiledRepo.MarkError(tx, tiledJobID)
		return err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		_ = tiledRepo.MarkError(tx, tiledJobID)
		return err
	}

	ref, err := save(fmt.Sprintf("tiledjob_%s_assembled.png", tiledJobID), buf.Bytes())
	if err != nil {
		_ = tiledRepo.MarkError(tx, tiledJobID)
		return err
	}

	if err := tiledRepo.UpdateStatus(tx, tiledJobID, database.TiledJobStatusAssembling, totalRenderTime); err != nil {
		return err
	}
	if err := tiledRepo.SetOutput(tx, tiledJobID, ref); err != nil {
		return err
	}
	if err := jobRepo.DeleteOutputs(tileJobIDs); err != nil {
		logger.Warn("failed to reclaim tile outputs", "tiled_job_id", tiledJobID, "error", err)
	}

	logger.Info("assembled tiled job", "tiled_job_id", tiledJobID, "tiles", len(tiles), "render_time_s", totalRenderTime)
	return nil
}

// pasteTiles parses each tile job's (ty,tx) from its name, loads its output
// bytes, and pastes it into a (finalX, finalY) RGBA canvas. Tile index 0 is
// the bottom row in the renderer's coordinate system, so the paste Y
// coordinate is flipped: paste_y = (tilesY-1-ty) * tileH.
func pasteTiles(tiles []database.Job, load BlobLoader, finalX, finalY, tilesX, tilesY int) (image.Image, int, []uint, error) {
	tileW := finalX / tilesX
	tileH := finalY / tilesY

	canvas := image.NewRGBA(image.Rect(0, 0, finalX, finalY))
	totalRenderTime := 0
	tileJobIDs := make([]uint, 0, len(tiles))

	for _, t := range tiles {
		if t.Status != database.JobStatusDone {
			return nil, 0, nil, &ErrMissingTileOutput{JobName: t.Name}
		}
		if t.OutputBlob == "" {
			return nil, 0, nil, &ErrMissingTileOutput{JobName: t.Name}
		}

		m := tileNamePattern.FindStringSubmatch(t.Name)
		if m == nil {
			return nil, 0, nil, &ErrMalformedTileName{JobName: t.Name}
		}
		ty, err1 := strconv.Atoi(m[1])
		tx2, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return nil, 0, nil, &ErrMalformedTileName{JobName: t.Name}
		}

		data, err := load(t.OutputBlob)
		if err != nil {
			return nil, 0, nil, err
		}
		tileImg, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, 0, nil, err
		}

		pasteY := (tilesY - 1 - ty) * tileH
		pasteX := tx2 * tileW
		dstRect := image.Rect(pasteX, pasteY, pasteX+tileW, pasteY+tileH)
		draw.Draw(canvas, dstRect, tileImg, tileImg.Bounds().Min, draw.Src)

		totalRenderTime += t.RenderTimeSeconds
		tileJobIDs = append(tileJobIDs, t.ID)
	}

	return canvas, totalRenderTime, tileJobIDs, nil
}
