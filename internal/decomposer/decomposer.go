// Package decomposer implements C7: expanding a newly-created Animation or
// TiledJob into its persistent child Job units, synchronously inside the
// parent's create transaction.
package decomposer

import (
	"fmt"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNameCollision is returned when a generated child name is not unique,
// surfaced to the API caller as a validation error.
type ErrNameCollision struct {
	Name string
}

func (e *ErrNameCollision) Error() string {
	return fmt.Sprintf("job name %q already exists", e.Name)
}

// renderParams carries the rendering settings common to Animation and
// TiledJob parents, threaded down into every generated tile/frame Job.
type renderParams struct {
	AssetID         uuid.UUID
	RendererVersion string
	Engine          string
	Device          database.RenderDevice
	FeatureSet      string
	Settings        datatypes.JSONMap
}

// Decompose expands an Animation into per-frame Jobs (non-tiled case), or,
// when tiled, into per-frame AnimationFrame containers each owning a
// tile-grid of Jobs. Runs inside tx so the children are
// queryable in the same transaction as the parent's creation.
func Decompose(tx *gorm.DB, a *database.Animation) error {
	logger := logging.ComponentLogger(logging.ComponentDecomposer)
	frames := frameNumbers(a.StartFrame, a.EndFrame, a.FrameStep)
	params := renderParams{
		AssetID:         a.AssetID,
		RendererVersion: a.RendererVersion,
		Engine:          a.Engine,
		Device:          a.Device,
		FeatureSet:      a.FeatureSet,
		Settings:        a.Settings,
	}

	if a.TilingConfig == database.TilingNone {
		for _, f := range frames {
			job := database.Job{
				Name:              fmt.Sprintf("%s_Frame_%04d", a.Name, f),
				AssetID:           params.AssetID,
				OutputFilePattern: a.OutputFilePattern,
				StartFrame:        f,
				EndFrame:          f,
				RendererVersion:   params.RendererVersion,
				Engine:            params.Engine,
				Device:            params.Device,
				FeatureSet:        params.FeatureSet,
				Settings:          cloneSettings(params.Settings),
				AnimationID:       &a.ID,
			}
			if err := createJob(tx, &job); err != nil {
				return err
			}
		}
		logger.Info("decomposed animation into frame jobs", "animation", a.Name, "frames", len(frames))
		return nil
	}

	tilesX, tilesY, err := parseTiling(a.TilingConfig)
	if err != nil {
		return err
	}

	for _, f := range frames {
		frame := database.AnimationFrame{AnimationID: a.ID, FrameNumber: f}
		if err := tx.Create(&frame).Error; err != nil {
			return err
		}
		parentName := fmt.Sprintf("%s_Frame_%04d", a.Name, f)
		if err := decomposeTiles(tx, parentName, params, a.FinalResolutionX, a.FinalResolutionY, tilesX, tilesY, nil, &frame.ID); err != nil {
			return err
		}
	}
	logger.Info("decomposed tiled animation", "animation", a.Name, "frames", len(frames), "tiles_x", tilesX, "tiles_y", tilesY)
	return nil
}

// DecomposeTiledJob expands a single TiledJob into its tiles_x * tiles_y
// tile Jobs, injecting per-tile border settings.
func DecomposeTiledJob(tx *gorm.DB, t *database.TiledJob) error {
	logger := logging.ComponentLogger(logging.ComponentDecomposer)
	params := renderParams{
		AssetID:         t.AssetID,
		RendererVersion: t.RendererVersion,
		Engine:          t.Engine,
		Device:          t.Device,
		FeatureSet:      t.FeatureSet,
		Settings:        t.Settings,
	}
	if err := decomposeTiles(tx, t.Name, params, t.FinalResolutionX, t.FinalResolutionY, t.TileCountX, t.TileCountY, &t.ID, nil); err != nil {
		return err
	}
	logger.Info("decomposed tiled job", "job", t.Name, "tile_count", t.TileCountX*t.TileCountY)
	return nil
}

// decomposeTiles creates tilesX*tilesY Job rows, each carrying the border
// overrides that restrict the render to its tile's normalized
// sub-rectangle. Exactly one of tiledJobID/animationFrameID is set,
// matching the parent's case (standalone TiledJob vs. a tiled Animation's
// per-frame container).
func decomposeTiles(tx *gorm.DB, parentName string, params renderParams, resX, resY, tilesX, tilesY int, tiledJobID *uuid.UUID, animationFrameID *uint) error {
	settings := cloneSettings(params.Settings)
	settings["resolution_x"] = resX
	settings["resolution_y"] = resY

	for ty := 0; ty < tilesY; ty++ {
		for tx2 := 0; tx2 < tilesX; tx2++ {
			tileSettings := cloneSettings(settings)
			tileSettings["use_border"] = true
			tileSettings["crop_to_border"] = true
			tileSettings["border_min_x"] = float64(tx2) / float64(tilesX)
			tileSettings["border_max_x"] = float64(tx2+1) / float64(tilesX)
			tileSettings["border_min_y"] = float64(ty) / float64(tilesY)
			tileSettings["border_max_y"] = float64(ty+1) / float64(tilesY)

			job := database.Job{
				Name:             fmt.Sprintf("%s_Tile_%d_%d", parentName, ty, tx2),
				AssetID:          params.AssetID,
				RendererVersion:  params.RendererVersion,
				Engine:           params.Engine,
				Device:           params.Device,
				FeatureSet:       params.FeatureSet,
				Settings:         tileSettings,
				TiledJobID:       tiledJobID,
				AnimationFrameID: animationFrameID,
			}
			if err := createJob(tx, &job); err != nil {
				return err
			}
		}
	}
	return nil
}

// frameNumbers enumerates {start, start+step, ..., <=end}, treating a
// non-positive step as 1.
func frameNumbers(start, end, step int) []int {
	if step <= 0 {
		step = 1
	}
	var out []int
	for f := start; f <= end; f += step {
		out = append(out, f)
	}
	return out
}

func parseTiling(t database.TilingConfig) (x, y int, err error) {
	switch t {
	case database.Tiling2x2:
		return 2, 2, nil
	case database.Tiling3x3:
		return 3, 3, nil
	case database.Tiling4x4:
		return 4, 4, nil
	default:
		return 0, 0, fmt.Errorf("unsupported tiling config %q", t)
	}
}

func cloneSettings(m datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func createJob(tx *gorm.DB, job *database.Job) error {
	var count int64
	if err := tx.Model(&database.Job{}).Where("name = ?", job.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return &ErrNameCollision{Name: job.Name}
	}
	return tx.Create(job).Error
}
