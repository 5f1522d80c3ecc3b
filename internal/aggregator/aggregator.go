// Package aggregator implements C8: reacting to a child unit's terminal
// status change by recomputing its parent's rollup state and, when every
// child has reached a terminal state, invoking assembly.
//
// Every entry point here is a direct function call triggered by the
// repository write that changed the child's status, never a published
// event. That makes the "do not re-enter the same signal chain" invariant
// structural rather than enforced by a suppression flag:
// OnAnimationFrameStatusChange only ever runs as the tail of
// OnJobStatusChange's own call graph, so there is no path back into
// OnJobStatusChange for the same write.
package aggregator

import (
	"github.com/blendforge/blendforge/internal/assembler"
	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repositories bundles the persistence gateways the aggregator recomputes
// parent state through, so call sites don't have to thread three arguments
// individually.
type Repositories struct {
	Jobs      *database.JobRepository
	Animation *database.AnimationRepository
	TiledJobs *database.TiledJobRepository
}

// Blobs supplies the load/save primitives the Assembler needs when an
// aggregator cascade decides assembly is due.
type Blobs struct {
	Load assembler.BlobLoader
	Save assembler.BlobSaver
}

// OnJobStatusChange is the entry point triggered whenever a Job's status
// changes. Call it, inside the same transaction as the status update,
// after JobRepository.UpdateStatus has recorded the new status (or
// JobRepository.SetOutput has recorded an uploaded output).
func OnJobStatusChange(tx *gorm.DB, repos Repositories, blobs Blobs, job *database.Job) error {
	logger := logging.ComponentLogger(logging.ComponentAggregator)

	switch {
	case job.AnimationFrameID != nil:
		return onFrameTileChange(tx, repos, blobs, *job.AnimationFrameID)

	case job.AnimationID != nil:
		return onAnimationChildChange(tx, repos, *job.AnimationID)

	case job.TiledJobID != nil:
		return onTiledJobChildChange(tx, repos, blobs, *job.TiledJobID)

	default:
		logger.Debug("job has no parent, nothing to aggregate", "job_id", job.ID)
		return nil
	}
}

// onFrameTileChange assembles an AnimationFrame once every sibling tile
// Job is DONE, then cascades into the frame-level aggregator.
func onFrameTileChange(tx *gorm.DB, repos Repositories, blobs Blobs, frameID uint) error {
	tiles, err := repos.Jobs.SiblingsOfAnimationFrame(frameID)
	if err != nil {
		return err
	}
	if !allTerminal(tiles) || !allDone(tiles) {
		return nil
	}

	frame, err := repos.Animation.GetFrame(frameID)
	if err != nil {
		return err
	}
	animation, err := repos.Animation.Get(frame.AnimationID)
	if err != nil {
		return err
	}
	tilesX, tilesY, err := tilingDimensions(animation.TilingConfig)
	if err != nil {
		return err
	}

	assembled, err := assembler.AssembleFrame(tx, repos.Jobs, repos.Animation, blobs.Load, blobs.Save, frameID, animation.FinalResolutionX, animation.FinalResolutionY, tilesX, tilesY)
	if err != nil {
		return err
	}
	return OnAnimationFrameStatusChange(tx, repos, animation, assembled)
}

// onAnimationChildChange recomputes a non-tiled Animation's rollup fields
// from the persisted set of its Job children.
func onAnimationChildChange(tx *gorm.DB, repos Repositories, animationID uint) error {
	siblings, err := repos.Jobs.SiblingsOfAnimation(animationID)
	if err != nil {
		return err
	}

	totalRenderTime := 0
	anyStarted := false
	allDoneOrTerminal := true
	for _, j := range siblings {
		totalRenderTime += j.RenderTimeSeconds
		if j.Status != database.JobStatusQueued {
			anyStarted = true
		}
		if !isJobTerminal(j.Status) {
			allDoneOrTerminal = false
		}
	}

	status := database.AnimationStatusQueued
	if anyStarted {
		status = database.AnimationStatusRendering
	}
	if allDoneOrTerminal && len(siblings) > 0 {
		status = database.AnimationStatusDone
	}

	return repos.Animation.UpdateStatus(tx, animationID, status, totalRenderTime, allDoneOrTerminal && len(siblings) > 0)
}

// onTiledJobChildChange updates a standalone TiledJob's running render-time
// total and triggers tiled-image assembly once every tile is DONE.
func onTiledJobChildChange(tx *gorm.DB, repos Repositories, blobs Blobs, id uuid.UUID) error {
	tiles, err := repos.Jobs.SiblingsOfTiledJob(id)
	if err != nil {
		return err
	}

	totalRenderTime := 0
	for _, j := range tiles {
		totalRenderTime += j.RenderTimeSeconds
	}
	if err := repos.TiledJobs.UpdateStatus(tx, id, database.TiledJobStatusRendering, totalRenderTime); err != nil {
		return err
	}

	if !allTerminal(tiles) || !allDone(tiles) {
		return nil
	}

	t, err := repos.TiledJobs.Get(id)
	if err != nil {
		return err
	}
	return assembler.AssembleTiledJob(tx, repos.Jobs, repos.TiledJobs, blobs.Load, blobs.Save, id, t.FinalResolutionX, t.FinalResolutionY, t.TileCountX, t.TileCountY)
}

// OnAnimationFrameStatusChange is the entry point for "On
// AnimationFrame.status change". It is invoked directly from
// onFrameTileChange once a frame has been assembled, never re-entering
// OnJobStatusChange.
func OnAnimationFrameStatusChange(tx *gorm.DB, repos Repositories, animation *database.Animation, frame *database.AnimationFrame) error {
	logger := logging.ComponentLogger(logging.ComponentAggregator)

	frames, err := repos.Animation.FramesOf(animation.ID)
	if err != nil {
		return err
	}

	doneCount := 0
	totalRenderTime := 0
	for _, f := range frames {
		if f.Status == database.AnimationFrameStatusDone {
			doneCount++
			totalRenderTime += f.RenderTimeSeconds
		}
	}

	if frame.Status == database.AnimationFrameStatusDone {
		// Every DONE frame refreshes the animation's progress thumbnail to
		// the latest frame's thumbnail.
		if err := repos.Animation.SetThumbnail(tx, animation.ID, frame.Thumbnail); err != nil {
			return err
		}
	}

	expected := animation.ExpectedFrameCount()
	if doneCount == 1 && animation.Status == database.AnimationStatusQueued {
		if err := repos.Animation.UpdateStatus(tx, animation.ID, database.AnimationStatusRendering, totalRenderTime, false); err != nil {
			return err
		}
	}
	if doneCount == expected {
		logger.Info("all frames done, completing animation", "animation_id", animation.ID, "frames", expected)
		return repos.Animation.UpdateStatus(tx, animation.ID, database.AnimationStatusDone, totalRenderTime, true)
	}

	return nil
}

func allTerminal(jobs []database.Job) bool {
	for _, j := range jobs {
		if !isJobTerminal(j.Status) {
			return false
		}
	}
	return true
}

func allDone(jobs []database.Job) bool {
	for _, j := range jobs {
		if j.Status != database.JobStatusDone {
			return false
		}
	}
	return len(jobs) > 0
}

func isJobTerminal(s database.JobStatus) bool {
	return s == database.JobStatusDone || s == database.JobStatusError || s == database.JobStatusCanceled
}

func tilingDimensions(t database.TilingConfig) (x, y int, err error) {
	switch t {
	case database.Tiling2x2:
		return 2, 2, nil
	case database.Tiling3x3:
		return 3, 3, nil
	case database.Tiling4x4:
		return 4, 4, nil
	default:
		return 1, 1, nil
	}
}
