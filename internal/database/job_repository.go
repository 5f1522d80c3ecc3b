package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrClaimConflict is returned when a claim attempt loses the race: the job
// was no longer QUEUED and unassigned at the moment of the conditional
// update. Callers surface this as HTTP 409.
var ErrClaimConflict = errors.New("job claim conflict")

// JobRepository is the persistence gateway for atomic Job units, including
// the Dispatch API's poll and claim operations (C6).
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(j *Job) error {
	return r.db.Create(j).Error
}

func (r *JobRepository) Get(id uint) (*Job, error) {
	var j Job
	if err := r.db.First(&j, id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// PollFilter expresses the dispatch poll's query parameters.
type PollFilter struct {
	Status             JobStatus
	UnassignedOnly     bool
	GPUAvailable       *bool // nil: no device filter
}

// Poll returns jobs belonging to non-paused projects, narrowed by the
// filter's optional status, unassigned-only and device-class criteria,
// ordered FIFO by submission time. This implements
// the pause gate (C10) as a join predicate rather than an enumeration step.
func (r *JobRepository) Poll(filter PollFilter) ([]Job, error) {
	q := r.db.Model(&Job{}).
		Joins("JOIN assets ON assets.id = jobs.asset_id").
		Joins("JOIN projects ON projects.id = assets.project_id").
		Where("projects.is_paused = ?", false)

	if filter.Status != "" {
		q = q.Where("jobs.status = ?", filter.Status)
	}
	if filter.UnassignedOnly {
		q = q.Where("jobs.assigned_worker_id IS NULL")
	}
	if filter.GPUAvailable != nil {
		if *filter.GPUAvailable {
			q = q.Where("jobs.device <> ?", DeviceCPU)
		} else {
			q = q.Where("jobs.device <> ?", DeviceGPU)
		}
	}

	var jobs []Job
	if err := q.Order("jobs.submitted_at asc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Claim is the sole concurrency primitive preventing duplicate dispatch.
// It succeeds only if the job is still QUEUED and unassigned, using
// RowsAffected to detect the lost race rather than a prior
// read-then-write, so it is safe under concurrent callers.
func (r *JobRepository) Claim(jobID uint, workerID uint) (*Job, error) {
	result := r.db.Model(&Job{}).
		Where("id = ? AND assigned_worker_id IS NULL AND status = ?", jobID, JobStatusQueued).
		Update("assigned_worker_id", workerID)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrClaimConflict
	}
	return r.Get(jobID)
}

// allowedJobTransitions encodes the job status invariant: QUEUED ->
// RENDERING -> {DONE, ERROR, CANCELED}; QUEUED -> CANCELED; no transition
// out of a terminal state. A same-state update is tolerated as a no-op.
var allowedJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRendering: true,
		JobStatusCanceled:  true,
	},
	JobStatusRendering: {
		JobStatusDone:     true,
		JobStatusError:    true,
		JobStatusCanceled: true,
	},
}

// ErrInvalidTransition is returned when a status update would move a job
// out of a terminal state or skip the required ordering.
var ErrInvalidTransition = errors.New("invalid job status transition")

// UpdateStatus applies a worker-reported status change, stamping
// started_at/completed_at and rejecting illegal transitions.
func (r *JobRepository) UpdateStatus(jobID uint, newStatus JobStatus, errorMessage string) (*Job, error) {
	return r.updateStatusTx(r.db, jobID, newStatus, errorMessage)
}

func (r *JobRepository) updateStatusTx(tx *gorm.DB, jobID uint, newStatus JobStatus, errorMessage string) (*Job, error) {
	var j Job
	if err := tx.First(&j, jobID).Error; err != nil {
		return nil, err
	}

	if j.Status == newStatus {
		return &j, nil // idempotent no-op
	}

	if !allowedJobTransitions[j.Status][newStatus] {
		return nil, ErrInvalidTransition
	}

	updates := map[string]interface{}{"status": newStatus}
	now := time.Now().UTC()
	if newStatus == JobStatusRendering && j.StartedAt == nil {
		updates["started_at"] = now
	}
	if newStatus == JobStatusDone || newStatus == JobStatusError || newStatus == JobStatusCanceled {
		updates["completed_at"] = now
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	if err := tx.Model(&j).Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.Get(jobID)
}

// SetOutput records the uploaded render artifact and render time for a
// Job.
func (r *JobRepository) SetOutput(jobID uint, outputBlob string, renderTimeSeconds int) (*Job, error) {
	if err := r.db.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"output_blob":         outputBlob,
		"render_time_seconds": renderTimeSeconds,
	}).Error; err != nil {
		return nil, err
	}
	return r.Get(jobID)
}

func (r *JobRepository) SetThumbnail(jobID uint, thumbnail string) error {
	return r.db.Model(&Job{}).Where("id = ?", jobID).Update("thumbnail", thumbnail).Error
}

// Cancel transitions a job to CANCELED from QUEUED or RENDERING.
func (r *JobRepository) Cancel(jobID uint) (*Job, error) {
	return r.UpdateStatus(jobID, JobStatusCanceled, "canceled by user")
}

// SiblingsOfAnimation returns every Job owned directly by an Animation
// (non-tiled case), used by the Aggregator (C8) to recompute parent state
// from the persisted set of children.
func (r *JobRepository) SiblingsOfAnimation(animationID uint) ([]Job, error) {
	var jobs []Job
	if err := r.db.Where("animation_id = ?", animationID).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// SiblingsOfTiledJob returns every tile Job owned by a TiledJob.
func (r *JobRepository) SiblingsOfTiledJob(tiledJobID uuid.UUID) ([]Job, error) {
	var jobs []Job
	if err := r.db.Where("tiled_job_id = ?", tiledJobID).Order("name").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// SiblingsOfAnimationFrame returns every tile Job owned by an AnimationFrame.
func (r *JobRepository) SiblingsOfAnimationFrame(frameID uint) ([]Job, error) {
	var jobs []Job
	if err := r.db.Where("animation_frame_id = ?", frameID).Order("name").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteOutputs clears the output_blob of a set of jobs once their bytes
// have been folded into an assembled parent image.
func (r *JobRepository) DeleteOutputs(jobIDs []uint) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return r.db.Model(&Job{}).Where("id IN ?", jobIDs).Update("output_blob", "").Error
}
