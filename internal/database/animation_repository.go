package database

import (
	"time"

	"gorm.io/gorm"
)

// AnimationRepository is the persistence gateway for Animation parents and
// their AnimationFrame children.
type AnimationRepository struct {
	db *gorm.DB
}

func NewAnimationRepository(db *gorm.DB) *AnimationRepository {
	return &AnimationRepository{db: db}
}

func (r *AnimationRepository) Create(a *Animation) error {
	return r.db.Create(a).Error
}

func (r *AnimationRepository) Get(id uint) (*Animation, error) {
	var a Animation
	if err := r.db.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateStatus recomputes rollup fields for a non-tiled animation parent.
// Runs inside the caller's transaction; reentrancy into the same status
// change is avoided structurally by the aggregator's direct-call chain
// rather than by any runtime suppression flag.
func (r *AnimationRepository) UpdateStatus(tx *gorm.DB, id uint, status AnimationStatus, totalRenderTime int, completed bool) error {
	updates := map[string]interface{}{
		"status":                   status,
		"total_render_time_seconds": totalRenderTime,
	}
	if completed {
		updates["completed_at"] = time.Now().UTC()
	}
	return tx.Model(&Animation{}).Where("id = ? AND completed_at IS NULL", id).Updates(updates).Error
}

// SetThumbnail refreshes the animation's progress thumbnail; called on
// every completed frame .
func (r *AnimationRepository) SetThumbnail(tx *gorm.DB, id uint, thumbnail string) error {
	return tx.Model(&Animation{}).Where("id = ?", id).Update("thumbnail", thumbnail).Error
}

func (r *AnimationRepository) DB() *gorm.DB { return r.db }

// CreateFrame persists one AnimationFrame of a tiled animation.
func (r *AnimationRepository) CreateFrame(f *AnimationFrame) error {
	return r.db.Create(f).Error
}

func (r *AnimationRepository) GetFrame(id uint) (*AnimationFrame, error) {
	var f AnimationFrame
	if err := r.db.First(&f, id).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *AnimationRepository) FramesOf(animationID uint) ([]AnimationFrame, error) {
	var frames []AnimationFrame
	if err := r.db.Where("animation_id = ?", animationID).Order("frame_number").Find(&frames).Error; err != nil {
		return nil, err
	}
	return frames, nil
}

func (r *AnimationRepository) UpdateFrameStatus(tx *gorm.DB, frameID uint, status AnimationFrameStatus) error {
	return tx.Model(&AnimationFrame{}).Where("id = ?", frameID).Update("status", status).Error
}

func (r *AnimationRepository) SetFrameOutput(tx *gorm.DB, frameID uint, outputFile string, renderTime int) error {
	return tx.Model(&AnimationFrame{}).Where("id = ?", frameID).Updates(map[string]interface{}{
		"output_file":         outputFile,
		"render_time_seconds": renderTime,
		"status":              AnimationFrameStatusDone,
	}).Error
}

func (r *AnimationRepository) SetFrameThumbnail(tx *gorm.DB, frameID uint, thumbnail string) error {
	return tx.Model(&AnimationFrame{}).Where("id = ? AND thumbnail = ?", frameID, "").Update("thumbnail", thumbnail).Error
}

func (r *AnimationRepository) MarkFrameError(tx *gorm.DB, frameID uint) error {
	return tx.Model(&AnimationFrame{}).Where("id = ?", frameID).Update("status", AnimationFrameStatusError).Error
}

// WithTransaction runs fn inside a DB transaction, keeping explicit
// transactional repository calls isolated from the caller's own session.
func (r *AnimationRepository) WithTransaction(fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}
