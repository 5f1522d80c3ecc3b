package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TiledJobRepository is the persistence gateway for single-image tiled
// renders.
type TiledJobRepository struct {
	db *gorm.DB
}

func NewTiledJobRepository(db *gorm.DB) *TiledJobRepository {
	return &TiledJobRepository{db: db}
}

func (r *TiledJobRepository) Create(t *TiledJob) error {
	return r.db.Create(t).Error
}

func (r *TiledJobRepository) Get(id uuid.UUID) (*TiledJob, error) {
	var t TiledJob
	if err := r.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TiledJobRepository) UpdateStatus(tx *gorm.DB, id uuid.UUID, status TiledJobStatus, totalRenderTime int) error {
	return tx.Model(&TiledJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                    status,
		"total_render_time_seconds": totalRenderTime,
	}).Error
}

func (r *TiledJobRepository) SetOutput(tx *gorm.DB, id uuid.UUID, outputBlob string) error {
	now := time.Now().UTC()
	return tx.Model(&TiledJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"output_blob":  outputBlob,
		"status":       TiledJobStatusDone,
		"completed_at": now,
	}).Error
}

func (r *TiledJobRepository) SetThumbnail(tx *gorm.DB, id uuid.UUID, thumbnail string) error {
	return tx.Model(&TiledJob{}).Where("id = ? AND thumbnail = ?", id, "").Update("thumbnail", thumbnail).Error
}

func (r *TiledJobRepository) MarkError(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&TiledJob{}).Where("id = ?", id).Update("status", TiledJobStatusError).Error
}

func (r *TiledJobRepository) DB() *gorm.DB { return r.db }
