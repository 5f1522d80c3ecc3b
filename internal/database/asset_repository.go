package database

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssetRepository is the persistence gateway for immutable asset blobs.
type AssetRepository struct {
	db *gorm.DB
}

func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) Create(a *Asset) error {
	return r.db.Create(a).Error
}

func (r *AssetRepository) Get(id uuid.UUID) (*Asset, error) {
	var a Asset
	if err := r.db.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AssetRepository) ListByProject(projectID uuid.UUID) ([]Asset, error) {
	var assets []Asset
	if err := r.db.Where("project_id = ?", projectID).Order("created_at desc").Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}
