package database

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectRepository is the persistence gateway for projects (C10 lives here
// as a query predicate, not a separate service).
type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Create(p *Project) error {
	return r.db.Create(p).Error
}

func (r *ProjectRepository) Get(id uuid.UUID) (*Project, error) {
	var p Project
	if err := r.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProjectRepository) List() ([]Project, error) {
	var projects []Project
	if err := r.db.Order("created_at desc").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// SetPaused is the Project Pause Gate's only write (C10): a single boolean
// flip. No enumeration of the project's jobs is required or performed.
func (r *ProjectRepository) SetPaused(id uuid.UUID, paused bool) (*Project, error) {
	result := r.db.Model(&Project{}).Where("id = ?", id).Update("is_paused", paused)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.Get(id)
}
