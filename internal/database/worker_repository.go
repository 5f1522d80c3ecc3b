package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkerRepository manages the Worker table, including the heartbeat
// endpoint's dual registration/touch behavior.
type WorkerRepository struct {
	db *gorm.DB
}

func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Register upserts a worker by hostname with a full capability payload.
// This is the "full registration" heartbeat variant: the request carries
// os/ip/available_tools. Returns the resulting worker record.
func (r *WorkerRepository) Register(hostname, ip, os string, caps WorkerCapabilities) (*Worker, error) {
	var w Worker
	err := r.db.Where("hostname = ?", hostname).First(&w).Error
	switch {
	case err == nil:
		w.IPAddress = ip
		w.OS = os
		w.Capabilities = datatypes.NewJSONType(caps)
		w.IsActive = true
		w.LastSeen = time.Now().UTC()
		if err := r.db.Save(&w).Error; err != nil {
			return nil, err
		}
	case err == gorm.ErrRecordNotFound:
		w = Worker{
			Hostname:     hostname,
			IPAddress:    ip,
			OS:           os,
			Capabilities: datatypes.NewJSONType(caps),
			IsActive:     true,
			LastSeen:     time.Now().UTC(),
		}
		if err := r.db.Create(&w).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &w, nil
}

// Touch updates last_seen for an already-registered worker. Returns
// gorm.ErrRecordNotFound if the hostname has never registered, which the
// dispatch handler surfaces as 404 so the worker knows to re-register.
func (r *WorkerRepository) Touch(hostname string) (*Worker, error) {
	var w Worker
	if err := r.db.Where("hostname = ?", hostname).First(&w).Error; err != nil {
		return nil, err
	}
	w.LastSeen = time.Now().UTC()
	if err := r.db.Model(&w).Update("last_seen", w.LastSeen).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkerRepository) Get(id uint) (*Worker, error) {
	var w Worker
	if err := r.db.First(&w, id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkerRepository) List() ([]Worker, error) {
	var workers []Worker
	if err := r.db.Order("hostname").Find(&workers).Error; err != nil {
		return nil, err
	}
	return workers, nil
}
