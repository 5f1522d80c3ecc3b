package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of an atomic render Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRendering JobStatus = "RENDERING"
	JobStatusDone      JobStatus = "DONE"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// AnimationStatus is the lifecycle state of an Animation parent.
type AnimationStatus string

const (
	AnimationStatusQueued    AnimationStatus = "QUEUED"
	AnimationStatusRendering AnimationStatus = "RENDERING"
	AnimationStatusDone      AnimationStatus = "DONE"
	AnimationStatusError     AnimationStatus = "ERROR"
)

// AnimationFrameStatus is the lifecycle state of one frame of a tiled animation.
type AnimationFrameStatus string

const (
	AnimationFrameStatusPending    AnimationFrameStatus = "PENDING"
	AnimationFrameStatusRendering  AnimationFrameStatus = "RENDERING"
	AnimationFrameStatusAssembling AnimationFrameStatus = "ASSEMBLING"
	AnimationFrameStatusDone       AnimationFrameStatus = "DONE"
	AnimationFrameStatusError      AnimationFrameStatus = "ERROR"
)

// TiledJobStatus is the lifecycle state of a single-image tiled render.
type TiledJobStatus string

const (
	TiledJobStatusQueued     TiledJobStatus = "QUEUED"
	TiledJobStatusRendering  TiledJobStatus = "RENDERING"
	TiledJobStatusAssembling TiledJobStatus = "ASSEMBLING"
	TiledJobStatusDone       TiledJobStatus = "DONE"
	TiledJobStatusError      TiledJobStatus = "ERROR"
)

// RenderDevice is the device class a Job, Animation, or TiledJob requests.
type RenderDevice string

const (
	DeviceCPU RenderDevice = "CPU"
	DeviceGPU RenderDevice = "GPU"
	DeviceAny RenderDevice = "ANY"
)

// TilingConfig names a fixed grid size for tiled rendering, or NONE.
type TilingConfig string

const (
	TilingNone TilingConfig = "NONE"
	Tiling2x2  TilingConfig = "2x2"
	Tiling3x3  TilingConfig = "3x3"
	Tiling4x4  TilingConfig = "4x4"
)

// Project is the top-level container for assets and render work.
type Project struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name     string    `gorm:"size:40;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsPaused bool      `gorm:"default:false;index" json:"is_paused"`

	Assets     []Asset     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Animations []Animation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TiledJobs  []TiledJob  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Jobs       []Job       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Asset is an immutable .blend file blob owned by a project.
type Asset struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	Project   Project   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name      string    `gorm:"size:40;uniqueIndex;not null" json:"name"`
	BlendFile string    `gorm:"not null" json:"blend_file"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Asset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// WorkerCapabilities is the structured description of a worker's resources,
// stored as JSON. BlenderVersions lists locally-available renderer versions;
// GPUBackends is the set of distinct backend types detected (CUDA, OPTIX,
// HIP, METAL, ONEAPI); GPUPhysicalDevices is the deduplicated device list
// whose length drives split-mode slot count.
type WorkerCapabilities struct {
	BlenderVersions    []string            `json:"blender_versions"`
	GPUBackends        []string            `json:"gpu_backends"`
	GPUPhysicalDevices []GPUPhysicalDevice `json:"gpu_physical_devices"`
	CPUThreads         int                 `json:"cpu_threads"`
}

// GPUPhysicalDevice is one deduplicated physical GPU as resolved by the
// Capability Detector (C3).
type GPUPhysicalDevice struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// Worker is a registered rendering machine. Identified by hostname;
// capabilities and liveness are refreshed by the heartbeat endpoint.
type Worker struct {
	ID           uint                                   `gorm:"primaryKey" json:"id"`
	Hostname     string                                 `gorm:"size:255;uniqueIndex;not null" json:"hostname"`
	IPAddress    string                                 `gorm:"size:64" json:"ip_address"`
	OS           string                                 `gorm:"size:100" json:"os"`
	LastSeen     time.Time                              `json:"last_seen"`
	IsActive     bool                                   `gorm:"default:true" json:"is_active"`
	Capabilities datatypes.JSONType[WorkerCapabilities] `json:"capabilities"`
}

// Job is the atomic unit of render work: one or a contiguous frame range
// with one device selection. Exactly zero or one of AnimationID,
// TiledJobID, AnimationFrameID is set.
type Job struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"size:255;uniqueIndex;not null" json:"name"`
	AssetID           uuid.UUID    `gorm:"type:uuid;not null" json:"asset_id"`
	Asset             Asset        `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	OutputFilePattern string       `gorm:"size:1024" json:"output_file_pattern"`
	StartFrame        int          `json:"start_frame"`
	EndFrame          int          `json:"end_frame"`
	Status            JobStatus    `gorm:"size:20;default:QUEUED;index" json:"status"`
	AssignedWorkerID  *uint        `gorm:"index" json:"assigned_worker_id"`
	AssignedWorker    *Worker      `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	SubmittedAt       time.Time    `json:"submitted_at"`
	StartedAt         *time.Time   `json:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at"`
	RendererVersion   string       `gorm:"size:100;default:4.5" json:"renderer_version"`
	Engine            string       `gorm:"size:50;default:CYCLES" json:"engine"`
	Device            RenderDevice `gorm:"size:10;default:ANY" json:"device"`
	FeatureSet        string       `gorm:"size:50;default:SUPPORTED" json:"feature_set"`
	Settings          datatypes.JSONMap `json:"settings"`
	RenderTimeSeconds int          `gorm:"default:0" json:"render_time_seconds"`
	OutputBlob        string       `json:"output_blob"`
	Thumbnail         string       `json:"thumbnail"`
	ErrorMessage      string       `gorm:"type:text" json:"error_message"`

	AnimationID      *uint      `gorm:"index" json:"animation_id"`
	TiledJobID       *uuid.UUID `gorm:"type:uuid;index" json:"tiled_job_id"`
	AnimationFrameID *uint      `gorm:"index" json:"animation_frame_id"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().UTC()
	}
	return nil
}

// Animation is a multi-frame animation render request (parent of Jobs,
// or of AnimationFrames when tiled).
type Animation struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	ProjectID              uuid.UUID       `gorm:"type:uuid;not null;index" json:"project_id"`
	Project                Project         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name                   string          `gorm:"size:255;uniqueIndex;not null" json:"name"`
	AssetID                uuid.UUID       `gorm:"type:uuid;not null" json:"asset_id"`
	Asset                  Asset           `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	OutputFilePattern      string          `gorm:"size:1024" json:"output_file_pattern"`
	StartFrame             int             `json:"start_frame"`
	EndFrame               int             `json:"end_frame"`
	FrameStep              int             `gorm:"default:1" json:"frame_step"`
	Status                 AnimationStatus `gorm:"size:20;default:QUEUED;index" json:"status"`
	SubmittedAt            time.Time       `json:"submitted_at"`
	CompletedAt            *time.Time      `json:"completed_at"`
	RendererVersion        string          `gorm:"size:100;default:4.5" json:"renderer_version"`
	Engine                 string          `gorm:"size:50;default:CYCLES" json:"engine"`
	Device                 RenderDevice    `gorm:"size:10;default:ANY" json:"device"`
	FeatureSet             string          `gorm:"size:50;default:SUPPORTED" json:"feature_set"`
	Settings               datatypes.JSONMap `json:"settings"`
	TotalRenderTimeSeconds int             `gorm:"default:0" json:"total_render_time_seconds"`
	TilingConfig           TilingConfig    `gorm:"size:10;default:NONE" json:"tiling_config"`
	FinalResolutionX       int             `json:"final_resolution_x"`
	FinalResolutionY       int             `json:"final_resolution_y"`
	Thumbnail              string          `json:"thumbnail"`

	Jobs   []Job            `gorm:"foreignKey:AnimationID;constraint:OnDelete:CASCADE" json:"-"`
	Frames []AnimationFrame `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (a *Animation) BeforeCreate(tx *gorm.DB) error {
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = time.Now().UTC()
	}
	return nil
}

// ExpectedFrameCount returns the number of frames this animation decomposes
// into: floor((end-start)/step)+1.
func (a *Animation) ExpectedFrameCount() int {
	return expectedFrameCount(a.StartFrame, a.EndFrame, a.FrameStep)
}

func expectedFrameCount(start, end, step int) int {
	if step <= 0 {
		step = 1
	}
	if end < start {
		return 0
	}
	return (end-start)/step + 1
}

// AnimationFrame is one frame of a tiled animation; owns the tile Jobs for
// that frame and is itself assembled into a single image by the Assembler.
type AnimationFrame struct {
	ID                uint                 `gorm:"primaryKey" json:"id"`
	AnimationID       uint                 `gorm:"not null;uniqueIndex:idx_animation_frame" json:"animation_id"`
	Animation         Animation            `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	FrameNumber       int                  `gorm:"uniqueIndex:idx_animation_frame" json:"frame_number"`
	Status            AnimationFrameStatus `gorm:"size:20;default:PENDING;index" json:"status"`
	OutputFile        string               `json:"output_file"`
	RenderTimeSeconds int                  `gorm:"default:0" json:"render_time_seconds"`
	CreatedAt         time.Time            `json:"created_at"`
	Thumbnail         string               `json:"thumbnail"`

	TileJobs []Job `gorm:"foreignKey:AnimationFrameID;constraint:OnDelete:CASCADE" json:"-"`
}

// TiledJob is a single high-resolution image assembled from a tile grid.
type TiledJob struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Project                Project        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name                   string         `gorm:"size:255;uniqueIndex;not null" json:"name"`
	AssetID                uuid.UUID      `gorm:"type:uuid;not null" json:"asset_id"`
	Asset                  Asset          `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	FinalResolutionX       int            `json:"final_resolution_x"`
	FinalResolutionY       int            `json:"final_resolution_y"`
	TileCountX             int            `gorm:"default:4" json:"tile_count_x"`
	TileCountY             int            `gorm:"default:4" json:"tile_count_y"`
	Status                 TiledJobStatus `gorm:"size:20;default:QUEUED;index" json:"status"`
	SubmittedAt            time.Time      `json:"submitted_at"`
	CompletedAt            *time.Time     `json:"completed_at"`
	RendererVersion        string         `gorm:"size:100;default:4.5" json:"renderer_version"`
	Engine                 string         `gorm:"size:50;default:CYCLES" json:"engine"`
	Device                 RenderDevice   `gorm:"size:10;default:ANY" json:"device"`
	FeatureSet             string         `gorm:"size:50;default:SUPPORTED" json:"feature_set"`
	Settings               datatypes.JSONMap `json:"settings"`
	TotalRenderTimeSeconds int            `gorm:"default:0" json:"total_render_time_seconds"`
	OutputBlob             string         `json:"output_blob"`
	Thumbnail              string         `json:"thumbnail"`

	Jobs []Job `gorm:"foreignKey:TiledJobID;constraint:OnDelete:CASCADE" json:"-"`
}

func (t *TiledJob) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}
	return nil
}

// GetAllModels returns every model registered for auto-migration, in an
// order that satisfies foreign key dependencies.
func GetAllModels() []interface{} {
	return []interface{}{
		&Project{},
		&Asset{},
		&Worker{},
		&Animation{},
		&AnimationFrame{},
		&TiledJob{},
		&Job{},
	}
}
