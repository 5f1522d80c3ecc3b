// Package dispatch implements the resource-oriented HTTP surface for
// projects, assets, jobs, animations, tiled jobs, and worker heartbeats.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/blendforge/blendforge/internal/aggregator"
	"github.com/blendforge/blendforge/internal/assembler"
	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/decomposer"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/blendforge/blendforge/internal/storage"
	"github.com/blendforge/blendforge/internal/thumbnail"
)

// heartbeatRate bounds how often a single hostname may hit the heartbeat
// endpoint, protecting the manager from a misconfigured worker stuck in a
// tight retry loop. One limiter per hostname, created lazily.
var (
	heartbeatLimiters sync.Map
	heartbeatRate     = rate.Every(time.Second / 2) // 2 requests/sec burst 3
)

func heartbeatLimiter(hostname string) *rate.Limiter {
	if val, ok := heartbeatLimiters.Load(hostname); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(heartbeatRate, 3)
	actual, _ := heartbeatLimiters.LoadOrStore(hostname, limiter)
	return actual.(*rate.Limiter)
}

// Deps bundles everything a dispatch handler needs: repositories, the
// storage backend for asset/output/thumbnail blobs, and the raw *gorm.DB
// for transactional create+decompose operations.
type Deps struct {
	DB        *gorm.DB
	Projects  *database.ProjectRepository
	Assets    *database.AssetRepository
	Workers   *database.WorkerRepository
	Jobs      *database.JobRepository
	Animation *database.AnimationRepository
	TiledJobs *database.TiledJobRepository
	Storage   storage.StorageBackendWithInfo
}

// RegisterRoutes wires the full route table onto router.
func RegisterRoutes(router *gin.RouterGroup, deps Deps) {
	router.POST("/projects", deps.createProject)
	router.POST("/projects/:id/pause", deps.setProjectPaused(true))
	router.POST("/projects/:id/unpause", deps.setProjectPaused(false))

	router.POST("/assets", deps.createAsset)

	router.POST("/jobs", deps.createJob)
	router.GET("/jobs", deps.listJobs)
	router.GET("/jobs/:id", deps.getJob)
	router.PATCH("/jobs/:id", deps.patchJob)
	router.POST("/jobs/:id/cancel", deps.cancelJob)
	router.POST("/jobs/:id/upload_output", deps.uploadJobOutput)

	router.GET("/assets/:id/download", deps.downloadAsset)

	router.POST("/animations", deps.createAnimation)
	router.POST("/tiled-jobs", deps.createTiledJob)

	router.POST("/heartbeat", deps.heartbeat)
	router.GET("/heartbeat", deps.listWorkers)
}

func (d Deps) blobLoader() assembler.BlobLoader {
	return func(ref string) ([]byte, error) {
		rc, err := d.Storage.Get(context.Background(), ref)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
}

func (d Deps) blobSaver(prefix string) assembler.BlobSaver {
	return func(name string, data []byte) (string, error) {
		key := filepath.Join(prefix, name)
		if err := d.Storage.Put(context.Background(), key, strings.NewReader(string(data))); err != nil {
			return "", err
		}
		return key, nil
	}
}

// ---- projects ----

type createProjectRequest struct {
	Name string `json:"name" binding:"required,min=4,max=40"`
}

func (d Deps) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingErrorMessage(err)})
		return
	}
	p := &database.Project{Name: req.Name}
	if err := d.Projects.Create(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (d Deps) setProjectPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		if _, err := d.Projects.SetPaused(id, paused); err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"is_paused": paused})
	}
}

// ---- assets ----

func (d Deps) createAsset(c *gin.Context) {
	projectIDStr := c.PostForm("project")
	name := c.PostForm("name")
	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	if len(name) < 4 || len(name) > 40 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must be 4-40 characters"})
		return
	}

	file, header, err := c.Request.FormFile("blend_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blend_file is required"})
		return
	}
	defer file.Close()

	assetID := uuid.New()
	key := filepath.Join("assets", shortID(projectID), assetID.String()+filepath.Ext(header.Filename))
	if err := d.Storage.Put(context.Background(), key, file); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store asset"})
		return
	}

	asset := &database.Asset{ID: assetID, ProjectID: projectID, Name: name, BlendFile: key}
	if err := d.Assets.Create(asset); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, asset)
}

// downloadAsset streams an asset's stored blend file back to a worker. The
// path a worker requests this through becomes the asset cache key: the
// cache is keyed by the remote URL's path.
func (d Deps) downloadAsset(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
		return
	}
	asset, err := d.Assets.Get(id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rc, err := d.Storage.Get(context.Background(), asset.BlendFile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, nil)
}

// ---- jobs ----

type createJobRequest struct {
	Name              string                 `json:"name" binding:"required"`
	AssetID           string                 `json:"asset_id" binding:"required"`
	OutputFilePattern string                 `json:"output_file_pattern"`
	StartFrame        int                    `json:"start_frame"`
	EndFrame          int                    `json:"end_frame"`
	RendererVersion   string                 `json:"renderer_version"`
	Engine            string                 `json:"engine"`
	Device            string                 `json:"device"`
	RenderSettings    map[string]interface{} `json:"render_settings"`
}

func (d Deps) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingErrorMessage(err)})
		return
	}
	assetID, err := uuid.Parse(req.AssetID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset_id"})
		return
	}
	if !validDevice(req.Device) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device"})
		return
	}
	if req.EndFrame != req.StartFrame {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a standalone job renders a single frame; start_frame and end_frame must match (submit an animation to render a frame range)"})
		return
	}

	job := &database.Job{
		Name:              req.Name,
		AssetID:           assetID,
		OutputFilePattern: req.OutputFilePattern,
		StartFrame:        req.StartFrame,
		EndFrame:          req.EndFrame,
		RendererVersion:   defaultStr(req.RendererVersion, "4.5"),
		Engine:            defaultStr(req.Engine, "CYCLES"),
		Device:            database.RenderDevice(defaultStr(req.Device, "ANY")),
		Settings:          req.RenderSettings,
	}
	if err := d.Jobs.Create(job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (d Deps) listJobs(c *gin.Context) {
	filter := database.PollFilter{Status: database.JobStatus(c.Query("status"))}
	if v := c.Query("assigned_worker__isnull"); v == "true" {
		filter.UnassignedOnly = true
	}
	if v := c.Query("gpu_available"); v != "" {
		b := v == "true"
		filter.GPUAvailable = &b
	}
	jobs, err := d.Jobs.Poll(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (d Deps) getJob(c *gin.Context) {
	jobID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := d.Jobs.Get(jobID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

type patchJobRequest struct {
	AssignedWorker *uint   `json:"assigned_worker"`
	Status         *string `json:"status"`
	ErrorMessage   string  `json:"error_message"`
}

func (d Deps) patchJob(c *gin.Context) {
	jobID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	var req patchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.AssignedWorker != nil {
		job, err := d.Jobs.Claim(jobID, *req.AssignedWorker)
		if err != nil {
			if err == database.ErrClaimConflict {
				c.JSON(http.StatusConflict, gin.H{"error": "job already claimed"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
		return
	}

	if req.Status != nil {
		var job *database.Job
		txErr := d.DB.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			job, innerErr = d.jobsTx(tx).UpdateStatus(jobID, database.JobStatus(*req.Status), req.ErrorMessage)
			if innerErr != nil {
				return innerErr
			}
			return aggregator.OnJobStatusChange(tx, d.aggregatorRepos(tx), d.aggregatorBlobs(), job)
		})
		if txErr != nil {
			if txErr == database.ErrInvalidTransition {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status transition"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": txErr.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "no recognized update fields"})
}

func (d Deps) cancelJob(c *gin.Context) {
	jobID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := d.Jobs.Cancel(jobID)
	if err != nil {
		if err == database.ErrInvalidTransition {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job is already terminal"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (d Deps) uploadJobOutput(c *gin.Context) {
	jobID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	renderTime, _ := strconv.Atoi(c.PostForm("render_time_s"))

	file, _, err := c.Request.FormFile("output_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "output_file is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}

	key := filepath.Join("outputs", fmt.Sprintf("job_%d", jobID), "output.png")
	if err := d.Storage.Put(context.Background(), key, strings.NewReader(string(data))); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store output"})
		return
	}

	var job *database.Job
	txErr := d.DB.Transaction(func(tx *gorm.DB) error {
		var innerErr error
		job, innerErr = d.jobsTx(tx).SetOutput(jobID, key, renderTime)
		if innerErr != nil {
			return innerErr
		}
		if path, err := thumbnail.GenerateFromPNG(context.Background(), d.Storage, "job", jobID, data); err == nil {
			if err := d.jobsTx(tx).SetThumbnail(jobID, path); err != nil {
				return err
			}
		} else {
			logging.ComponentLogger(logging.ComponentThumbnail).Warn("thumbnail generation failed", "job_id", jobID, "error", err)
		}
		return aggregator.OnJobStatusChange(tx, d.aggregatorRepos(tx), d.aggregatorBlobs(), job)
	})
	if txErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": txErr.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ---- animations ----

type createAnimationRequest struct {
	ProjectID         string                 `json:"project" binding:"required"`
	Name              string                 `json:"name" binding:"required"`
	AssetID           string                 `json:"asset_id" binding:"required"`
	OutputFilePattern string                 `json:"output_file_pattern"`
	StartFrame        int                    `json:"start_frame"`
	EndFrame          int                    `json:"end_frame"`
	FrameStep         int                    `json:"frame_step"`
	TilingConfig      string                 `json:"tiling_config"`
	RendererVersion   string                 `json:"renderer_version"`
	Engine            string                 `json:"engine"`
	Device            string                 `json:"device"`
	FinalResolutionX  int                    `json:"final_resolution_x"`
	FinalResolutionY  int                    `json:"final_resolution_y"`
	RenderSettings    map[string]interface{} `json:"render_settings"`
}

func (d Deps) createAnimation(c *gin.Context) {
	var req createAnimationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	assetID, err := uuid.Parse(req.AssetID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset_id"})
		return
	}
	if req.FrameStep < 1 {
		req.FrameStep = 1
	}

	a := &database.Animation{
		ProjectID:         projectID,
		Name:              req.Name,
		AssetID:           assetID,
		OutputFilePattern: req.OutputFilePattern,
		StartFrame:        req.StartFrame,
		EndFrame:          req.EndFrame,
		FrameStep:         req.FrameStep,
		TilingConfig:      database.TilingConfig(defaultStr(req.TilingConfig, "NONE")),
		RendererVersion:   defaultStr(req.RendererVersion, "4.5"),
		Engine:            defaultStr(req.Engine, "CYCLES"),
		Device:            database.RenderDevice(defaultStr(req.Device, "ANY")),
		FinalResolutionX:  req.FinalResolutionX,
		FinalResolutionY:  req.FinalResolutionY,
		Settings:          req.RenderSettings,
	}

	txErr := d.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		return decomposer.Decompose(tx, a)
	})
	if txErr != nil {
		if _, ok := txErr.(*decomposer.ErrNameCollision); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": txErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": txErr.Error()})
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ---- tiled jobs ----

type createTiledJobRequest struct {
	ProjectID        string `json:"project" binding:"required"`
	Name             string `json:"name" binding:"required"`
	AssetID          string `json:"asset_id" binding:"required"`
	FinalResolutionX int    `json:"final_resolution_x" binding:"required"`
	FinalResolutionY int    `json:"final_resolution_y" binding:"required"`
	TileCountX       int    `json:"tile_count_x"`
	TileCountY       int    `json:"tile_count_y"`
	RendererVersion  string `json:"renderer_version"`
	Engine           string `json:"engine"`
	Device           string `json:"device"`
}

func (d Deps) createTiledJob(c *gin.Context) {
	var req createTiledJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	assetID, err := uuid.Parse(req.AssetID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset_id"})
		return
	}

	t := &database.TiledJob{
		ProjectID:        projectID,
		Name:             req.Name,
		AssetID:          assetID,
		FinalResolutionX: req.FinalResolutionX,
		FinalResolutionY: req.FinalResolutionY,
		TileCountX:       defaultInt(req.TileCountX, 4),
		TileCountY:       defaultInt(req.TileCountY, 4),
		RendererVersion:  defaultStr(req.RendererVersion, "4.5"),
		Engine:           defaultStr(req.Engine, "CYCLES"),
		Device:           database.RenderDevice(defaultStr(req.Device, "ANY")),
	}

	txErr := d.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return decomposer.DecomposeTiledJob(tx, t)
	})
	if txErr != nil {
		if _, ok := txErr.(*decomposer.ErrNameCollision); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": txErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": txErr.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

// ---- heartbeat ----

type heartbeatRequest struct {
	Hostname       string                       `json:"hostname" binding:"required"`
	IPAddress      string                       `json:"ip"`
	OS             string                       `json:"os"`
	AvailableTools database.WorkerCapabilities  `json:"available_tools"`
}

func (d Deps) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !heartbeatLimiter(req.Hostname).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "heartbeat rate exceeded"})
		return
	}

	if req.IPAddress == "" && req.OS == "" {
		// hostname-only heartbeat: touch last_seen, 404 if unknown.
		w, err := d.Workers.Touch(req.Hostname)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker, re-register"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, w)
		return
	}

	w, err := d.Workers.Register(req.Hostname, req.IPAddress, req.OS, req.AvailableTools)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (d Deps) listWorkers(c *gin.Context) {
	workers, err := d.Workers.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, workers)
}

// ---- helpers ----

// bindingErrorMessage turns a binding validation failure into a message
// naming the offending field and constraint, falling back to the raw
// error for anything that isn't a validator.ValidationErrors (e.g.
// malformed JSON).
func bindingErrorMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, ve := range verrs {
			switch ve.Tag() {
			case "required":
				return fmt.Sprintf("%s is required", ve.Field())
			case "min":
				return fmt.Sprintf("%s must be at least %s characters long", ve.Field(), ve.Param())
			case "max":
				return fmt.Sprintf("%s must be at most %s characters long", ve.Field(), ve.Param())
			}
		}
	}
	return err.Error()
}

func (d Deps) jobsTx(tx *gorm.DB) *database.JobRepository {
	return database.NewJobRepository(tx)
}

func (d Deps) aggregatorRepos(tx *gorm.DB) aggregator.Repositories {
	return aggregator.Repositories{
		Jobs:      database.NewJobRepository(tx),
		Animation: database.NewAnimationRepository(tx),
		TiledJobs: database.NewTiledJobRepository(tx),
	}
}

func (d Deps) aggregatorBlobs() aggregator.Blobs {
	return aggregator.Blobs{
		Load: d.blobLoader(),
		Save: d.blobSaver("outputs/assembled"),
	}
}

func parseUintParam(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

func validDevice(d string) bool {
	switch database.RenderDevice(d) {
	case "", database.DeviceCPU, database.DeviceGPU, database.DeviceAny:
		return true
	default:
		return false
	}
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
