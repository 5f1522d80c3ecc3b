package dispatch

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	for _, model := range database.GetAllModels() {
		if err := db.AutoMigrate(model); err != nil {
			t.Fatalf("failed to migrate %T: %v", model, err)
		}
	}

	deps := Deps{
		DB:        db,
		Projects:  database.NewProjectRepository(db),
		Assets:    database.NewAssetRepository(db),
		Workers:   database.NewWorkerRepository(db),
		Jobs:      database.NewJobRepository(db),
		Animation: database.NewAnimationRepository(db),
		TiledJobs: database.NewTiledJobRepository(db),
		Storage:   storage.NewFilesystemBackend(t.TempDir()),
	}

	router := gin.New()
	group := router.Group("/api")
	RegisterRoutes(group, deps)
	return router, deps
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTestProject(t *testing.T, router *gin.Engine) database.Project {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/projects", createProjectRequest{Name: "test-project"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating project, got %d: %s", rec.Code, rec.Body.String())
	}
	var p database.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func createTestAsset(t *testing.T, router *gin.Engine, projectID string) database.Asset {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("project", projectID)
	w.WriteField("name", "test-asset")
	fw, err := w.CreateFormFile("blend_file", "scene.blend")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake-blend-bytes"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/assets", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating asset, got %d: %s", rec.Code, rec.Body.String())
	}
	var a database.Asset
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCreateProject_Succeeds(t *testing.T) {
	router, _ := newTestRouter(t)
	p := createTestProject(t, router)
	if p.Name != "test-project" {
		t.Fatalf("unexpected project name %q", p.Name)
	}
}

func TestCreateProject_RejectsShortName(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/projects", createProjectRequest{Name: "ab"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-short name, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "at least") {
		t.Fatalf("expected a friendly min-length message, got %q", rec.Body.String())
	}
}

func TestCreateAndFetchJob(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{
		Name:    "frame-1",
		AssetID: asset.ID.String(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating job, got %d: %s", rec.Code, rec.Body.String())
	}
	var job database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Engine != "CYCLES" {
		t.Fatalf("expected default engine CYCLES, got %q", job.Engine)
	}

	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+itoa(job.ID), nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching job, got %d", getRec.Code)
	}
}

func TestCreateJob_RejectsInvalidDevice(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{
		Name: "frame-1", AssetID: asset.ID.String(), Device: "QUANTUM",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid device, got %d", rec.Code)
	}
}

func TestCreateJob_RejectsMismatchedFrameRange(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{
		Name: "frame-range", AssetID: asset.ID.String(), StartFrame: 1, EndFrame: 100,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a standalone job spanning multiple frames, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPatchJob_ClaimThenConflict(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())
	jobRec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{Name: "frame-1", AssetID: asset.ID.String()})
	var job database.Job
	json.Unmarshal(jobRec.Body.Bytes(), &job)

	workerID := uint(1)
	rec1 := doJSON(t, router, http.MethodPatch, "/api/jobs/"+itoa(job.ID), patchJobRequest{AssignedWorker: &workerID})
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 on first claim, got %d: %s", rec1.Code, rec1.Body.String())
	}

	otherWorker := uint(2)
	rec2 := doJSON(t, router, http.MethodPatch, "/api/jobs/"+itoa(job.ID), patchJobRequest{AssignedWorker: &otherWorker})
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second claim, got %d", rec2.Code)
	}
}

func TestCancelJob_IdempotentOnAlreadyCanceled(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())
	jobRec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{Name: "frame-1", AssetID: asset.ID.String()})
	var job database.Job
	json.Unmarshal(jobRec.Body.Bytes(), &job)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/"+itoa(job.ID)+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 canceling a queued job, got %d: %s", rec.Code, rec.Body.String())
	}

	// Canceling an already-canceled job is a tolerated no-op, not an error.
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/jobs/"+itoa(job.ID)+"/cancel", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 re-canceling an already-canceled job, got %d", rec2.Code)
	}
}

func TestPatchJob_RejectsInvalidStatusTransition(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())
	jobRec := doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{Name: "frame-1", AssetID: asset.ID.String()})
	var job database.Job
	json.Unmarshal(jobRec.Body.Bytes(), &job)

	done := "DONE"
	rec := doJSON(t, router, http.MethodPatch, "/api/jobs/"+itoa(job.ID), patchJobRequest{Status: &done})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 going straight from QUEUED to DONE, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHeartbeat_RegisterThenTouch(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/heartbeat", heartbeatRequest{
		Hostname: "worker-1", IPAddress: "10.0.0.5", OS: "linux",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 registering worker, got %d: %s", rec.Code, rec.Body.String())
	}

	touchRec := doJSON(t, router, http.MethodPost, "/api/heartbeat", heartbeatRequest{Hostname: "worker-1"})
	if touchRec.Code != http.StatusOK {
		t.Fatalf("expected 200 touching known worker, got %d", touchRec.Code)
	}
}

func TestHeartbeat_TouchUnknownWorker_404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/heartbeat", heartbeatRequest{Hostname: "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown worker, got %d", rec.Code)
	}
}

func TestHeartbeat_RateLimitExceeded_Returns429(t *testing.T) {
	router, _ := newTestRouter(t)
	req := heartbeatRequest{Hostname: "rate-limited-worker", IPAddress: "10.0.0.9", OS: "linux"}

	// Burst of 3 is allowed immediately; the 4th in the same instant trips the limiter.
	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/heartbeat", req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected burst request %d to succeed, got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, router, http.MethodPost, "/api/heartbeat", req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once burst is exhausted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListJobs_FiltersByQueryParams(t *testing.T) {
	router, _ := newTestRouter(t)
	project := createTestProject(t, router)
	asset := createTestAsset(t, router, project.ID.String())
	doJSON(t, router, http.MethodPost, "/api/jobs", createJobRequest{Name: "frame-1", AssetID: asset.ID.String()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=QUEUED&assigned_worker__isnull=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued unassigned job, got %d", len(jobs))
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
