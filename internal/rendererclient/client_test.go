package rendererclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/blendforge/blendforge/internal/database"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return New(srv.URL), srv.Close
}

func TestRegister_SendsCapabilitiesAndReturnsWorker(t *testing.T) {
	caps := database.WorkerCapabilities{CPUThreads: 8, GPUBackends: []string{"CUDA"}}

	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/heartbeat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["hostname"] != "worker-1" {
			t.Errorf("expected hostname worker-1, got %v", body["hostname"])
		}
		json.NewEncoder(w).Encode(database.Worker{ID: 7, Hostname: "worker-1"})
	})
	defer closeFn()

	worker, err := client.Register(t.Context(), "worker-1", "10.0.0.1", "linux", caps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if worker.ID != 7 {
		t.Fatalf("expected worker id 7, got %d", worker.ID)
	}
}

func TestTouch_NotFound_ReturnsNilWithoutError(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeFn()

	worker, err := client.Touch(t.Context(), "unknown-host")
	if err != nil {
		t.Fatalf("expected no error on 404, got %v", err)
	}
	if worker != nil {
		t.Fatalf("expected nil worker on 404, got %+v", worker)
	}
}

func TestClaim_Conflict_ReturnsErrClaimConflict(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer closeFn()

	_, err := client.Claim(t.Context(), 42, 1)
	if err != ErrClaimConflict {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}
}

func TestClaim_Success_ReturnsClaimedJob(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(database.Job{ID: 42, Status: database.JobStatusRendering})
	})
	defer closeFn()

	job, err := client.Claim(t.Context(), 42, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != 42 {
		t.Fatalf("expected job id 42, got %d", job.ID)
	}
}

func TestPoll_EncodesFilterAsQueryParams(t *testing.T) {
	gpuAvailable := true
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "QUEUED" {
			t.Errorf("expected status=QUEUED, got %q", q.Get("status"))
		}
		if q.Get("gpu_available") != "true" {
			t.Errorf("expected gpu_available=true, got %q", q.Get("gpu_available"))
		}
		if q.Get("assigned_worker__isnull") != "true" {
			t.Errorf("expected assigned_worker__isnull=true, got %q", q.Get("assigned_worker__isnull"))
		}
		json.NewEncoder(w).Encode([]database.Job{{ID: 1}})
	})
	defer closeFn()

	jobs, err := client.Poll(t.Context(), PollFilter{
		Status:         string(database.JobStatusQueued),
		UnassignedOnly: true,
		GPUAvailable:   &gpuAvailable,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestIsCanceled_ReflectsJobStatus(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(database.Job{ID: 5, Status: database.JobStatusCanceled})
	})
	defer closeFn()

	canceled, err := client.IsCanceled(t.Context(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canceled {
		t.Fatal("expected canceled=true")
	}
}

func TestIsCanceled_FalseForNonCanceledStatus(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(database.Job{ID: 5, Status: database.JobStatusRendering})
	})
	defer closeFn()

	canceled, err := client.IsCanceled(t.Context(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canceled {
		t.Fatal("expected canceled=false for a rendering job")
	}
}

func TestAssetDownloadURL(t *testing.T) {
	client := New("http://manager.internal:8080")
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	want := "http://manager.internal:8080/assets/00000000-0000-0000-0000-000000000001/download"
	if got := client.AssetDownloadURL(id); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUploadOutput_SendsMultipartAndReturnsJob(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/9/upload_output" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		if r.FormValue("render_time_s") != "120" {
			t.Errorf("expected render_time_s=120, got %q", r.FormValue("render_time_s"))
		}
		file, _, err := r.FormFile("output_file")
		if err != nil {
			t.Fatalf("expected output_file part: %v", err)
		}
		defer file.Close()
		json.NewEncoder(w).Encode(database.Job{ID: 9, Status: database.JobStatusDone})
	})
	defer closeFn()

	job, err := client.UploadOutput(t.Context(), 9, 120, "output.png", []byte("fake-png-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != database.JobStatusDone {
		t.Fatalf("expected DONE status, got %s", job.Status)
	}
}
