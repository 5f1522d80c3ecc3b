// Package rendererclient is the worker agent's typed HTTP client to the
// Dispatch API, mirroring the server side's gin handler conventions and
// enforcing a bounded per-endpoint timeout budget.
package rendererclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
)

// Per-endpoint timeout budget: HTTP calls use bounded timeouts, 5-60s by
// endpoint. Poll and heartbeat are frequent and cheap, so they get the
// short end; uploads carry rendered image bytes and get the long end.
const (
	timeoutHeartbeat = 5 * time.Second
	timeoutPoll      = 10 * time.Second
	timeoutClaim     = 10 * time.Second
	timeoutStatus    = 10 * time.Second
	timeoutCancelGet = 5 * time.Second
	timeoutDownload  = 60 * time.Second
	timeoutUpload    = 60 * time.Second
)

// ErrClaimConflict is returned by Claim when another worker already owns
// the job (the Dispatch API's 409 response).
var ErrClaimConflict = fmt.Errorf("rendererclient: job already claimed")

// Client wraps the Dispatch API's HTTP surface for worker agent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs a Client against baseURL (no trailing slash).
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{}}
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body io.Reader, contentType string, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Register performs a full registration/upsert heartbeat.
func (c *Client) Register(ctx context.Context, hostname, ip, os string, caps database.WorkerCapabilities) (*database.Worker, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"hostname":        hostname,
		"ip":              ip,
		"os":              os,
		"available_tools": caps,
	})
	var w database.Worker
	status, err := c.do(ctx, timeoutHeartbeat, http.MethodPost, "/heartbeat", bytes.NewReader(body), "application/json", &w)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: register: unexpected status %d", status)
	}
	return &w, nil
}

// Touch performs a hostname-only heartbeat touch. A 404 means the worker
// must re-register on its next loop iteration.
func (c *Client) Touch(ctx context.Context, hostname string) (*database.Worker, error) {
	body, _ := json.Marshal(map[string]interface{}{"hostname": hostname})
	var w database.Worker
	status, err := c.do(ctx, timeoutHeartbeat, http.MethodPost, "/heartbeat", bytes.NewReader(body), "application/json", &w)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: touch: unexpected status %d", status)
	}
	return &w, nil
}

// PollFilter mirrors database.PollFilter's query parameters for the
// GET /jobs list endpoint.
type PollFilter struct {
	Status         string
	UnassignedOnly bool
	GPUAvailable   *bool
}

// Poll lists candidate jobs, filtered server-side.
func (c *Client) Poll(ctx context.Context, filter PollFilter) ([]database.Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.UnassignedOnly {
		q.Set("assigned_worker__isnull", "true")
	}
	if filter.GPUAvailable != nil {
		q.Set("gpu_available", strconv.FormatBool(*filter.GPUAvailable))
	}

	var jobs []database.Job
	status, err := c.do(ctx, timeoutPoll, http.MethodGet, "/jobs?"+q.Encode(), nil, "", &jobs)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: poll: unexpected status %d", status)
	}
	return jobs, nil
}

// Claim attempts the conditional claim PATCH; a 409 response surfaces as
// ErrClaimConflict so the caller silently proceeds to the next candidate.
func (c *Client) Claim(ctx context.Context, jobID uint, workerID uint) (*database.Job, error) {
	body, _ := json.Marshal(map[string]interface{}{"assigned_worker": workerID})
	var job database.Job
	status, err := c.do(ctx, timeoutClaim, http.MethodPatch, fmt.Sprintf("/jobs/%d", jobID), bytes.NewReader(body), "application/json", &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, ErrClaimConflict
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: claim: unexpected status %d", status)
	}
	return &job, nil
}

// UpdateStatus PATCHes a job's status (RENDERING, DONE, ERROR, CANCELED).
func (c *Client) UpdateStatus(ctx context.Context, jobID uint, status string, errorMessage string) (*database.Job, error) {
	body, _ := json.Marshal(map[string]interface{}{"status": status, "error_message": errorMessage})
	var job database.Job
	httpStatus, err := c.do(ctx, timeoutStatus, http.MethodPatch, fmt.Sprintf("/jobs/%d", jobID), bytes.NewReader(body), "application/json", &job)
	if err != nil {
		return nil, err
	}
	if httpStatus != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: update status: unexpected status %d", httpStatus)
	}
	return &job, nil
}

// GetJob fetches a single job's current state, used by the invoker's
// cancel-poll loop.
func (c *Client) GetJob(ctx context.Context, jobID uint) (*database.Job, error) {
	var job database.Job
	status, err := c.do(ctx, timeoutCancelGet, http.MethodGet, fmt.Sprintf("/jobs/%d", jobID), nil, "", &job)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: get job: unexpected status %d", status)
	}
	return &job, nil
}

// IsCanceled implements invoker.CancelChecker.
func (c *Client) IsCanceled(ctx context.Context, jobID uint) (bool, error) {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		logging.ComponentLogger(logging.ComponentRendererClient).Warn("cancel-poll request failed, continuing", "job_id", jobID, "error", err)
		return false, err
	}
	return job.Status == database.JobStatusCanceled, nil
}

// AssetDownloadURL returns the URL a worker fetches an asset's blend file
// from; this is also the cache key asset_manager's local mirror uses.
func (c *Client) AssetDownloadURL(assetID uuid.UUID) string {
	return c.BaseURL + "/assets/" + assetID.String() + "/download"
}

// UploadOutput uploads a job's rendered output file as multipart form data.
func (c *Client) UploadOutput(ctx context.Context, jobID uint, renderTimeSeconds int, filename string, data []byte) (*database.Job, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("render_time_s", strconv.Itoa(renderTimeSeconds)); err != nil {
		return nil, err
	}
	part, err := writer.CreateFormFile("output_file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var job database.Job
	status, err := c.do(ctx, timeoutUpload, http.MethodPost, fmt.Sprintf("/jobs/%d/upload_output", jobID), &buf, writer.FormDataContentType(), &job)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rendererclient: upload output: unexpected status %d", status)
	}
	return &job, nil
}
