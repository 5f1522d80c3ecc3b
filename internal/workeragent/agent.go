// Package workeragent implements C5: the worker's boot sequence, slot
// scheduler, and main poll/heartbeat control loop, grounded on
// internal/pollers/base.go's BasePoller ticker-plus-retry pattern.
package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/blendforge/blendforge/internal/assetcache"
	"github.com/blendforge/blendforge/internal/capability"
	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/invoker"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/blendforge/blendforge/internal/pollers"
	"github.com/blendforge/blendforge/internal/rendererclient"
	"github.com/blendforge/blendforge/internal/workerconfig"
)

// Agent is the single-process worker: one control loop thread plus, in
// split mode, up to N+1 renderer subprocesses bound to slots.
type Agent struct {
	cfg workerconfig.Config

	client    *rendererclient.Client
	assets    *assetcache.Cache
	tools     invoker.ToolResolver
	detector  *capability.Detector
	invoker   *invoker.Invoker
	scheduler *SlotScheduler

	workerID uint
	caps     database.WorkerCapabilities

	wg              sync.WaitGroup
	heartbeatPoller *pollers.BasePoller
	jobPoller       *pollers.BasePoller
}

// New constructs an Agent from already-built dependencies. Call Boot then
// Run.
func New(cfg workerconfig.Config, client *rendererclient.Client, assets *assetcache.Cache, tools invoker.ToolResolver) *Agent {
	return &Agent{
		cfg:    cfg,
		client: client,
		assets: assets,
		tools:  tools,
	}
}

// firstBlenderVersion returns the first configured renderer version
// ("4.5,4.2" -> "4.5"), the worker's LTS bootstrap target.
func (a *Agent) firstBlenderVersion() string {
	parts := strings.Split(a.cfg.BlenderVersions, ",")
	return strings.TrimSpace(parts[0])
}

// Boot runs the worker's startup sequence: provision the bootstrap
// renderer, detect capabilities, register with the manager. Failure to
// provision the bootstrap renderer aborts startup before registration.
func (a *Agent) Boot(ctx context.Context) error {
	logger := logging.ComponentLogger(logging.ComponentWorkerAgent)

	bootstrapVersion := a.firstBlenderVersion()
	rendererPath, err := a.tools.Ensure(bootstrapVersion)
	if err != nil {
		return fmt.Errorf("bootstrap renderer provisioning failed: %w", err)
	}
	logger.Info("bootstrap renderer provisioned", "version", bootstrapVersion, "path", rendererPath)

	a.detector = capability.NewDetector(gpuEnumerationRunner, a.cfg.ForceCPUOnly)
	caps, err := a.detector.Detect(ctx, rendererPath, strings.Split(a.cfg.BlenderVersions, ","))
	if err != nil {
		return fmt.Errorf("capability detection failed: %w", err)
	}
	a.caps = caps
	logger.Info("capabilities detected", "cpu_threads", caps.CPUThreads, "gpu_devices", len(caps.GPUPhysicalDevices))

	hostname := a.cfg.Hostname
	worker, err := a.client.Register(ctx, hostname, "", runtime.GOOS, caps)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	a.workerID = worker.ID
	logger.Info("registered with manager", "worker_id", a.workerID, "hostname", hostname)

	a.scheduler = NewSlotScheduler(len(caps.GPUPhysicalDevices), a.cfg.GPUSplitMode, a.cfg.ForceCPUOnly, a.cfg.ForceGPUOnly)
	a.invoker = invoker.New(a.assets, a.tools, a.cfg.TempDir, a.cfg.OutputDir)
	a.invoker.ForceGPUIndex = a.cfg.ForceGPUIndex

	return nil
}

// Run starts the heartbeat and poll loops and blocks until ctx is
// canceled, then waits for in-flight jobs to run to completion (render,
// upload and status report) before returning (cancellation itself is propagated to
// the renderer subprocess by the invoker's own cancel-poll, not by this
// shutdown path).
func (a *Agent) Run(ctx context.Context) error {
	a.heartbeatPoller = pollers.NewBasePoller(pollers.PollerConfig{
		Name:       "worker-heartbeat",
		Interval:   a.cfg.HeartbeatInterval,
		Enabled:    true,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		Timeout:    10 * time.Second,
	}, a.heartbeatTick)

	a.jobPoller = pollers.NewBasePoller(pollers.PollerConfig{
		Name:       "worker-poll",
		Interval:   a.cfg.PollInterval,
		Enabled:    true,
		MaxRetries: 1,
		RetryDelay: 0,
		Timeout:    a.cfg.PollInterval,
	}, a.pollTick)

	if err := a.heartbeatPoller.Start(ctx); err != nil {
		return err
	}
	if err := a.jobPoller.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	_ = a.jobPoller.Stop()
	_ = a.heartbeatPoller.Stop()
	a.wg.Wait()
	return nil
}

func (a *Agent) heartbeatTick(ctx context.Context) error {
	_, err := a.client.Touch(ctx, a.cfg.Hostname)
	if err != nil {
		logging.ComponentLogger(logging.ComponentHeartbeat).Warn("heartbeat failed, will retry next interval", "error", err)
		return nil
	}
	return nil
}

// pollTick consults the slot scheduler for every currently free slot and
// attempts to claim and dispatch one job per slot.
func (a *Agent) pollTick(ctx context.Context) error {
	logger := logging.ComponentLogger(logging.ComponentSlotScheduler)

	for {
		slotID, gpuIndex, ok := a.scheduler.Acquire()
		if !ok {
			return nil
		}

		job, found, err := a.claimNextJob(ctx, IsGPUSlot(slotID))
		if err != nil {
			a.scheduler.Release(slotID)
			logger.Warn("poll failed", "slot", slotID, "error", err)
			return nil
		}
		if !found {
			a.scheduler.Release(slotID)
			return nil
		}

		a.wg.Add(1)
		go a.executeJob(context.Background(), slotID, gpuIndex, job)
	}
}

// claimNextJob polls candidate jobs for a slot kind and attempts to claim
// the first one, silently skipping 409 conflicts.
func (a *Agent) claimNextJob(ctx context.Context, gpuSlot bool) (*database.Job, bool, error) {
	gpuAvailable := gpuSlot
	jobs, err := a.client.Poll(ctx, rendererclient.PollFilter{
		Status:         string(database.JobStatusQueued),
		UnassignedOnly: true,
		GPUAvailable:   &gpuAvailable,
	})
	if err != nil {
		return nil, false, err
	}

	for _, job := range jobs {
		claimed, err := a.client.Claim(ctx, job.ID, a.workerID)
		if err == rendererclient.ErrClaimConflict {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return claimed, true, nil
	}
	return nil, false, nil
}

// executeJob runs one job to completion on its assigned slot and reports
// the result back to the manager "claim, execute,
// report" cycle.
func (a *Agent) executeJob(ctx context.Context, slotID string, gpuIndex *int, job *database.Job) {
	defer a.wg.Done()
	defer a.scheduler.Release(slotID)
	logger := logging.ComponentLogger(logging.ComponentWorkerAgent)

	if _, err := a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusRendering), ""); err != nil {
		logger.Error("failed to mark job rendering", "job_id", job.ID, "error", err)
		return
	}

	mode := invoker.ModeDefault
	if a.cfg.GPUSplitMode {
		mode = invoker.ModeSplit
	}

	spec := invoker.JobSpec{
		ID:                job.ID,
		Name:              job.Name,
		AssetURL:          a.client.AssetDownloadURL(job.AssetID),
		OutputFilePattern: job.OutputFilePattern,
		StartFrame:        job.StartFrame,
		EndFrame:          job.EndFrame,
		RendererVersion:   job.RendererVersion,
		Engine:            job.Engine,
		Device:            job.Device,
		Settings:          map[string]interface{}(job.Settings),
		CPUThreads:        a.cfg.CPUThreads,
	}
	invokerCaps := invoker.Capabilities{
		GPUBackends:     a.caps.GPUBackends,
		NumPhysicalGPUs: len(a.caps.GPUPhysicalDevices),
		HostThreads:     a.caps.CPUThreads,
		ForceCPUOnly:    a.cfg.ForceCPUOnly,
	}

	started := time.Now()
	result, err := a.invoker.Execute(ctx, spec, invokerCaps, mode, gpuIndex, a.client.IsCanceled)
	renderTimeSeconds := int(time.Since(started).Seconds())
	if err != nil {
		logger.Error("invoker execution error", "job_id", job.ID, "error", err)
		_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusError), err.Error())
		return
	}

	switch {
	case result.WasCanceled:
		_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusCanceled), result.ErrorMessage)
	case result.Success:
		data, readErr := os.ReadFile(result.OutputPath)
		if readErr != nil {
			logger.Error("failed to read rendered output", "job_id", job.ID, "path", result.OutputPath, "error", readErr)
			_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusError), fmt.Sprintf("rendered output unreadable: %v", readErr))
			return
		}
		if _, err := a.client.UploadOutput(ctx, job.ID, renderTimeSeconds, "output.png", data); err != nil {
			logger.Error("failed to upload output", "job_id", job.ID, "error", err)
			_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusError), fmt.Sprintf("output upload failed: %v", err))
			return
		}
		_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusDone), "")
	default:
		_, _ = a.client.UpdateStatus(ctx, job.ID, string(database.JobStatusError), result.ErrorMessage)
	}
}

// gpuEnumerationRunner invokes the renderer headlessly with the GPU
// enumeration preamble and returns its stdout, implementing
// capability.RendererRunner. Grounded on
// original_source/sethlans_worker_agent/utils/detect_gpus.py: force a
// Cycles device rescan, then print a JSON list of non-CPU devices to
// stdout (diagnostics go to stderr so they never pollute the JSON).
func gpuEnumerationRunner(ctx context.Context, rendererPath string) ([]byte, error) {
	script := strings.Join([]string{
		"import bpy, json, sys",
		"bpy.context.scene.render.engine = 'CYCLES'",
		"prefs = bpy.context.preferences.addons['cycles'].preferences",
		"prefs.get_devices()",
		"devices = []",
		"for i, d in enumerate(prefs.devices):",
		"    if d.type != 'CPU':",
		"        devices.append({'index': i, 'name': d.name, 'type': d.type, 'id': d.id})",
		"sys.stdout.write(json.dumps(devices) + '\\n')",
	}, "\n")

	tmp, err := os.CreateTemp("", "gpu-detect-*.py")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return nil, err
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, rendererPath, "--factory-startup", "-b", "--python", tmp.Name())
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	line := lastNonEmptyLine(stdout.String())
	if !json.Valid([]byte(line)) {
		return nil, fmt.Errorf("gpu enumeration produced no valid JSON output")
	}
	return []byte(line), nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}
