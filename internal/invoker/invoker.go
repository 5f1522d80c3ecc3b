// Package invoker implements C4: building the renderer's argument vector and
// configuration preamble, launching it as a subprocess, streaming its I/O,
// and watching for mid-flight cancellation, grounded on
// original_source/sethlans_worker_agent/blender_executor.py.
package invoker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
)

// backendPreference is the fixed device-backend priority used both here and
// in internal/capability.
var backendPreference = []string{"OPTIX", "CUDA", "HIP", "METAL", "ONEAPI"}

// cancelPollInterval is how often the invoker re-fetches the job record
// while the subprocess is alive.
const cancelPollInterval = 2 * time.Second

// JobSpec is the subset of a job record the invoker needs, independent of
// the manager's wire format so this package stays testable without the
// renderer-client.
type JobSpec struct {
	ID                uint
	Name              string
	AssetURL          string
	OutputFilePattern string
	StartFrame        int
	EndFrame          int
	RendererVersion   string
	Engine            string
	Device            database.RenderDevice
	Settings          map[string]interface{}
	// CPUThreads is the manual thread-count override; 0 means unset.
	CPUThreads int
}

// WorkerMode distinguishes the two slot-scheduling modes: "split mode"
// vs "default mode".
type WorkerMode string

const (
	ModeDefault WorkerMode = "default"
	ModeSplit   WorkerMode = "split"
)

// Capabilities is the subset of a worker's detected capability record the
// invoker needs to build the preamble and thread-limit flag.
type Capabilities struct {
	GPUBackends     []string
	NumPhysicalGPUs int
	HostThreads     int
	ForceCPUOnly    bool
}

// Result is the outcome of executing one job, matching the worker's
// upload_output contract exactly.
type Result struct {
	Success      bool
	WasCanceled  bool
	Stdout       string
	Stderr       string
	ErrorMessage string
	OutputPath   string
}

// AssetResolver ensures a job's input asset is present locally and returns
// its local path (C1).
type AssetResolver interface {
	Ensure(assetURL string) (string, error)
}

// ToolResolver ensures a renderer version is present locally and returns
// its executable path (C2).
type ToolResolver interface {
	Ensure(version string) (string, error)
}

// CancelChecker reports whether the job's server-side status has become
// CANCELED. The worker agent supplies the real implementation (a GET
// against the Dispatch API); tests supply a canned sequence.
type CancelChecker func(ctx context.Context, jobID uint) (bool, error)

// Invoker executes render jobs as renderer subprocesses.
type Invoker struct {
	Assets        AssetResolver
	Tools         ToolResolver
	TempDir       string
	OutputDir     string
	ForceGPUIndex *int
}

// New constructs an Invoker. tempDir holds generated preamble scripts;
// outputDir is the root the job's output_file_pattern is resolved against.
func New(assets AssetResolver, tools ToolResolver, tempDir, outputDir string) *Invoker {
	return &Invoker{Assets: assets, Tools: tools, TempDir: tempDir, OutputDir: outputDir}
}

// Execute runs one job to completion (or cancellation). assignedGPUIndex
// is the split-mode slot's exclusive GPU index, or nil in default mode.
// checkCanceled is polled every ~2s while the subprocess is alive.
func (inv *Invoker) Execute(ctx context.Context, job JobSpec, caps Capabilities, mode WorkerMode, assignedGPUIndex *int, checkCanceled CancelChecker) (Result, error) {
	logger := logging.ComponentLogger(logging.ComponentRenderInvoker)
	logger.Info("job execution started", "job_id", job.ID, "name", job.Name)

	// Step 1: ensure asset is present locally.
	localAssetPath, err := inv.Assets.Ensure(job.AssetURL)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to download or find the required asset: %v", err)}, nil
	}

	// Step 2: ensure renderer version is present locally.
	rendererPath, err := inv.Tools.Ensure(job.RendererVersion)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("could not find or acquire renderer version %q: %v", job.RendererVersion, err)}, nil
	}
	logger.Info("using renderer executable", "path", rendererPath)

	resolvedOutputPattern := filepath.Join(inv.OutputDir, job.OutputFilePattern)
	if err := os.MkdirAll(filepath.Dir(resolvedOutputPattern), 0o755); err != nil {
		return Result{}, err
	}

	// Steps 3-4: configuration preamble, including the CPU-fallback rule.
	effectiveDevice := job.Device
	cpuFallback := false
	if mode == ModeSplit && job.Device == database.DeviceAny && assignedGPUIndex == nil {
		effectiveDevice = database.DeviceCPU
		cpuFallback = true
		logger.Info("[CPU Fallback] split mode job with ANY device and no assigned GPU index, forcing CPU", "job_id", job.ID)
	}

	script := generatePreamble(job.Engine, effectiveDevice, job.Settings, caps.GPUBackends, assignedGPUIndex, inv.ForceGPUIndex)

	if err := os.MkdirAll(inv.TempDir, 0o755); err != nil {
		return Result{}, err
	}
	scriptFile, err := os.CreateTemp(inv.TempDir, "render-config-*.py")
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to generate render settings script: %v", err)}, nil
	}
	scriptPath := scriptFile.Name()
	defer os.Remove(scriptPath)
	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return Result{ErrorMessage: fmt.Sprintf("failed to generate render settings script: %v", err)}, nil
	}
	scriptFile.Close()
	logger.Debug("generated preamble script", "path", scriptPath)

	args := []string{"--factory-startup", "-b", localAssetPath, "--python", scriptPath, "-o", resolvedOutputPattern, "-F", "PNG"}
	if job.StartFrame == job.EndFrame {
		args = append(args, "-f", strconv.Itoa(job.StartFrame))
	} else {
		args = append(args, "-s", strconv.Itoa(job.StartFrame), "-e", strconv.Itoa(job.EndFrame), "-a")
	}

	// Step 5: CPU thread limit.
	if job.CPUThreads > 0 {
		args = append(args, "--threads", strconv.Itoa(job.CPUThreads))
	} else if !cpuFallback && !caps.ForceCPUOnly && mode == ModeDefault && caps.NumPhysicalGPUs > 0 {
		limit := caps.HostThreads - caps.NumPhysicalGPUs
		if limit < 1 {
			limit = 1
		}
		args = append(args, "--threads", strconv.Itoa(limit))
	}

	logger.Info("launching renderer subprocess", "job_id", job.ID, "command", rendererPath, "args", strings.Join(args, " "))

	// Steps 6-8: launch, stream, watch for cancel, inspect exit.
	cmd := exec.CommandContext(ctx, rendererPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to launch renderer subprocess: %v", err)}, nil
	}
	logger.Info("renderer subprocess launched", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go streamReader(&wg, stdoutPipe, &stdoutBuf)
	go streamReader(&wg, stderrPipe, &stderrBuf)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	wasCanceled := false
pollLoop:
	for {
		select {
		case err := <-waitDone:
			if err != nil {
				logger.Info("renderer subprocess finished", "error", err)
			}
			break pollLoop
		case <-time.After(cancelPollInterval):
			canceled, cerr := checkCanceled(ctx, job.ID)
			if cerr != nil {
				continue
			}
			if canceled {
				logger.Warn("cancellation signal received, terminating process tree", "job_id", job.ID)
				killProcessTree(cmd.Process.Pid)
				wasCanceled = true
				<-waitDone
				break pollLoop
			}
		}
	}
	wg.Wait()

	stdout, stderr := stdoutBuf.String(), stderrBuf.String()
	result := Result{Stdout: stdout, Stderr: stderr}

	switch {
	case wasCanceled:
		result.WasCanceled = true
		result.ErrorMessage = "job was canceled by user request."
		logger.Info("job execution result: CANCELED", "job_id", job.ID)
	case cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 0:
		result.Success = true
		if job.StartFrame == job.EndFrame {
			result.OutputPath = strings.Replace(resolvedOutputPattern, "####", fmt.Sprintf("%04d", job.StartFrame), 1) + ".png"
		}
		logger.Info("job execution result: SUCCESS", "job_id", job.ID, "output", result.OutputPath)
	default:
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		detail := strings.TrimSpace(stderr)
		if len(detail) > 500 {
			detail = detail[:500]
		}
		if detail == "" {
			detail = "no stderr output."
		}
		result.ErrorMessage = fmt.Sprintf("renderer exited with code %d. details: %s", exitCode, detail)
		logger.Error("job execution result: FAILED", "job_id", job.ID, "error", result.ErrorMessage)
	}

	return result, nil
}

// streamReader consumes a subprocess output pipe into a bounded buffer on
// its own goroutine, grounded on blender_executor.py's _stream_reader
// (separate threads prevent stdout/stderr pipe deadlock).
func streamReader(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// generatePreamble builds the script the renderer executes before the
// actual render, grounded on blender_executor.py's
// generate_render_config_script().
func generatePreamble(engine string, device database.RenderDevice, settings map[string]interface{}, detectedBackends []string, assignedGPUIndex, forceGPUIndex *int) string {
	var lines []string
	lines = append(lines, "import bpy")
	lines = append(lines, fmt.Sprintf("bpy.context.scene.render.engine = '%s'", engine))

	if engine == "CYCLES" {
		useGPU := device == database.DeviceGPU || (device == database.DeviceAny && len(detectedBackends) > 0)

		if useGPU {
			lines = append(lines, "prefs = bpy.context.preferences.addons['cycles'].preferences")
			chosen := ""
			for _, b := range backendPreference {
				if containsFold(detectedBackends, b) {
					chosen = b
					break
				}
			}

			if chosen != "" {
				lines = append(lines, fmt.Sprintf("prefs.compute_device_type = '%s'", chosen))
				lines = append(lines, fmt.Sprintf("import sys; sys.stdout.write('Using compute backend: %s\\n')", chosen))
				lines = append(lines, "prefs.get_devices()")

				var targetIndex *int
				if assignedGPUIndex != nil {
					targetIndex = assignedGPUIndex
				} else if forceGPUIndex != nil {
					targetIndex = forceGPUIndex
				}

				if targetIndex != nil {
					lines = append(lines, fmt.Sprintf("target_gpu_index = %d", *targetIndex))
					lines = append(lines, "non_cpu_devices = [d for d in prefs.devices if d.type != 'CPU']")
					lines = append(lines, "for device in prefs.devices: device.use = False")
					lines = append(lines, "if 0 <= target_gpu_index < len(non_cpu_devices):")
					lines = append(lines, "    target_device = non_cpu_devices[target_gpu_index]")
					lines = append(lines, "    target_device.use = True")
					lines = append(lines, "else:")
					lines = append(lines, "    for device in non_cpu_devices: device.use = True")
				} else {
					lines = append(lines, "for device in prefs.devices:")
					lines = append(lines, "    if device.type != 'CPU': device.use = True")
				}

				lines = append(lines, "bpy.context.scene.cycles.device = 'GPU'")
			} else {
				lines = append(lines, "bpy.context.scene.cycles.device = 'CPU'")
			}
		} else {
			lines = append(lines, "bpy.context.scene.cycles.device = 'CPU'")
		}
	}

	if len(settings) > 0 {
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines = append(lines, "for scene in bpy.data.scenes:")
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("    scene.%s = %s", k, pyRepr(settings[k])))
		}
	}

	return strings.Join(lines, "\n")
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

// pyRepr renders a Go value as the Python literal blender_executor.py
// produces via repr(value), for the override-map scene-attribute writes.
func pyRepr(v interface{}) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
