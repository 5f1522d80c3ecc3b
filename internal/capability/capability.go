// Package capability implements C3: enumerating a worker's CPU threads and
// physical GPUs, deduplicating the backend aliases the renderer exposes for
// the same physical card.
package capability

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync"

	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/logging"
)

// rawDevice is one entry of the renderer's headless enumeration script
// output: "a JSON list [{index, name, type, id}]". Grounded on
// original_source/sethlans_worker_agent/utils/detect_gpus.py, which emits
// exactly this shape for every non-CPU device after forcing a device
// rescan.
type rawDevice struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	ID    string `json:"id"`
}

// backendPreference orders backends when a group's name gives no
// manufacturer hint.
var backendPreference = []string{"OPTIX", "CUDA", "HIP", "METAL", "ONEAPI"}

// RendererRunner invokes the renderer binary headlessly with an enumeration
// script and returns its raw stdout. The worker agent supplies the real
// implementation (internal/workeragent's gpuEnumerationRunner); tests supply a
// canned script.
type RendererRunner func(ctx context.Context, rendererPath string) ([]byte, error)

// Detector memoizes GPU detection results per process.
type Detector struct {
	mu           sync.Mutex
	cached       *database.WorkerCapabilities
	run          RendererRunner
	forceCPUOnly bool
}

// NewDetector constructs a Detector. When forceCPUOnly is true, Detect
// always short-circuits to an empty GPU set without invoking the renderer.
func NewDetector(run RendererRunner, forceCPUOnly bool) *Detector {
	return &Detector{run: run, forceCPUOnly: forceCPUOnly}
}

// Reset clears the memoized result, for test isolation.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
}

// Detect returns the worker's capability record, invoking the renderer at
// most once per process lifetime.
func (d *Detector) Detect(ctx context.Context, rendererPath string, blenderVersions []string) (database.WorkerCapabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	logger := logging.ComponentLogger(logging.ComponentCapability)

	if d.cached != nil {
		return *d.cached, nil
	}

	caps := database.WorkerCapabilities{
		BlenderVersions: blenderVersions,
		CPUThreads:      runtime.NumCPU(),
	}

	if d.forceCPUOnly {
		d.cached = &caps
		return caps, nil
	}

	out, err := d.run(ctx, rendererPath)
	if err != nil {
		logger.Warn("gpu enumeration failed, continuing CPU-only", "error", err)
		d.cached = &caps
		return caps, nil
	}

	var raw []rawDevice
	if err := json.Unmarshal(out, &raw); err != nil {
		logger.Warn("gpu enumeration output unparsable, continuing CPU-only", "error", err)
		d.cached = &caps
		return caps, nil
	}

	devices, backends := Dedupe(raw)
	caps.GPUPhysicalDevices = devices
	caps.GPUBackends = backends

	d.cached = &caps
	logger.Info("detected capabilities", "cpu_threads", caps.CPUThreads, "gpu_devices", len(devices), "gpu_backends", backends)
	return caps, nil
}

// Dedupe groups raw enumeration entries by the PCI/bus portion of their id
// (the substring excluding backend suffixes) and picks one preferred
// backend per group using a manufacturer naming heuristic.
func Dedupe(raw []rawDevice) ([]database.GPUPhysicalDevice, []string) {
	type group struct {
		entries []rawDevice
	}
	groups := map[string]*group{}
	var order []string

	for _, d := range raw {
		key := busKey(d.ID)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, d)
	}

	var devices []database.GPUPhysicalDevice
	backendSet := map[string]bool{}
	for _, key := range order {
		g := groups[key]
		chosen := choosePreferred(g.entries)
		devices = append(devices, database.GPUPhysicalDevice{
			Index: chosen.Index,
			Name:  chosen.Name,
			Type:  chosen.Type,
		})
		backendSet[chosen.Type] = true
	}

	var backends []string
	for b := range backendSet {
		backends = append(backends, b)
	}
	return devices, backends
}

// busKey strips a trailing backend-type suffix (e.g. "_CUDA", "_OPTIX")
// from a device id, leaving the PCI/bus-id portion common to every logical
// device exposed for the same physical card.
func busKey(id string) string {
	for _, suffix := range backendPreference {
		if idx := strings.LastIndex(id, "_"+suffix); idx != -1 {
			return id[:idx]
		}
	}
	return id
}

// choosePreferred applies a device-name heuristic: "RTX" in the name
// prefers OPTIX, "GTX" prefers CUDA, otherwise the fixed backend
// preference order decides among the entries actually present.
func choosePreferred(entries []rawDevice) rawDevice {
	upperName := strings.ToUpper(entries[0].Name)
	if strings.Contains(upperName, "RTX") {
		if e, ok := findType(entries, "OPTIX"); ok {
			return e
		}
	}
	if strings.Contains(upperName, "GTX") {
		if e, ok := findType(entries, "CUDA"); ok {
			return e
		}
	}
	for _, backend := range backendPreference {
		if e, ok := findType(entries, backend); ok {
			return e
		}
	}
	return entries[0]
}

func findType(entries []rawDevice, backend string) (rawDevice, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.Type, backend) {
			return e, true
		}
	}
	return rawDevice{}, false
}
