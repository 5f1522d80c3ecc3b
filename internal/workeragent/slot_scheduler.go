package workeragent

import (
	"fmt"
	"strings"
	"sync"
)

// SlotScheduler is the heart of the worker agent's dispatch loop:
//
//   - Default mode: one CPU slot and, if any GPUs exist, one GPU slot
//     (unbound to a specific index — the invoker enables every detected
//     GPU), but the two slots share a single "at most one renderer
//     process" gate: a CPU and a GPU job never run simultaneously.
//   - Split mode: N independent GPU slots, each bound to a specific
//     physical GPU index, plus one CPU slot admissible only once every
//     GPU slot is busy.
//   - force_cpu_only/force_gpu_only remove the GPU or CPU slot(s)
//     entirely, independent of split mode.
type SlotScheduler struct {
	mu           sync.Mutex
	splitMode    bool
	forceGPUOnly bool
	gpuBusy      []bool
	cpuEnabled   bool
	cpuBusy      bool
	globalBusy   bool // default mode's shared "at most one process" gate
}

// NewSlotScheduler builds the scheduler for a worker with numGPUs detected
// physical devices.
func NewSlotScheduler(numGPUs int, splitMode, forceCPUOnly, forceGPUOnly bool) *SlotScheduler {
	s := &SlotScheduler{splitMode: splitMode, forceGPUOnly: forceGPUOnly, cpuEnabled: !forceGPUOnly}
	if forceCPUOnly {
		return s
	}
	if splitMode {
		s.gpuBusy = make([]bool, numGPUs)
	} else if numGPUs > 0 {
		s.gpuBusy = make([]bool, 1) // one generic, unbound GPU slot
	}
	return s
}

// Acquire claims a free slot, returning a slot id ("cpu", "gpu" in default
// mode, or "gpu-N" in split mode), the GPU index to bind the job to (nil
// for the CPU slot or default mode's unbound GPU slot), and whether a slot
// was available.
func (s *SlotScheduler) Acquire() (slotID string, gpuIndex *int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.splitMode {
		for i := range s.gpuBusy {
			if !s.gpuBusy[i] {
				s.gpuBusy[i] = true
				idx := i
				return fmt.Sprintf("gpu-%d", i), &idx, true
			}
		}
		if s.cpuEnabled && !s.cpuBusy && s.allGPUBusy() {
			s.cpuBusy = true
			return "cpu", nil, true
		}
		return "", nil, false
	}

	if s.globalBusy {
		return "", nil, false
	}
	if len(s.gpuBusy) > 0 && !s.gpuBusy[0] {
		s.gpuBusy[0] = true
		s.globalBusy = true
		return "gpu", nil, true
	}
	if s.cpuEnabled {
		s.cpuBusy = true
		s.globalBusy = true
		return "cpu", nil, true
	}
	return "", nil, false
}

// allGPUBusy reports whether every GPU slot is currently occupied; an
// empty slot set counts as "all busy" so the CPU fallback slot remains
// admissible on a GPU-less split-mode worker.
func (s *SlotScheduler) allGPUBusy() bool {
	for _, b := range s.gpuBusy {
		if !b {
			return false
		}
	}
	return true
}

// Release frees a previously acquired slot.
func (s *SlotScheduler) Release(slotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case slotID == "cpu":
		s.cpuBusy = false
	case slotID == "gpu":
		s.gpuBusy[0] = false
	case strings.HasPrefix(slotID, "gpu-"):
		var idx int
		fmt.Sscanf(slotID, "gpu-%d", &idx)
		if idx >= 0 && idx < len(s.gpuBusy) {
			s.gpuBusy[idx] = false
		}
	}
	if !s.splitMode {
		s.globalBusy = false
	}
}

// IsGPUSlot reports whether slotID names a GPU-kind slot, determining the
// job poll's gpu_available filter.
func IsGPUSlot(slotID string) bool {
	return strings.HasPrefix(slotID, "gpu")
}
