package capability

import (
	"context"
	"errors"
	"testing"
)

func TestDetect_ForceCPUOnly_SkipsEnumeration(t *testing.T) {
	runCalled := false
	d := NewDetector(func(ctx context.Context, rendererPath string) ([]byte, error) {
		runCalled = true
		return nil, nil
	}, true)

	caps, err := d.Detect(context.Background(), "/usr/bin/blender", []string{"4.5.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runCalled {
		t.Fatal("expected renderer never invoked under force_cpu_only")
	}
	if len(caps.GPUBackends) != 0 || len(caps.GPUPhysicalDevices) != 0 {
		t.Fatalf("expected empty gpu capabilities, got %+v", caps)
	}
}

func TestDetect_RendererFailure_FallsBackToCPUOnly(t *testing.T) {
	d := NewDetector(func(ctx context.Context, rendererPath string) ([]byte, error) {
		return nil, errors.New("renderer crashed")
	}, false)

	caps, err := d.Detect(context.Background(), "/usr/bin/blender", nil)
	if err != nil {
		t.Fatalf("expected no Go error on enumeration failure, got %v", err)
	}
	if len(caps.GPUBackends) != 0 {
		t.Fatalf("expected no gpu backends after failed enumeration, got %v", caps.GPUBackends)
	}
}

func TestDetect_UnparsableOutput_FallsBackToCPUOnly(t *testing.T) {
	d := NewDetector(func(ctx context.Context, rendererPath string) ([]byte, error) {
		return []byte("not json"), nil
	}, false)

	caps, err := d.Detect(context.Background(), "/usr/bin/blender", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(caps.GPUBackends) != 0 {
		t.Fatal("expected cpu-only fallback on unparsable output")
	}
}

func TestDetect_MemoizesAcrossCalls(t *testing.T) {
	calls := 0
	d := NewDetector(func(ctx context.Context, rendererPath string) ([]byte, error) {
		calls++
		return []byte(`[]`), nil
	}, false)

	if _, err := d.Detect(context.Background(), "/usr/bin/blender", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := d.Detect(context.Background(), "/usr/bin/blender", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected renderer invoked exactly once across calls, got %d", calls)
	}
}

func TestDetect_ResetClearsMemoization(t *testing.T) {
	calls := 0
	d := NewDetector(func(ctx context.Context, rendererPath string) ([]byte, error) {
		calls++
		return []byte(`[]`), nil
	}, false)

	d.Detect(context.Background(), "/usr/bin/blender", nil)
	d.Reset()
	d.Detect(context.Background(), "/usr/bin/blender", nil)
	if calls != 2 {
		t.Fatalf("expected renderer invoked once per reset cycle, got %d calls", calls)
	}
}

func TestDedupe_GroupsByBusKeyAndPrefersOptixForRTX(t *testing.T) {
	raw := []rawDevice{
		{Index: 0, Name: "NVIDIA RTX 4090", Type: "CUDA", ID: "pci-0000:01:00.0_CUDA"},
		{Index: 1, Name: "NVIDIA RTX 4090", Type: "OPTIX", ID: "pci-0000:01:00.0_OPTIX"},
	}
	devices, backends := Dedupe(raw)
	if len(devices) != 1 {
		t.Fatalf("expected one physical device after dedup, got %d", len(devices))
	}
	if devices[0].Type != "OPTIX" {
		t.Fatalf("expected OPTIX preferred for RTX card, got %s", devices[0].Type)
	}
	if len(backends) != 1 || backends[0] != "OPTIX" {
		t.Fatalf("expected backends=[OPTIX], got %v", backends)
	}
}

func TestDedupe_PrefersCUDAForGTX(t *testing.T) {
	raw := []rawDevice{
		{Index: 0, Name: "NVIDIA GTX 1080", Type: "OPTIX", ID: "pci-0000:02:00.0_OPTIX"},
		{Index: 1, Name: "NVIDIA GTX 1080", Type: "CUDA", ID: "pci-0000:02:00.0_CUDA"},
	}
	devices, _ := Dedupe(raw)
	if len(devices) != 1 || devices[0].Type != "CUDA" {
		t.Fatalf("expected CUDA preferred for GTX card, got %+v", devices)
	}
}

func TestDedupe_DistinctDevicesStaySeparate(t *testing.T) {
	raw := []rawDevice{
		{Index: 0, Name: "AMD Radeon RX 6800", Type: "HIP", ID: "pci-0000:03:00.0_HIP"},
		{Index: 1, Name: "Intel Arc A770", Type: "ONEAPI", ID: "pci-0000:04:00.0_ONEAPI"},
	}
	devices, backends := Dedupe(raw)
	if len(devices) != 2 {
		t.Fatalf("expected two distinct physical devices, got %d", len(devices))
	}
	if len(backends) != 2 {
		t.Fatalf("expected two backends, got %v", backends)
	}
}

func TestDedupe_FallsBackToFixedPreferenceOrderWithoutNameHint(t *testing.T) {
	raw := []rawDevice{
		{Index: 0, Name: "Unknown Card", Type: "HIP", ID: "pci-0000:05:00.0_HIP"},
		{Index: 1, Name: "Unknown Card", Type: "CUDA", ID: "pci-0000:05:00.0_CUDA"},
	}
	devices, _ := Dedupe(raw)
	if len(devices) != 1 || devices[0].Type != "CUDA" {
		t.Fatalf("expected CUDA to win over HIP per fixed preference order, got %+v", devices)
	}
}
