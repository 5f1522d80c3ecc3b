// Package workerconfig loads the worker agent's layered configuration:
// a YAML file read first, then overridden by environment variables.
package workerconfig

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blendforge/blendforge/internal/config"
)

// Config is the worker agent's full runtime configuration.
type Config struct {
	ManagerURL        string        `yaml:"manager_url"`
	Hostname          string        `yaml:"hostname"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	ForceCPUOnly  bool `yaml:"force_cpu_only"`
	ForceGPUOnly  bool `yaml:"force_gpu_only"`
	ForceGPUIndex *int `yaml:"force_gpu_index"`
	GPUSplitMode  bool `yaml:"gpu_split_mode"`
	CPUThreads    int  `yaml:"cpu_threads"`

	ToolsDir           string `yaml:"tools_dir"`
	AssetCacheDir      string `yaml:"asset_cache_dir"`
	TempDir            string `yaml:"temp_dir"`
	OutputDir          string `yaml:"output_dir"`
	ReleaseCatalogFile string `yaml:"release_catalog_file"`
	BlenderVersions    string `yaml:"blender_versions"`
}

// Default returns the configuration's baked-in defaults, applied before
// the YAML file and environment layers.
func Default() Config {
	return Config{
		ManagerURL:        "http://localhost:8080",
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		GPUSplitMode:      false,
		ToolsDir:          "./worker-data/tools",
		AssetCacheDir:     "./worker-data/assets",
		TempDir:           "./worker-data/tmp",
		OutputDir:         "./worker-data/output",
		ReleaseCatalogFile: "./worker-data/release_catalog.json",
		BlenderVersions:    "4.5",
	}
}

// Load reads yamlPath (if present), then applies environment variable
// overrides on top, later layers winning.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	cfg.ManagerURL = config.Get("WORKER_MANAGER_URL", cfg.ManagerURL)
	cfg.Hostname = config.Get("WORKER_HOSTNAME", cfg.Hostname)
	cfg.PollInterval = config.GetDuration("WORKER_POLL_INTERVAL", cfg.PollInterval)
	cfg.HeartbeatInterval = config.GetDuration("WORKER_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.ForceCPUOnly = config.GetBool("WORKER_FORCE_CPU_ONLY", cfg.ForceCPUOnly)
	cfg.ForceGPUOnly = config.GetBool("WORKER_FORCE_GPU_ONLY", cfg.ForceGPUOnly)
	cfg.GPUSplitMode = config.GetBool("WORKER_GPU_SPLIT_MODE", cfg.GPUSplitMode)
	cfg.CPUThreads = config.GetInt("WORKER_CPU_THREADS", cfg.CPUThreads)
	cfg.ToolsDir = config.Get("WORKER_TOOLS_DIR", cfg.ToolsDir)
	cfg.AssetCacheDir = config.Get("WORKER_ASSET_CACHE_DIR", cfg.AssetCacheDir)
	cfg.TempDir = config.Get("WORKER_TEMP_DIR", cfg.TempDir)
	cfg.OutputDir = config.Get("WORKER_OUTPUT_DIR", cfg.OutputDir)
	cfg.ReleaseCatalogFile = config.Get("WORKER_RELEASE_CATALOG_FILE", cfg.ReleaseCatalogFile)
	cfg.BlenderVersions = config.Get("WORKER_BLENDER_VERSIONS", cfg.BlenderVersions)

	if v := config.Get("WORKER_FORCE_GPU_INDEX", ""); v != "" {
		if idx, err := strconv.Atoi(v); err == nil {
			cfg.ForceGPUIndex = &idx
		}
	}

	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	return cfg, nil
}
