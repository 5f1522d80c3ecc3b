// Command worker runs a single render farm worker agent: it provisions
// its renderer binary, detects its hardware capabilities, registers with
// the manager, and then polls for and executes render jobs until
// terminated.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/blendforge/blendforge/internal/assetcache"
	"github.com/blendforge/blendforge/internal/config"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/blendforge/blendforge/internal/rendererclient"
	"github.com/blendforge/blendforge/internal/toolprovisioner"
	"github.com/blendforge/blendforge/internal/version"
	"github.com/blendforge/blendforge/internal/workeragent"
	"github.com/blendforge/blendforge/internal/workerconfig"
)

func main() {
	_ = godotenv.Load()
	logger := logging.ComponentLogger(logging.ComponentWorkerAgent)
	logging.Logf("[STARTUP] Starting render worker %s", version.String())

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		log.Println(version.String())
		os.Exit(0)
	}

	cfg, err := workerconfig.Load(config.Get("WORKER_CONFIG_FILE", "./worker.yaml"))
	if err != nil {
		log.Fatalf("Failed to load worker configuration: %v", err)
	}

	client := rendererclient.New(cfg.ManagerURL)
	assets := assetcache.New(cfg.AssetCacheDir)
	tools := toolprovisioner.New(cfg.ToolsDir, cfg.ReleaseCatalogFile, toolprovisioner.FetchBlenderReleases())

	agent := workeragent.New(cfg, client, assets, tools)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Boot(ctx); err != nil {
		log.Fatalf("Worker boot sequence failed: %v", err)
	}
	logger.Info("worker boot complete, entering poll/heartbeat loop", "manager_url", cfg.ManagerURL, "hostname", cfg.Hostname)

	runErr := make(chan error, 1)
	go func() {
		runErr <- agent.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Logf("[SHUTDOWN] Signal received, stopping worker...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Fatalf("Worker run loop exited with error: %v", err)
		}
	}

	logging.Logf("[SHUTDOWN] Worker stopped")
}
