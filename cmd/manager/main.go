// Command manager runs the Dispatch API server: the render farm's
// authoritative job queue, project/asset registry, and worker heartbeat
// endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/blendforge/blendforge/internal/config"
	"github.com/blendforge/blendforge/internal/database"
	"github.com/blendforge/blendforge/internal/dispatch"
	"github.com/blendforge/blendforge/internal/logging"
	"github.com/blendforge/blendforge/internal/storage"
	"github.com/blendforge/blendforge/internal/version"
)

func main() {
	_ = godotenv.Load()
	logging.Logf("[STARTUP] Starting render manager %s", version.String())

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		log.Println(version.String())
		os.Exit(0)
	}

	if err := database.Initialize(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	db := database.GetDB()
	dataDir := config.Get("DATA_DIR", "/data")
	backend := storage.NewFilesystemBackend(dataDir)

	deps := dispatch.Deps{
		DB:        db,
		Projects:  database.NewProjectRepository(db),
		Assets:    database.NewAssetRepository(db),
		Workers:   database.NewWorkerRepository(db),
		Jobs:      database.NewJobRepository(db),
		Animation: database.NewAnimationRepository(db),
		TiledJobs: database.NewTiledJobRepository(db),
		Storage:   backend,
	}

	if mode := config.Get("GIN_MODE", ""); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	dispatch.RegisterRoutes(api, deps)

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})

	port := config.Get("PORT", "8080")
	addr := ":" + port

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logging.Logf("[STARTUP] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Logf("[SHUTDOWN] Shutting down manager...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logging.Logf("[SHUTDOWN] Manager stopped")
}
