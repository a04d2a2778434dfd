// Command meshforge is the render service. It accepts geometry scripts over
// HTTP, executes them on a local subprocess engine or a sandboxed engine
// behind a bridge socket, and serves the resulting mesh artifacts.
package main

import (
	"log"
	"os"

	"github.com/meshforge/meshforge/internal/api"
	"github.com/meshforge/meshforge/internal/backend/local"
	"github.com/meshforge/meshforge/internal/backend/sandbox"
	"github.com/meshforge/meshforge/internal/cache"
	"github.com/meshforge/meshforge/internal/config"
	"github.com/meshforge/meshforge/internal/engine"
	"github.com/meshforge/meshforge/internal/orchestrator"
	"github.com/meshforge/meshforge/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("meshforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	policy := config.NewPolicy(cfg)
	artifactCache := cache.New()

	sandboxBackend := sandbox.New(cfg.SocketPath, cfg.MaxSourceBytes, logger)
	defer sandboxBackend.Close()
	localBackend := local.New(cfg.RendererBin, logger)

	orch, err := orchestrator.New(policy, artifactCache, logger, sandboxBackend, localBackend)
	if err != nil {
		log.Fatalf("no render backend available: %v", err)
	}

	eng := engine.NewEngine(db, orch, logger)
	srv := api.NewServer(cfg.ListenAddr, db, eng, policy, artifactCache, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
