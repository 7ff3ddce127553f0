// Package main implements the entry point for the registrar API server,
// which hosts the task queue engine and the smart pagination layer for
// university administration workloads.
package main

import (
	"log"

	"github.com/registrarlab/registrar-api/internal/config"
	"github.com/registrarlab/registrar-api/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.Setup(cfg.Server)

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
