package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/bilal/esphomebot/internal/agent"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "optional YAML config file")
	flag.Parse()

	// Load config; telegram login happens in Run
	a, err := agent.New(*configPath, agent.Deps{})
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Run(ctx)
	log.Warn().Msg("shutdown signal received")

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	a.Shutdown(shutdownCtx)
}
