package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/permgate-go/internal/server"
	"github.com/permgate-go/pkg/config"
	"github.com/permgate-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: search ./configs and /etc/permgate)")
	flag.Parse()

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load("gatekeeper")
	}
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())
	defer logger.Sync(log)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	warmupCtx, cancelWarmup := context.WithTimeout(ctx, cfg.Auth.FetchTimeoutDuration())
	srv.Warmup(warmupCtx)
	cancelWarmup()

	go srv.RunKeyRefresh(ctx)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gatekeeper...")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Gatekeeper exited")
}
