package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipsync/relay/internal/api"
	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/heartbeat"
	"github.com/clipsync/relay/internal/mint"
	"github.com/clipsync/relay/internal/relay"
	"github.com/clipsync/relay/internal/session"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"chunk_size", cfg.ChunkSize,
		"max_file_size", cfg.MaxFileSize,
		"max_simultaneous_files", cfg.MaxSimultaneousFiles,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"mint_ttl", cfg.MintTTL,
	)

	registry := session.NewRegistry()
	minter := mint.New(registry, cfg.MintTTL)
	engine := relay.New(cfg)

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	reaper := heartbeat.New(registry, cfg)
	reaper.Start(reaperCtx)

	handler := api.NewHandler(minter, registry, engine, cfg)
	e := api.SetupRouter(handler)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	registry.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	reaperCancel()
	reaper.Wait()

	slog.Info("server exited cleanly")
}
