package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/config"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/history"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/logging"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/server"
)

func main() {
	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	clock := clockwork.NewRealClock()
	hist := setupHistory(cfg, clock)

	registry := realtime.NewConnectionRegistry()
	dispatcher := realtime.NewChannelDispatcher(registry)
	bus := realtime.NewBus(registry, dispatcher, hist, clock, realtime.Options{
		MaxConnections: cfg.MaxConnections,
		PingInterval:   cfg.PingInterval,
		IdleTimeout:    cfg.IdleTimeout,
	})

	srv := server.NewServer(cfg, bus, hist)
	done := runGracefulShutdown(srv, bus)

	slog.Info("Starting realtime server", "port", cfg.Port, "env", cfg.AppEnv)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupHistory(cfg *config.Config, clock clockwork.Clock) history.Store {
	if cfg.RedisURL == "" {
		slog.Info("Using in-memory envelope history")
		return history.NewMemoryStore(clock, cfg.HistoryRetention)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := history.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Using redis envelope history")
	return history.NewRedisStore(rdb, clock, cfg.HistoryRetention)
}

func runGracefulShutdown(srv *server.Server, bus *realtime.Bus) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		bus.Shutdown("Server shutting down")
		close(done)
	}()

	return done
}
