package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/handlers"
	"github.com/mossy-p/proximity-chat/internal/logging"
	"github.com/mossy-p/proximity-chat/internal/redis"
	"github.com/mossy-p/proximity-chat/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var presence handlers.PresenceMirror
	if cfg.Redis.Addr != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		p, err := redis.Connect(connectCtx, cfg.Redis)
		connectCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer p.Close()
		presence = p
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis presence mirror enabled")
	}

	hub := handlers.NewHub(store.New(), presence, cfg.Relay)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop server")
		}
	}()

	log.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("Starting proximity signaling server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	log.Info().Msg("Server stopped")
}
