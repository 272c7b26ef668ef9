package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/quizrelay/quizrelay/internal/api/http"
	"github.com/quizrelay/quizrelay/internal/config"
	"github.com/quizrelay/quizrelay/internal/hub"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	h := hub.New(hub.Options{
		LivenessPeriod:  cfg.LivenessPeriod,
		RetentionPeriod: cfg.RetentionPeriod,
		RetentionWindow: cfg.RetentionWindow,
	}, logger)

	apiServer := httpapi.NewServer(h, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /ws connections live for the whole session.
		IdleTimeout: 60 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go h.Run(sweepCtx)

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("hub started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("hub server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stopping the sweeps triggers the hub's shutdown broadcast and closes
	// every socket before the HTTP listener goes away.
	stopSweeps()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
