// quizclient is a reference wiring of the client stack: persisted local
// cache, relay link, and the connection-mode controller. It reads submit
// commands from stdin and prints observed peer responses, which makes it
// handy for exercising a running hub from a couple of terminals.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizrelay/quizrelay/internal/cache"
	"github.com/quizrelay/quizrelay/internal/client"
	"github.com/quizrelay/quizrelay/internal/client/reconnect"
	"github.com/quizrelay/quizrelay/internal/cloudstore"
	"github.com/quizrelay/quizrelay/internal/config"
	"github.com/quizrelay/quizrelay/internal/infrastructure/postgres"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	userID := os.Getenv("USER_ID")
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := os.Getenv("DISPLAY_NAME")
	if displayName == "" {
		displayName = "student-" + userID[:8]
	}

	localCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalf("cache error: %v", err)
	}
	defer localCache.Close()

	ctx := context.Background()
	var store cloudstore.Store = cloudstore.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		pgStore := postgres.NewResponseStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema error: %v", err)
		}
		store = pgStore
	}

	ctrl := client.NewController(client.Config{
		Cache:    localCache,
		Store:    store,
		Identity: cloudstore.NewStaticIdentity(userID, displayName),
		Policy: reconnect.Policy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
		},
		Logger: logger,
	})

	ctrl.Subscribe(func(ev client.Event) {
		switch ev.Kind {
		case client.EventModeChanged:
			logger.Info().Str("mode", string(ev.Mode)).Msg("mode changed")
		case client.EventPeerUpdated:
			logger.Info().Str("questionId", ev.QuestionID).Msg("peer response observed")
		case client.EventReconnectExhausted:
			logger.Warn().Msg("relay unreachable, reconnect manually")
		case client.EventReconcileFinished:
			logger.Info().Int("successful", ev.Report.Successful).Int("failed", ev.Report.Failed).Msg("reconcile finished")
		}
	})

	relayAddr := cfg.RelayAddr
	if relayAddr == "" {
		relayAddr = localCache.RelayAddress()
	}
	if relayAddr != "" {
		if err := ctrl.ConnectToRelay(ctx, relayAddr); err != nil {
			logger.Warn().Err(err).Str("addr", relayAddr).Msg("relay connect failed, staying offline")
		}
	}

	go runPrompt(ctx, ctrl, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctrl.SignOut()
}

// runPrompt accepts commands:
//
//	submit <questionId> <answer> [reason...]
//	peers <questionId>
//	online | offline | relay <ws-url> | mode
func runPrompt(ctx context.Context, ctrl *client.Controller, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "submit":
			if len(fields) < 3 {
				fmt.Println("usage: submit <questionId> <answer> [reason...]")
				continue
			}
			reason := strings.Join(fields[3:], " ")
			ok, err := ctrl.SubmitResponse(ctx, fields[1], fields[2], reason)
			if err != nil {
				logger.Warn().Err(err).Msg("transport write failed, response queued")
				continue
			}
			fmt.Printf("submitted (transport=%v)\n", ok)
		case "peers":
			if len(fields) != 2 {
				fmt.Println("usage: peers <questionId>")
				continue
			}
			peers, err := ctrl.GetPeerResponses(ctx, fields[1])
			if err != nil {
				logger.Warn().Err(err).Msg("peer query failed")
				continue
			}
			for _, r := range peers {
				fmt.Printf("%s: %s (%s)\n", r.DisplayName, r.Answer, r.Reason)
			}
		case "online":
			report, err := ctrl.NetworkRestored(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("network restore failed")
				continue
			}
			fmt.Printf("reconciled: %d ok, %d failed\n", report.Successful, report.Failed)
		case "offline":
			ctrl.NetworkLost()
		case "relay":
			if len(fields) != 2 {
				fmt.Println("usage: relay <ws-url>")
				continue
			}
			if err := ctrl.ConnectToRelay(ctx, fields[1]); err != nil {
				logger.Warn().Err(err).Msg("relay connect failed")
			}
		case "mode":
			fmt.Println(ctrl.Mode())
		default:
			fmt.Println("commands: submit, peers, online, offline, relay, mode")
		}
	}
}
