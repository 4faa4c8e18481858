// Goalbot - goal-reactive trading bot for the betting exchange
//
// The bot watches in-play under/over goals markets. A goal against the
// "stays under" side spikes its price; after a settle window the bot
// backs the spiked price, then hedges out at a profit target or behind
// a stop-loss baseline when a second goal compromises the position.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oddsflow/goalbot/internal/config"
	"github.com/oddsflow/goalbot/internal/database"
	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/fixtures"
	"github.com/oddsflow/goalbot/internal/markets"
	"github.com/oddsflow/goalbot/internal/notify"
	"github.com/oddsflow/goalbot/internal/scheduler"
	"github.com/oddsflow/goalbot/internal/session"
	"github.com/oddsflow/goalbot/internal/status"
	"github.com/oddsflow/goalbot/internal/strategy"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration; missing credentials is the one fatal condition
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("region", cfg.Region).
		Bool("dry_run", cfg.DryRun).
		Msg("⚽ Goalbot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Exchange transport with TLS client certificate
	client, err := exchange.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize exchange client")
	}

	// 2. Session lifecycle manager + keep-alive loop
	sessions := session.NewManager(client, cfg.KeepAliveInterval, nil)
	go sessions.Run(ctx)

	// 3. Resilient call layer
	caller := exchange.NewCaller(client, sessions)

	// 4. Market resolution + fixture discovery
	resolver := markets.NewResolver(caller)
	source := fixtures.NewExchangeSource(caller)

	// 5. Telegram notifications (optional)
	var notifier *notify.Telegram
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier, err = notify.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
			notifier = nil
		}
	}

	// 6. Strategy engine over the under-goals totals market
	engine := strategy.New(cfg, db, caller, resolver, source, notifier, nil)

	// 7. Status surface
	statusServer := status.NewServer(cfg.StatusAddr, func() status.Health {
		snap := sessions.Snapshot()
		active, _ := db.CountActiveTrades()
		return status.Health{
			SessionHeld:    snap.TokenHeld,
			SessionState:   snap.State,
			LastLoginError: snap.LastError,
			NextKeepAlive:  snap.NextKeepAlive,
			ActiveTrades:   active,
		}
	})
	statusServer.Start(ctx)

	// 8. Scheduler drives everything
	sched := scheduler.New(engine, cfg.FixtureInterval, nil)
	go sched.Run(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	sched.Stop()
	cancel()
}
