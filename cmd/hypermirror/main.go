// Hypermirror - perpetuals copy-trading engine.
//
// Mirrors a target account's perpetual positions onto the operator account on
// a fixed scan cadence:
// 1. Snapshot both accounts and mid prices in parallel
// 2. Classify each held symbol: open / close / flip / adjust
// 3. Gate by margin floors, affordability, and failed-order cool-downs
// 4. Dispatch slippage-bounded IoC orders through the venue gateway
//
// Around the copy loop it records a scored prediction per symbol per scan
// (validated against price a few hours later) and optionally runs a small
// independent long-only book on high-scoring whitelisted symbols.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hypermirror/internal/api"
	"github.com/web3guy0/hypermirror/internal/config"
	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/engine"
	"github.com/web3guy0/hypermirror/internal/marketdata"
	"github.com/web3guy0/hypermirror/internal/metrics"
	"github.com/web3guy0/hypermirror/internal/predictor"
	"github.com/web3guy0/hypermirror/internal/trader"
	"github.com/web3guy0/hypermirror/internal/venue"
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

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("target", cfg.TargetAccount).
		Str("mode", cfg.CopyMode).
		Bool("dry_run", cfg.DryRun).
		Bool("independent", cfg.IndependentEnabled).
		Msg("⚡ Hypermirror starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the store
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// ====== VENUE ======

	// 1. Info client - account state, mids, candles, funding
	info := venue.NewBreakerInfo(venue.NewInfoClient(cfg.VenueAPIURL))

	// 2. Exchange client - signed orders and leverage changes. Skipped in
	// dry-run; the gateway short-circuits before it would be touched.
	var exchange venue.Exchange
	if !cfg.DryRun {
		mainnet := !strings.Contains(cfg.VenueAPIURL, "testnet")
		signer, err := venue.NewActionSigner(cfg.OperatorPrivateKey, mainnet)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize action signer")
		}
		exchange = venue.NewExchangeClient(cfg.VenueAPIURL, signer)
		log.Info().Str("signer", signer.Address().Hex()).Msg("🔐 Exchange client ready")
	} else {
		log.Info().Msg("📝 DRY RUN: orders will be logged, not sent")
	}

	meta := venue.NewMetadataCache()
	gateway := venue.NewGateway(info, exchange, meta, cfg.OperatorAccount, cfg.DryRun)

	// 3. Websocket mids feed - optional; scans fall back to REST when stale
	var feed *venue.MidsFeed
	if cfg.EnableWSFeed {
		feed = venue.NewMidsFeed(cfg.VenueWSURL)
		if err := feed.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Mids feed failed to start, using REST only")
			feed = nil
		} else {
			log.Info().Msg("📡 Websocket mids feed connected")
		}
	}

	// ====== PREDICTIONS AND INDEPENDENT BOOK ======

	refresher := marketdata.NewRefresher(info, db)
	scorer := predictor.NewMomentumScorer(cfg.ModelVersion)
	recorder := predictor.NewRecorder(db, scorer, cfg.ValidationWindow())

	indep := trader.New(cfg, db, gateway, meta)
	if indep.Enabled() {
		indep.LogRecovery(ctx)
	}

	// ====== ENGINE AND API ======

	m := metrics.New()
	eng := engine.New(cfg, info, gateway, meta, db, recorder, indep, refresher, feed, m)

	server := api.New(cfg.APIAddr, func() api.Status {
		st := eng.Status()
		return api.Status{
			ScanRunning:      st.ScanRunning,
			LastScanAt:       st.LastScanAt,
			LastScanDuration: st.LastScanDuration,
			ScansCompleted:   st.ScansCompleted,
		}
	}, m.Registry())
	server.Start()

	go eng.Run(ctx)

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown: stop scheduling, drain the API, close the feed.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown failed")
	}
	if feed != nil {
		feed.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}
