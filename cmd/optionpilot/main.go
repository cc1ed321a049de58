// Optionpilot - Automated NSE index options trading engine
//
// Trades weekly index options off a live Fyers tick feed:
// 1. Confirm trend on 1/5/15 minute EMA crossovers
// 2. Buy the first affordable CE/PE strike at/near the money
// 3. Trail the stop upward as profit ratchets in
// 4. Square off on stop, trend reversal or market close
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"optionpilot/bot"
	"optionpilot/broker"
	"optionpilot/engine"
	"optionpilot/feeds"
	"optionpilot/internal/config"
	"optionpilot/market"
	"optionpilot/risk"
	"optionpilot/storage"
)

const version = "1.2.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Msg("🚀 Optionpilot starting...")

	// Ledger
	ledger, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Broker - live Fyers or paper fills over live quotes
	var api broker.API
	fyers := broker.NewFyers(cfg.FyersAppID, cfg.FyersAccessToken)
	if cfg.DryRun {
		api = broker.NewPaper(fyers, cfg.PaperBalance.InexactFloat64())
		log.Info().Str("balance", cfg.PaperBalance.StringFixed(0)).Msg("📝 Paper trading mode")
	} else {
		api = fyers
		log.Info().Msg("💳 Live trading mode")
	}
	api = broker.NewResilient(api)

	// 2. Candle store + multi-timeframe trend confirmation
	store := market.NewStore(api)
	confirmer := market.NewConfirmer(store)

	// 3. Risk gate over the ledger's daily stats
	gate := risk.NewGate(ledger)

	// 4. Tick feed supervisor
	feed := feeds.NewSupervisor(feeds.Options{
		URL:               cfg.FyersWSURL,
		Token:             fmt.Sprintf("%s:%s", cfg.FyersAppID, cfg.FyersAccessToken),
		HeartbeatInterval: cfg.FeedHeartbeat,
	})

	// 5. Settings provider + trading engine
	provider := config.NewProvider()
	eng := engine.New(provider, api, feed, store, confirmer, gate, ledger)
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	log.Info().Msg("⚡ Trading engine started")

	// ====== TELEGRAM BOT ======
	telegramBot, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, eng, ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	if telegramBot != nil {
		telegramBot.SetReloadHandler(eng.RefreshSettings)
		telegramBot.Start()
	}

	set := provider.Get()
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║       NSE OPTIONS ENGINE ACTIVE          ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Derivative: %-27s ║", set.Derivative)
	log.Info().Msgf("║  Expiry:     %-27s ║", set.Expiry)
	log.Info().Msgf("║  Interval:   %-27s ║", fmt.Sprintf("%dm", set.IntervalMin))
	log.Info().Msg("║  → Confirm trend across timeframes       ║")
	log.Info().Msg("║  → Buy first affordable strike           ║")
	log.Info().Msg("║  → Trail stop as profit locks in         ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// SIGHUP reloads settings, SIGINT/SIGTERM shuts down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range quit {
		if sig == syscall.SIGHUP {
			log.Info().Msg("🔄 SIGHUP received, reloading settings")
			eng.RefreshSettings()
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("🛑 Received shutdown signal")
		break
	}

	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	eng.Stop()

	log.Info().Msg("👋 Goodbye!")
}

func setupLogging(cfg *config.Config) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if cfg.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
