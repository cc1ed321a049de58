package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds static configuration read once at startup.
type Config struct {
	// Fyers
	FyersAppID       string
	FyersAccessToken string
	FyersWSURL       string
	FeedHeartbeat    time.Duration

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Paper trading
	PaperBalance decimal.Decimal

	// Database
	DatabasePath string

	// Logging
	LogFile string
}

// Settings holds trading parameters that can be reloaded while running.
type Settings struct {
	Derivative   string
	Expiry       string
	LotSize      int
	IntervalMin  int
	CallLookback int
	PutLookback  int

	CapitalReserve float64
	MaxQtyPerOrder int

	TPPct float64
	SLPct float64

	TrailingEnabled     bool
	FirstLockPct        float64
	ProfitStepPct       float64
	LossStepPct         float64
	MaxProfitPct        float64
	TrailAfterMaxProfit bool

	CancelAfterMin    int
	DriftTolerancePct float64

	MaxTradesPerDay int
	MaxDailyLoss    float64
	SidewayTrading  bool
}

// Load reads .env (if present) and builds the static config.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		FyersAppID:       os.Getenv("FYERS_APP_ID"),
		FyersAccessToken: os.Getenv("FYERS_ACCESS_TOKEN"),
		FyersWSURL:       getEnv("FYERS_WS_URL", "wss://socket.fyers.in/hsm/v1-5/prod"),
		FeedHeartbeat:    getEnvDuration("FEED_HEARTBEAT", 30*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		PaperBalance: getEnvDecimal("PAPER_BALANCE", decimal.NewFromInt(200000)),

		DatabasePath: getEnv("DATABASE_PATH", "data/optionpilot.db"),
		LogFile:      getEnv("LOG_FILE", "logs/optionpilot.log"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DryRun {
		if cfg.FyersAppID == "" || cfg.FyersAccessToken == "" {
			return nil, fmt.Errorf("FYERS_APP_ID and FYERS_ACCESS_TOKEN are required for live trading")
		}
	}

	return cfg, nil
}

// loadSettings reads the live-tunable parameters from the environment.
func loadSettings() Settings {
	return Settings{
		Derivative:   getEnv("DERIVATIVE", "NIFTY"),
		Expiry:       os.Getenv("EXPIRY"),
		LotSize:      getEnvInt("LOT_SIZE", 75),
		IntervalMin:  getEnvInt("INTERVAL_MIN", 5),
		CallLookback: getEnvInt("CALL_LOOKBACK", 0),
		PutLookback:  getEnvInt("PUT_LOOKBACK", 0),

		CapitalReserve: getEnvFloat("CAPITAL_RESERVE", 0),
		MaxQtyPerOrder: getEnvInt("MAX_QTY_PER_ORDER", 1800),

		TPPct: getEnvFloat("TP_PCT", 15),
		SLPct: getEnvFloat("SL_PCT", 7),

		TrailingEnabled:     getEnvBool("TRAILING_ENABLED", true),
		FirstLockPct:        getEnvFloat("TRAILING_FIRST_LOCK_PCT", 5),
		ProfitStepPct:       getEnvFloat("TRAILING_PROFIT_STEP_PCT", 5),
		LossStepPct:         getEnvFloat("TRAILING_LOSS_STEP_PCT", 3),
		MaxProfitPct:        getEnvFloat("MAX_PROFIT_PCT", 50),
		TrailAfterMaxProfit: getEnvBool("TRAIL_AFTER_MAX_PROFIT", true),

		CancelAfterMin:    getEnvInt("CANCEL_AFTER_MIN", 5),
		DriftTolerancePct: getEnvFloat("ORDER_DRIFT_TOLERANCE_PCT", 0),

		MaxTradesPerDay: getEnvInt("MAX_TRADES_PER_DAY", 10),
		MaxDailyLoss:    getEnvFloat("MAX_DAILY_LOSS", 5000),
		SidewayTrading:  getEnvBool("SIDEWAY_TRADING", false),
	}
}

// Provider hands out the current Settings snapshot and supports live
// reloads without restarting the engine.
type Provider struct {
	v atomic.Value
}

// NewProvider loads the initial settings snapshot.
func NewProvider() *Provider {
	p := &Provider{}
	p.v.Store(loadSettings())
	return p
}

// Get returns the current snapshot. Safe for concurrent use.
func (p *Provider) Get() Settings {
	return p.v.Load().(Settings)
}

// Reload re-reads .env and the environment and swaps in a new snapshot.
func (p *Provider) Reload() Settings {
	godotenv.Overload()
	s := loadSettings()
	p.v.Store(s)
	log.Info().
		Str("derivative", s.Derivative).
		Int("interval_min", s.IntervalMin).
		Float64("tp_pct", s.TPPct).
		Float64("sl_pct", s.SLPct).
		Msg("🔄 Settings reloaded")
	return s
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
