package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config carries every tunable of the vetting, reservation and matching
// core. Values come from a .env file when present, the environment
// otherwise, with the defaults below as the final fallback.
type Config struct {
	DBPath    string
	RedisAddr string
	JWTSecret string
	Port      string

	// Instruments the desk quotes.
	Symbols []string

	// Risk vetting thresholds, expressed as fractions of total equity.
	MinNotional        float64
	PerPairCapFrac     float64
	AggregateCapFrac   float64
	MaxActivePairs     int
	CapTolerance       float64
	DailyLossLimitFrac float64
	DrawdownLimitFrac  float64

	// Instrument granularity.
	TickSize     float64
	StepSize     float64
	DustQty      float64
	QuoteMinSize float64

	// Fill realism.
	RealismProb         float64
	SlippageFavorProb   float64
	PartialCancelProb   float64
	SkipBaseProb        float64
	SkipMaxProb         float64
	DelayMin            time.Duration
	DelayMax            time.Duration
	MinFillNotional     float64

	// Fees.
	MakerAgeThreshold time.Duration
	FeeRateMin        float64
	FeeRateMax        float64

	// Loop timing.
	MatchInterval     time.Duration
	NotifyWait        time.Duration
	HeartbeatInterval time.Duration
	ModeRefresh       time.Duration
	VolatilityWindow  int
}

// Load reads configuration from .env/environment into a Config.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Debug().Err(err).Msg("no config file found, using environment and defaults")
	}

	setDefaults()

	return &Config{
		DBPath:    viper.GetString("DB_PATH"),
		RedisAddr: viper.GetString("REDIS_ADDR"),
		JWTSecret: viper.GetString("JWT_SECRET"),
		Port:      viper.GetString("PORT"),

		Symbols: viper.GetStringSlice("SYMBOLS"),

		MinNotional:        viper.GetFloat64("MIN_NOTIONAL"),
		PerPairCapFrac:     viper.GetFloat64("PER_PAIR_CAP_FRAC"),
		AggregateCapFrac:   viper.GetFloat64("AGGREGATE_CAP_FRAC"),
		MaxActivePairs:     viper.GetInt("MAX_ACTIVE_PAIRS"),
		CapTolerance:       viper.GetFloat64("CAP_TOLERANCE"),
		DailyLossLimitFrac: viper.GetFloat64("DAILY_LOSS_LIMIT_FRAC"),
		DrawdownLimitFrac:  viper.GetFloat64("DRAWDOWN_LIMIT_FRAC"),

		TickSize:     viper.GetFloat64("TICK_SIZE"),
		StepSize:     viper.GetFloat64("STEP_SIZE"),
		DustQty:      viper.GetFloat64("DUST_QTY"),
		QuoteMinSize: viper.GetFloat64("QUOTE_MIN_SIZE"),

		RealismProb:       viper.GetFloat64("REALISM_PROB"),
		SlippageFavorProb: viper.GetFloat64("SLIPPAGE_FAVOR_PROB"),
		PartialCancelProb: viper.GetFloat64("PARTIAL_CANCEL_PROB"),
		SkipBaseProb:      viper.GetFloat64("SKIP_BASE_PROB"),
		SkipMaxProb:       viper.GetFloat64("SKIP_MAX_PROB"),
		DelayMin:          viper.GetDuration("DELAY_MIN"),
		DelayMax:          viper.GetDuration("DELAY_MAX"),
		MinFillNotional:   viper.GetFloat64("MIN_FILL_NOTIONAL"),

		MakerAgeThreshold: viper.GetDuration("MAKER_AGE_THRESHOLD"),
		FeeRateMin:        viper.GetFloat64("FEE_RATE_MIN"),
		FeeRateMax:        viper.GetFloat64("FEE_RATE_MAX"),

		MatchInterval:     viper.GetDuration("MATCH_INTERVAL"),
		NotifyWait:        viper.GetDuration("NOTIFY_WAIT"),
		HeartbeatInterval: viper.GetDuration("HEARTBEAT_INTERVAL"),
		ModeRefresh:       viper.GetDuration("MODE_REFRESH"),
		VolatilityWindow:  viper.GetInt("VOLATILITY_WINDOW"),
	}
}

func setDefaults() {
	viper.SetDefault("DB_PATH", "marketmaker.db")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("JWT_SECRET", "marketmaker-secret-key")
	viper.SetDefault("PORT", "8080")

	viper.SetDefault("SYMBOLS", []string{"BTC-USD", "ETH-USD"})

	viper.SetDefault("MIN_NOTIONAL", 10.0)
	viper.SetDefault("PER_PAIR_CAP_FRAC", 0.20)
	viper.SetDefault("AGGREGATE_CAP_FRAC", 0.60)
	viper.SetDefault("MAX_ACTIVE_PAIRS", 5)
	viper.SetDefault("CAP_TOLERANCE", 0.02)
	viper.SetDefault("DAILY_LOSS_LIMIT_FRAC", 0.05)
	viper.SetDefault("DRAWDOWN_LIMIT_FRAC", 0.15)

	viper.SetDefault("TICK_SIZE", 0.001)
	viper.SetDefault("STEP_SIZE", 0.0001)
	viper.SetDefault("DUST_QTY", 0.0001)
	viper.SetDefault("QUOTE_MIN_SIZE", 0.01)

	viper.SetDefault("REALISM_PROB", 0.15)
	viper.SetDefault("SLIPPAGE_FAVOR_PROB", 0.02)
	viper.SetDefault("PARTIAL_CANCEL_PROB", 0.30)
	viper.SetDefault("SKIP_BASE_PROB", 0.25)
	viper.SetDefault("SKIP_MAX_PROB", 0.85)
	viper.SetDefault("DELAY_MIN", 200*time.Millisecond)
	viper.SetDefault("DELAY_MAX", 2500*time.Millisecond)
	viper.SetDefault("MIN_FILL_NOTIONAL", 1.0)

	viper.SetDefault("MAKER_AGE_THRESHOLD", 3*time.Second)
	viper.SetDefault("FEE_RATE_MIN", 0.0001)
	viper.SetDefault("FEE_RATE_MAX", 0.0075)

	viper.SetDefault("MATCH_INTERVAL", 1*time.Second)
	viper.SetDefault("NOTIFY_WAIT", 2*time.Second)
	viper.SetDefault("HEARTBEAT_INTERVAL", 30*time.Second)
	viper.SetDefault("MODE_REFRESH", 5*time.Second)
	viper.SetDefault("VOLATILITY_WINDOW", 60)
}
