package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
)

// Settings is the process-wide game configuration. The engine takes a
// snapshot at round open and uses it unchanged for that round, so a
// Reload never changes a round already in flight.
type Settings struct {
	MinMultiplier           float64 `validate:"gte=1"`
	MaxMultiplier           float64 `validate:"gtfield=MinMultiplier"`
	MinBet                  int64   `validate:"gt=0"`
	MaxBet                  int64   `validate:"gtefield=MinBet"`
	TargetPayoutRatio       float64 `validate:"gt=0,lte=1"`
	InstantCrashProbability float64 `validate:"gt=0,lt=1"`

	BettingWindow   time.Duration `validate:"gt=0"`
	TickInterval    time.Duration `validate:"gt=0"`
	InterRoundPause time.Duration `validate:"gte=0"`
	StaleThreshold  time.Duration `validate:"gt=0"`
	SweepInterval   time.Duration `validate:"gt=0"`
}

type Config struct {
	settings atomic.Pointer[Settings]
	validate *validator.Validate
}

// Load reads settings from the environment and validates them.
func Load() (*Config, error) {
	c := &Config{validate: validator.New()}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the environment and swaps the settings snapshot.
// Concurrent readers keep whichever snapshot they already hold.
func (c *Config) Reload() error {
	s := &Settings{
		MinMultiplier:           getEnvAsFloat("GAME_MIN_MULTIPLIER", 1.00),
		MaxMultiplier:           getEnvAsFloat("GAME_MAX_MULTIPLIER", 1000000.00),
		MinBet:                  getEnvAsInt64("GAME_MIN_BET", 1),
		MaxBet:                  getEnvAsInt64("GAME_MAX_BET", 10000),
		TargetPayoutRatio:       getEnvAsFloat("GAME_TARGET_PAYOUT_RATIO", 0.97),
		InstantCrashProbability: getEnvAsFloat("GAME_INSTANT_CRASH_PROBABILITY", 0.01),
		BettingWindow:           getEnvAsDuration("GAME_BETTING_WINDOW", 5*time.Second),
		TickInterval:            getEnvAsDuration("GAME_TICK_INTERVAL", 100*time.Millisecond),
		InterRoundPause:         getEnvAsDuration("GAME_INTER_ROUND_PAUSE", 3*time.Second),
		StaleThreshold:          getEnvAsDuration("GAME_STALE_THRESHOLD", 5*time.Minute),
		SweepInterval:           getEnvAsDuration("GAME_SWEEP_INTERVAL", time.Minute),
	}

	if err := c.validate.Struct(s); err != nil {
		return fmt.Errorf("invalid game settings: %w", err)
	}

	c.settings.Store(s)
	return nil
}

// Snapshot returns the current settings. The returned value is immutable.
func (c *Config) Snapshot() Settings {
	return *c.settings.Load()
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
