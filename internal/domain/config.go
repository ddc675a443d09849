package domain

import (
	"fmt"
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents persistence configuration. Driver selects the
// backing store: "sqlite" (single file, the default deployment) or
// "postgres".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"` // sqlite database file
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// URL returns the PostgreSQL connection URL shared by the connection pool
// and the migration runner.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// EngineConfig tunes the adaptive session engine.
type EngineConfig struct {
	// ModelPath is the single well-known slot holding the trained classifier.
	ModelPath string `mapstructure:"model_path"`
	// RetrainEvery fires a retrain whenever the global outcome count is a
	// positive multiple of this cadence.
	RetrainEvery int `mapstructure:"retrain_every"`
	// BootstrapSamples is the size of the synthetic rule-labeled set that
	// anchors every fit.
	BootstrapSamples int `mapstructure:"bootstrap_samples"`
	// Oversample is how many times each real observation is inserted into
	// the training set.
	Oversample int `mapstructure:"oversample"`
	// StrictGameMatch rejects plays whose game name does not match the
	// session's assigned set. When false a mismatch is only logged, which
	// tolerates legacy naming drift.
	StrictGameMatch bool `mapstructure:"strict_game_match"`
	// PredictionCacheSize bounds the classifier's per-model prediction cache.
	PredictionCacheSize int `mapstructure:"prediction_cache_size"`
	// RetrainMinInterval throttles back-to-back retrains; the cadence is a
	// heuristic, not a correctness guarantee.
	RetrainMinInterval time.Duration `mapstructure:"retrain_min_interval"`
	// GameWindowGrace is the default play window length for sessions with no
	// explicit end time.
	GameWindowGrace time.Duration `mapstructure:"game_window_grace"`
}

// NotifyConfig configures the fire-and-forget notification channel.
type NotifyConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisURL      string `mapstructure:"redis_url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
