// Package config loads groupcalld's runtime configuration: a viper-based,
// CONFIG_ENV-suffixed YAML loader pointed at this daemon's own fields.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds everything groupcalld needs to talk to a homeserver and
// run the signalling core.
type Config struct {
	// HomeserverURL is the base URL of the homeserver the bot logs into.
	HomeserverURL string `mapstructure:"homeserver_url"`
	// UserID / AccessToken / DeviceID identify the bot's own Matrix
	// session; the core uses UserID/DeviceID as its own MemberKey.
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
	DeviceID    string `mapstructure:"device_id"`

	// SyncPollInterval is loaded and logged only; the daemon's sync loop
	// (mautrix Client.Sync) does not read it.
	SyncPollInterval time.Duration `mapstructure:"sync_poll_interval"`

	// TURNURLs/TURNUsername/TURNCredential are the static TURN settings
	// handed back by homeserver.MautrixTransport.QueryTURNSettings when
	// the homeserver's own turnServer endpoint isn't used.
	TURNURLs       []string `mapstructure:"turn_urls"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`

	// MaxRetries, BufferCap and GraceWindow are loaded but not passed to
	// the core: member.MaxRetries, the 64-message buffer caps and
	// registry.GraceWindow are fixed constants.
	MaxRetries int `mapstructure:"max_retries"`
	BufferCap  int `mapstructure:"buffer_cap"`

	GraceWindow time.Duration `mapstructure:"grace_window"`

	// AllowUnencryptedFallback defaults to false and is not read by the
	// core: an Encrypter failure always aborts the send, and with no
	// Encrypter injected messages are sent unencrypted.
	AllowUnencryptedFallback bool `mapstructure:"allow_unencrypted_fallback"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to
// "dev"), applies defaults, and unmarshals into a Config.
func Load(logger zerolog.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("homeserver_url", "https://matrix.org")
	v.SetDefault("sync_poll_interval", "2s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("buffer_cap", 64)
	v.SetDefault("grace_window", "30s")
	v.SetDefault("allow_unencrypted_fallback", false)
	v.SetDefault("metrics_addr", ":9090")

	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		logger.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	logger.Info().
		Str("homeserver_url", cfg.HomeserverURL).
		Str("user_id", cfg.UserID).
		Dur("sync_poll_interval", cfg.SyncPollInterval).
		Msg("config ready")
	return &cfg, nil
}
