// Package config provides the configuration schema, loader, channel catalog
// and hot-reload watcher for the stream bot.
package config

import (
	"math"
	"time"
)

// LogLevel controls log verbosity for the stream bot.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to omitted fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultStartupTimeout = 10 * time.Second
	DefaultHealthSchedule = "@every 1m"
	DefaultProbeTimeout   = 10 * time.Second
	DefaultProbeLimit     = 8
	DefaultBoardInterval  = 30 * time.Second
	DefaultFFmpegPath     = "ffmpeg"
	DefaultHistorySize    = 500
	DefaultVolume         = 1.0

	// MinVolume and MaxVolume bound every volume the bot applies.
	MinVolume = 0.1
	MaxVolume = 2.0
)

// Config is the root configuration structure for the stream bot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Discord  DiscordConfig   `yaml:"discord"`
	Stream   StreamConfig    `yaml:"stream"`
	Health   HealthConfig    `yaml:"health"`
	History  HistoryConfig   `yaml:"history"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DiscordConfig holds bot credentials and the guild the bot serves.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied via STREAMBOT_DISCORD_TOKEN.
	Token string `yaml:"token"`

	// GuildID is the guild slash commands are registered in.
	GuildID string `yaml:"guild_id"`

	// StatusChannelID is an optional text channel for the live status board.
	StatusChannelID string `yaml:"status_channel_id"`

	// BoardInterval is how often the status board is refreshed.
	BoardInterval time.Duration `yaml:"board_interval"`
}

// StreamConfig tunes the supervision engine and the ffmpeg pipeline.
type StreamConfig struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg".
	FFmpegPath string `yaml:"ffmpeg_path"`

	// InputArgs are extra ffmpeg arguments placed before "-i".
	InputArgs []string `yaml:"input_args"`

	// FFmpegLogLevel is passed to ffmpeg's -loglevel. Default: "0".
	FFmpegLogLevel string `yaml:"ffmpeg_log_level"`

	// MaxRetries is the number of failed attempts on one source before
	// rotating to the next.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the pause between a failed attempt and the next one.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// StartupTimeout bounds how long an attempt may take to produce audio.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// SendTimeout bounds how long one voice packet may wait on Discord.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// HealthConfig configures the out-of-band source prober.
type HealthConfig struct {
	// Disabled turns the prober off.
	Disabled bool `yaml:"disabled"`

	// Schedule is a cron spec or descriptor. Default: "@every 1m".
	Schedule string `yaml:"schedule"`

	// ProbeTimeout bounds one HTTP probe. Default: 10s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Concurrency caps simultaneous probes. Default: 8.
	Concurrency int `yaml:"concurrency"`

	// FailureThreshold is the number of consecutive failed probes after which
	// a source is reported down. Default: 1.
	FailureThreshold int `yaml:"failure_threshold"`
}

// HistoryConfig selects where session events are recorded.
type HistoryConfig struct {
	// PostgresDSN enables the PostgreSQL backend. Usually supplied via
	// STREAMBOT_POSTGRES_DSN. When empty, events are kept in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Size is the in-memory ring capacity.
	Size int `yaml:"size"`
}

// ChannelConfig defines one logical stream channel.
type ChannelConfig struct {
	// Name is the unique identifier used by commands and the API.
	Name string `yaml:"name"`

	// DisplayName is shown to users. Defaults to Name.
	DisplayName string `yaml:"display_name"`

	// Category groups channels in listings.
	Category string `yaml:"category"`

	// Quality is a free-form label (e.g., "HD").
	Quality string `yaml:"quality"`

	// Streams are the candidate source URLs in failover order.
	Streams []string `yaml:"streams"`

	// Volume is the default playback volume in [0.1, 2.0]. Default: 1.0.
	Volume float64 `yaml:"volume"`

	// Enabled controls whether the channel can be started. Default: true.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the channel may be started.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Label returns the display name, falling back to the identifier.
func (c ChannelConfig) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// ClampVolume limits v to [MinVolume, MaxVolume]. NaN maps to DefaultVolume.
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultVolume
	}
	return min(max(v, MinVolume), MaxVolume)
}
