package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvDiscordToken = "STREAMBOT_DISCORD_TOKEN"
	EnvPostgresDSN  = "STREAMBOT_POSTGRES_DSN"
	EnvListenAddr   = "STREAMBOT_LISTEN_ADDR"
)

// LoadEnv loads environment variables from the given .env files (".env" when
// none are given). Missing files are not an error; variables already set in
// the environment take precedence.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and deployment settings from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDiscordToken); v != "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.History.PostgresDSN = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// ApplyDefaults fills omitted fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Discord.BoardInterval == 0 {
		cfg.Discord.BoardInterval = DefaultBoardInterval
	}
	if cfg.Stream.FFmpegPath == "" {
		cfg.Stream.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.Stream.MaxRetries == 0 {
		cfg.Stream.MaxRetries = DefaultMaxRetries
	}
	if cfg.Stream.RetryDelay == 0 {
		cfg.Stream.RetryDelay = DefaultRetryDelay
	}
	if cfg.Stream.StartupTimeout == 0 {
		cfg.Stream.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Health.Schedule == "" {
		cfg.Health.Schedule = DefaultHealthSchedule
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Health.Concurrency == 0 {
		cfg.Health.Concurrency = DefaultProbeLimit
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 1
	}
	if cfg.History.Size == 0 {
		cfg.History.Size = DefaultHistorySize
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Volume == 0 {
			cfg.Channels[i].Volume = DefaultVolume
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Stream
	if cfg.Stream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stream.max_retries %d must be positive", cfg.Stream.MaxRetries))
	}
	if cfg.Stream.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("stream.retry_delay %s must not be negative", cfg.Stream.RetryDelay))
	}
	if cfg.Stream.StartupTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.startup_timeout %s must not be negative", cfg.Stream.StartupTimeout))
	}

	// Health
	if !cfg.Health.Disabled && cfg.Health.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Health.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("health.schedule %q is invalid: %w", cfg.Health.Schedule, err))
		}
	}
	if cfg.Health.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("health.concurrency %d must not be negative", cfg.Health.Concurrency))
	}

	// History
	if cfg.History.PostgresDSN == "" && len(cfg.Channels) > 0 {
		slog.Debug("config: history.postgres_dsn is empty; session history is kept in memory")
	}

	// Channels
	seen := make(map[string]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		switch {
		case ch.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case strings.ContainsAny(ch.Name, ": \t"):
			errs = append(errs, fmt.Errorf("%s.name %q must not contain spaces or colons", prefix, ch.Name))
		default:
			// Lookup and the session registry ignore case.
			key := strings.ToLower(ch.Name)
			if prev, ok := seen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of channels[%d]", prefix, ch.Name, prev))
			}
			seen[key] = i
		}

		if len(ch.Streams) == 0 {
			errs = append(errs, fmt.Errorf("%s.streams must list at least one source", prefix))
		}
		for j, s := range ch.Streams {
			u, err := url.Parse(s)
			if err != nil || u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
				errs = append(errs, fmt.Errorf("%s.streams[%d] %q is not an absolute URL", prefix, j, s))
			}
		}

		if math.IsNaN(ch.Volume) || (ch.Volume != 0 && (ch.Volume < MinVolume || ch.Volume > MaxVolume)) {
			errs = append(errs, fmt.Errorf("%s.volume %.2f is out of range [%.1f, %.1f]", prefix, ch.Volume, MinVolume, MaxVolume))
		}
	}

	return errors.Join(errs...)
}
