// Command streambot is the entry point for the Discord stream relay bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/app"
	"github.com/Imranch4/discord-stream-bot/internal/config"
	discordbot "github.com/Imranch4/discord-stream-bot/internal/discord"
	"github.com/Imranch4/discord-stream-bot/internal/discord/commands"
	"github.com/Imranch4/discord-stream-bot/internal/health"
	"github.com/Imranch4/discord-stream-bot/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "streambot: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streambot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streambot: %v\n", err)
		}
		return 1
	}
	if cfg.Discord.Token == "" {
		fmt.Fprintf(os.Stderr, "streambot: discord token is required (set %s or discord.token)\n", config.EnvDiscordToken)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("streambot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "streambot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:       cfg.Discord.Token,
		GuildID:     cfg.Discord.GuildID,
		SendTimeout: cfg.Stream.SendTimeout,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, bot.Platform(),
		app.WithCheckers(health.Checker{Name: "discord", Check: bot.Check}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}

	commands.NewStreamCommands(commands.StreamConfig{
		Controller: application.Supervisor(),
		Catalog:    application.Catalog(),
		History:    application.History(),
		VoiceOf:    bot.VoiceChannelOf,
	}).Register(bot.Router())

	var board *discordbot.Board
	if cfg.Discord.StatusChannelID != "" {
		board = discordbot.NewBoard(discordbot.BoardConfig{
			Sender:    bot.Session(),
			ChannelID: cfg.Discord.StatusChannelID,
			Interval:  cfg.Discord.BoardInterval,
			Statuses:  application.Supervisor().StatusAll,
			Counts:    application.Catalog().Counts,
		})
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if !diff.ChannelsChanged {
				return
			}
			application.Reload(ctx, next, diff)
			_, enabled := application.Catalog().Counts()
			bot.SetPresence(enabled)
			if board != nil {
				board.Refresh()
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		}
	}

	// Start the Discord interaction loop in a separate goroutine. Commands
	// are registered with Discord when it starts.
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
		}
	}()

	_, enabled := application.Catalog().Counts()
	bot.SetPresence(enabled)
	if board != nil {
		board.Start(ctx)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready, press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if board != nil {
		board.Stop()
	}

	// Sessions hold voice connections, so the application goes before the bot.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exitCode
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	total, enabled := 0, 0
	for _, ch := range cfg.Channels {
		total++
		if ch.IsEnabled() {
			enabled++
		}
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Streambot · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Channels", fmt.Sprintf("%d (%d enabled)", total, enabled))
	printRow("Guild", orDefault(cfg.Discord.GuildID, "(global)"))
	printRow("Status board", orDefault(cfg.Discord.StatusChannelID, "(disabled)"))
	printRow("ffmpeg", cfg.Stream.FFmpegPath)
	printRow("Retries", fmt.Sprintf("%d every %s", cfg.Stream.MaxRetries, cfg.Stream.RetryDelay))
	if cfg.Health.Disabled {
		printRow("Prober", "(disabled)")
	} else {
		printRow("Prober", cfg.Health.Schedule)
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", fmt.Sprintf("memory (%d)", cfg.History.Size))
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 21 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-13s : %-21s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
