// Package discord provides the Discord bot layer for the stream bot. It owns
// the discordgo.Session lifecycle, routes slash command and button
// interactions to registered handlers, keeps the bot presence current, and
// renders the live status board.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
	discordaudio "github.com/Imranch4/discord-stream-bot/pkg/audio/discord"
)

// ErrNotReady is returned by [Bot.Check] while the gateway has not finished
// its handshake.
var ErrNotReady = errors.New("discord: gateway not ready")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild slash commands are registered in. Empty registers
	// global commands.
	GuildID string

	// SendTimeout bounds how long one voice packet may wait on Discord.
	SendTimeout time.Duration
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	guildID   string
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	// Voice states are needed to find the caller's voice channel and to
	// notice when the bot is disconnected.
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, discordaudio.WithSendTimeout(cfg.SendTimeout)),
		router:   NewCommandRouter(),
		guildID:  cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Session returns the underlying discordgo session. Used by subsystems
// that need direct Discord API access (e.g., status board updates).
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// VoiceChannelOf returns the voice channel userID is connected to in
// guildID, or "" if the user is not in voice.
func (b *Bot) VoiceChannelOf(guildID, userID string) string {
	s := b.Session()
	if s == nil || s.State == nil {
		return ""
	}
	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// SetPresence shows the number of configured stream channels as the bot's
// listening activity.
func (b *Bot) SetPresence(channels int) {
	s := b.Session()
	if s == nil {
		return
	}
	if err := s.UpdateListeningStatus(fmt.Sprintf("%d Stream Channels", channels)); err != nil {
		slog.Warn("discord: failed to update presence", "err", err)
		return
	}
	slog.Debug("discord: presence updated", "channels", channels)
}

// Check reports whether the gateway session is ready. It is used as a
// readiness probe.
func (b *Bot) Check(_ context.Context) error {
	s := b.Session()
	if s == nil {
		return ErrNotReady
	}
	s.RLock()
	ready := s.DataReady
	s.RUnlock()
	if !ready {
		return ErrNotReady
	}
	return nil
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord and unregisters commands.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		// Unregister commands.
		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		// Close session.
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
