// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges the
// PCM [audio.AudioFrame] stream produced by the transcode pipeline with
// Discord's Opus-based voice transport.
//
// The platform requires an active *discordgo.Session (owned by the bot layer).
// Each call to [Platform.Connect] joins the target voice channel and returns a
// [Sink]. Discord allows a bot one voice connection per guild, so the platform
// refuses a second sink in a guild that already has one.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session

	mu     sync.Mutex
	guilds map[string]struct{} // guilds with a reserved or open sink

	sendTimeout time.Duration

	// join is called by Connect to open the voice connection.
	// Defaults to session.ChannelVoiceJoin; overridden in tests.
	join func(guildID, channelID string) (*discordgo.VoiceConnection, error)
}

// Option configures a [Platform].
type Option func(*Platform)

// WithSendTimeout sets how long one Opus packet may wait for the voice
// connection before the sink reports an error. Default: 3s.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session, opts ...Option) *Platform {
	p := &Platform{
		session:     session,
		guilds:      make(map[string]struct{}),
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.join = func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
		// mute=false (we send audio), deaf=true (we never receive).
		return session.ChannelVoiceJoin(guildID, channelID, false, true)
	}
	return p
}

// Connect joins the voice channel identified by target and returns a [Sink].
// It fails with [audio.ErrTargetBusy] when the guild already has a sink.
func (p *Platform) Connect(ctx context.Context, target audio.Target) (audio.Sink, error) {
	if target.IsZero() || target.GuildID == "" {
		return nil, fmt.Errorf("discord: incomplete voice target %q", target)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, busy := p.guilds[target.GuildID]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("discord: join %s: %w", target, audio.ErrTargetBusy)
	}
	p.guilds[target.GuildID] = struct{}{}
	p.mu.Unlock()

	vc, err := p.join(target.GuildID, target.ChannelID)
	if err != nil {
		p.release(target.GuildID)
		return nil, fmt.Errorf("discord: join voice channel %s: %w", target, err)
	}

	s := newSink(vc, target, botUserID(p.session))
	s.sendTimeout = p.sendTimeout
	s.release = func() { p.release(target.GuildID) }
	if p.session != nil {
		s.removeHandlers = append(s.removeHandlers,
			p.session.AddHandler(s.handleVoiceStateUpdate),
			p.session.AddHandler(s.handleChannelDelete),
		)
	}
	return s, nil
}

// Busy reports whether guildID currently has an open sink.
func (p *Platform) Busy(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.guilds[guildID]
	return ok
}

func (p *Platform) release(guildID string) {
	p.mu.Lock()
	delete(p.guilds, guildID)
	p.mu.Unlock()
}

// botUserID returns the bot's own user ID from the session state, if known.
func botUserID(s *discordgo.Session) string {
	if s == nil || s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}
