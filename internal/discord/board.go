package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
)

// defaultBoardInterval is the default status board refresh interval.
const defaultBoardInterval = 30 * time.Second

// MessageSender posts and edits channel embeds. [*discordgo.Session]
// satisfies it.
type MessageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ MessageSender = (*discordgo.Session)(nil)

// Board renders the status of every stream session in a single embed that
// is created on Start and edited in place every interval.
//
// Thread-safe for concurrent use.
type Board struct {
	mu        sync.Mutex
	sender    MessageSender
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	statuses  func() []supervisor.Status
	counts    func() (total, enabled int)
	done      chan struct{}
	stopOnce  sync.Once
}

// BoardConfig holds dependencies for creating a Board.
type BoardConfig struct {
	Sender    MessageSender
	ChannelID string
	Interval  time.Duration // Default: 30 seconds
	Statuses  func() []supervisor.Status
	Counts    func() (total, enabled int)
}

// NewBoard creates a Board.
func NewBoard(cfg BoardConfig) *Board {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBoardInterval
	}
	counts := cfg.Counts
	if counts == nil {
		counts = func() (int, int) { return 0, 0 }
	}
	return &Board{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		statuses:  cfg.Statuses,
		counts:    counts,
		done:      make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (b *Board) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Stop halts the update loop and marks the board offline.
func (b *Board) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.postFinalEmbed()
	})
}

// Refresh redraws the board immediately.
func (b *Board) Refresh() {
	b.update()
}

func (b *Board) loop(ctx context.Context) {
	// Post immediately on start.
	b.update()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.update()
		}
	}
}

// update builds the embed from current status and creates or edits the message.
func (b *Board) update() {
	total, enabled := b.counts()
	embed := OverviewEmbed(b.statuses(), total, enabled)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Live status"}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	if b.messageID == "" {
		msg, err := b.sender.ChannelMessageSendEmbed(b.channelID, embed)
		if err != nil {
			slog.Warn("discord: failed to create status board", "channel", b.channelID, "err", err)
			return
		}
		b.messageID = msg.ID
		slog.Debug("discord: created status board", "message_id", msg.ID, "channel", b.channelID)
		return
	}
	if _, err := b.sender.ChannelMessageEditEmbed(b.channelID, b.messageID, embed); err != nil {
		slog.Warn("discord: failed to edit status board", "message_id", b.messageID, "err", err)
	}
}

func (b *Board) postFinalEmbed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.messageID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Stream Status",
		Description: "The bot is offline.",
		Color:       embedColorRed,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Offline"},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := b.sender.ChannelMessageEditEmbed(b.channelID, b.messageID, embed); err != nil {
		slog.Warn("discord: failed to post final status board", "message_id", b.messageID, "err", err)
	}
}
