// Package commands implements the Discord slash command and button handlers
// that drive the stream supervisor.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/discord"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

const (
	// maxChoices is Discord's limit on autocomplete choices.
	maxChoices = 25

	// historyLimit is the number of events /stream history shows.
	historyLimit = 10

	defaultCommandTimeout = 30 * time.Second
)

// Controller is the part of the supervisor the commands drive.
// [*supervisor.Supervisor] satisfies it.
type Controller interface {
	Start(ctx context.Context, channelID string, target audio.Target) (supervisor.Summary, error)
	Stop(ctx context.Context, channelID string) ([]string, error)
	StopAll(ctx context.Context) []string
	Next(ctx context.Context, channelID string) (index, count int, err error)
	SetVolume(ctx context.Context, channelID string, level float64) (float64, error)
	Status(channelID string) (supervisor.Status, bool)
	StatusAll() []supervisor.Status
}

// Catalog is the read side of the channel catalog. [*config.Catalog]
// satisfies it.
type Catalog interface {
	Lookup(name string) (config.ChannelConfig, bool)
	Suggest(name string) string
	Search(query string, limit int) []config.ChannelConfig
	ByCategory() []config.CategoryGroup
	Counts() (total, enabled int)
}

// VoiceLocator returns the voice channel userID is connected to in guildID,
// or "". [discord.Bot.VoiceChannelOf] has this shape.
type VoiceLocator func(guildID, userID string) string

// StreamConfig holds the dependencies of [StreamCommands].
type StreamConfig struct {
	Controller Controller
	Catalog    Catalog
	History    history.Recorder
	VoiceOf    VoiceLocator

	// Timeout bounds a single command. Default: 30s.
	Timeout time.Duration
}

// StreamCommands holds the dependencies for the /stream and /next commands
// and the session control buttons.
type StreamCommands struct {
	ctrl    Controller
	catalog Catalog
	history history.Recorder
	voiceOf VoiceLocator
	timeout time.Duration
}

// NewStreamCommands creates a StreamCommands.
func NewStreamCommands(cfg StreamConfig) *StreamCommands {
	sc := &StreamCommands{
		ctrl:    cfg.Controller,
		catalog: cfg.Catalog,
		history: cfg.History,
		voiceOf: cfg.VoiceOf,
		timeout: cfg.Timeout,
	}
	if sc.history == nil {
		sc.history = history.Nop{}
	}
	if sc.voiceOf == nil {
		sc.voiceOf = func(string, string) string { return "" }
	}
	if sc.timeout <= 0 {
		sc.timeout = defaultCommandTimeout
	}
	return sc
}

// Register registers the /stream and /next commands, their autocomplete
// handlers and the session buttons with the router.
func (sc *StreamCommands) Register(router *discord.CommandRouter) {
	def := sc.Definition()
	router.RegisterCommand("stream", def, func(r discord.Responder, i *discordgo.InteractionCreate) {
		// This handler is for the top-level command; subcommands are routed below.
		discord.RespondEphemeral(r, i, "Please use a subcommand, e.g. `/stream play`.")
	})
	router.RegisterHandler("stream/play", sc.handlePlay)
	router.RegisterHandler("stream/stop", sc.handleStop)
	router.RegisterHandler("stream/list", sc.handleList)
	router.RegisterHandler("stream/status", sc.handleStatus)
	router.RegisterHandler("stream/volume", sc.handleVolume)
	router.RegisterHandler("stream/history", sc.handleHistory)
	router.RegisterCommand("next", sc.NextDefinition(), sc.handleNext)

	router.RegisterAutocomplete("stream/play", sc.autocompleteCatalog)
	router.RegisterAutocomplete("stream/history", sc.autocompleteCatalog)
	router.RegisterAutocomplete("stream/stop", sc.autocompleteActive)
	router.RegisterAutocomplete("stream/status", sc.autocompleteActive)
	router.RegisterAutocomplete("stream/volume", sc.autocompleteActive)
	router.RegisterAutocomplete("next", sc.autocompleteActive)

	router.RegisterComponentPrefix(discord.ButtonStop, sc.handleStopButton)
	router.RegisterComponentPrefix(discord.ButtonNext, sc.handleNextButton)
	router.RegisterComponentPrefix(discord.ButtonStatus, sc.handleStatusButton)
}

// Definition returns the /stream ApplicationCommand definition for Discord.
func (sc *StreamCommands) Definition() *discordgo.ApplicationCommand {
	channelOpt := func(required bool, desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         "channel",
			Description:  desc,
			Required:     required,
			Autocomplete: true,
		}
	}
	return &discordgo.ApplicationCommand{
		Name:        "stream",
		Description: "Play and control live audio streams",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Start a stream channel in a voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					channelOpt(true, "Stream channel to play"),
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "voice_channel",
						Description:  "Voice channel to play in (defaults to yours)",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop one stream, or all of them",
				Options:     []*discordgo.ApplicationCommandOption{channelOpt(false, "Stream channel to stop (all when omitted)")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List the configured stream channels",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show what is playing",
				Options:     []*discordgo.ApplicationCommandOption{channelOpt(false, "Stream channel (all when omitted)")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "volume",
				Description: "Change the volume of a stream",
				Options: []*discordgo.ApplicationCommandOption{
					channelOpt(true, "Stream channel"),
					{
						Type:        discordgo.ApplicationCommandOptionNumber,
						Name:        "level",
						Description: fmt.Sprintf("Volume multiplier (%.1f to %.1f)", config.MinVolume, config.MaxVolume),
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "history",
				Description: "Show recent events of a stream channel",
				Options:     []*discordgo.ApplicationCommandOption{channelOpt(true, "Stream channel")},
			},
		},
	}
}

// NextDefinition returns the /next ApplicationCommand definition for Discord.
func (sc *StreamCommands) NextDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "next",
		Description: "Switch a stream to its next source",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         "channel",
				Description:  "Stream channel",
				Required:     true,
				Autocomplete: true,
			},
		},
	}
}

// ── Slash commands ──────────────────────────────────────────────────────────

// handlePlay handles /stream play.
func (sc *StreamCommands) handlePlay(r discord.Responder, i *discordgo.InteractionCreate) {
	opts := commandOptions(i)
	channel := stringOption(opts, "channel")

	voiceID := stringOption(opts, "voice_channel")
	if voiceID == "" {
		voiceID = sc.voiceOf(i.GuildID, interactionUserID(i))
	}
	if voiceID == "" {
		discord.RespondEphemeral(r, i, "Join a voice channel first, or pick one with the `voice_channel` option.")
		return
	}

	// Defer reply since connecting may take until the startup timeout.
	discord.DeferReply(r, i, true)

	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	sum, err := sc.ctrl.Start(ctx, channel, audio.Target{GuildID: i.GuildID, ChannelID: voiceID})
	if err != nil {
		discord.FollowUp(r, i, sc.errorMessage(channel, err))
		return
	}
	discord.FollowUpEmbed(r, i, discord.SessionEmbed(sum.Status, sum.Pending), discord.SessionButtons(sum.Channel)...)
}

// handleStop handles /stream stop.
func (sc *StreamCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	sc.stop(r, i, stringOption(commandOptions(i), "channel"))
}

// handleList handles /stream list.
func (sc *StreamCommands) handleList(r discord.Responder, i *discordgo.InteractionCreate) {
	total, enabled := sc.catalog.Counts()
	active := make(map[string]bool)
	for _, st := range sc.ctrl.StatusAll() {
		active[strings.ToLower(st.Channel)] = true
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Stream Channels",
		Description: fmt.Sprintf("%d enabled of %d configured. ▶ marks channels that are playing.", enabled, total),
		Color:       0x3498DB,
	}
	for _, group := range sc.catalog.ByCategory() {
		if len(embed.Fields) == 25 {
			break
		}
		var b strings.Builder
		for _, ch := range group.Channels {
			line := fmt.Sprintf("`%s` %s", ch.Name, ch.Label())
			if ch.Quality != "" {
				line += " · " + ch.Quality
			}
			if active[strings.ToLower(ch.Name)] {
				line += " ▶"
			}
			if b.Len()+len(line)+1 > 1024 {
				break
			}
			b.WriteString(line + "\n")
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: group.Category, Value: b.String()})
	}
	if len(embed.Fields) == 0 {
		embed.Description = "No channels are configured."
	}
	discord.RespondEmbed(r, i, embed)
}

// handleStatus handles /stream status.
func (sc *StreamCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	channel := stringOption(commandOptions(i), "channel")
	if channel == "" {
		total, enabled := sc.catalog.Counts()
		discord.RespondEmbed(r, i, discord.OverviewEmbed(sc.ctrl.StatusAll(), total, enabled))
		return
	}
	sc.status(r, i, channel)
}

// handleVolume handles /stream volume.
func (sc *StreamCommands) handleVolume(r discord.Responder, i *discordgo.InteractionCreate) {
	opts := commandOptions(i)
	channel := stringOption(opts, "channel")
	level := floatOption(opts, "level")

	discord.DeferReply(r, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	got, err := sc.ctrl.SetVolume(ctx, channel, level)
	if err != nil {
		discord.FollowUp(r, i, sc.errorMessage(channel, err))
		return
	}
	msg := fmt.Sprintf("Volume of **%s** set to %s.", sc.label(channel), discord.FormatVolume(got))
	if got != level {
		msg += fmt.Sprintf(" Levels are limited to %s to %s.", discord.FormatVolume(config.MinVolume), discord.FormatVolume(config.MaxVolume))
	}
	discord.FollowUp(r, i, msg)
}

// handleHistory handles /stream history.
func (sc *StreamCommands) handleHistory(r discord.Responder, i *discordgo.InteractionCreate) {
	channel := stringOption(commandOptions(i), "channel")
	name := channel
	if def, ok := sc.catalog.Lookup(channel); ok {
		name = def.Name
	}

	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	events, err := sc.history.Recent(ctx, name, historyLimit)
	if err != nil {
		discord.RespondError(r, i, fmt.Errorf("load history: %w", err))
		return
	}
	if len(events) == 0 {
		discord.RespondEphemeral(r, i, fmt.Sprintf("No history for `%s` yet.", channel))
		return
	}

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "<t:%d:R> **%s** · source %d", ev.At.Unix(), ev.Kind, ev.SourceIndex+1)
		if ev.Detail != "" {
			fmt.Fprintf(&b, " · %s", ev.Detail)
		}
		b.WriteString("\n")
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:       "History · " + sc.label(channel),
		Description: b.String(),
		Color:       0x3498DB,
	})
}

// handleNext handles /next.
func (sc *StreamCommands) handleNext(r discord.Responder, i *discordgo.InteractionCreate) {
	sc.next(r, i, stringOption(commandOptions(i), "channel"))
}

// ── Buttons ─────────────────────────────────────────────────────────────────

func (sc *StreamCommands) handleStopButton(r discord.Responder, i *discordgo.InteractionCreate) {
	sc.stop(r, i, strings.TrimPrefix(i.MessageComponentData().CustomID, discord.ButtonStop))
}

func (sc *StreamCommands) handleNextButton(r discord.Responder, i *discordgo.InteractionCreate) {
	sc.next(r, i, strings.TrimPrefix(i.MessageComponentData().CustomID, discord.ButtonNext))
}

func (sc *StreamCommands) handleStatusButton(r discord.Responder, i *discordgo.InteractionCreate) {
	sc.status(r, i, strings.TrimPrefix(i.MessageComponentData().CustomID, discord.ButtonStatus))
}

// ── Shared actions ──────────────────────────────────────────────────────────

func (sc *StreamCommands) stop(r discord.Responder, i *discordgo.InteractionCreate, channel string) {
	discord.DeferReply(r, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	if channel == "" {
		stopped := sc.ctrl.StopAll(ctx)
		if len(stopped) == 0 {
			discord.FollowUp(r, i, "Nothing is playing.")
			return
		}
		discord.FollowUp(r, i, fmt.Sprintf("Stopped %d stream(s): %s.", len(stopped), strings.Join(stopped, ", ")))
		return
	}

	stopped, err := sc.ctrl.Stop(ctx, channel)
	if err != nil {
		discord.FollowUp(r, i, sc.errorMessage(channel, err))
		return
	}
	if len(stopped) == 0 {
		discord.FollowUp(r, i, fmt.Sprintf("`%s` is not playing.", channel))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Stopped **%s**.", sc.label(channel)))
}

func (sc *StreamCommands) next(r discord.Responder, i *discordgo.InteractionCreate, channel string) {
	discord.DeferReply(r, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	index, count, err := sc.ctrl.Next(ctx, channel)
	if err != nil {
		discord.FollowUp(r, i, sc.errorMessage(channel, err))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Switched **%s** to source %d/%d.", sc.label(channel), index, count))
}

func (sc *StreamCommands) status(r discord.Responder, i *discordgo.InteractionCreate, channel string) {
	st, ok := sc.ctrl.Status(channel)
	if !ok {
		discord.RespondEphemeral(r, i, fmt.Sprintf("`%s` is not playing.", channel))
		return
	}
	discord.RespondEmbed(r, i, discord.SessionEmbed(st, false))
}

// ── Autocomplete ────────────────────────────────────────────────────────────

// autocompleteCatalog offers enabled catalog channels matching the input.
func (sc *StreamCommands) autocompleteCatalog(r discord.Responder, i *discordgo.InteractionCreate) {
	matches := sc.catalog.Search(focusedValue(i), maxChoices)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(matches))
	for _, ch := range matches {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  choiceName(ch.Label(), ch.Category),
			Value: ch.Name,
		})
	}
	discord.RespondChoices(r, i, choices)
}

// autocompleteActive offers running sessions matching the input.
func (sc *StreamCommands) autocompleteActive(r discord.Responder, i *discordgo.InteractionCreate) {
	q := strings.ToLower(focusedValue(i))
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, st := range sc.ctrl.StatusAll() {
		if len(choices) == maxChoices {
			break
		}
		if q != "" && !strings.Contains(strings.ToLower(st.Channel), q) && !strings.Contains(strings.ToLower(st.DisplayName), q) {
			continue
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  choiceName(st.DisplayName, st.State.String()),
			Value: st.Channel,
		})
	}
	discord.RespondChoices(r, i, choices)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// errorMessage turns a supervisor error into a user-facing reply.
func (sc *StreamCommands) errorMessage(channel string, err error) string {
	switch {
	case errors.Is(err, supervisor.ErrUnknownChannel):
		if s := sc.catalog.Suggest(channel); s != "" {
			return fmt.Sprintf("Unknown channel `%s`. Did you mean `%s`?", channel, s)
		}
		return fmt.Sprintf("Unknown channel `%s`. Use `/stream list` to see what is available.", channel)
	case errors.Is(err, supervisor.ErrAlreadyActive):
		return fmt.Sprintf("**%s** is already playing. Use `/stream stop` first.", sc.label(channel))
	case errors.Is(err, supervisor.ErrNoActiveSession):
		return fmt.Sprintf("`%s` is not playing.", channel)
	case errors.Is(err, audio.ErrTargetBusy):
		return "The bot is already playing in this server. Stop that stream first."
	case errors.Is(err, supervisor.ErrNoVoiceTarget):
		return "Could not join that voice channel."
	case errors.Is(err, supervisor.ErrClosed):
		return "The bot is shutting down."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// label returns the display name of channel, or channel itself.
func (sc *StreamCommands) label(channel string) string {
	if def, ok := sc.catalog.Lookup(channel); ok {
		return def.Label()
	}
	return channel
}

func choiceName(name, detail string) string {
	if detail != "" {
		name += " (" + detail + ")"
	}
	if len(name) > 100 {
		name = name[:99] + "…"
	}
	return name
}

// commandOptions returns the options of the invoked subcommand, or the
// top-level options for commands without subcommands.
func commandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return data.Options
}

// stringOption returns the string or snowflake value of the named option.
func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range opts {
		if opt.Name == name {
			if s, ok := opt.Value.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func floatOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) float64 {
	for _, opt := range opts {
		if opt.Name == name {
			if f, ok := opt.Value.(float64); ok {
				return f
			}
		}
	}
	return 0
}

// focusedValue returns the text typed into the option being autocompleted.
func focusedValue(i *discordgo.InteractionCreate) string {
	for _, opt := range commandOptions(i) {
		if opt.Focused {
			if s, ok := opt.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// interactionUserID extracts the user ID from an interaction.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
