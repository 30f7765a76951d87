package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
)

// Embed sidebar colors.
const (
	embedColorGreen  = 0x2ECC71
	embedColorYellow = 0xF1C40F
	embedColorRed    = 0xE74C3C
	embedColorGrey   = 0x95A5A6
)

// maxEmbedFields is Discord's limit on fields per embed.
const maxEmbedFields = 25

// Button custom_id prefixes. The channel identifier follows the colon.
const (
	ButtonStop   = "stop:"
	ButtonNext   = "next:"
	ButtonStatus = "status:"
)

// StateColor maps a session state to an embed color.
func StateColor(s supervisor.State) int {
	switch s {
	case supervisor.StatePlaying:
		return embedColorGreen
	case supervisor.StateConnecting, supervisor.StateRetrying:
		return embedColorYellow
	case supervisor.StateFailed:
		return embedColorRed
	default:
		return embedColorGrey
	}
}

// SessionEmbed renders one session. pending marks a session that has not
// produced audio yet.
func SessionEmbed(st supervisor.Status, pending bool) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: stateLabel(st.State), Inline: true},
		{Name: "Source", Value: fmt.Sprintf("%d/%d", st.Index, st.Count), Inline: true},
		{Name: "Volume", Value: FormatVolume(st.Volume), Inline: true},
		{Name: "Voice Channel", Value: channelMention(st.Target.ChannelID), Inline: true},
	}
	if st.State == supervisor.StatePlaying {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Uptime", Value: formatDuration(time.Duration(st.Uptime)), Inline: true,
		})
	}
	if st.Retries > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Retries", Value: fmt.Sprintf("%d", st.Retries), Inline: true,
		})
	}
	if st.LastError != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Last Error", Value: truncate(st.LastError, 1024), Inline: false,
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:     st.DisplayName,
		Color:     StateColor(st.State),
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if st.Category != "" {
		embed.Description = st.Category
	}
	if pending {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Still connecting. The bot keeps trying in the background."}
	}
	return embed
}

// SessionButtons returns the control row attached to a play reply.
func SessionButtons(channel string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Next Source", Style: discordgo.PrimaryButton, CustomID: ButtonNext + channel},
				discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: ButtonStop + channel},
				discordgo.Button{Label: "Status", Style: discordgo.SecondaryButton, CustomID: ButtonStatus + channel},
			},
		},
	}
}

// OverviewEmbed renders every session in one embed. total and enabled are
// the catalog counts.
func OverviewEmbed(statuses []supervisor.Status, total, enabled int) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Stream Status",
		Description: fmt.Sprintf("%d active · %d enabled · %d configured", len(statuses), enabled, total),
		Color:       embedColorGrey,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if len(statuses) == 0 {
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "No active streams", Value: "Use `/stream play` to start one."}}
		return embed
	}

	color := embedColorGreen
	for i, st := range statuses {
		if st.State != supervisor.StatePlaying {
			color = embedColorYellow
		}
		if i == maxEmbedFields-1 && len(statuses) > maxEmbedFields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name: "…", Value: fmt.Sprintf("and %d more", len(statuses)-i),
			})
			break
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  st.DisplayName,
			Value: statusLine(st),
		})
	}
	embed.Color = color
	return embed
}

func statusLine(st supervisor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s · source %d/%d · %s · %s",
		stateLabel(st.State), st.Index, st.Count, FormatVolume(st.Volume), channelMention(st.Target.ChannelID))
	if st.State == supervisor.StatePlaying {
		fmt.Fprintf(&b, " · up %s", formatDuration(time.Duration(st.Uptime)))
	}
	if st.Retries > 0 {
		fmt.Fprintf(&b, " · %d retries", st.Retries)
	}
	return b.String()
}

func stateLabel(s supervisor.State) string {
	switch s {
	case supervisor.StatePlaying:
		return "🟢 Playing"
	case supervisor.StateConnecting:
		return "🟡 Connecting"
	case supervisor.StateRetrying:
		return "🟠 Retrying"
	case supervisor.StateStopping:
		return "⚪ Stopping"
	case supervisor.StateFailed:
		return "🔴 Failed"
	default:
		return s.String()
	}
}

// FormatVolume renders a volume multiplier as a percentage.
func FormatVolume(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func channelMention(id string) string {
	if id == "" {
		return "-"
	}
	return "<#" + id + ">"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
