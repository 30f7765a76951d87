// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// MessageSender records channel messages sent by the status board.
type MessageSender struct {
	mu sync.Mutex

	// Sent records every embed posted with ChannelMessageSendEmbed.
	Sent []*discordgo.MessageEmbed

	// Edits records every embed applied with ChannelMessageEditEmbed.
	Edits []*discordgo.MessageEmbed

	// Err is returned by both methods when non-nil.
	Err error
}

// ChannelMessageSendEmbed records the embed and returns a stub message.
func (m *MessageSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, embed)
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID}, nil
}

// ChannelMessageEditEmbed records the embed and returns a stub message.
func (m *MessageSender) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Edits = append(m.Edits, embed)
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// Counts returns the number of sends and edits recorded.
func (m *MessageSender) Counts() (sent, edits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent), len(m.Edits)
}

// LastEmbed returns the most recently sent or edited embed, or nil.
func (m *MessageSender) LastEmbed() *discordgo.MessageEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.Edits); n > 0 {
		return m.Edits[n-1]
	}
	if n := len(m.Sent); n > 0 {
		return m.Sent[n-1]
	}
	return nil
}
