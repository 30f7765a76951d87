// Package history records the lifecycle of channel sessions: when they were
// started, when audio began, when sources were rotated or retried, and how
// the session ended.
//
// The supervisor writes through the [Recorder] interface. [Memory] keeps a
// bounded ring in process and is the default; package postgres persists
// events for deployments that configure a DSN.
package history

import (
	"context"
	"time"
)

// Kind classifies a history event.
type Kind string

const (
	KindStarted  Kind = "started"
	KindPlaying  Kind = "playing"
	KindRetrying Kind = "retrying"
	KindRotated  Kind = "rotated"
	KindFailed   Kind = "failed"
	KindStopped  Kind = "stopped"
)

// IsValid reports whether k is a known event kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindStarted, KindPlaying, KindRetrying, KindRotated, KindFailed, KindStopped:
		return true
	}
	return false
}

// Event is one recorded lifecycle transition of a channel session.
type Event struct {
	// Channel is the channel identifier.
	Channel string `json:"channel"`

	// Kind is the transition.
	Kind Kind `json:"kind"`

	// SourceIndex is the zero-based index of the source in use.
	SourceIndex int `json:"source_index"`

	// Source is the URL of the source in use.
	Source string `json:"source,omitempty"`

	// Detail carries a failure reason or other free-form context.
	Detail string `json:"detail,omitempty"`

	// At is when the transition happened.
	At time.Time `json:"at"`
}

// Recorder stores and retrieves history events. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// Record appends ev.
	Record(ctx context.Context, ev Event) error

	// Recent returns up to limit of the most recent events for channel, newest
	// first. An empty channel matches every channel.
	Recent(ctx context.Context, channel string, limit int) ([]Event, error)
}

// Nop discards every event.
type Nop struct{}

var _ Recorder = Nop{}

// Record implements [Recorder].
func (Nop) Record(context.Context, Event) error { return nil }

// Recent implements [Recorder].
func (Nop) Recent(context.Context, string, int) ([]Event, error) { return nil, nil }
