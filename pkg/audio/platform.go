// Package audio defines the sink contracts and frame types shared between the
// stream supervisor and the voice platform adapters.
//
// The two primary abstractions are:
//
//   - [Platform] opens a [Target] (a voice channel) and returns a [Sink].
//   - [Sink] plays one frame source at a time and reports how playback ends.
//
// Implementations live in platform-specific packages (e.g., audio/discord).
// The supervisor treats a [Target] as an opaque value: it only checks that one
// was supplied and hands it to [Platform.Connect].
package audio

import (
	"context"
	"errors"
)

// ErrTargetBusy is returned by [Platform.Connect] when the target cannot take
// another sink, e.g. because the platform allows one voice connection per guild.
var ErrTargetBusy = errors.New("audio: target already has an active sink")

// Target identifies the output destination for a session.
type Target struct {
	// GuildID is the platform scope the channel belongs to.
	GuildID string `json:"guild_id"`

	// ChannelID is the voice channel that receives audio.
	ChannelID string `json:"channel_id"`
}

// IsZero reports whether no destination was supplied.
func (t Target) IsZero() bool {
	return t.ChannelID == ""
}

// String returns "guild/channel".
func (t Target) String() string {
	return t.GuildID + "/" + t.ChannelID
}

// SinkEventType classifies events emitted by a [Sink].
type SinkEventType int

const (
	// SinkIdle is emitted when playback ends because the bound frame source closed.
	SinkIdle SinkEventType = iota

	// SinkError is emitted when playback fails but the destination still exists.
	SinkError

	// SinkGone is emitted when the destination is permanently unavailable
	// (the bot was removed from the channel, or the channel was deleted).
	SinkGone
)

// String returns the human-readable name of the sink event type.
func (e SinkEventType) String() string {
	switch e {
	case SinkIdle:
		return "IDLE"
	case SinkError:
		return "ERROR"
	case SinkGone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// SinkEvent describes a change in a sink's playback.
type SinkEvent struct {
	// Type is the kind of event.
	Type SinkEventType

	// Seq is the 1-based ordinal of the [Sink.Bind] call the event belongs to.
	// It is 0 for events that concern the sink as a whole ([SinkGone]).
	Seq uint64

	// Err carries the reason for [SinkError] and [SinkGone] events.
	Err error
}

// Sink is the output destination of one channel session.
//
// A Sink plays at most one frame source at a time. Every successful call to
// [Sink.Bind] starts a new binding whose sequence number is one greater than
// the previous one; events carry that number so callers can discard events
// from bindings they already released.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Bind starts playing frames. Any previous binding is released first.
	Bind(frames <-chan AudioFrame) error

	// Unbind stops playback of the current binding and waits until the sink
	// no longer reads from its frame source. It is safe to call when nothing
	// is bound.
	Unbind()

	// Events returns the channel on which playback events are delivered. The
	// channel is buffered; slow readers may miss [SinkIdle] events of stale
	// bindings but never a [SinkGone].
	Events() <-chan SinkEvent

	// Close releases the destination. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect opens the destination identified by target and returns a [Sink].
	// ctx governs the connection attempt only; the Sink lives until
	// [Sink.Close] is called.
	Connect(ctx context.Context, target Target) (Sink, error)
}
