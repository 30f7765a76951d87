// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	sink := mock.NewSink()
//	platform := &mock.Platform{ConnectResult: sink}
//	got, err := platform.Connect(ctx, audio.Target{GuildID: "g", ChannelID: "vc"})
//	// ... later, simulate the bot being kicked from the channel:
//	sink.Emit(audio.SinkEvent{Type: audio.SinkGone})
package mock

import (
	"context"
	"sync"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. It does not consume frames;
// tests read the bound source via [Sink.Frames] when they care about data.
type Sink struct {
	mu sync.Mutex

	// BindError is returned by [Sink.Bind] when non-nil.
	BindError error

	// CloseError is returned by the first [Sink.Close] call.
	CloseError error

	// CallCountBind records how many times Bind was called (including failed calls).
	CallCountBind int

	// CallCountUnbind records how many times Unbind was called.
	CallCountUnbind int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	seq    uint64
	frames <-chan audio.AudioFrame
	bound  bool
	closed bool
	events chan audio.SinkEvent
}

// NewSink returns a Sink with a buffered event channel.
func NewSink() *Sink {
	return &Sink{events: make(chan audio.SinkEvent, 16)}
}

// Bind implements [audio.Sink].
func (s *Sink) Bind(frames <-chan audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountBind++
	if s.BindError != nil {
		return s.BindError
	}
	s.seq++
	s.frames = frames
	s.bound = true
	return nil
}

// Unbind implements [audio.Sink].
func (s *Sink) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountUnbind++
	s.bound = false
	s.frames = nil
}

// Events implements [audio.Sink].
func (s *Sink) Events() <-chan audio.SinkEvent {
	return s.events
}

// Close implements [audio.Sink]. Only the first call returns CloseError.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	s.bound = false
	return s.CloseError
}

// Emit delivers ev on the event channel. When ev.Seq is zero and ev is not a
// [audio.SinkGone] event, the current binding sequence is filled in.
func (s *Sink) Emit(ev audio.SinkEvent) {
	s.mu.Lock()
	if ev.Seq == 0 && ev.Type != audio.SinkGone {
		ev.Seq = s.seq
	}
	s.mu.Unlock()
	s.events <- ev
}

// Bound reports whether a frame source is currently bound.
func (s *Sink) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Seq returns the sequence number of the most recent successful Bind.
func (s *Sink) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Frames returns the currently bound frame source, or nil.
func (s *Sink) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// Target is the target argument passed to Connect.
	Target audio.Target
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Sink] returned by Connect. When nil, a fresh
	// [Sink] is created for every call and appended to Sinks.
	ConnectResult audio.Sink

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// Sinks holds the sinks created when ConnectResult is nil, in call order.
	Sinks []*Sink
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, target audio.Target) (audio.Sink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Target: target})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	s := NewSink()
	p.Sinks = append(p.Sinks, s)
	return s, nil
}

// CallCountConnect returns how many times Connect was called.
func (p *Platform) CallCountConnect() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSink returns the most recently created sink, or nil.
func (p *Platform) LastSink() *Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sinks) == 0 {
		return nil
	}
	return p.Sinks[len(p.Sinks)-1]
}
