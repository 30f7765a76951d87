package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// ─── compile-time interface assertions ───────────────────────────────────────

var _ audio.Platform = (*Platform)(nil)
var _ audio.Sink = (*Sink)(nil)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newTestSink creates a Sink suitable for unit testing without a real Discord
// voice connection. OpusSend is a buffered fake channel.
func newTestSink(t *testing.T) *Sink {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
	}
	s := newSink(vc, audio.Target{GuildID: "guild-test", ChannelID: "vc-1"}, "bot-1")
	s.disconnectVC = func() error { return nil }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestPlatform returns a Platform whose join never touches the network.
func newTestPlatform(joinErr error, opts ...Option) *Platform {
	p := New(nil, opts...)
	p.join = func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
		if joinErr != nil {
			return nil, joinErr
		}
		return &discordgo.VoiceConnection{GuildID: guildID, ChannelID: channelID, OpusSend: make(chan []byte, 16)}, nil
	}
	return p
}

func pcmFrame() audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, audio.FrameBytes),
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	}
}

func waitEvent(t *testing.T, s *Sink) audio.SinkEvent {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink event")
		return audio.SinkEvent{}
	}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestPlatform_ConnectRejectsIncompleteTarget(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(nil)
	if _, err := p.Connect(context.Background(), audio.Target{GuildID: "g"}); err == nil {
		t.Fatal("expected error for missing channel ID")
	}
	if _, err := p.Connect(context.Background(), audio.Target{ChannelID: "vc"}); err == nil {
		t.Fatal("expected error for missing guild ID")
	}
}

func TestPlatform_OneSinkPerGuild(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(nil)
	ctx := context.Background()

	first, err := p.Connect(ctx, audio.Target{GuildID: "g1", ChannelID: "vc-a"})
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	first.(*Sink).disconnectVC = func() error { return nil }

	_, err = p.Connect(ctx, audio.Target{GuildID: "g1", ChannelID: "vc-b"})
	if !errors.Is(err, audio.ErrTargetBusy) {
		t.Fatalf("second Connect err = %v, want ErrTargetBusy", err)
	}

	// A different guild is independent.
	other, err := p.Connect(ctx, audio.Target{GuildID: "g2", ChannelID: "vc-c"})
	if err != nil {
		t.Fatalf("other guild Connect: %v", err)
	}
	other.(*Sink).disconnectVC = func() error { return nil }
	_ = other.Close()

	// Closing the first sink frees the guild.
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Busy("g1") {
		t.Fatal("guild still busy after Close")
	}
	again, err := p.Connect(ctx, audio.Target{GuildID: "g1", ChannelID: "vc-b"})
	if err != nil {
		t.Fatalf("Connect after Close: %v", err)
	}
	again.(*Sink).disconnectVC = func() error { return nil }
	_ = again.Close()
}

func TestPlatform_SendTimeoutOption(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(nil, WithSendTimeout(250*time.Millisecond))
	sink, err := p.Connect(context.Background(), audio.Target{GuildID: "g1", ChannelID: "vc-a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s := sink.(*Sink)
	s.disconnectVC = func() error { return nil }
	defer s.Close()

	if s.sendTimeout != 250*time.Millisecond {
		t.Errorf("sendTimeout = %v, want 250ms", s.sendTimeout)
	}

	// Non-positive values keep the default.
	if d := New(nil, WithSendTimeout(0)).sendTimeout; d != defaultSendTimeout {
		t.Errorf("sendTimeout = %v, want default %v", d, defaultSendTimeout)
	}
}

func TestPlatform_JoinFailureReleasesGuild(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(errors.New("missing permissions"))
	_, err := p.Connect(context.Background(), audio.Target{GuildID: "g1", ChannelID: "vc"})
	if err == nil {
		t.Fatal("expected join error")
	}
	if p.Busy("g1") {
		t.Error("guild should not stay reserved after a failed join")
	}
}

// ─── Sink tests ──────────────────────────────────────────────────────────────

// TestSink_CloseIdempotent verifies that Close can be called multiple times
// without panicking and returns nil on subsequent calls.
func TestSink_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	for i := range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close[%d]: unexpected error: %v", i, err)
		}
	}
	if err := s.Bind(make(chan audio.AudioFrame)); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Bind after Close err = %v, want ErrSinkClosed", err)
	}
}

// TestSink_BindEncodes verifies that bound frames are encoded and appear on OpusSend.
func TestSink_BindEncodes(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	frames := make(chan audio.AudioFrame, 1)
	if err := s.Bind(frames); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	frames <- pcmFrame()

	select {
	case opus := <-s.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}
}

// TestSink_IdleOnSourceClose verifies that closing the frame source reports
// SinkIdle tagged with the binding sequence.
func TestSink_IdleOnSourceClose(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	frames := make(chan audio.AudioFrame)
	if err := s.Bind(frames); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	close(frames)

	ev := waitEvent(t, s)
	if ev.Type != audio.SinkIdle {
		t.Errorf("event type = %v, want %v", ev.Type, audio.SinkIdle)
	}
	if ev.Seq != 1 {
		t.Errorf("event seq = %d, want 1", ev.Seq)
	}
}

// TestSink_RebindIncrementsSeq verifies that every Bind starts a new binding
// and Unbind stops reading from the old source.
func TestSink_RebindIncrementsSeq(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	first := make(chan audio.AudioFrame)
	if err := s.Bind(first); err != nil {
		t.Fatalf("Bind first: %v", err)
	}
	second := make(chan audio.AudioFrame)
	if err := s.Bind(second); err != nil {
		t.Fatalf("Bind second: %v", err)
	}

	// The first loop has exited, so closing its source emits nothing.
	close(first)
	close(second)

	ev := waitEvent(t, s)
	if ev.Seq != 2 {
		t.Fatalf("event seq = %d, want 2", ev.Seq)
	}
	select {
	case extra := <-s.Events():
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSink_SendStall verifies that a voice connection that stops accepting
// packets produces a SinkError.
func TestSink_SendStall(t *testing.T) {
	t.Parallel()

	vc := &discordgo.VoiceConnection{OpusSend: make(chan []byte)} // unbuffered, never read
	s := newSink(vc, audio.Target{GuildID: "g", ChannelID: "vc"}, "bot-1")
	s.disconnectVC = func() error { return nil }
	s.sendTimeout = 20 * time.Millisecond
	t.Cleanup(func() { _ = s.Close() })

	frames := make(chan audio.AudioFrame, 1)
	if err := s.Bind(frames); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	frames <- pcmFrame()

	ev := waitEvent(t, s)
	if ev.Type != audio.SinkError {
		t.Fatalf("event type = %v, want %v", ev.Type, audio.SinkError)
	}
	if ev.Err == nil {
		t.Error("SinkError without reason")
	}
}

func TestSink_GoneOnBotDisconnect(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)

	// Another user leaving is ignored.
	s.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "someone", ChannelID: ""},
	})
	// The bot moving to another guild's channel is ignored.
	s.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "bot-1", ChannelID: ""},
	})
	s.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot-1", ChannelID: ""},
	})

	ev := waitEvent(t, s)
	if ev.Type != audio.SinkGone {
		t.Fatalf("event type = %v, want %v", ev.Type, audio.SinkGone)
	}
	if ev.Seq != 0 {
		t.Errorf("gone event seq = %d, want 0", ev.Seq)
	}
}

func TestSink_GoneOnChannelDelete(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	s.handleChannelDelete(nil, &discordgo.ChannelDelete{Channel: &discordgo.Channel{ID: "unrelated"}})
	s.handleChannelDelete(nil, &discordgo.ChannelDelete{Channel: &discordgo.Channel{ID: "vc-1"}})

	ev := waitEvent(t, s)
	if ev.Type != audio.SinkGone {
		t.Fatalf("event type = %v, want %v", ev.Type, audio.SinkGone)
	}
}

func TestSink_NoGoneAfterClose(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	_ = s.Close()
	s.handleChannelDelete(nil, &discordgo.ChannelDelete{Channel: &discordgo.Channel{ID: "vc-1"}})

	select {
	case ev := <-s.Events():
		t.Errorf("unexpected event after Close: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSink_ConcurrentClose exercises Close from multiple goroutines to verify
// thread safety (run with -race).
func TestSink_ConcurrentClose(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	if err := s.Bind(make(chan audio.AudioFrame)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = s.Close()
		})
	}
	wg.Wait()
}

func TestBytesToInt16s(t *testing.T) {
	t.Parallel()

	got := bytesToInt16s([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80})
	want := []int16{1, -1, -32768}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
