package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

const (
	eventBuffer = 8

	// defaultSendTimeout bounds how long a single Opus packet may wait for
	// the voice connection before the binding is reported as failed.
	defaultSendTimeout = 3 * time.Second
)

// ErrSinkClosed is returned by [Sink.Bind] after [Sink.Close].
var ErrSinkClosed = errors.New("discord: sink closed")

// Sink wraps a discordgo.VoiceConnection and adapts it to the [audio.Sink]
// interface. Bound PCM frames are encoded to Opus and sent to Discord.
//
// Sink is safe for concurrent use.
type Sink struct {
	vc        *discordgo.VoiceConnection
	target    audio.Target
	botUserID string

	events chan audio.SinkEvent

	mu       sync.Mutex
	seq      uint64
	stop     chan struct{} // closed to end the current binding
	loopDone chan struct{} // closed when the current send loop exits
	closed   bool

	closeOnce sync.Once

	sendTimeout time.Duration

	// removeHandlers detaches the discordgo event handlers on Close.
	removeHandlers []func()

	// release returns the guild slot to the platform.
	release func()

	// disconnectVC is called during Close to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

func newSink(vc *discordgo.VoiceConnection, target audio.Target, botUserID string) *Sink {
	return &Sink{
		vc:           vc,
		target:       target,
		botUserID:    botUserID,
		events:       make(chan audio.SinkEvent, eventBuffer),
		sendTimeout:  defaultSendTimeout,
		disconnectVC: vc.Disconnect,
	}
}

// Target returns the voice channel this sink plays into.
func (s *Sink) Target() audio.Target {
	return s.target
}

// Bind starts encoding frames and sending them to the voice channel. Any
// previous binding is released first.
func (s *Sink) Bind(frames <-chan audio.AudioFrame) error {
	s.Unbind()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}

	s.seq++
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.sendLoop(s.seq, frames, enc, s.stop, s.loopDone)
	return nil
}

// Unbind stops the current send loop and waits for it to exit.
func (s *Sink) Unbind() {
	s.mu.Lock()
	stop, done := s.stop, s.loopDone
	s.stop, s.loopDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Events returns the sink's event channel.
func (s *Sink) Events() <-chan audio.SinkEvent {
	return s.events
}

// Close stops playback, detaches event handlers and leaves the voice channel.
// It is safe to call more than once; subsequent calls return nil.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		for _, remove := range s.removeHandlers {
			remove()
		}
		s.Unbind()

		if s.disconnectVC != nil {
			if dErr := s.disconnectVC(); dErr != nil {
				err = fmt.Errorf("discord: leave voice channel %s: %w", s.target, dErr)
			}
		}
		if s.release != nil {
			s.release()
		}
	})
	return err
}

// sendLoop reads PCM frames from the bound source, extracts exact Opus
// frame-sized chunks, encodes them, and sends the packets via the voice
// connection. It reports [audio.SinkIdle] when the source closes and
// [audio.SinkError] when the connection stops accepting packets.
func (s *Sink) sendLoop(seq uint64, frames <-chan audio.AudioFrame, enc *opusEncoder, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	s.setSpeaking(true)
	defer s.setSpeaking(false)

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	var buf []byte
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				s.emit(audio.SinkEvent{Type: audio.SinkIdle, Seq: seq})
				return
			}
			buf = append(buf, frame.Data...)

			for len(buf) >= audio.FrameBytes {
				opus, err := enc.encode(buf[:audio.FrameBytes])
				buf = buf[audio.FrameBytes:]
				if err != nil {
					slog.Warn("discord: opus encode error", "target", s.target, "err", err)
					continue
				}

				timer.Reset(s.sendTimeout)
				select {
				case s.vc.OpusSend <- opus:
				case <-stop:
					return
				case <-timer.C:
					s.emit(audio.SinkEvent{
						Type: audio.SinkError,
						Seq:  seq,
						Err:  fmt.Errorf("discord: voice send stalled for %s", s.sendTimeout),
					})
					return
				}
			}
		}
	}
}

// handleVoiceStateUpdate reports the sink as gone when the bot itself is
// disconnected from voice in the sink's guild.
func (s *Sink) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil {
		return
	}
	if vsu.GuildID != s.target.GuildID || s.botUserID == "" || vsu.UserID != s.botUserID {
		return
	}
	if vsu.ChannelID != "" {
		return
	}
	s.gone(errors.New("removed from voice channel"))
}

// handleChannelDelete reports the sink as gone when its voice channel is deleted.
func (s *Sink) handleChannelDelete(_ *discordgo.Session, cd *discordgo.ChannelDelete) {
	if cd == nil || cd.Channel == nil || cd.ID != s.target.ChannelID {
		return
	}
	s.gone(errors.New("voice channel deleted"))
}

func (s *Sink) gone(reason error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	slog.Warn("discord: voice target gone", "target", s.target, "reason", reason)
	s.emit(audio.SinkEvent{Type: audio.SinkGone, Err: reason})
}

// emit delivers ev without blocking. Events of stale bindings are harmless
// to drop; a full buffer only happens when the owner stopped reading.
func (s *Sink) emit(ev audio.SinkEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("discord: sink event dropped", "target", s.target, "type", ev.Type)
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (s *Sink) setSpeaking(b bool) {
	if err := s.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
