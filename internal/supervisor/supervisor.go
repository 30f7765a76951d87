// Package supervisor keeps stream channels alive.
//
// A [Supervisor] maps channel identifiers to at most one live session. Each
// session runs its own goroutine that owns the channel's state machine: it
// spawns one transcode pipeline at a time for the current source, binds its
// frames to the voice sink, and on failure retries the source, rotates to the
// next one, or gives up once every source has been exhausted.
//
// Control operations (Stop, Next, SetVolume) are sent to the session
// goroutine and applied one at a time, so a channel never has two pipelines
// racing for its sink. Status reads a snapshot and never waits on I/O.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/observe"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

const (
	defaultMaxRetries     = 3
	defaultRetryDelay     = 5 * time.Second
	defaultStartupTimeout = 10 * time.Second
)

// Supervisor is the registry of channel sessions. All exported methods are
// safe for concurrent use.
type Supervisor struct {
	catalog  Catalog
	platform audio.Platform
	starter  PipelineStarter

	maxRetries     int
	retryDelay     time.Duration
	startupTimeout time.Duration

	health    HealthHint
	history   history.Recorder
	metrics   *observe.Metrics
	afterFunc AfterFunc
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session // keyed by lower-cased channel name
	closed   bool
}

// New creates a Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		catalog:        cfg.Catalog,
		platform:       cfg.Platform,
		starter:        cfg.Starter,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		startupTimeout: cfg.StartupTimeout,
		history:        history.Nop{},
		afterFunc:      realAfterFunc,
		now:            time.Now,
		sessions:       make(map[string]*session),
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.startupTimeout <= 0 {
		s.startupTimeout = defaultStartupTimeout
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(channelID string) string {
	return strings.ToLower(channelID)
}

// Start creates a session for channelID playing into target and waits until
// the first audio frame, the startup timeout, or the session failing,
// whichever comes first. Returning on the timeout is not an error: the
// summary is marked Pending and the session keeps trying in the background.
//
// Start fails with [ErrUnknownChannel], [ErrNoVoiceTarget] or
// [ErrAlreadyActive], checked in that order.
func (s *Supervisor) Start(ctx context.Context, channelID string, target audio.Target) (_ Summary, err error) {
	ctx, span := observe.StartSpan(ctx, "supervisor.start",
		trace.WithAttributes(attribute.String("channel", channelID)))
	defer func() { observe.EndSpan(span, err) }()

	def, ok := s.catalog.Lookup(channelID)
	if !ok {
		if suggestion := s.catalog.Suggest(channelID); suggestion != "" {
			return Summary{}, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownChannel, channelID, suggestion)
		}
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	if len(def.Streams) == 0 {
		return Summary{}, fmt.Errorf("%w: %q has no sources", ErrUnknownChannel, channelID)
	}
	if target.IsZero() {
		return Summary{}, ErrNoVoiceTarget
	}

	k := key(def.Name)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Summary{}, ErrClosed
	}
	if _, exists := s.sessions[k]; exists {
		s.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyActive, def.Name)
	}
	sess := newSession(s, def, target)
	s.sessions[k] = sess
	s.mu.Unlock()

	sink, err := s.platform.Connect(ctx, target)
	if err != nil {
		sess.abandon()
		s.remove(sess)
		return Summary{}, fmt.Errorf("%w: %s: %w", ErrNoVoiceTarget, target, err)
	}
	sess.sink = sink

	if s.metrics != nil {
		s.metrics.RecordStart(ctx, def.Name)
	}
	slog.Info("supervisor: session started",
		"channel", def.Name,
		"target", target.String(),
		"sources", len(def.Streams),
		"volume", sess.volume,
	)
	go sess.run()

	timedOut := make(chan struct{})
	cancelWait := s.afterFunc(s.startupTimeout, func() { close(timedOut) })
	defer cancelWait()

	var pending bool
	select {
	case <-sess.ready:
	case <-timedOut:
		pending = true
	case <-ctx.Done():
		pending = true
	}

	st := sess.status(s.now())
	return Summary{Status: st, Pending: pending && st.State != StatePlaying && st.State != StateFailed}, nil
}

// Stop tears down the session for channelID and returns the identifiers of
// the channels actually stopped. Stopping a channel without a session is a
// no-op that returns nil. Stop returns only after the pipeline has exited and
// the sink has been released.
func (s *Supervisor) Stop(ctx context.Context, channelID string) (_ []string, err error) {
	ctx, span := observe.StartSpan(ctx, "supervisor.stop",
		trace.WithAttributes(attribute.String("channel", channelID)))
	defer func() { observe.EndSpan(span, err) }()

	sess := s.lookup(channelID)
	if sess == nil {
		return nil, nil
	}
	if _, err := sess.do(ctx, command{kind: cmdStop}); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			// The session ended on its own in the meantime.
			return nil, nil
		}
		return nil, fmt.Errorf("supervisor: stop %s: %w", sess.def.Name, err)
	}
	select {
	case <-sess.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("supervisor: stop %s: %w", sess.def.Name, ctx.Err())
	}
	return []string{sess.def.Name}, nil
}

// StopAll stops every session concurrently and returns the identifiers of
// the channels stopped, sorted.
func (s *Supervisor) StopAll(ctx context.Context) []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		names = append(names, sess.def.Name)
	}
	s.mu.Unlock()

	var mu sync.Mutex
	var stopped []string
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			ids, err := s.Stop(gctx, name)
			if err != nil {
				slog.Warn("supervisor: stop failed", "channel", name, "err", err)
				return nil
			}
			mu.Lock()
			stopped = append(stopped, ids...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(stopped)
	return stopped
}

// Next advances the session to its next source, wrapping around, and
// restarts the pipeline there. It returns the new 1-based source index and
// the number of sources.
func (s *Supervisor) Next(ctx context.Context, channelID string) (index, count int, err error) {
	ctx, span := observe.StartSpan(ctx, "supervisor.next",
		trace.WithAttributes(attribute.String("channel", channelID)))
	defer func() { observe.EndSpan(span, err) }()

	sess := s.lookup(channelID)
	if sess == nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoActiveSession, channelID)
	}
	r, err := sess.do(ctx, command{kind: cmdNext})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", err, channelID)
	}
	return r.index + 1, r.count, nil
}

// SetVolume clamps level to [config.MinVolume, config.MaxVolume] and applies
// it to the session. ffmpeg applies volume in its audio filter, so the current
// source is restarted at the new level; the source does not change. It
// returns the effective volume.
func (s *Supervisor) SetVolume(ctx context.Context, channelID string, level float64) (_ float64, err error) {
	ctx, span := observe.StartSpan(ctx, "supervisor.set_volume",
		trace.WithAttributes(attribute.String("channel", channelID)))
	defer func() { observe.EndSpan(span, err) }()

	sess := s.lookup(channelID)
	if sess == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoActiveSession, channelID)
	}
	r, err := sess.do(ctx, command{kind: cmdVolume, volume: config.ClampVolume(level)})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, channelID)
	}
	return r.volume, nil
}

// Status returns the snapshot of one session.
func (s *Supervisor) Status(channelID string) (Status, bool) {
	sess := s.lookup(channelID)
	if sess == nil {
		return Status{}, false
	}
	return sess.status(s.now()), true
}

// StatusAll returns the snapshots of every session, sorted by channel.
func (s *Supervisor) StatusAll() []Status {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	now := s.now()
	out := make([]Status, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.status(now))
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Channel, b.Channel) })
	return out
}

// Active reports the number of sessions.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close rejects further Starts and stops every session.
func (s *Supervisor) Close(ctx context.Context) []string {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.StopAll(ctx)
}

func (s *Supervisor) lookup(channelID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key(channelID)]
}

// remove deletes sess from the registry if it is still the registered
// session for its channel.
func (s *Supervisor) remove(sess *session) {
	k := key(sess.def.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[k] == sess {
		delete(s.sessions, k)
	}
}

// record writes a history event. Failures are logged and otherwise ignored.
func (s *Supervisor) record(ev history.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.history.Record(ctx, ev); err != nil {
		slog.Warn("supervisor: record history", "channel", ev.Channel, "kind", ev.Kind, "err", err)
	}
}
