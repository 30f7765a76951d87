package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/transcode"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

type commandKind int

const (
	cmdStop commandKind = iota
	cmdNext
	cmdVolume
)

type command struct {
	kind   commandKind
	volume float64
	reply  chan reply
}

type reply struct {
	index  int
	count  int
	volume float64
}

type timerKind int

const (
	timerStartup timerKind = iota
	timerRetry
)

// timerFire is delivered to the loop when a timer expires. Fires whose gen
// differs from the session's current gen are stale and ignored.
type timerFire struct {
	gen  uint64
	kind timerKind
}

// session is the state machine of one channel. Every field below the loop
// banner is owned by the run goroutine; the snapshot is the only state shared
// with readers.
type session struct {
	sup    *Supervisor
	def    config.ChannelConfig
	target audio.Target
	sink   audio.Sink

	ctx    context.Context
	cancel context.CancelFunc

	cmds   chan command
	timers chan timerFire
	done   chan struct{} // closed when the loop has exited
	ready  chan struct{} // closed at the first Playing or on exit

	readyOnce sync.Once
	doneOnce  sync.Once

	// ── loop-owned ──

	state     State
	index     int
	retries   int // failed attempts on the current source
	tried     int // sources exhausted in the current failure episode
	volume    float64
	startedAt time.Time
	attemptAt time.Time
	lastErr   error

	pipeline   Pipeline
	pipeEvents <-chan transcode.Event
	bound      bool
	bindSeq    uint64

	gen         uint64
	cancelTimer func() bool

	// ── snapshot ──

	mu   sync.Mutex
	snap Status
}

func newSession(sup *Supervisor, def config.ChannelConfig, target audio.Target) *session {
	ctx, cancel := context.WithCancel(context.Background())
	ss := &session{
		sup:    sup,
		def:    def,
		target: target,
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command),
		timers: make(chan timerFire),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		state:  StateConnecting,
		volume: config.ClampVolume(def.Volume),
	}
	if def.Volume == 0 {
		ss.volume = config.DefaultVolume
	}
	ss.publish()
	return ss
}

// abandon releases a session whose loop never ran.
func (ss *session) abandon() {
	ss.cancel()
	ss.doneOnce.Do(func() { close(ss.done) })
	ss.readyOnce.Do(func() { close(ss.ready) })
}

// do sends c to the loop and waits for its reply. It returns
// [ErrNoActiveSession] when the loop has already exited.
func (ss *session) do(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case ss.cmds <- c:
	case <-ss.done:
		return reply{}, ErrNoActiveSession
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// status returns the current snapshot with uptime computed at now.
func (ss *session) status(now time.Time) Status {
	ss.mu.Lock()
	st := ss.snap
	ss.mu.Unlock()
	if !st.StartedAt.IsZero() && st.State != StateFailed {
		st.Uptime = Duration(now.Sub(st.StartedAt))
	}
	return st
}

// publish copies the loop state into the snapshot.
func (ss *session) publish() {
	st := Status{
		Channel:     ss.def.Name,
		DisplayName: ss.def.Label(),
		Category:    ss.def.Category,
		State:       ss.state,
		Index:       ss.index + 1,
		Count:       len(ss.def.Streams),
		Source:      ss.def.Streams[ss.index],
		Volume:      ss.volume,
		Retries:     ss.retries,
		StartedAt:   ss.startedAt,
		Target:      ss.target,
	}
	if ss.lastErr != nil {
		st.LastError = ss.lastErr.Error()
	}
	ss.mu.Lock()
	ss.snap = st
	ss.mu.Unlock()
}

func (ss *session) log() *slog.Logger {
	return slog.With("channel", ss.def.Name, "source_index", ss.index, "state", ss.state.String())
}

// ── Loop ───────────────────────────────────────────────────────────────────

func (ss *session) run() {
	defer func() {
		ss.cancel()
		ss.readyOnce.Do(func() { close(ss.ready) })
		ss.doneOnce.Do(func() { close(ss.done) })
	}()

	ss.sup.record(ss.event(history.KindStarted, ss.target.String()))
	ss.selectFresh()
	ss.attempt()

	sinkEvents := ss.sink.Events()
	for !ss.finished() {
		select {
		case ev := <-ss.pipeEvents:
			ss.onPipeline(ev)
		case ev, ok := <-sinkEvents:
			if !ok {
				sinkEvents = nil
				ss.terminate(StateFailed, errSinkGone)
				continue
			}
			ss.onSink(ev)
		case f := <-ss.timers:
			ss.onTimer(f)
		case c := <-ss.cmds:
			ss.onCommand(c)
		}
	}
}

func (ss *session) finished() bool {
	return ss.state == StateStopping || ss.state == StateFailed
}

func (ss *session) setState(s State) {
	ss.state = s
	ss.publish()
}

// attempt spawns a pipeline for the current source and arms the startup
// timer. A spawn error counts as a failed attempt.
func (ss *session) attempt() {
	url := ss.def.Streams[ss.index]
	ss.attemptAt = ss.sup.now()
	ss.setState(StateConnecting)

	p, err := ss.sup.starter.Start(ss.ctx, url, ss.volume)
	if err != nil {
		ss.fail("spawn", fmt.Errorf("spawn pipeline: %w", err))
		return
	}
	ss.pipeline = p
	ss.pipeEvents = p.Events()
	ss.armTimer(timerStartup, ss.sup.startupTimeout)

	args := []any{"url", url, "retries", ss.retries}
	if pp, ok := p.(interface{ PID() int }); ok {
		args = append(args, "pid", pp.PID())
	}
	ss.log().Debug("supervisor: attempt started", args...)
}

// teardown stops the live pipeline and unbinds the sink. It returns only
// after the pipeline process has exited.
func (ss *session) teardown() {
	ss.stopTimer()
	if ss.bound {
		ss.sink.Unbind()
		ss.bound = false
	}
	if ss.pipeline != nil {
		ss.pipeline.Stop()
		ss.pipeline = nil
		ss.pipeEvents = nil
	}
}

// fail handles a failed attempt: release resources, count the retry, and
// either schedule the next attempt or give up.
func (ss *session) fail(reason string, err error) {
	ss.teardown()
	ss.lastErr = err
	ss.retries++
	// A volume restart can push retries past the limit on the same source.
	// The source counts as tried once.
	if ss.retries == ss.sup.maxRetries {
		ss.tried++
	}
	if ss.sup.metrics != nil {
		ss.sup.metrics.RecordRetry(ss.ctx, ss.def.Name, reason)
	}

	if ss.tried >= len(ss.def.Streams) {
		ss.terminate(StateFailed, fmt.Errorf("%w: %w", errExhausted, err))
		return
	}

	ss.setState(StateRetrying)
	ss.log().Warn("supervisor: attempt failed, retrying",
		"reason", reason,
		"retries", ss.retries,
		"max_retries", ss.sup.maxRetries,
		"err", err,
	)
	ss.sup.record(ss.event(history.KindRetrying, err.Error()))
	ss.armTimer(timerRetry, ss.sup.retryDelay)
}

// terminate ends the session in final (Stopping or Failed). The registry
// entry is removed before the snapshot reports the final state.
func (ss *session) terminate(final State, cause error) {
	if final == StateStopping {
		ss.setState(StateStopping)
	}
	ss.teardown()
	if err := ss.sink.Close(); err != nil {
		ss.log().Warn("supervisor: close sink", "err", err)
	}
	ss.sup.remove(ss)

	if ss.sup.metrics != nil {
		ss.sup.metrics.RecordEnd(ss.ctx)
	}
	if final == StateFailed {
		ss.lastErr = cause
		ss.setState(StateFailed)
		if ss.sup.metrics != nil {
			reason := "exhausted"
			if errors.Is(cause, errSinkGone) {
				reason = "sink_gone"
			}
			ss.sup.metrics.RecordFailure(ss.ctx, ss.def.Name, reason)
		}
		ss.log().Error("supervisor: session failed", "err", cause)
		ss.sup.record(ss.event(history.KindFailed, cause.Error()))
		return
	}
	ss.log().Info("supervisor: session stopped")
	ss.sup.record(ss.event(history.KindStopped, ""))
}

func (ss *session) onPipeline(ev transcode.Event) {
	switch ev.Type {
	case transcode.EventFirstFrame:
		if ss.state != StateConnecting {
			return
		}
		ss.stopTimer()
		if err := ss.sink.Bind(ev.Frames); err != nil {
			ss.fail("bind", fmt.Errorf("bind sink: %w", err))
			return
		}
		ss.bound = true
		ss.bindSeq++
		ss.retries = 0
		ss.tried = 0
		ss.lastErr = nil
		now := ss.sup.now()
		if ss.startedAt.IsZero() {
			ss.startedAt = now
		}
		if ss.sup.metrics != nil {
			ss.sup.metrics.RecordStartup(ss.ctx, ss.def.Name, now.Sub(ss.attemptAt))
		}
		ss.setState(StatePlaying)
		ss.log().Info("supervisor: playing", "url", ss.def.Streams[ss.index], "startup", now.Sub(ss.attemptAt))
		ss.sup.record(ss.event(history.KindPlaying, ""))
		ss.readyOnce.Do(func() { close(ss.ready) })

	case transcode.EventFailure:
		ss.fail("source_unreachable", ev.Err)

	case transcode.EventEnded:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("pipeline ended with code %d", ev.ExitCode)
		}
		ss.fail("pipeline_ended", err)
	}
}

func (ss *session) onSink(ev audio.SinkEvent) {
	if ev.Type == audio.SinkGone {
		ss.terminate(StateFailed, errSinkGone)
		return
	}
	// Events of an earlier binding arrive after it was replaced or released.
	if !ss.bound || ev.Seq != ss.bindSeq {
		return
	}
	switch ev.Type {
	case audio.SinkIdle:
		ss.fail("sink_idle", errSinkIdle)
	case audio.SinkError:
		err := ev.Err
		if err == nil {
			err = errors.New("sink error")
		}
		ss.fail("sink_error", err)
	}
}

func (ss *session) onTimer(f timerFire) {
	if f.gen != ss.gen {
		return
	}
	ss.cancelTimer = nil

	switch f.kind {
	case timerStartup:
		if ss.state == StateConnecting {
			ss.fail("startup_timeout", errStartupTimeout)
		}
	case timerRetry:
		if ss.state != StateRetrying {
			return
		}
		if ss.retries >= ss.sup.maxRetries {
			ss.rotate("exhausted")
			ss.selectFresh()
		}
		ss.attempt()
	}
}

func (ss *session) onCommand(c command) {
	switch c.kind {
	case cmdStop:
		ss.terminate(StateStopping, nil)

	case cmdNext:
		ss.teardown()
		ss.rotate("next")
		ss.tried = 0
		ss.attempt()

	case cmdVolume:
		ss.volume = c.volume
		ss.teardown()
		ss.log().Info("supervisor: volume changed, restarting source", "volume", c.volume)
		ss.attempt()
	}
	c.reply <- reply{index: ss.index, count: len(ss.def.Streams), volume: ss.volume}
}

// rotate moves to the next source and resets the retry count.
func (ss *session) rotate(cause string) {
	from := ss.index
	ss.index = (ss.index + 1) % len(ss.def.Streams)
	ss.retries = 0
	if ss.sup.metrics != nil {
		ss.sup.metrics.RecordRotation(ss.ctx, ss.def.Name, cause)
	}
	ss.publish()
	ss.log().Info("supervisor: rotated source", "from", from, "cause", cause)
	ss.sup.record(ss.event(history.KindRotated, cause))
}

// selectFresh skips sources the health hint reports down. The skipped
// sources count as tried, and the last untried source is always attempted.
func (ss *session) selectFresh() {
	if ss.sup.health == nil {
		return
	}
	for ss.tried+1 < len(ss.def.Streams) && ss.sup.health.IsLikelyDown(ss.def.Streams[ss.index]) {
		ss.tried++
		ss.rotate("unhealthy")
	}
}

// armTimer schedules a timer of kind after d, replacing any pending one.
func (ss *session) armTimer(kind timerKind, d time.Duration) {
	ss.stopTimer()
	fire := timerFire{gen: ss.gen, kind: kind}
	done := ss.done
	timers := ss.timers
	ss.cancelTimer = ss.sup.afterFunc(d, func() {
		select {
		case timers <- fire:
		case <-done:
		}
	})
}

// stopTimer cancels the pending timer. Bumping gen makes a fire that is
// already in flight stale.
func (ss *session) stopTimer() {
	ss.gen++
	if ss.cancelTimer != nil {
		ss.cancelTimer()
		ss.cancelTimer = nil
	}
}

func (ss *session) event(kind history.Kind, detail string) history.Event {
	return history.Event{
		Channel:     ss.def.Name,
		Kind:        kind,
		SourceIndex: ss.index,
		Source:      ss.def.Streams[ss.index],
		Detail:      detail,
		At:          ss.sup.now(),
	}
}
