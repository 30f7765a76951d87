package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
	"github.com/Imranch4/discord-stream-bot/internal/transcode"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
	audiomock "github.com/Imranch4/discord-stream-bot/pkg/audio/mock"
)

const (
	testRetryDelay     = 5 * time.Second
	testStartupTimeout = 10 * time.Second
)

var testTarget = audio.Target{GuildID: "guild-1", ChannelID: "voice-1"}

// ─── Pipelines ────────────────────────────────────────────────────────────────

type behavior int

const (
	behaveHang behavior = iota
	behavePlay
	behaveFail
	behaveSpawnError
)

type fakePipeline struct {
	URL    string
	Volume float64

	starter  *fakeStarter
	events   chan transcode.Event
	frames   chan audio.AudioFrame
	stopOnce sync.Once
	stopped  chan struct{}
}

func (p *fakePipeline) Events() <-chan transcode.Event { return p.events }

func (p *fakePipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.starter.mu.Lock()
		p.starter.live--
		p.starter.mu.Unlock()
	})
}

func (p *fakePipeline) Stopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *fakePipeline) FirstFrame() {
	p.events <- transcode.Event{Type: transcode.EventFirstFrame, Frames: p.frames}
}

func (p *fakePipeline) Fail() {
	p.events <- transcode.Event{Type: transcode.EventFailure, Err: errors.New("connection refused"), ExitCode: 1}
}

func (p *fakePipeline) End() {
	p.events <- transcode.Event{Type: transcode.EventEnded, Err: errors.New("source ended")}
}

// fakeStarter spawns fake pipelines whose first event depends on the URL.
type fakeStarter struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	pipelines []*fakePipeline
	live      int
	maxLive   int
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{behaviors: make(map[string]behavior)}
}

func (f *fakeStarter) Set(url string, b behavior) {
	f.mu.Lock()
	f.behaviors[url] = b
	f.mu.Unlock()
}

func (f *fakeStarter) Start(_ context.Context, url string, volume float64) (supervisor.Pipeline, error) {
	f.mu.Lock()
	b := f.behaviors[url]
	if b == behaveSpawnError {
		f.mu.Unlock()
		return nil, errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	}
	p := &fakePipeline{
		URL:     url,
		Volume:  volume,
		starter: f,
		events:  make(chan transcode.Event, 2),
		frames:  make(chan audio.AudioFrame),
		stopped: make(chan struct{}),
	}
	f.pipelines = append(f.pipelines, p)
	f.live++
	f.maxLive = max(f.maxLive, f.live)
	f.mu.Unlock()

	switch b {
	case behavePlay:
		p.FirstFrame()
	case behaveFail:
		p.Fail()
	}
	return p, nil
}

func (f *fakeStarter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pipelines)
}

func (f *fakeStarter) Last() *fakePipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pipelines) == 0 {
		return nil
	}
	return f.pipelines[len(f.pipelines)-1]
}

func (f *fakeStarter) Live() (live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.maxLive
}

// ─── Timers ───────────────────────────────────────────────────────────────────

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeTimers is a manual [supervisor.AfterFunc]. Nothing fires until the test
// says so.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) func() bool {
	t := &fakeTimer{d: d, f: f}
	ft.mu.Lock()
	ft.timers = append(ft.timers, t)
	ft.mu.Unlock()
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending returns the number of armed timers with duration d.
func (ft *fakeTimers) Pending(d time.Duration) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs every armed timer with duration d.
func (ft *fakeTimers) Fire(d time.Duration) {
	ft.fire(func(t *fakeTimer) bool { return t.d == d && !t.stopped })
}

// ForceFire runs every timer with duration d that has not fired yet,
// including cancelled ones.
func (ft *fakeTimers) ForceFire(d time.Duration) {
	ft.fire(func(t *fakeTimer) bool { return t.d == d })
}

// ForceFireAll runs every timer that has not fired yet, including cancelled ones.
func (ft *fakeTimers) ForceFireAll() {
	ft.fire(func(*fakeTimer) bool { return true })
}

func (ft *fakeTimers) fire(match func(*fakeTimer) bool) {
	ft.mu.Lock()
	var due []func()
	for _, t := range ft.timers {
		if !t.fired && match(t) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	ft.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// ─── Harness ──────────────────────────────────────────────────────────────────

type fakeHint map[string]bool

func (h fakeHint) IsLikelyDown(url string) bool { return h[url] }

type harness struct {
	sup      *supervisor.Supervisor
	catalog  *config.Catalog
	platform *audiomock.Platform
	starter  *fakeStarter
	timers   *fakeTimers
	history  *history.Memory
}

func newHarness(t *testing.T, maxRetries int, channels []config.ChannelConfig, opts ...supervisor.Option) *harness {
	t.Helper()

	h := &harness{
		catalog:  config.NewCatalog(channels),
		platform: &audiomock.Platform{},
		starter:  newFakeStarter(),
		timers:   &fakeTimers{},
		history:  history.NewMemory(100),
	}
	opts = append([]supervisor.Option{
		supervisor.WithAfterFunc(h.timers.AfterFunc),
		supervisor.WithHistory(h.history),
	}, opts...)
	h.sup = supervisor.New(supervisor.Config{
		Catalog:        h.catalog,
		Platform:       h.platform,
		Starter:        h.starter,
		MaxRetries:     maxRetries,
		RetryDelay:     testRetryDelay,
		StartupTimeout: testStartupTimeout,
	}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.sup.Close(ctx)
	})
	return h
}

// newsChannel is a three-source channel.
func newsChannel() config.ChannelConfig {
	return config.ChannelConfig{
		Name:        "news",
		DisplayName: "News Radio",
		Category:    "News",
		Streams:     []string{"http://a.example/live", "http://b.example/live", "http://c.example/live"},
	}
}

type startResult struct {
	sum supervisor.Summary
	err error
}

// startAsync runs Start in the background so the test can drive timers.
func (h *harness) startAsync(ctx context.Context, channel string) <-chan startResult {
	ch := make(chan startResult, 1)
	go func() {
		sum, err := h.sup.Start(ctx, channel, testTarget)
		ch <- startResult{sum, err}
	}()
	return ch
}

// fireRetry waits for the retry timer and fires it.
func (h *harness) fireRetry(t *testing.T) {
	t.Helper()
	waitFor(t, "retry timer armed", func() bool { return h.timers.Pending(testRetryDelay) > 0 })
	h.timers.Fire(testRetryDelay)
}

func (h *harness) waitState(t *testing.T, channel string, want supervisor.State) supervisor.Status {
	t.Helper()
	var st supervisor.Status
	waitFor(t, "state "+want.String(), func() bool {
		var ok bool
		st, ok = h.sup.Status(channel)
		return ok && st.State == want
	})
	return st
}

func receive(t *testing.T, ch <-chan startResult) startResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
		return startResult{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
