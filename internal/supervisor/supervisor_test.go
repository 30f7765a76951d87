package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

func TestStart_UnknownChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})

	_, err := h.sup.Start(t.Context(), "unknown-id", testTarget)
	if !errors.Is(err, supervisor.ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.sup.Active())
	}
	if h.platform.CallCountConnect() != 0 {
		t.Errorf("Connect called %d times, want 0", h.platform.CallCountConnect())
	}
	if h.starter.Count() != 0 {
		t.Errorf("pipelines spawned = %d, want 0", h.starter.Count())
	}
}

func TestStart_UnknownChannelSuggestsName(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})

	_, err := h.sup.Start(t.Context(), "newz", testTarget)
	if !errors.Is(err, supervisor.ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if !strings.Contains(err.Error(), `did you mean "news"`) {
		t.Errorf("err = %q, want a suggestion for news", err)
	}
}

func TestStart_DisabledChannelIsUnknown(t *testing.T) {
	t.Parallel()

	off := false
	ch := newsChannel()
	ch.Enabled = &off
	h := newHarness(t, 3, []config.ChannelConfig{ch})

	if _, err := h.sup.Start(t.Context(), "news", testTarget); !errors.Is(err, supervisor.ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestStart_NoVoiceTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})

	if _, err := h.sup.Start(t.Context(), "news", audio.Target{}); !errors.Is(err, supervisor.ErrNoVoiceTarget) {
		t.Fatalf("err = %v, want ErrNoVoiceTarget", err)
	}
	if h.platform.CallCountConnect() != 0 {
		t.Errorf("Connect called for a zero target")
	}

	h.platform.ConnectError = audio.ErrTargetBusy
	_, err := h.sup.Start(t.Context(), "news", testTarget)
	if !errors.Is(err, supervisor.ErrNoVoiceTarget) || !errors.Is(err, audio.ErrTargetBusy) {
		t.Fatalf("err = %v, want ErrNoVoiceTarget wrapping ErrTargetBusy", err)
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active() = %d after failed connect, want 0", h.sup.Active())
	}
	if h.starter.Count() != 0 {
		t.Errorf("pipelines spawned = %d, want 0", h.starter.Count())
	}
}

func TestStart_PlaysFirstSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)

	sum, err := h.sup.Start(t.Context(), "NEWS", testTarget)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Pending {
		t.Error("Pending = true, want false")
	}
	if sum.State != supervisor.StatePlaying {
		t.Errorf("State = %s, want playing", sum.State)
	}
	if sum.Channel != "news" || sum.DisplayName != "News Radio" {
		t.Errorf("Channel/DisplayName = %q/%q", sum.Channel, sum.DisplayName)
	}
	if sum.Index != 1 || sum.Count != 3 {
		t.Errorf("Index/Count = %d/%d, want 1/3", sum.Index, sum.Count)
	}
	if sum.Volume != config.DefaultVolume {
		t.Errorf("Volume = %v, want %v", sum.Volume, config.DefaultVolume)
	}
	if sum.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
	if sum.Target != testTarget {
		t.Errorf("Target = %v, want %v", sum.Target, testTarget)
	}

	sink := h.platform.LastSink()
	if !sink.Bound() {
		t.Error("sink not bound")
	}
	if got := h.platform.ConnectCalls[0].Target; got != testTarget {
		t.Errorf("Connect target = %v, want %v", got, testTarget)
	}
}

func TestStart_AlreadyActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)

	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := h.sup.Start(t.Context(), "news", testTarget)
	if !errors.Is(err, supervisor.ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
	if h.starter.Count() != 1 {
		t.Errorf("pipelines spawned = %d, want 1", h.starter.Count())
	}
}

func TestStart_PendingOnStartupTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})

	res := h.startAsync(t.Context(), "news")
	// Start's own wait and the first attempt's startup timer.
	waitFor(t, "startup timers armed", func() bool { return h.timers.Pending(testStartupTimeout) >= 2 })
	h.timers.Fire(testStartupTimeout)

	r := receive(t, res)
	if r.err != nil {
		t.Fatalf("Start: %v", r.err)
	}
	if !r.sum.Pending {
		t.Errorf("Pending = false, want true (state %s)", r.sum.State)
	}
	if h.sup.Active() != 1 {
		t.Errorf("Active() = %d, want 1; a slow start keeps the session", h.sup.Active())
	}

	st := h.waitState(t, "news", supervisor.StateRetrying)
	if !strings.Contains(st.LastError, "startup timeout") {
		t.Errorf("LastError = %q, want startup timeout", st.LastError)
	}
	if !h.starter.Last().Stopped() {
		t.Error("timed out pipeline was not stopped")
	}
}

func TestSingleSourceFailsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{{
		Name:    "solo",
		Streams: []string{"http://solo.example/live"},
	}})
	h.starter.Set("http://solo.example/live", behaveFail)

	res := h.startAsync(t.Context(), "solo")
	h.fireRetry(t) // after failure 1
	h.fireRetry(t) // after failure 2

	r := receive(t, res)
	if r.err != nil {
		t.Fatalf("Start: %v", r.err)
	}
	if r.sum.State != supervisor.StateFailed {
		t.Fatalf("State = %s, want failed", r.sum.State)
	}
	if !strings.Contains(r.sum.LastError, "all sources exhausted") {
		t.Errorf("LastError = %q", r.sum.LastError)
	}
	if h.starter.Count() != 3 {
		t.Errorf("attempts = %d, want 3", h.starter.Count())
	}
	if _, ok := h.sup.Status("solo"); ok {
		t.Error("failed session still registered")
	}
	if !h.platform.LastSink().Closed() {
		t.Error("sink not closed after failure")
	}
	if live, _ := h.starter.Live(); live != 0 {
		t.Errorf("live pipelines = %d, want 0", live)
	}

	events, err := h.history.Recent(t.Context(), "solo", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != history.KindFailed {
		t.Errorf("last history event = %+v, want failed", events)
	}
}

func TestFailoverScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)
	h.starter.Set("http://b.example/live", behavePlay)
	h.starter.Set("http://c.example/live", behavePlay)

	res := h.startAsync(t.Context(), "news")
	h.fireRetry(t) // A attempt 2
	h.fireRetry(t) // rotate to B

	r := receive(t, res)
	if r.err != nil {
		t.Fatalf("Start: %v", r.err)
	}
	if r.sum.State != supervisor.StatePlaying {
		t.Fatalf("State = %s, want playing", r.sum.State)
	}
	if r.sum.Index != 2 {
		t.Errorf("Index = %d, want 2 (source B)", r.sum.Index)
	}
	if r.sum.Retries != 0 {
		t.Errorf("Retries = %d, want 0", r.sum.Retries)
	}

	idx, count, err := h.sup.Next(t.Context(), "news")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if idx != 3 || count != 3 {
		t.Errorf("Next = %d/%d, want 3/3", idx, count)
	}
	st := h.waitState(t, "news", supervisor.StatePlaying)
	if st.Index != 3 || st.Retries != 0 {
		t.Errorf("after Next: Index=%d Retries=%d, want 3 and 0", st.Index, st.Retries)
	}
	if got := h.starter.Last().URL; got != "http://c.example/live" {
		t.Errorf("last pipeline URL = %q, want source C", got)
	}
	if _, maxLive := h.starter.Live(); maxLive != 1 {
		t.Errorf("max live pipelines = %d, want 1", maxLive)
	}
}

func TestRetryCountResetsOnRotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)
	h.starter.Set("http://b.example/live", behaveHang)

	h.startAsync(t.Context(), "news")
	h.fireRetry(t)

	waitFor(t, "second failure on source A", func() bool {
		st, _ := h.sup.Status("news")
		return st.State == supervisor.StateRetrying && st.Retries == 2
	})
	if st, _ := h.sup.Status("news"); st.Index != 1 {
		t.Fatalf("before rotation: Index=%d, want 1", st.Index)
	}

	h.fireRetry(t)
	st := h.waitState(t, "news", supervisor.StateConnecting)
	if st.Index != 2 || st.Retries != 0 {
		t.Errorf("after rotation: Index=%d Retries=%d, want 2 and 0", st.Index, st.Retries)
	}
}

func TestNext_RoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	for _, u := range newsChannel().Streams {
		h.starter.Set(u, behavePlay)
	}
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var idx int
	for range 3 {
		var err error
		idx, _, err = h.sup.Next(t.Context(), "news")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if idx != 1 {
		t.Errorf("index after 3 Next calls = %d, want 1", idx)
	}
	if h.starter.Count() != 4 {
		t.Errorf("pipelines = %d, want 4", h.starter.Count())
	}
	if live, maxLive := h.starter.Live(); live != 1 || maxLive != 1 {
		t.Errorf("live/max = %d/%d, want 1/1", live, maxLive)
	}
}

func TestNext_NoActiveSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})

	if _, _, err := h.sup.Next(t.Context(), "news"); !errors.Is(err, supervisor.ErrNoActiveSession) {
		t.Errorf("Next err = %v, want ErrNoActiveSession", err)
	}
	if _, err := h.sup.SetVolume(t.Context(), "news", 1); !errors.Is(err, supervisor.ErrNoActiveSession) {
		t.Errorf("SetVolume err = %v, want ErrNoActiveSession", err)
	}
}

func TestSetVolume_ClampsAndRestartsSameSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.starter.Last()

	got, err := h.sup.SetVolume(t.Context(), "news", 5.0)
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got != config.MaxVolume {
		t.Errorf("SetVolume = %v, want %v", got, config.MaxVolume)
	}
	st, ok := h.sup.Status("news")
	if !ok {
		t.Fatal("Status: session missing")
	}
	if st.Volume != 2.0 {
		t.Errorf("status volume = %v, want 2.0", st.Volume)
	}
	if st.Index != 1 {
		t.Errorf("Index = %d, want 1 (same source)", st.Index)
	}
	if !first.Stopped() {
		t.Error("previous pipeline not stopped")
	}
	last := h.starter.Last()
	if last.URL != first.URL || last.Volume != 2.0 {
		t.Errorf("restart = %s @ %v, want %s @ 2.0", last.URL, last.Volume, first.URL)
	}

	if got, _ := h.sup.SetVolume(t.Context(), "news", 0.01); got != config.MinVolume {
		t.Errorf("SetVolume(0.01) = %v, want %v", got, config.MinVolume)
	}
}

func TestSetVolume_WhileRetryingStillReachesBackups(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)
	h.starter.Set("http://b.example/live", behaveFail)
	h.starter.Set("http://c.example/live", behavePlay)

	res := h.startAsync(t.Context(), "news")
	h.waitState(t, "news", supervisor.StateRetrying)

	got, err := h.sup.SetVolume(t.Context(), "news", 1.5)
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got != 1.5 {
		t.Errorf("SetVolume = %v, want 1.5", got)
	}

	h.fireRetry(t) // A restarted at the new volume and failed again; rotate to B
	h.fireRetry(t) // rotate to C

	r := receive(t, res)
	if r.err != nil {
		t.Fatalf("Start: %v", r.err)
	}
	if r.sum.State != supervisor.StatePlaying {
		t.Fatalf("State = %s (%s), want playing", r.sum.State, r.sum.LastError)
	}
	if r.sum.Index != 3 {
		t.Errorf("Index = %d, want 3 (source C)", r.sum.Index)
	}
	if h.starter.Count() != 4 {
		t.Errorf("attempts = %d, want 4 (a, a, b, c)", h.starter.Count())
	}
	last := h.starter.Last()
	if last.URL != "http://c.example/live" || last.Volume != 1.5 {
		t.Errorf("last pipeline = %s @ %v, want source C @ 1.5", last.URL, last.Volume)
	}
}

func TestSetVolume_NaNUsesDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := h.sup.SetVolume(t.Context(), "news", math.NaN())
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got != config.DefaultVolume {
		t.Errorf("SetVolume(NaN) = %v, want %v", got, config.DefaultVolume)
	}
	if v := h.starter.Last().Volume; v != config.DefaultVolume {
		t.Errorf("pipeline volume = %v, want %v", v, config.DefaultVolume)
	}
	st := h.waitState(t, "news", supervisor.StatePlaying)
	if _, err := json.Marshal(st); err != nil {
		t.Errorf("json.Marshal(status): %v", err)
	}
}

func TestNext_WhileRetryingCancelsRetryTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)
	h.starter.Set("http://b.example/live", behavePlay)

	res := h.startAsync(t.Context(), "news")
	waitFor(t, "retry timer armed", func() bool { return h.timers.Pending(testRetryDelay) > 0 })

	idx, _, err := h.sup.Next(t.Context(), "news")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if idx != 2 {
		t.Errorf("Next index = %d, want 2", idx)
	}

	r := receive(t, res)
	if r.err != nil {
		t.Fatalf("Start: %v", r.err)
	}
	if r.sum.State != supervisor.StatePlaying || r.sum.Index != 2 {
		t.Fatalf("Start = %s at %d, want playing at 2", r.sum.State, r.sum.Index)
	}
	if h.timers.Pending(testRetryDelay) != 0 {
		t.Error("retry timer still armed after Next")
	}

	spawned := h.starter.Count()
	h.timers.ForceFire(testRetryDelay)
	time.Sleep(50 * time.Millisecond)

	if h.starter.Count() != spawned {
		t.Errorf("pipelines = %d after late retry timer, want %d", h.starter.Count(), spawned)
	}
	st, ok := h.sup.Status("news")
	if !ok {
		t.Fatal("Status: session missing")
	}
	if st.State != supervisor.StatePlaying || st.Index != 2 || st.Retries != 0 {
		t.Errorf("after late timer: %s at %d with %d retries, want playing at 2 with 0", st.State, st.Index, st.Retries)
	}
	if live, _ := h.starter.Live(); live != 1 {
		t.Errorf("live pipelines = %d, want 1", live)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)

	stopped, err := h.sup.Stop(t.Context(), "news")
	if err != nil || len(stopped) != 0 {
		t.Fatalf("Stop without session = %v, %v; want nothing stopped", stopped, err)
	}

	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pipe := h.starter.Last()
	sink := h.platform.LastSink()

	stopped, err = h.sup.Stop(t.Context(), "news")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(stopped) != 1 || stopped[0] != "news" {
		t.Errorf("stopped = %v, want [news]", stopped)
	}
	// Teardown is synchronous.
	if !pipe.Stopped() {
		t.Error("pipeline still running after Stop returned")
	}
	if !sink.Closed() || sink.Bound() {
		t.Error("sink not released after Stop returned")
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.sup.Active())
	}

	stopped, err = h.sup.Stop(t.Context(), "news")
	if err != nil || len(stopped) != 0 {
		t.Errorf("second Stop = %v, %v; want nothing stopped", stopped, err)
	}

	// The channel can be started again.
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
}

func TestStop_CancelsPendingRetryTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)

	res := h.startAsync(t.Context(), "news")
	waitFor(t, "retry timer armed", func() bool { return h.timers.Pending(testRetryDelay) > 0 })

	if _, err := h.sup.Stop(t.Context(), "news"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	receive(t, res)
	if h.timers.Pending(testRetryDelay) != 0 {
		t.Error("retry timer still armed after Stop")
	}

	spawned := h.starter.Count()
	h.timers.ForceFireAll()
	time.Sleep(50 * time.Millisecond)

	if h.starter.Count() != spawned {
		t.Errorf("pipelines = %d after late timer, want %d", h.starter.Count(), spawned)
	}
	if _, ok := h.sup.Status("news"); ok {
		t.Error("session reappeared after late timer")
	}
	if live, _ := h.starter.Live(); live != 0 {
		t.Errorf("live pipelines = %d, want 0", live)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	sports := config.ChannelConfig{Name: "sports", Streams: []string{"http://sports.example/live"}}
	h := newHarness(t, 3, []config.ChannelConfig{newsChannel(), sports})
	h.starter.Set("http://a.example/live", behavePlay)
	h.starter.Set("http://sports.example/live", behavePlay)

	for _, name := range []string{"sports", "news"} {
		if _, err := h.sup.Start(t.Context(), name, testTarget); err != nil {
			t.Fatalf("Start %s: %v", name, err)
		}
	}
	if got := len(h.sup.StatusAll()); got != 2 {
		t.Fatalf("StatusAll len = %d, want 2", got)
	}

	stopped := h.sup.StopAll(t.Context())
	if len(stopped) != 2 || stopped[0] != "news" || stopped[1] != "sports" {
		t.Errorf("StopAll = %v, want [news sports]", stopped)
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.sup.Active())
	}
}

func TestClose_RejectsStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.sup.Close(t.Context())

	if _, err := h.sup.Start(t.Context(), "news", testTarget); !errors.Is(err, supervisor.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSinkGone_FailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.platform.LastSink().Emit(audio.SinkEvent{Type: audio.SinkGone})
	waitFor(t, "session removed", func() bool { return h.sup.Active() == 0 })

	if h.starter.Count() != 1 {
		t.Errorf("pipelines = %d, want 1 (no retry)", h.starter.Count())
	}
	if h.timers.Pending(testRetryDelay) != 0 {
		t.Error("retry scheduled after sink gone")
	}
	if !h.platform.LastSink().Closed() {
		t.Error("sink not closed")
	}
}

func TestSinkIdle_RetriesAndIgnoresStaleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink := h.platform.LastSink()

	// An event from an older binding.
	sink.Emit(audio.SinkEvent{Type: audio.SinkIdle, Seq: sink.Seq() + 7})
	sink.Emit(audio.SinkEvent{Type: audio.SinkError, Err: errors.New("udp write: broken pipe")})

	st := h.waitState(t, "news", supervisor.StateRetrying)
	if st.Retries != 1 || st.Index != 1 {
		t.Errorf("Retries=%d Index=%d, want 1 and 1", st.Retries, st.Index)
	}
	if !strings.Contains(st.LastError, "broken pipe") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if sink.Bound() {
		t.Error("sink still bound while retrying")
	}

	h.fireRetry(t)
	st = h.waitState(t, "news", supervisor.StatePlaying)
	if st.Retries != 0 {
		t.Errorf("Retries = %d after recovery, want 0", st.Retries)
	}
	if sink.CallCountBind != 2 {
		t.Errorf("Bind calls = %d, want 2", sink.CallCountBind)
	}
}

func TestPipelineEnded_RetriesSameSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.starter.Last().End()
	h.waitState(t, "news", supervisor.StateRetrying)
	h.fireRetry(t)

	st := h.waitState(t, "news", supervisor.StatePlaying)
	if st.Index != 1 {
		t.Errorf("Index = %d, want 1", st.Index)
	}
	if got := h.starter.Last().URL; got != "http://a.example/live" {
		t.Errorf("retry URL = %q, want source A", got)
	}
}

func TestSpawnErrorCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveSpawnError)
	h.starter.Set("http://b.example/live", behavePlay)

	res := h.startAsync(t.Context(), "news")
	h.fireRetry(t)

	r := receive(t, res)
	if r.sum.State != supervisor.StatePlaying || r.sum.Index != 2 {
		t.Errorf("State=%s Index=%d, want playing on 2", r.sum.State, r.sum.Index)
	}
}

func TestHealthHint_SkipsDownSources(t *testing.T) {
	t.Parallel()

	hint := fakeHint{"http://a.example/live": true}
	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()}, supervisor.WithHealthHint(hint))
	for _, u := range newsChannel().Streams {
		h.starter.Set(u, behavePlay)
	}

	sum, err := h.sup.Start(t.Context(), "news", testTarget)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Index != 2 {
		t.Errorf("Index = %d, want 2 (source A skipped)", sum.Index)
	}
	if h.starter.Count() != 1 {
		t.Errorf("pipelines = %d, want 1", h.starter.Count())
	}
}

func TestHealthHint_LastSourceStillAttempted(t *testing.T) {
	t.Parallel()

	hint := fakeHint{
		"http://a.example/live": true,
		"http://b.example/live": true,
		"http://c.example/live": true,
	}
	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()}, supervisor.WithHealthHint(hint))
	h.starter.Set("http://c.example/live", behavePlay)

	sum, err := h.sup.Start(t.Context(), "news", testTarget)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.State != supervisor.StatePlaying || sum.Index != 3 {
		t.Errorf("State=%s Index=%d, want playing on 3", sum.State, sum.Index)
	}
}

func TestStatus_Uptime(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()}, supervisor.WithClock(clock))
	h.starter.Set("http://a.example/live", behavePlay)
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	now = now.Add(90 * time.Second)
	mu.Unlock()

	st, _ := h.sup.Status("news")
	if time.Duration(st.Uptime) != 90*time.Second {
		t.Errorf("Uptime = %v, want 1m30s", st.Uptime)
	}
	if st.Uptime.String() != "1m30s" {
		t.Errorf("Uptime.String() = %q", st.Uptime.String())
	}
}

func TestHistory_RecordsLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, []config.ChannelConfig{newsChannel()})
	h.starter.Set("http://a.example/live", behaveFail)
	h.starter.Set("http://b.example/live", behavePlay)

	res := h.startAsync(t.Context(), "news")
	h.fireRetry(t)
	receive(t, res)
	if _, err := h.sup.Stop(t.Context(), "news"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events, err := h.history.Recent(t.Context(), "news", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []history.Kind{history.KindStopped, history.KindPlaying, history.KindRotated, history.KindRetrying, history.KindStarted}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want kinds %v", events, want)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("events[%d].Kind = %s, want %s", i, events[i].Kind, k)
		}
	}
}

func TestConcurrentControl_OnePipelineAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []config.ChannelConfig{newsChannel()})
	for _, u := range newsChannel().Streams {
		h.starter.Set(u, behavePlay)
	}
	if _, err := h.sup.Start(t.Context(), "news", testTarget); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_, _, _ = h.sup.Next(ctx, "news")
			case 1:
				_, _ = h.sup.SetVolume(ctx, "news", float64(i)/10)
			default:
				_, _ = h.sup.Status("news")
				_ = h.sup.StatusAll()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.sup.Stop(ctx, "news")
	}()
	wg.Wait()

	if _, maxLive := h.starter.Live(); maxLive != 1 {
		t.Errorf("max live pipelines = %d, want 1", maxLive)
	}
	if live, _ := h.starter.Live(); live != 0 {
		t.Errorf("live pipelines after Stop = %d, want 0", live)
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.sup.Active())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    supervisor.State
		want string
	}{
		{supervisor.StateConnecting, "connecting"},
		{supervisor.StatePlaying, "playing"},
		{supervisor.StateRetrying, "retrying"},
		{supervisor.StateStopping, "stopping"},
		{supervisor.StateFailed, "failed"},
		{supervisor.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestState_UnmarshalText(t *testing.T) {
	t.Parallel()

	var s supervisor.State
	if err := s.UnmarshalText([]byte("retrying")); err != nil || s != supervisor.StateRetrying {
		t.Errorf("UnmarshalText(retrying) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Error("UnmarshalText(paused) succeeded, want error")
	}
}
