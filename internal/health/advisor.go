package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Imranch4/discord-stream-bot/internal/observe"
	"github.com/Imranch4/discord-stream-bot/internal/resilience"
)

const (
	defaultSchedule     = "@every 1m"
	defaultProbeTimeout = 10 * time.Second
	defaultConcurrency  = 8
)

// AdvisorConfig holds tuning knobs for an [Advisor]. Zero values select defaults.
type AdvisorConfig struct {
	// Schedule is a cron spec or descriptor. Default: "@every 1m".
	Schedule string

	// ProbeTimeout bounds one HTTP probe. Default: 10s.
	ProbeTimeout time.Duration

	// Concurrency caps simultaneous probes. Default: 8.
	Concurrency int

	// FailureThreshold is the number of consecutive failed probes after which
	// a source is reported down. Default: 1.
	FailureThreshold int
}

// SourceStatus is the last known probe result for one source URL.
type SourceStatus struct {
	URL         string    `json:"url"`
	Down        bool      `json:"down"`
	LastProbe   time.Time `json:"last_probe,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	BreakerOpen bool      `json:"breaker_open"`

	// Unknown is set for sources the advisor cannot probe over HTTP, such as
	// rtmp:// URLs or local files. They are never reported down.
	Unknown bool `json:"unknown,omitempty"`
}

// Advisor probes stream sources out of band and reports which are likely down.
// Its verdict is only a hint: the supervisor still tries a source the advisor
// considers down when it is the last one left.
//
// Each source URL has its own [resilience.CircuitBreaker]. A source is
// reported down once its breaker opened and until a probe closes it again.
type Advisor struct {
	sources func() []string
	cfg     AdvisorConfig
	client  *http.Client
	metrics *observe.Metrics
	now     func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	status   map[string]*SourceStatus
	cooldown time.Duration
}

// AdvisorOption configures an [Advisor].
type AdvisorOption func(*Advisor)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) AdvisorOption {
	return func(a *Advisor) {
		if c != nil {
			a.client = c
		}
	}
}

// WithMetrics records probe results on m.
func WithMetrics(m *observe.Metrics) AdvisorOption {
	return func(a *Advisor) { a.metrics = m }
}

// WithClock replaces time.Now for breaker bookkeeping.
func WithClock(now func() time.Time) AdvisorOption {
	return func(a *Advisor) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdvisor creates an Advisor that probes the URLs returned by sources.
// sources is called before every probe round so catalog reloads are picked up.
func NewAdvisor(sources func() []string, cfg AdvisorConfig, opts ...AdvisorOption) (*Advisor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}

	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("health: parse schedule %q: %w", cfg.Schedule, err)
	}

	a := &Advisor{
		sources:  sources,
		cfg:      cfg,
		client:   &http.Client{},
		now:      time.Now,
		breakers: make(map[string]*resilience.CircuitBreaker),
		status:   make(map[string]*SourceStatus),
	}
	for _, opt := range opts {
		opt(a)
	}

	// An open breaker must be half-open again by the next round, so every
	// round probes every source.
	first := sched.Next(a.now())
	a.cooldown = max(sched.Next(first).Sub(first)/2, time.Second)

	a.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := a.cron.AddFunc(cfg.Schedule, a.runScheduled); err != nil {
		return nil, fmt.Errorf("health: schedule probes: %w", err)
	}
	return a, nil
}

// Start begins scheduled probing and runs one round immediately in the
// background.
func (a *Advisor) Start() {
	a.cron.Start()
	go a.runScheduled()
	slog.Info("health: source prober started", "schedule", a.cfg.Schedule)
}

// Stop halts the schedule and waits for a running round to finish or ctx to
// expire.
func (a *Advisor) Stop(ctx context.Context) {
	done := a.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (a *Advisor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ProbeTimeout*2)
	defer cancel()
	a.ProbeAll(ctx)
}

// ProbeAll probes every current source once, at most Concurrency at a time.
func (a *Advisor) ProbeAll(ctx context.Context) {
	urls := slices.Compact(slices.Sorted(slices.Values(a.sources())))
	a.prune(urls)

	g := new(errgroup.Group)
	g.SetLimit(a.cfg.Concurrency)
	for _, u := range urls {
		if !probeable(u) {
			a.markUnknown(u)
			continue
		}
		g.Go(func() error {
			a.probeOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne runs a single probe through the source's breaker.
func (a *Advisor) probeOne(ctx context.Context, url string) {
	cb := a.breaker(url)

	var code int
	err := cb.Execute(func() error {
		var perr error
		code, perr = a.probe(ctx, url)
		return perr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	if a.metrics != nil {
		a.metrics.RecordProbe(ctx, err == nil)
	}

	a.mu.Lock()
	st := a.statusLocked(url)
	st.LastProbe = a.now()
	st.StatusCode = code
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	a.mu.Unlock()
}

// probeable reports whether url can be checked with an HTTP GET.
func probeable(url string) bool {
	u, err := neturl.Parse(url)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (a *Advisor) markUnknown(url string) {
	a.mu.Lock()
	st := a.statusLocked(url)
	if !st.Unknown {
		slog.Debug("health: source cannot be probed over http", "url", url)
	}
	st.Unknown = true
	st.Down = false
	a.mu.Unlock()
}

// probe issues a GET and treats any status below 400 as healthy. Only the
// headers are read; live streams never finish their body.
func (a *Advisor) probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Icy-MetaData", "0")
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 512)
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("health: %s returned %s", url, resp.Status)
	}
	return resp.StatusCode, nil
}

// IsLikelyDown reports whether the last probes of url failed.
func (a *Advisor) IsLikelyDown(url string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.status[url]
	return ok && st.Down
}

// Snapshot returns the status of every probed source, sorted by URL.
func (a *Advisor) Snapshot() []SourceStatus {
	a.mu.Lock()
	out := make([]SourceStatus, 0, len(a.status))
	for _, st := range a.status {
		out = append(out, *st)
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(a.breakers))
	for u, cb := range a.breakers {
		breakers[u] = cb
	}
	a.mu.Unlock()

	for i := range out {
		if cb, ok := breakers[out[i].URL]; ok {
			out[i].BreakerOpen = cb.IsOpen()
		}
	}
	slices.SortFunc(out, func(x, y SourceStatus) int {
		switch {
		case x.URL < y.URL:
			return -1
		case x.URL > y.URL:
			return 1
		}
		return 0
	})
	return out
}

func (a *Advisor) breaker(url string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cb, ok := a.breakers[url]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          url,
		MaxFailures:   a.cfg.FailureThreshold,
		ResetTimeout:  a.cooldown,
		HalfOpenMax:   1,
		Now:           a.now,
		OnStateChange: a.onStateChange,
	})
	a.breakers[url] = cb
	return cb
}

// onStateChange maintains the down flag. Half-open keeps the previous verdict
// until the probe settles.
func (a *Advisor) onStateChange(url string, from, to resilience.State) {
	a.mu.Lock()
	st := a.statusLocked(url)
	switch to {
	case resilience.StateOpen:
		if !st.Down {
			slog.Warn("health: source offline", "url", url)
		}
		st.Down = true
	case resilience.StateClosed:
		if st.Down {
			slog.Info("health: source back online", "url", url)
		}
		st.Down = false
	}
	a.mu.Unlock()
}

// statusLocked returns the status entry for url, creating it. Must be called
// with a.mu held.
func (a *Advisor) statusLocked(url string) *SourceStatus {
	st, ok := a.status[url]
	if !ok {
		st = &SourceStatus{URL: url}
		a.status[url] = st
	}
	return st
}

// prune forgets sources that are no longer configured.
func (a *Advisor) prune(urls []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for u := range a.breakers {
		if _, found := slices.BinarySearch(urls, u); !found {
			delete(a.breakers, u)
		}
	}
	for u := range a.status {
		if _, found := slices.BinarySearch(urls, u); !found {
			delete(a.status, u)
		}
	}
}
