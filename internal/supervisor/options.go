package supervisor

import (
	"context"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/observe"
	"github.com/Imranch4/discord-stream-bot/internal/transcode"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// Catalog resolves channel identifiers. [config.Catalog] satisfies it.
type Catalog interface {
	// Lookup returns the enabled channel with the given identifier.
	Lookup(name string) (config.ChannelConfig, bool)

	// Suggest returns the closest enabled channel name, or "".
	Suggest(name string) string
}

// Pipeline is one running transcode attempt. [*transcode.Pipeline]
// satisfies it.
type Pipeline interface {
	// Events delivers exactly one FirstFrame or Failure, then at most one Ended.
	Events() <-chan transcode.Event

	// Stop kills the attempt and waits for it. No event is delivered after
	// Stop returns. Safe to call more than once.
	Stop()
}

// PipelineStarter spawns pipelines.
type PipelineStarter interface {
	// Start spawns a pipeline for url at the given volume. An error means the
	// process could not be spawned.
	Start(ctx context.Context, url string, volume float64) (Pipeline, error)
}

// FromRunner adapts r to a [PipelineStarter] producing Discord PCM.
func FromRunner(r *transcode.Runner) PipelineStarter {
	return runnerStarter{r: r}
}

type runnerStarter struct {
	r *transcode.Runner
}

func (rs runnerStarter) Start(ctx context.Context, url string, volume float64) (Pipeline, error) {
	p, err := rs.r.Start(ctx, url, transcode.DiscordFormat, volume)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// HealthHint reports sources that an out-of-band prober considers down.
// [*health.Advisor] satisfies it.
type HealthHint interface {
	IsLikelyDown(url string) bool
}

// AfterFunc schedules f after d and returns a function that cancels it.
// It matches the shape of [time.AfterFunc].
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Config holds the dependencies and retry policy of a [Supervisor].
type Config struct {
	// Catalog resolves channel identifiers. Required.
	Catalog Catalog

	// Platform opens voice targets. Required.
	Platform audio.Platform

	// Starter spawns transcode pipelines. Required.
	Starter PipelineStarter

	// MaxRetries is the number of failed attempts on one source before
	// rotating. Default: 3.
	MaxRetries int

	// RetryDelay is the pause before the next attempt. Default: 5s.
	RetryDelay time.Duration

	// StartupTimeout bounds the wait for the first frame of an attempt.
	// Default: 10s.
	StartupTimeout time.Duration
}

// Option configures optional collaborators of a [Supervisor].
type Option func(*Supervisor)

// WithHealthHint consults h before attempting a freshly selected source.
func WithHealthHint(h HealthHint) Option {
	return func(s *Supervisor) { s.health = h }
}

// WithHistory records session lifecycle events to r.
func WithHistory(r history.Recorder) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.history = r
		}
	}
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithAfterFunc replaces the timer implementation. Tests use it to fire
// startup and retry timers by hand.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

// WithClock replaces time.Now for uptime bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}
