// Package transcode runs the external ffmpeg process that turns one source URL
// into a live stream of fixed-format PCM frames.
//
// A [Pipeline] is single-use: it wraps one process for one attempt. Its
// lifecycle is reported on a single event channel:
//
//   - exactly one of [EventFirstFrame] or [EventFailure], then
//   - after [EventFirstFrame], at most one [EventEnded].
//
// Readiness means the process produced its first full frame of output, not
// merely that it spawned. [Pipeline.Stop] kills the process, waits for it,
// and guarantees that no event is emitted after it returns.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

const (
	defaultFFmpegPath  = "ffmpeg"
	defaultLogLevel    = "0"
	defaultFrameBuffer = 50 // one second of audio
	defaultKillTimeout = 2 * time.Second
	stderrLines        = 20
)

// EventType classifies pipeline lifecycle events.
type EventType int

const (
	// EventFirstFrame is emitted once the process produced its first frame.
	EventFirstFrame EventType = iota

	// EventFailure is emitted when the process could not produce any audio.
	EventFailure

	// EventEnded is emitted when a pipeline that produced audio terminates.
	EventEnded
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventFirstFrame:
		return "FIRST_FRAME"
	case EventFailure:
		return "FAILURE"
	case EventEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event is a pipeline lifecycle notification.
type Event struct {
	// Type is the kind of event.
	Type EventType

	// Frames is the frame source, set on [EventFirstFrame]. It is closed when
	// the process output ends or the pipeline is stopped.
	Frames <-chan audio.AudioFrame

	// Err describes the failure for [EventFailure] and abnormal [EventEnded].
	Err error

	// ExitCode is the process exit code for [EventFailure] and [EventEnded];
	// -1 when the process was terminated by a signal.
	ExitCode int
}

// Format is the PCM layout requested from ffmpeg.
type Format struct {
	SampleRate int
	Channels   int
}

// DiscordFormat is 48 kHz stereo, the layout Discord voice expects.
var DiscordFormat = Format{SampleRate: audio.SampleRate, Channels: audio.Channels}

// frameBytes is the size of one 20 ms s16le frame in this format.
func (f Format) frameBytes() int {
	return f.SampleRate / 50 * f.Channels * 2
}

// Config holds tuning knobs for a [Runner]. Zero values select defaults.
type Config struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" (looked up in PATH).
	FFmpegPath string

	// InputArgs are inserted before "-i", e.g. reconnect options for HTTP inputs.
	InputArgs []string

	// LogLevel is passed to ffmpeg's -loglevel. Default: "0" (quiet).
	LogLevel string

	// FrameBuffer is the capacity of the frame channel. Default: 50.
	FrameBuffer int

	// KillTimeout is how long Stop waits after SIGTERM before SIGKILL. Default: 2s.
	KillTimeout time.Duration
}

// CommandFunc builds the command for a pipeline. It matches [exec.Command].
type CommandFunc func(name string, args ...string) *exec.Cmd

// Runner starts pipelines. It is safe for concurrent use.
type Runner struct {
	cfg     Config
	command CommandFunc
}

// Option configures a [Runner].
type Option func(*Runner)

// WithCommandFunc replaces [exec.Command], e.g. to run a test helper process.
func WithCommandFunc(f CommandFunc) Option {
	return func(r *Runner) {
		if f != nil {
			r.command = f
		}
	}
}

// NewRunner creates a Runner with the given config.
func NewRunner(cfg Config, opts ...Option) *Runner {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaultFFmpegPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	r := &Runner{cfg: cfg, command: exec.Command}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Binary returns the configured ffmpeg path.
func (r *Runner) Binary() string {
	return r.cfg.FFmpegPath
}

// Check verifies that the ffmpeg binary can be found. Used by readiness probes.
func (r *Runner) Check(_ context.Context) error {
	if _, err := exec.LookPath(r.cfg.FFmpegPath); err != nil {
		return fmt.Errorf("transcode: ffmpeg not found: %w", err)
	}
	return nil
}

// Args returns the ffmpeg argument list for url.
func (r *Runner) Args(url string, f Format, volume float64) []string {
	args := make([]string, 0, 16+len(r.cfg.InputArgs))
	args = append(args, r.cfg.InputArgs...)
	args = append(args,
		"-i", url,
		"-analyzeduration", "0",
		"-loglevel", r.cfg.LogLevel,
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-af", "volume="+strconv.FormatFloat(volume, 'f', -1, 64),
		"pipe:1",
	)
	return args
}

// Start spawns ffmpeg for url. A returned error means the process could not
// be spawned; every later outcome is reported through [Pipeline.Events].
func (r *Runner) Start(ctx context.Context, url string, f Format, volume float64) (*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		f = DiscordFormat
	}

	cmd := r.command(r.cfg.FFmpegPath, r.Args(url, f, volume)...)
	setProcessGroup(cmd)

	stderr := newLineRing(stderrLines, url)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: start %s: %w", r.cfg.FFmpegPath, err)
	}

	p := &Pipeline{
		url:         url,
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		format:      f,
		events:      make(chan Event, 2),
		frames:      make(chan audio.AudioFrame, r.cfg.FrameBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		killTimeout: r.cfg.KillTimeout,
	}
	slog.Debug("transcode: ffmpeg started", "url", url, "pid", cmd.Process.Pid, "volume", volume)

	go p.run()
	return p, nil
}

// Pipeline is one running ffmpeg process.
type Pipeline struct {
	url    string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *lineRing
	format Format

	events chan Event
	frames chan audio.AudioFrame

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed after the process was reaped

	killTimeout time.Duration
}

// Events returns the pipeline's event channel.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// PID returns the process ID.
func (p *Pipeline) PID() int {
	return p.cmd.Process.Pid
}

// Stop terminates the process and waits until it has been reaped. It is safe
// to call more than once and from multiple goroutines.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		signalGroup(p.cmd, sigTerm)

		select {
		case <-p.done:
		case <-time.After(p.killTimeout):
			slog.Warn("transcode: ffmpeg ignored SIGTERM, killing", "url", p.url, "pid", p.cmd.Process.Pid)
			signalGroup(p.cmd, sigKill)
		}
	})
	<-p.done
}

// run reads fixed-size frames from stdout until the output ends or the
// pipeline is stopped, then reaps the process and reports the outcome.
func (p *Pipeline) run() {
	defer close(p.done)

	produced := p.readFrames()
	close(p.frames)

	waitErr := p.cmd.Wait()
	code := exitCode(waitErr)

	select {
	case <-p.stop:
		return
	default:
	}

	if !produced {
		p.events <- Event{
			Type:     EventFailure,
			Err:      p.failure("exited before producing audio", code, waitErr),
			ExitCode: code,
		}
		return
	}

	ev := Event{Type: EventEnded, ExitCode: code}
	if waitErr != nil {
		ev.Err = p.failure("exited", code, waitErr)
	} else {
		ev.Err = errors.New("transcode: source ended")
	}
	p.events <- ev
}

// readFrames pumps stdout into the frame channel. It reports whether at least
// one frame was produced.
func (p *Pipeline) readFrames() bool {
	size := p.format.frameBytes()
	produced := false
	var ts time.Duration

	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(p.stdout, buf); err != nil {
			return produced
		}
		frame := audio.AudioFrame{
			Data:       buf,
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
			Timestamp:  ts,
		}
		ts += audio.FrameDuration

		if !produced {
			produced = true
			p.events <- Event{Type: EventFirstFrame, Frames: p.frames}
		}

		select {
		case p.frames <- frame:
		case <-p.stop:
			// Unblock ffmpeg if it is still writing; Stop signals the group.
			_ = p.stdout.Close()
			return produced
		}
	}
}

func (p *Pipeline) failure(what string, code int, waitErr error) error {
	msg := fmt.Sprintf("transcode: ffmpeg %s (exit code %d)", what, code)
	if tail := p.stderr.String(); tail != "" {
		msg += ": " + tail
	}
	if waitErr != nil {
		return fmt.Errorf("%s: %w", msg, waitErr)
	}
	return errors.New(msg)
}

// exitCode extracts the process exit code from the error returned by Wait.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
