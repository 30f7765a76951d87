package transcode

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// lineRing keeps the last n lines written to it. ffmpeg's stderr is attached
// to it so that failure events can carry the process's last words.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial []byte
	url     string
}

func newLineRing(n int, url string) *lineRing {
	return &lineRing{max: n, url: url}
}

// Write implements io.Writer.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial = append(r.partial, p...)
	for {
		i := bytes.IndexByte(r.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(r.partial[:i]))
		r.partial = r.partial[i+1:]
		if line == "" {
			continue
		}
		slog.Debug("transcode: ffmpeg", "url", r.url, "line", line)
		r.lines = append(r.lines, line)
		if len(r.lines) > r.max {
			r.lines = r.lines[len(r.lines)-r.max:]
		}
	}
	return len(p), nil
}

// String returns the retained lines joined by "; ", including any trailing
// unterminated line.
func (r *lineRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]string(nil), r.lines...)
	if tail := strings.TrimSpace(string(r.partial)); tail != "" {
		out = append(out, tail)
	}
	return strings.Join(out, "; ")
}
