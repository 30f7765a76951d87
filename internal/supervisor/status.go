package supervisor

import (
	"time"

	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

// Status is a point-in-time snapshot of one session.
type Status struct {
	Channel     string       `json:"channel"`
	DisplayName string       `json:"display_name"`
	Category    string       `json:"category,omitempty"`
	State       State        `json:"state"`
	Index       int          `json:"index"` // 1-based
	Count       int          `json:"count"`
	Source      string       `json:"source"`
	Volume      float64      `json:"volume"`
	// Retries counts failed attempts on the current source. It resets when
	// the source changes and on every transition to Playing, so a source
	// that played and then dropped starts a fresh retry budget.
	Retries     int          `json:"retries"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	Uptime      Duration     `json:"uptime"`
	Target      audio.Target `json:"target"`
	LastError   string       `json:"last_error,omitempty"`
}

// Summary is the result of a successful Start.
type Summary struct {
	Status

	// Pending is true when Start returned on the startup timeout before the
	// first audio frame. The session keeps trying in the background.
	Pending bool `json:"pending"`
}

// Duration is a [time.Duration] that encodes as a rounded string ("1h2m3s").
type Duration time.Duration

// String formats d rounded to the second.
func (d Duration) String() string {
	return time.Duration(d).Round(time.Second).String()
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
