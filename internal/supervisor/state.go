package supervisor

import "fmt"

// State is the lifecycle state of a channel session.
type State int

const (
	// StateConnecting means a pipeline was spawned and has not produced audio.
	StateConnecting State = iota

	// StatePlaying means frames are flowing into the bound sink.
	StatePlaying

	// StateRetrying means the last attempt failed and the session waits out
	// the retry delay.
	StateRetrying

	// StateStopping means teardown is in progress.
	StateStopping

	// StateFailed is terminal: every source was exhausted or the sink is gone.
	// A failed session is already removed from the registry.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePlaying:
		return "playing"
	case StateRetrying:
		return "retrying"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so states encode by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	for st := StateConnecting; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("supervisor: unknown state %q", b)
}
