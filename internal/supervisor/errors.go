package supervisor

import "errors"

// Caller errors. They are returned synchronously and never retried; every
// streaming failure is handled inside the session and surfaces through
// [Supervisor.Status] instead.
var (
	// ErrUnknownChannel is returned by Start when no enabled channel matches.
	ErrUnknownChannel = errors.New("supervisor: unknown channel")

	// ErrAlreadyActive is returned by Start when the channel already has a
	// session.
	ErrAlreadyActive = errors.New("supervisor: channel already active")

	// ErrNoActiveSession is returned by Next and SetVolume when the channel
	// has no session.
	ErrNoActiveSession = errors.New("supervisor: no active session")

	// ErrNoVoiceTarget is returned by Start when no voice target was given or
	// the platform could not open it.
	ErrNoVoiceTarget = errors.New("supervisor: no voice target")

	// ErrClosed is returned by Start after Close was called.
	ErrClosed = errors.New("supervisor: closed")
)

// Runtime failure causes recorded as a session's last error.
var (
	errStartupTimeout = errors.New("no audio before startup timeout")
	errSinkIdle       = errors.New("sink went idle")
	errSinkGone       = errors.New("voice destination is gone")
	errExhausted      = errors.New("all sources exhausted")
)
