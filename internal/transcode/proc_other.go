//go:build !unix

package transcode

import "os/exec"

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup kills the process. Platforms without process groups have no
// graceful termination signal.
func signalGroup(cmd *exec.Cmd, _ signal) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
