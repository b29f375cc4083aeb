// Package bridge is the auxiliary process that gives a command a real
// terminal on POSIX hosts.
//
// The host starts its own executable with the Subcommand argument. The bridge
// opens a pseudo-terminal, starts the target command on the slave side, and
// then relays bytes between the pty master and its own stdin/stdout while
// watching descriptor 3 for resize messages (see package control).
package bridge

import (
	"errors"
	"os/exec"
)

// Subcommand is the hidden argv[1] that switches the host binary into bridge mode.
const Subcommand = "__pty-bridge"

// ExitMissing is reported when the pty or the target interpreter could not be
// brought up. Shells use the same status for "command not found".
const ExitMissing = 127

// exitUsage is returned when the bridge is invoked with bad arguments.
const exitUsage = 2

// ExitStatus converts the error returned by exec.Cmd.Wait into a shell-style
// exit status. Signal deaths map to 128+signal on POSIX.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErrorCode(exitErr)
	}
	return 1
}
