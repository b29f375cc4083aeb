//go:build windows

package bridge

import (
	"fmt"
	"os"
	"os/exec"
)

// Main is not used on Windows; sessions there run on ConPTY directly.
func Main(args []string) int {
	fmt.Fprintln(os.Stderr, "pty bridge: not supported on windows")
	return exitUsage
}

func exitErrorCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
