//go:build !windows

package bridge

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
	"golang.org/x/sys/unix"

	"github.com/loppo-llc/monoterm/internal/control"
)

const (
	relayBufSize = 10 * 1024
	childGrace   = 2 * time.Second
)

// Main runs the bridge and returns its exit status. args are the arguments
// following Subcommand: [-rows N] [-cols N] [--] argv...
func Main(args []string) int {
	fs := flag.NewFlagSet(Subcommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rows := fs.Int("rows", 24, "initial rows")
	cols := fs.Int("cols", 80, "initial cols")
	if err := fs.Parse(args); err != nil {
		diag("bad arguments: %v", err)
		return exitUsage
	}
	argv := fs.Args()
	if len(argv) == 0 {
		diag("no command given")
		return exitUsage
	}

	ctl := openControl()

	var ws *pty.Winsize
	if *rows > 0 && *cols > 0 {
		ws = &pty.Winsize{Rows: uint16(*rows), Cols: uint16(*cols)}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		diag("start %s: %v", argv[0], err)
		return ExitMissing
	}

	relay(ptmx, cmd.Process.Pid, ctl)
	ptmx.Close()

	// closing the master hangs up the session; make sure the child follows
	_ = cmd.Process.Signal(syscall.SIGTERM)
	killer := time.AfterFunc(childGrace, func() {
		_ = cmd.Process.Kill()
	})
	defer killer.Stop()
	return ExitStatus(cmd.Wait())
}

// openControl returns the control descriptor if the host attached one and
// marks it close-on-exec.
func openControl() *os.File {
	if _, err := unix.FcntlInt(uintptr(control.FD), unix.F_GETFD, 0); err != nil {
		return nil
	}
	unix.CloseOnExec(control.FD)
	return os.NewFile(uintptr(control.FD), "control")
}

// relay forwards master→stdout and stdin→master until either side closes.
// Control messages are applied as they arrive; a closed control descriptor
// is dropped from the watch set without ending the relay.
func relay(master *os.File, pid int, ctl *os.File) {
	mfd := int(master.Fd())
	cfd := -1
	if ctl != nil {
		cfd = int(ctl.Fd())
	}
	buf := make([]byte, relayBufSize)
	cbuf := make([]byte, control.MaxRead)

	for {
		var rset unix.FdSet
		rset.Zero()
		rset.Set(mfd)
		rset.Set(unix.Stdin)
		nfd := max(mfd, unix.Stdin)
		if cfd >= 0 {
			rset.Set(cfd)
			nfd = max(nfd, cfd)
		}
		if _, err := unix.Select(nfd+1, &rset, nil, nil, nil); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		if rset.IsSet(mfd) {
			n, err := unix.Read(mfd, buf)
			if n <= 0 || err != nil {
				if err == unix.EINTR || err == unix.EAGAIN {
					continue
				}
				return // child side closed
			}
			if writeAll(unix.Stdout, buf[:n]) != nil {
				return
			}
		}

		if rset.IsSet(unix.Stdin) {
			n, err := unix.Read(unix.Stdin, buf)
			if n <= 0 || err != nil {
				if err == unix.EINTR || err == unix.EAGAIN {
					continue
				}
				return // host closed our input
			}
			if writeAll(mfd, buf[:n]) != nil {
				return
			}
		}

		if cfd >= 0 && rset.IsSet(cfd) {
			n, err := unix.Read(cfd, cbuf)
			if n <= 0 || err != nil {
				if err != unix.EINTR && err != unix.EAGAIN {
					ctl.Close()
					cfd = -1
				}
				continue
			}
			applyResize(master, pid, cbuf[:n])
		}
	}
}

// applyResize sets the window size from a control payload and notifies the
// foreground process group. Bad payloads are ignored.
func applyResize(master *os.File, pid int, payload []byte) {
	size, ok := control.Parse(payload)
	if !ok {
		return
	}
	if err := pty.Setsize(master, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return
	}
	pgrp, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPGRP)
	if err != nil || pgrp <= 0 {
		_ = unix.Kill(pid, unix.SIGWINCH)
		return
	}
	_ = unix.Kill(-pgrp, unix.SIGWINCH)
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// diag writes a bridge diagnostic into the session stream.
func diag(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pty bridge: "+format+"\r\n", args...)
}

func exitErrorCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
