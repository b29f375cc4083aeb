//go:build !windows

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/loppo-llc/monoterm/internal/bridge"
	"github.com/loppo-llc/monoterm/internal/control"
)

// StrategyOptions selects the executables the platform strategy runs.
type StrategyOptions struct {
	// BridgeExecutable is the binary that implements bridge.Subcommand.
	// Defaults to the running executable.
	BridgeExecutable string
	// Shell interprets the command text. Defaults to bash, else /bin/sh.
	Shell string
}

// NewPlatformStrategy returns the pty bridge strategy used on POSIX hosts.
func NewPlatformStrategy(opts StrategyOptions) (Strategy, error) {
	exe := opts.BridgeExecutable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate bridge executable: %w", err)
		}
		exe = self
	}
	sh := opts.Shell
	if sh == "" {
		sh = "/bin/sh"
		if p, err := exec.LookPath("bash"); err == nil {
			sh = p
		}
	}
	return &bridgedStrategy{exe: exe, shell: sh}, nil
}

type bridgedStrategy struct {
	exe   string
	shell string
}

func (b *bridgedStrategy) Name() string { return "pty-bridge" }

func (b *bridgedStrategy) Spawn(spec Spec) (Process, error) {
	cmd := exec.Command(b.exe,
		bridge.Subcommand,
		"-rows", strconv.Itoa(spec.Rows),
		"-cols", strconv.Itoa(spec.Cols),
		"--", b.shell, "-c", spec.Command,
	)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// own process group so the whole bridge can be signalled at once
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.ExtraFiles = []*os.File{ctlR} // becomes control.FD in the child

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		ctlR.Close()
		ctlW.Close()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	// the child holds its own copies
	outW.Close()
	ctlR.Close()

	return &bridgedProcess{
		cmd:     cmd,
		stdin:   stdin,
		out:     outR,
		control: &controlPipe{w: ctlW},
	}, nil
}

type bridgedProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *os.File
	control *controlPipe

	closeOnce sync.Once
}

func (p *bridgedProcess) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *bridgedProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *bridgedProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *bridgedProcess) Control() Controller {
	if p.control == nil {
		return nil
	}
	return p.control
}

func (p *bridgedProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return bridge.ExitStatus(err), nil
}

func (p *bridgedProcess) Terminate() error {
	return killTree(p.cmd.Process.Pid)
}

func (p *bridgedProcess) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.out.Close()
		p.control.close()
	})
	return nil
}

// controlPipe writes resize messages to the bridge's control descriptor.
type controlPipe struct {
	mu sync.Mutex
	w  *os.File
}

func (c *controlPipe) Resize(rows, cols int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return ErrClosed
	}
	_, err := c.w.Write(control.Encode(rows, cols))
	return err
}

func (c *controlPipe) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w != nil {
		c.w.Close()
		c.w = nil
	}
}

// killTree SIGKILLs the bridge's process group and every process below it.
// The command runs in its own session inside the bridge and is reached
// through a snapshot of the process table taken before the first signal.
func killTree(pid int) error {
	procs, snapErr := ps.Processes()

	var err error
	if e := unix.Kill(-pid, unix.SIGKILL); e != nil {
		if e := unix.Kill(pid, unix.SIGKILL); e != nil && !errors.Is(e, unix.ESRCH) {
			err = fmt.Errorf("kill bridge %d: %w", pid, e)
		}
	}
	if snapErr != nil {
		return errors.Join(err, fmt.Errorf("process snapshot: %w", snapErr))
	}
	for _, d := range descendants(pid, procs) {
		// a descendant that leads its own group takes the group with it
		_ = unix.Kill(-d, unix.SIGKILL)
		_ = unix.Kill(d, unix.SIGKILL)
	}
	return err
}
