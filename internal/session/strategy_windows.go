//go:build windows

package session

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"sync"

	"github.com/UserExistsError/conpty"
)

// StrategyOptions selects the executables the platform strategy runs.
type StrategyOptions struct {
	// BridgeExecutable is unused on Windows; ConPTY needs no helper process.
	BridgeExecutable string
	// Shell interprets the command text. Defaults to cmd.exe.
	Shell string
}

// NewPlatformStrategy returns the native ConPTY strategy.
func NewPlatformStrategy(opts StrategyOptions) (Strategy, error) {
	if !conpty.IsConPtyAvailable() {
		return nil, conpty.ErrConPtyUnsupported
	}
	sh := opts.Shell
	if sh == "" {
		sh = "cmd.exe"
	}
	return &nativeStrategy{shell: sh}, nil
}

type nativeStrategy struct {
	shell string
}

func (n *nativeStrategy) Name() string { return "conpty" }

func (n *nativeStrategy) Spawn(spec Spec) (Process, error) {
	cpty, err := conpty.Start(n.shell+" /C "+spec.Command,
		conpty.ConPtyDimensions(spec.Cols, spec.Rows),
		conpty.ConPtyWorkDir(spec.Dir),
		conpty.ConPtyEnv(spec.Env),
	)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	return &nativeProcess{cpty: cpty}, nil
}

type nativeProcess struct {
	cpty *conpty.ConPty

	closeOnce sync.Once
	closeErr  error
}

func (p *nativeProcess) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *nativeProcess) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *nativeProcess) Pid() int                    { return p.cpty.Pid() }
func (p *nativeProcess) Control() Controller         { return p }

func (p *nativeProcess) Resize(rows, cols int) error {
	return p.cpty.Resize(cols, rows)
}

func (p *nativeProcess) Wait() (int, error) {
	code, err := p.cpty.Wait(context.Background())
	if err != nil {
		return -1, err
	}
	// the pseudo console only reports EOF once it is closed
	p.Close()
	return int(code), nil
}

// Terminate kills the whole tree with taskkill and falls back to closing the
// pseudo console, which ends the attached processes.
func (p *nativeProcess) Terminate() error {
	err := exec.Command("taskkill", "/pid", strconv.Itoa(p.cpty.Pid()), "/T", "/F").Run()
	if err != nil {
		return errors.Join(err, p.Close())
	}
	return nil
}

func (p *nativeProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.cpty.Close()
	})
	return p.closeErr
}
