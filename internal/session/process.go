package session

import (
	"errors"
	"fmt"
	"io"
)

// Spec describes the command a Strategy should start.
type Spec struct {
	Dir     string
	Command string
	Env     []string
	Rows    int
	Cols    int
}

// Process is an exclusively owned handle to a spawned command attached to a
// terminal device. Reads yield the merged terminal output; writes are raw input.
type Process interface {
	io.ReadWriter

	Pid() int

	// Control returns the resize path, or nil when the strategy has none.
	Control() Controller

	// Wait blocks until the process exits and returns its exit status.
	Wait() (int, error)

	// Terminate forcefully kills the process together with everything it spawned.
	Terminate() error

	// Close releases the handles. It is safe to call more than once.
	Close() error
}

// Controller is the optional capability of changing the terminal window size.
type Controller interface {
	Resize(rows, cols int) error
}

// Strategy spawns commands on a real terminal device. One is chosen per host
// when the Registry is built.
type Strategy interface {
	Name() string
	Spawn(spec Spec) (Process, error)
}

// ErrClosed is returned when writing to a session that is shutting down.
var ErrClosed = errors.New("session closed")

// SpawnError reports that the process (or the bridge it needs) never started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// terminate is the single kill path for a session's process tree.
func terminate(s *Session) error {
	if s.proc == nil {
		return nil
	}
	return s.proc.Terminate()
}
