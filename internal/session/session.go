package session

import (
	"sync"
	"time"
)

// State is a session's lifecycle position. Transitions only move forward.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExiting  State = "exiting"
	StateRemoved  State = "removed"
)

// Session binds one client connection to one running command.
type Session struct {
	ID           string
	ConnectionID string
	WorkspaceTag string
	Dir          string
	Command      string
	Strategy     string
	StartedAt    time.Time

	mu       sync.Mutex
	state    State
	proc     Process
	control  Controller
	sink     Sink
	stopped  bool
	exitCode *int
	rows     int
	cols     int

	// emitMu orders event delivery against detach so nothing is emitted
	// after listeners are cleared.
	emitMu sync.Mutex

	readDone chan struct{}
	done     chan struct{}
}

// Info is the public representation of a session.
type Info struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	WorkspaceTag string `json:"workspace,omitempty"`
	Dir          string `json:"path"`
	Command      string `json:"command"`
	Strategy     string `json:"strategy"`
	Pid          int    `json:"pid"`
	State        State  `json:"state"`
	Resizable    bool   `json:"resizable"`
	Rows         int    `json:"rows"`
	Cols         int    `json:"cols"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	StartedAt    string `json:"startedAt"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	return Info{
		ID:           s.ID,
		ConnectionID: s.ConnectionID,
		WorkspaceTag: s.WorkspaceTag,
		Dir:          s.Dir,
		Command:      s.Command,
		Strategy:     s.Strategy,
		Pid:          pid,
		State:        s.state,
		Resizable:    s.control != nil,
		Rows:         s.rows,
		Cols:         s.cols,
		ExitCode:     s.exitCode,
		StartedAt:    s.StartedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the process has been reaped and the session removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HasControl reports whether resize requests reach the terminal.
func (s *Session) HasControl() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control != nil
}

// Write delivers raw input bytes to the process. No newline is added.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	proc := s.proc
	running := s.state == StateRunning && !s.stopped
	s.mu.Unlock()
	if !running || proc == nil {
		return 0, ErrClosed
	}
	return proc.Write(data)
}

// Resize routes a window-size change through the session's control path.
// It reports false without error when the request is dropped: no control
// path, non-positive dimensions, or a session that is no longer running.
func (s *Session) Resize(rows, cols int) (bool, error) {
	if rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		return false, nil
	}
	s.mu.Lock()
	ctl := s.control
	running := s.state == StateRunning && !s.stopped
	s.mu.Unlock()
	if ctl == nil || !running {
		return false, nil
	}
	if err := ctl.Resize(rows, cols); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return true, nil
}

// emit delivers ev to the attached sink, if any.
func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Emit(ev)
	}
}
