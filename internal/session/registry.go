package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loppo-llc/monoterm/internal/bridge"
	"github.com/loppo-llc/monoterm/internal/metrics"
)

const (
	defaultRows         = 24
	defaultCols         = 80
	defaultStopWait     = 5 * time.Second
	defaultDrainTimeout = 2 * time.Second

	readBufferSize = 32 * 1024
	stopNoticeWait = 250 * time.Millisecond
)

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeMissingTool Outcome = "missing_tool"
	OutcomeStopped     Outcome = "stopped"
)

// Summary describes a finished session.
type Summary struct {
	Info
	EndedAt  time.Time `json:"endedAt"`
	Outcome  Outcome   `json:"outcome"`
	ExitCode int       `json:"exitCode"`
}

// Recorder persists session metadata. Output is never recorded.
type Recorder interface {
	RecordStart(ctx context.Context, info Info) error
	RecordEnd(ctx context.Context, sum Summary) error
}

// StartRequest is a client's request to run a command.
type StartRequest struct {
	Path         string
	Command      string
	WorkspaceTag string
	Rows         int
	Cols         int
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Strategy Strategy
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	History  Recorder

	// Environ returns the base environment for spawned commands.
	Environ func() []string

	DefaultRows  int
	DefaultCols  int
	StopWait     time.Duration
	DrainTimeout time.Duration
}

// Registry owns every live session, keyed by connection id. A connection
// holds at most one session at a time.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	strategy Strategy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	history  Recorder
	environ  func() []string

	rows, cols   int
	stopWait     time.Duration
	drainTimeout time.Duration

	// OnSessionExit is called after a session ended on its own.
	OnSessionExit func(sum Summary)
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		strategy:     opts.Strategy,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		history:      opts.History,
		environ:      opts.Environ,
		rows:         opts.DefaultRows,
		cols:         opts.DefaultCols,
		stopWait:     opts.StopWait,
		drainTimeout: opts.DrainTimeout,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.environ == nil {
		r.environ = os.Environ
	}
	if r.rows <= 0 {
		r.rows = defaultRows
	}
	if r.cols <= 0 {
		r.cols = defaultCols
	}
	if r.stopWait <= 0 {
		r.stopWait = defaultStopWait
	}
	if r.drainTimeout <= 0 {
		r.drainTimeout = defaultDrainTimeout
	}
	return r
}

// Strategy returns the name of the spawn strategy in use.
func (r *Registry) Strategy() string {
	if r.strategy == nil {
		return ""
	}
	return r.strategy.Name()
}

// Start force-stops any session already bound to connID, spawns req and
// registers the new session. On spawn failure an error event is emitted to
// sink, nothing is registered and a *SpawnError is returned.
func (r *Registry) Start(connID string, req StartRequest, sink Sink) (*Session, error) {
	if r.strategy == nil {
		return nil, errors.New("no spawn strategy configured")
	}

	for {
		prev, ok := r.Get(connID)
		if !ok {
			break
		}
		r.logger.Info("replacing session", "conn", connID, "id", prev.ID)
		r.stop(prev)
		r.await(prev)
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 || rows > 0xffff {
		rows = r.rows
	}
	if cols <= 0 || cols > 0xffff {
		cols = r.cols
	}

	s := &Session{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		WorkspaceTag: req.WorkspaceTag,
		Dir:          req.Path,
		Command:      req.Command,
		Strategy:     r.strategy.Name(),
		StartedAt:    time.Now(),
		state:        StateStarting,
		sink:         sink,
		rows:         rows,
		cols:         cols,
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	proc, err := r.strategy.Spawn(Spec{
		Dir:     req.Path,
		Command: req.Command,
		Env:     Environment(r.environ()),
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		var se *SpawnError
		if !errors.As(err, &se) {
			se = &SpawnError{Command: req.Command, Err: err}
		}
		r.logger.Warn("spawn failed", "conn", connID, "command", req.Command, "dir", req.Path, "err", err)
		r.metrics.SpawnFailed()
		if sink != nil {
			sink.Emit(errorEvent(fmt.Sprintf("Failed to start command: %v", se.Err)))
		}
		return nil, se
	}

	s.mu.Lock()
	s.proc = proc
	if ctl := proc.Control(); ctl != nil {
		s.control = ctl
	}
	s.state = StateRunning
	s.mu.Unlock()

	r.mu.Lock()
	// a concurrent Start on the same connection lost the race; it is stopped
	// below so the map never holds two sessions for one connection
	raced := r.sessions[connID]
	r.sessions[connID] = s
	r.mu.Unlock()
	if raced != nil {
		r.stop(raced)
	}

	r.metrics.SessionStarted(s.Strategy)
	r.logger.Info("session started",
		"conn", connID, "id", s.ID, "pid", proc.Pid(),
		"dir", s.Dir, "command", s.Command, "workspace", s.WorkspaceTag,
		"strategy", s.Strategy, "resizable", s.control != nil,
	)
	if r.history != nil {
		if err := r.history.RecordStart(context.Background(), s.Info()); err != nil {
			r.logger.Warn("history record failed", "id", s.ID, "err", err)
		}
	}

	go r.readLoop(s, proc)
	go r.waitLoop(s, proc)

	return s, nil
}

// Get returns the session bound to connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// List returns a snapshot of every registered session.
func (r *Registry) List() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// StopByConnection force-stops the session bound to connID. It reports
// false when there was none.
func (r *Registry) StopByConnection(connID string) bool {
	s, ok := r.Get(connID)
	if !ok {
		return false
	}
	r.stop(s)
	return true
}

// StopByWorkspaceTag force-stops every session carrying tag. An empty tag
// matches nothing.
func (r *Registry) StopByWorkspaceTag(tag string) bool {
	if tag == "" {
		return false
	}
	r.mu.Lock()
	var matched []*Session
	for _, s := range r.sessions {
		if s.WorkspaceTag == tag {
			matched = append(matched, s)
		}
	}
	r.mu.Unlock()

	r.stopEach(matched)
	return len(matched) > 0
}

// StopAll stops every session and waits for them to be reaped.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	r.stopEach(all)
	for _, s := range all {
		r.await(s)
	}
}

// stop notifies the listener, detaches it, kills the process tree and
// removes the session. No exit event follows. Safe to call repeatedly.
func (r *Registry) stop(s *Session) {
	s.mu.Lock()
	if s.state != StateRunning || s.stopped {
		s.mu.Unlock()
		r.remove(s)
		return
	}
	s.stopped = true
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	if sink != nil {
		r.notifyStopping(s, sink)
	}
	if err := terminate(s); err != nil {
		r.logger.Warn("terminate failed", "id", s.ID, "err", err)
	}
	r.remove(s)
	r.logger.Info("session stopped", "conn", s.ConnectionID, "id", s.ID)
}

// notifyStopping queues the stopping notice behind any in-flight event and
// waits at most stopNoticeWait for it. A stalled listener never delays the kill.
func (r *Registry) notifyStopping(s *Session, sink Sink) {
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		sink.Emit(logEvent([]byte(stoppingNotice)))
	}()
	select {
	case <-sent:
	case <-time.After(stopNoticeWait):
		r.logger.Debug("listener stalled; stopping without notice", "id", s.ID)
	}
}

// stopEach stops sessions concurrently so one stalled listener cannot hold
// up the others.
func (r *Registry) stopEach(list []*Session) {
	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.stop(s)
		}()
	}
	wg.Wait()
}

// remove deletes s from the registry unless its slot already belongs to a
// successor.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ConnectionID]; ok && cur == s {
		delete(r.sessions, s.ConnectionID)
	}
}

func (r *Registry) await(s *Session) {
	select {
	case <-s.Done():
	case <-time.After(r.stopWait):
		r.logger.Warn("session did not exit in time", "id", s.ID, "wait", r.stopWait)
	}
}

func (r *Registry) readLoop(s *Session, proc Process) {
	defer close(s.readDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.metrics.Output(n)
			s.emit(logEvent(data))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("terminal read error", "id", s.ID, "err", err)
			}
			return
		}
	}
}

func (r *Registry) waitLoop(s *Session, proc Process) {
	code, err := proc.Wait()
	if err != nil {
		r.logger.Warn("wait failed", "id", s.ID, "err", err)
		code = -1
	}

	// give the reader a bounded chance to flush remaining output so no log
	// event follows the exit event
	select {
	case <-s.readDone:
	case <-time.After(r.drainTimeout):
		r.logger.Debug("output drain timed out", "id", s.ID)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.state = StateExiting
	c := code
	s.exitCode = &c
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	// a stopped session has no listener; its notice may still be pending
	if !stopped && sink != nil {
		s.emitMu.Lock()
		switch code {
		case 0:
		case bridge.ExitMissing:
			sink.Emit(errorEvent(missingToolNotice))
		default:
			sink.Emit(errorEvent(fmt.Sprintf("\r\nProcess exited with code %d", code)))
		}
		sink.Emit(Event{Type: EventExit, ExitCode: code})
		s.emitMu.Unlock()
	}

	r.remove(s)
	if err := proc.Close(); err != nil {
		r.logger.Debug("close failed", "id", s.ID, "err", err)
	}

	s.mu.Lock()
	s.state = StateRemoved
	s.mu.Unlock()

	sum := Summary{
		Info:     s.Info(),
		EndedAt:  time.Now(),
		Outcome:  classify(code, stopped),
		ExitCode: code,
	}
	r.logger.Info("session exited", "conn", s.ConnectionID, "id", s.ID, "exitCode", code, "outcome", sum.Outcome)
	r.metrics.SessionEnded(string(sum.Outcome), sum.EndedAt.Sub(s.StartedAt))
	if r.history != nil {
		if err := r.history.RecordEnd(context.Background(), sum); err != nil {
			r.logger.Warn("history record failed", "id", s.ID, "err", err)
		}
	}

	close(s.done)

	if !stopped && r.OnSessionExit != nil {
		r.OnSessionExit(sum)
	}
}

func classify(code int, stopped bool) Outcome {
	switch {
	case stopped:
		return OutcomeStopped
	case code == 0:
		return OutcomeSuccess
	case code == bridge.ExitMissing:
		return OutcomeMissingTool
	default:
		return OutcomeFailed
	}
}
