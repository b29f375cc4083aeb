package session

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// fakeStrategy hands out fakeProcesses and remembers every spec it saw.
type fakeStrategy struct {
	mu        sync.Mutex
	specs     []Spec
	procs     []*fakeProcess
	spawnErr  error
	noControl bool
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Spawn(spec Spec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p := newFakeProcess(len(f.procs)+100, !f.noControl)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeStrategy) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type fakeProcess struct {
	pid int
	out *io.PipeReader
	ow  *io.PipeWriter

	mu         sync.Mutex
	input      bytes.Buffer
	resizes    [][2]int
	terminated bool
	closed     bool
	ctl        bool

	exit     chan int
	exitOnce sync.Once
}

func newFakeProcess(pid int, ctl bool) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, out: r, ow: w, ctl: ctl, exit: make(chan int, 1)}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.out.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.input.Write(b)
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Control() Controller {
	if !p.ctl {
		return nil
	}
	return p
}

func (p *fakeProcess) Resize(rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{rows, cols})
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(137)
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.out.Close()
}

// output writes a chunk as if the command printed it.
func (p *fakeProcess) output(s string) {
	_, _ = p.ow.Write([]byte(s))
}

// finish ends the output stream and lets Wait return code.
func (p *fakeProcess) finish(code int) {
	p.exitOnce.Do(func() {
		p.ow.Close()
		p.exit <- code
	})
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// recorder is a Sink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) logText() string {
	var b bytes.Buffer
	for _, ev := range r.snapshot() {
		if ev.Type == EventLog {
			b.Write(ev.Data)
		}
	}
	return b.String()
}

// waitFor polls until cond holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		evs := r.snapshot()
		if cond(evs) {
			return evs
		}
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for events; got %+v", evs)
		}
	}
}

func hasExit(evs []Event) bool {
	for _, ev := range evs {
		if ev.Type == EventExit {
			return true
		}
	}
	return false
}

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu     sync.Mutex
	starts []Info
	ends   []Summary
	err    error
}

var errRecord = errors.New("record failed")

type fakePS struct{ pid, ppid int }

func (f fakePS) Pid() int           { return f.pid }
func (f fakePS) PPid() int          { return f.ppid }
func (f fakePS) Executable() string { return "fake" }

var _ ps.Process = fakePS{}

// stallingSink blocks in Emit like a connection whose peer stopped reading.
type stallingSink struct {
	entered  chan struct{}
	unblock  chan struct{}
	once     sync.Once
	released sync.Once
}

func newStallingSink(t *testing.T) *stallingSink {
	k := &stallingSink{entered: make(chan struct{}), unblock: make(chan struct{})}
	t.Cleanup(k.release)
	return k
}

func (k *stallingSink) Emit(Event) {
	k.once.Do(func() { close(k.entered) })
	<-k.unblock
}

func (k *stallingSink) release() {
	k.released.Do(func() { close(k.unblock) })
}
