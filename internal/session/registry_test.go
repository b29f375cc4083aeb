package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/monoterm/internal/metrics"
)

func (m *memRecorder) RecordStart(_ context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, info)
	return m.err
}

func (m *memRecorder) RecordEnd(_ context.Context, sum Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, sum)
	return m.err
}

func newTestRegistry(t *testing.T, strat *fakeStrategy) *Registry {
	t.Helper()
	return NewRegistry(Options{
		Strategy:     strat,
		Metrics:      metrics.New(),
		Environ:      func() []string { return []string{"PATH=/usr/bin", "CI=true"} },
		StopWait:     2 * time.Second,
		DrainTimeout: time.Second,
	})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s not reaped", s.ID)
	}
}

func TestStartStreamsOutputThenExit(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	rec := newRecorder()

	s, err := reg.Start("conn-1", StartRequest{Path: "/tmp", Command: "echo hello"}, rec)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	p := strat.last()
	p.output("hello\r\n")
	p.output("world\r\n")
	p.finish(0)

	evs := rec.waitFor(t, hasExit)
	waitDone(t, s)

	assert.Equal(t, "hello\r\nworld\r\n", rec.logText())
	last := evs[len(evs)-1]
	assert.Equal(t, EventExit, last.Type)
	assert.Equal(t, 0, last.ExitCode)
	for _, ev := range evs {
		assert.NotEqual(t, EventError, ev.Type, "clean exit must be quiet")
	}

	_, ok = reg.Get("conn-1")
	assert.False(t, ok)
	assert.Equal(t, StateRemoved, s.State())
	assert.True(t, p.closed)
}

func TestExitClassification(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		outcome Outcome
	}{
		{"success", 0, "", OutcomeSuccess},
		{"missing tool", 127, missingToolNotice, OutcomeMissingTool},
		{"failure", 3, "\r\nProcess exited with code 3", OutcomeFailed},
		{"signal", 130, "\r\nProcess exited with code 130", OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strat := &fakeStrategy{}
			reg := newTestRegistry(t, strat)
			sums := make(chan Summary, 1)
			reg.OnSessionExit = func(sum Summary) { sums <- sum }
			rec := newRecorder()

			s, err := reg.Start("c", StartRequest{Command: "x"}, rec)
			require.NoError(t, err)
			strat.last().finish(tt.code)

			evs := rec.waitFor(t, hasExit)
			waitDone(t, s)

			var errs []string
			for _, ev := range evs {
				if ev.Type == EventError {
					errs = append(errs, ev.Message)
				}
			}
			if tt.message == "" {
				assert.Empty(t, errs)
			} else {
				assert.Equal(t, []string{tt.message}, errs)
			}
			assert.Equal(t, EventExit, evs[len(evs)-1].Type)
			assert.Equal(t, tt.code, evs[len(evs)-1].ExitCode)

			sum := <-sums
			assert.Equal(t, tt.outcome, sum.Outcome)
			assert.Equal(t, tt.code, sum.ExitCode)
		})
	}
}

func TestStartTwiceReplacesPredecessor(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	recA, recB := newRecorder(), newRecorder()

	a, err := reg.Start("conn", StartRequest{Command: "sleep 100"}, recA)
	require.NoError(t, err)
	procA := strat.last()

	b, err := reg.Start("conn", StartRequest{Command: "echo b"}, recB)
	require.NoError(t, err)

	// predecessor was force-stopped and reaped before the new spawn
	select {
	case <-a.Done():
	default:
		t.Fatal("predecessor not reaped before Start returned")
	}
	assert.True(t, procA.wasTerminated())
	assert.Equal(t, stoppingNotice, recA.logText())
	assert.False(t, hasExit(recA.snapshot()), "stopped session must not emit exit")

	got, ok := reg.Get("conn")
	require.True(t, ok)
	assert.Same(t, b, got, "late exit of the predecessor must not remove its successor")
	assert.Len(t, reg.List(), 1)

	strat.last().finish(0)
	waitDone(t, b)
}

func TestStopIsIdempotent(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	rec := newRecorder()
	exits := 0
	reg.OnSessionExit = func(Summary) { exits++ }

	s, err := reg.Start("conn", StartRequest{Command: "sleep 100"}, rec)
	require.NoError(t, err)

	assert.True(t, reg.StopByConnection("conn"))
	waitDone(t, s)
	assert.False(t, reg.StopByConnection("conn"))
	assert.False(t, reg.StopByConnection("never-existed"))

	assert.True(t, strat.last().wasTerminated())
	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, EventLog, evs[0].Type)
	assert.Equal(t, stoppingNotice, string(evs[0].Data))
	assert.Equal(t, 0, exits)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNothingEmittedAfterStop(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	rec := newRecorder()

	s, err := reg.Start("conn", StartRequest{Command: "yes"}, rec)
	require.NoError(t, err)
	p := strat.last()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.output("y\n")
			}
		}
	}()

	rec.waitFor(t, func(evs []Event) bool { return len(evs) > 3 })
	reg.StopByConnection("conn")
	waitDone(t, s)
	close(stop)
	wg.Wait()

	evs := rec.snapshot()
	last := evs[len(evs)-1]
	assert.Equal(t, stoppingNotice, string(last.Data))
	assert.False(t, hasExit(evs))
}

func TestStopByWorkspaceTag(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)

	s1, err := reg.Start("c1", StartRequest{Command: "a", WorkspaceTag: "api"}, newRecorder())
	require.NoError(t, err)
	s2, err := reg.Start("c2", StartRequest{Command: "b", WorkspaceTag: "api"}, newRecorder())
	require.NoError(t, err)
	s3, err := reg.Start("c3", StartRequest{Command: "c", WorkspaceTag: "web"}, newRecorder())
	require.NoError(t, err)

	assert.False(t, reg.StopByWorkspaceTag(""))
	assert.False(t, reg.StopByWorkspaceTag("docs"))
	assert.True(t, reg.StopByWorkspaceTag("api"))
	waitDone(t, s1)
	waitDone(t, s2)

	_, ok := reg.Get("c1")
	assert.False(t, ok)
	_, ok = reg.Get("c2")
	assert.False(t, ok)
	got, ok := reg.Get("c3")
	require.True(t, ok)
	assert.Same(t, s3, got)

	assert.False(t, reg.StopByWorkspaceTag("api"))
	reg.StopAll()
	waitDone(t, s3)
	assert.Empty(t, reg.List())
}

func TestResizeRouting(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)

	s, err := reg.Start("conn", StartRequest{Command: "top"}, newRecorder())
	require.NoError(t, err)
	p := strat.last()
	require.True(t, s.HasControl())

	ok, err := s.Resize(40, 120)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, dims := range [][2]int{{0, 80}, {24, 0}, {-1, 80}, {70000, 80}} {
		ok, err := s.Resize(dims[0], dims[1])
		assert.NoError(t, err)
		assert.False(t, ok, "dims %v", dims)
	}

	p.mu.Lock()
	assert.Equal(t, [][2]int{{40, 120}}, p.resizes)
	p.mu.Unlock()
	info := s.Info()
	assert.Equal(t, 40, info.Rows)
	assert.Equal(t, 120, info.Cols)

	reg.StopAll()
	ok, err = s.Resize(30, 90)
	assert.NoError(t, err)
	assert.False(t, ok, "resize after stop is dropped")
}

func TestResizeWithoutControlIsDropped(t *testing.T) {
	strat := &fakeStrategy{noControl: true}
	reg := newTestRegistry(t, strat)

	s, err := reg.Start("conn", StartRequest{Command: "top"}, newRecorder())
	require.NoError(t, err)
	assert.False(t, s.HasControl())
	assert.False(t, s.Info().Resizable)

	ok, err := s.Resize(40, 120)
	assert.NoError(t, err)
	assert.False(t, ok)
	reg.StopAll()
}

func TestInputIsWrittenVerbatim(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)

	s, err := reg.Start("conn", StartRequest{Command: "cat"}, newRecorder())
	require.NoError(t, err)

	_, err = s.Write([]byte("ls"))
	require.NoError(t, err)
	_, err = s.Write([]byte("\r\x03"))
	require.NoError(t, err)
	assert.Equal(t, "ls\r\x03", strat.last().inputString())
	reg.StopAll()
}

func TestSpawnErrorIsReported(t *testing.T) {
	strat := &fakeStrategy{spawnErr: errors.New("no such file or directory")}
	reg := newTestRegistry(t, strat)
	rec := newRecorder()

	s, err := reg.Start("conn", StartRequest{Path: "/missing", Command: "ls"}, rec)
	assert.Nil(t, s)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ls", se.Command)

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, EventError, evs[0].Type)
	assert.Equal(t, "Failed to start command: no such file or directory", evs[0].Message)

	_, ok := reg.Get("conn")
	assert.False(t, ok)
}

func TestStartAppliesSizeAndEnvironment(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)

	_, err := reg.Start("a", StartRequest{Path: "/srv", Command: "ls"}, newRecorder())
	require.NoError(t, err)
	_, err = reg.Start("b", StartRequest{Command: "ls", Rows: 50, Cols: 200}, newRecorder())
	require.NoError(t, err)
	reg.StopAll()

	strat.mu.Lock()
	defer strat.mu.Unlock()
	require.Len(t, strat.specs, 2)
	assert.Equal(t, "/srv", strat.specs[0].Dir)
	assert.Equal(t, 24, strat.specs[0].Rows)
	assert.Equal(t, 80, strat.specs[0].Cols)
	assert.Equal(t, 50, strat.specs[1].Rows)
	assert.Equal(t, 200, strat.specs[1].Cols)
	assert.Contains(t, strat.specs[0].Env, "TERM=xterm-256color")
	assert.NotContains(t, strat.specs[0].Env, "CI=true")
}

func TestHistoryIsRecorded(t *testing.T) {
	strat := &fakeStrategy{}
	hist := &memRecorder{err: errRecord}
	reg := NewRegistry(Options{Strategy: strat, History: hist})

	s, err := reg.Start("conn", StartRequest{Command: "make", WorkspaceTag: "api"}, newRecorder())
	require.NoError(t, err, "history failures never fail a start")
	strat.last().finish(2)
	waitDone(t, s)

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Len(t, hist.starts, 1)
	require.Len(t, hist.ends, 1)
	assert.Equal(t, s.ID, hist.starts[0].ID)
	assert.Equal(t, "api", hist.ends[0].WorkspaceTag)
	assert.Equal(t, OutcomeFailed, hist.ends[0].Outcome)
	assert.Equal(t, 2, hist.ends[0].ExitCode)
}

func TestEnvironment(t *testing.T) {
	env := Environment([]string{
		"PATH=/usr/bin",
		"CI=true",
		"ci=1",
		"TERM=dumb",
		"FORCE_COLOR=0",
		"PROMPT_COMMAND=history -a",
		"HOME=/home/dev",
	})

	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/dev",
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		"PROMPT_COMMAND=" + promptCommand,
	}, env)
	assert.True(t, strings.Contains(promptCommand, "[PATH]"))
}

func TestDescendants(t *testing.T) {
	procs := []ps.Process{
		fakePS{1, 0},
		fakePS{10, 1},  // bridge
		fakePS{11, 10}, // shell
		fakePS{12, 11}, // dev server
		fakePS{13, 12}, // watcher
		fakePS{14, 11},
		fakePS{20, 1}, // unrelated
		fakePS{21, 20},
	}

	assert.Equal(t, []int{11, 12, 14, 13}, descendants(10, procs))
	assert.Empty(t, descendants(13, procs))
	assert.Empty(t, descendants(999, procs))
}

func TestStopDoesNotWaitForStalledListener(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	stalled := newStallingSink(t)

	s1, err := reg.Start("c1", StartRequest{Command: "a", WorkspaceTag: "demo"}, stalled)
	require.NoError(t, err)
	p1 := strat.last()
	s2, err := reg.Start("c2", StartRequest{Command: "b", WorkspaceTag: "demo"}, newRecorder())
	require.NoError(t, err)
	p2 := strat.last()

	// the reader is now parked inside Emit
	p1.output("chunk")
	select {
	case <-stalled.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never reached the listener")
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- reg.StopByWorkspaceTag("demo") }()
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked behind a stalled listener")
	}

	assert.True(t, p1.wasTerminated())
	assert.True(t, p2.wasTerminated())
	_, ok := reg.Get("c1")
	assert.False(t, ok)
	_, ok = reg.Get("c2")
	assert.False(t, ok)

	waitDone(t, s1)
	waitDone(t, s2)
}

func TestStopByConnectionWithStalledListener(t *testing.T) {
	strat := &fakeStrategy{}
	reg := newTestRegistry(t, strat)
	stalled := newStallingSink(t)

	s, err := reg.Start("c1", StartRequest{Command: "a"}, stalled)
	require.NoError(t, err)
	proc := strat.last()
	proc.output("chunk")
	<-stalled.entered

	begin := time.Now()
	assert.True(t, reg.StopByConnection("c1"))
	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, proc.wasTerminated())

	// the parked reader comes back once the connection is gone
	stalled.release()
	waitDone(t, s)
}
