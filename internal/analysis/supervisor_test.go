package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeChild is one spawned process under a fakeRunner's control.
type fakeChild struct {
	stdout *io.PipeWriter
	stderr *io.PipeWriter

	mu     sync.Mutex
	sigs   []syscall.Signal
	exitCh chan error
	once   sync.Once
}

// exit finishes the child with the given wait error, closing its streams.
func (c *fakeChild) exit(err error) {
	c.once.Do(func() {
		c.stdout.Close() //nolint:errcheck
		c.stderr.Close() //nolint:errcheck
		c.exitCh <- err
	})
}

func (c *fakeChild) signals() []syscall.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]syscall.Signal(nil), c.sigs...)
}

// fakeRunner implements ProcessRunner with scripted children.
type fakeRunner struct {
	mu       sync.Mutex
	children []*fakeChild
	startErr error
	// behave runs as the child's body; nil children idle until signalled.
	behave func(n int, c *fakeChild)
	// termExits makes SIGTERM/SIGKILL end the child, like a real process.
	termExits bool
	// startGate, when set, blocks Start until the gate closes.
	startGate chan struct{}
}

func (r *fakeRunner) Start(ctx context.Context, spec Spec) (*Process, error) {
	if r.startGate != nil {
		<-r.startGate
	}
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return nil, err
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	c := &fakeChild{stdout: outW, stderr: errW, exitCh: make(chan error, 1)}
	r.children = append(r.children, c)
	n := len(r.children)
	r.mu.Unlock()

	proc := &Process{
		PID:    1000 + n,
		Stdout: outR,
		Stderr: errR,
		wait:   func() error { return <-c.exitCh },
		signal: func(sig syscall.Signal) error {
			c.mu.Lock()
			c.sigs = append(c.sigs, sig)
			c.mu.Unlock()
			if r.termExits && (sig == syscall.SIGTERM || sig == syscall.SIGKILL) {
				c.exit(fmt.Errorf("signal: %v", sig))
			}
			return nil
		},
	}
	if r.behave != nil {
		go r.behave(n, c)
	}
	return proc, nil
}

func (r *fakeRunner) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

func (r *fakeRunner) child(n int) *fakeChild {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.children) {
		return nil
	}
	return r.children[n-1]
}

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []Status
	logs    []LogEntry
	cleared []string
}

func (n *recordingNotifier) AnalysisUpdate(id string, st Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, st)
}

func (n *recordingNotifier) AnalysisLog(id, fileName string, e LogEntry, total uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, e)
}

func (n *recordingNotifier) LogsCleared(id, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, msg)
}

func (n *recordingNotifier) logEntries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LogEntry(nil), n.logs...)
}

func newTestSupervisor(t *testing.T, r ProcessRunner) (*Supervisor, *recordingNotifier) {
	t.Helper()
	root := t.TempDir()
	st := NewStorage(root)
	if err := st.WriteSource("a1", "index.js", []byte("listen()")); err != nil {
		t.Fatalf("write source: %v", err)
	}
	n := &recordingNotifier{}
	tun := Tunables{
		ForceKillTimeout:    50 * time.Millisecond,
		InitialRestartDelay: 20 * time.Millisecond,
		MaxRestartDelay:     80 * time.Millisecond,
	}
	s := newSupervisor("a1", "index.js", st, r, nil, nil, n, nil, zap.NewNop(), nil, tun)
	t.Cleanup(s.Cleanup)
	return s, n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartCapturesOutput(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		fmt.Fprintln(c.stdout, "listening on 8080")
		fmt.Fprintln(c.stderr, "disk almost full")
		fmt.Fprintln(c.stdout, "tick\r")
	}}
	s, n := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := s.Status(); st.State != StateRunning || st.PID == 0 {
		t.Fatalf("status after start = %+v", st)
	}

	waitFor(t, 2*time.Second, func() bool { return len(n.logEntries()) >= 3 }, "log events not delivered")

	logs, _, total, err := s.MemoryLogs(1, 10)
	if err != nil {
		t.Fatalf("MemoryLogs: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	var sawTick, sawErr bool
	for _, e := range logs {
		if e.Msg == "tick" && e.Level == "info" {
			// Trailing CR stripped.
			sawTick = true
		}
		if e.Msg == "ERROR: disk almost full" && e.Level == "error" {
			sawErr = true
		}
	}
	if !sawTick || !sawErr {
		t.Fatalf("captured logs wrong: %+v", logs)
	}

	// Sequences strictly increase in capture order.
	entries := n.logEntries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing: %d then %d",
				entries[i-1].Sequence, entries[i].Sequence)
		}
	}
}

func TestCrashSchedulesBackoffRestarts(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		c.exit(errors.New("exit status 1"))
	}}
	s, _ := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return r.starts() >= 3 }, "no backoff restarts happened")

	st := s.Status()
	if st.IntendedState != IntendedRunning {
		t.Fatalf("crash must not change intent, got %q", st.IntendedState)
	}
	if st.RestartAttempts < 2 {
		t.Fatalf("restartAttempts = %d, want >= 2", st.RestartAttempts)
	}
}

func TestManualStopCancelsScheduledRestart(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		c.exit(errors.New("exit status 1"))
	}}
	s, _ := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Status().State != StateRunning }, "child never exited")

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Let any start that raced the stop settle, then verify quiescence.
	time.Sleep(100 * time.Millisecond)
	before := r.starts()
	time.Sleep(200 * time.Millisecond)
	if r.starts() != before {
		t.Fatalf("restart fired after stop: %d -> %d starts", before, r.starts())
	}
	st := s.Status()
	if st.State != StateStopped && st.State != StateCrashed {
		t.Fatalf("state = %q", st.State)
	}
	if st.IntendedState != IntendedStopped {
		t.Fatalf("intendedState = %q, want stopped", st.IntendedState)
	}
}

func TestStopEscalatesToForceKill(t *testing.T) {
	// Child ignores SIGTERM; only the explicit exit below ends it.
	r := &fakeRunner{termExits: false}
	s, _ := newTestSupervisor(t, r)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := r.child(1)

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool {
		for _, sig := range c.signals() {
			if sig == syscall.SIGKILL {
				return true
			}
		}
		return false
	}, "force kill never sent")
	c.exit(errors.New("signal: killed"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after child exit")
	}

	sigs := c.signals()
	if sigs[0] != syscall.SIGTERM {
		t.Fatalf("first signal = %v, want SIGTERM", sigs[0])
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("state = %q, want stopped", st.State)
	}
}

func TestConnectionErrorRecyclesChild(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		if n == 1 {
			fmt.Fprintln(c.stdout, "Connection was closed, trying to reconnect")
		}
		// Later children idle until signalled.
	}}
	s, _ := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The heuristic sends SIGTERM; termExits turns that into an exit, and a
	// restart must follow because intent is still running.
	waitFor(t, 2*time.Second, func() bool { return r.starts() >= 2 }, "no recycle after connection error")

	c := r.child(1)
	var sawTerm bool
	for _, sig := range c.signals() {
		if sig == syscall.SIGTERM {
			sawTerm = true
		}
	}
	if !sawTerm {
		t.Fatal("connection error did not send SIGTERM")
	}
	if st := s.Status(); st.IntendedState != IntendedRunning {
		t.Fatalf("intendedState = %q, must stay running", st.IntendedState)
	}
}

func TestShortCleanExitTreatedAsCrash(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		if n == 1 {
			c.exit(nil)
		}
	}}
	s, _ := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.starts() >= 2 }, "short clean exit did not restart")
}

func TestConcurrentStartRejected(t *testing.T) {
	gate := make(chan struct{})
	r := &fakeRunner{termExits: true, startGate: gate}
	s, _ := newTestSupervisor(t, r)

	first := make(chan error, 1)
	go func() { first <- s.Start(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.isStarting
	}, "first start never entered spawn")

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second concurrent start must fail")
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first start: %v", err)
	}
}

func TestClearLogsEmitsEventAndResetsCounts(t *testing.T) {
	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		fmt.Fprintln(c.stdout, "one")
		fmt.Fprintln(c.stdout, "two")
	}}
	s, n := newTestSupervisor(t, r)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(n.logEntries()) >= 2 }, "logs not captured")

	if err := s.ClearLogs("cleared by operator"); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}

	logs, _, total, err := s.MemoryLogs(1, 10)
	if err != nil {
		t.Fatalf("MemoryLogs: %v", err)
	}
	if total != 1 || len(logs) != 1 || logs[0].Msg != "cleared by operator" {
		t.Fatalf("after clear: total=%d logs=%+v", total, logs)
	}
	// Sequence keeps increasing across the clear.
	if logs[0].Sequence < 3 {
		t.Fatalf("sequence reset across clear: %d", logs[0].Sequence)
	}

	n.mu.Lock()
	cleared := append([]string(nil), n.cleared...)
	n.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "cleared by operator" {
		t.Fatalf("logsCleared events = %v", cleared)
	}
}

func TestStopIdempotentWhenStopped(t *testing.T) {
	r := &fakeRunner{termExits: true}
	s, _ := newTestSupervisor(t, r)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped analysis: %v", err)
	}
	if st := s.Status(); st.State != StateStopped || st.IntendedState != IntendedStopped {
		t.Fatalf("status = %+v", st)
	}
}

func TestSpawnFailure(t *testing.T) {
	r := &fakeRunner{startErr: errors.New("fork: resource temporarily unavailable")}
	s, _ := newTestSupervisor(t, r)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected spawn failure")
	}
	if st := s.Status(); st.State != StateCrashed {
		t.Fatalf("state = %q, want crashed", st.State)
	}
}

func TestLogFilePersistsAcrossSupervisors(t *testing.T) {
	root := t.TempDir()
	st := NewStorage(root)
	if err := st.WriteSource("a1", "index.js", []byte("x")); err != nil {
		t.Fatalf("write source: %v", err)
	}

	r := &fakeRunner{termExits: true, behave: func(n int, c *fakeChild) {
		fmt.Fprintln(c.stdout, "persisted line")
	}}
	n := &recordingNotifier{}
	s := newSupervisor("a1", "index.js", st, r, nil, nil, n, nil, zap.NewNop(), nil, Tunables{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(n.logEntries()) >= 1 }, "log not captured")
	s.Cleanup()

	// A fresh supervisor replays the file.
	s2 := newSupervisor("a1", "index.js", st, r, nil, nil, &recordingNotifier{}, nil, zap.NewNop(), nil, Tunables{})
	logs, _, total, err := s2.MemoryLogs(1, 10)
	if err != nil {
		t.Fatalf("MemoryLogs: %v", err)
	}
	if total != 1 || len(logs) != 1 || logs[0].Msg != "persisted line" {
		t.Fatalf("replay failed: total=%d logs=%+v", total, logs)
	}
	s2.Cleanup()

	path := filepath.Join(root, "analyses", "a1", "analysis.log")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}
