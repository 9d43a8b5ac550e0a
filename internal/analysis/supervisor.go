package analysis

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/dnscache"
	"github.com/scriptops/scriptops/internal/metrics"
)

// State is the observed lifecycle state of one analysis child.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

const (
	// IntendedRunning and IntendedStopped record the operator's most recent
	// wish, distinct from the observed state.
	IntendedRunning = "running"
	IntendedStopped = "stopped"
)

const (
	defaultForceKillTimeout    = 5 * time.Second
	defaultInitialRestartDelay = 5 * time.Second
	defaultMaxRestartDelay     = 60 * time.Second
	defaultShortRunThreshold   = time.Second

	// connectionErrorPattern marks an SDK reconnection loop in child stdout.
	// The supervisor reacts by recycling the child instead of letting it spin.
	connectionErrorPattern = "Connection was closed, trying to reconnect"
)

// Status is a point-in-time snapshot of one supervisor.
type Status struct {
	State           State  `json:"status"`
	IntendedState   string `json:"intendedState"`
	Enabled         bool   `json:"enabled"`
	PID             int    `json:"pid,omitempty"`
	RestartAttempts int    `json:"restartAttempts"`
	TotalLogCount   uint64 `json:"totalLogCount"`
}

// Notifier receives lifecycle and log events for fan-out to clients. Calls
// are made outside the supervisor's lock and must not block.
type Notifier interface {
	AnalysisUpdate(analysisID string, st Status)
	AnalysisLog(analysisID, fileName string, entry LogEntry, totalCount uint64)
	LogsCleared(analysisID, clearMessage string)
}

// Tunables overrides the supervisor's timing defaults, mainly for tests.
type Tunables struct {
	ForceKillTimeout    time.Duration
	InitialRestartDelay time.Duration
	MaxRestartDelay     time.Duration
	ShortRunThreshold   time.Duration
}

func (t Tunables) withDefaults() Tunables {
	if t.ForceKillTimeout <= 0 {
		t.ForceKillTimeout = defaultForceKillTimeout
	}
	if t.InitialRestartDelay <= 0 {
		t.InitialRestartDelay = defaultInitialRestartDelay
	}
	if t.MaxRestartDelay <= 0 {
		t.MaxRestartDelay = defaultMaxRestartDelay
	}
	if t.ShortRunThreshold <= 0 {
		t.ShortRunThreshold = defaultShortRunThreshold
	}
	return t
}

// Supervisor owns one analysis's child process, log pipeline and restart
// policy. All aggregate state is guarded by mu; child I/O runs on reader
// goroutines that funnel back through appendLog.
type Supervisor struct {
	id       string
	fileName string

	storage  Storage
	runner   ProcessRunner
	worker   []string // wrapper command; the script path is appended
	dns      *dnscache.Service
	notifier Notifier
	persist  func(intendedState string, enabled bool)
	log      *zap.Logger
	metrics  *metrics.Metrics
	tun      Tunables

	mu              sync.Mutex
	state           State
	intendedState   string
	enabled         bool
	isStarting      bool
	draining        bool
	connectionErr   bool
	restartAttempts int
	backoff         retry.Backoff
	restartTimer    *time.Timer
	proc            *Process
	exited          chan struct{}
	startedAt       time.Time
	sequence        uint64
	buffer          *logBuffer
	logFile         *logFile
	logInit         bool
}

func newSupervisor(id, fileName string, st Storage, runner ProcessRunner, worker []string,
	dns *dnscache.Service, notifier Notifier, persist func(string, bool),
	log *zap.Logger, m *metrics.Metrics, tun Tunables) *Supervisor {
	return &Supervisor{
		id:            id,
		fileName:      fileName,
		storage:       st,
		runner:        runner,
		worker:        worker,
		dns:           dns,
		notifier:      notifier,
		persist:       persist,
		log:           log.Named("supervisor").With(zap.String("analysisId", id)),
		metrics:       m,
		tun:           tun.withDefaults(),
		state:         StateStopped,
		intendedState: IntendedStopped,
		buffer:        newLogBuffer(),
	}
}

// Start launches the child on the operator's behalf, resetting the restart
// budget. Fails when a start is already in flight or a child is running.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.start(ctx, true)
}

func (s *Supervisor) start(ctx context.Context, manual bool) error {
	s.mu.Lock()
	if s.isStarting {
		s.mu.Unlock()
		return apperr.New(apperr.ErrConflict, "Analysis is already starting")
	}
	if s.proc != nil {
		s.mu.Unlock()
		return apperr.New(apperr.ErrConflict, "Analysis is already running")
	}
	s.isStarting = true
	s.cancelRestartLocked()
	s.draining = false
	s.intendedState = IntendedRunning
	s.enabled = true
	if manual {
		s.restartAttempts = 0
		s.backoff = nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	if manual && s.persist != nil {
		s.persist(IntendedRunning, true)
	}
	s.notifyStatus()

	if err := s.ensureLogState(); err != nil {
		s.log.Warn("log state init failed", zap.Error(err))
	}

	proc, err := s.spawn(ctx)

	s.mu.Lock()
	s.isStarting = false
	if err != nil {
		s.state = StateCrashed
		if !manual {
			s.scheduleRestartLocked(0)
		}
		s.mu.Unlock()
		s.notifyStatus()
		s.log.Error("spawn failed", zap.Error(err))
		return apperr.Wrap(apperr.ErrInternal, "Failed to start analysis", err)
	}

	stopRaced := s.intendedState == IntendedStopped
	s.proc = proc
	s.startedAt = time.Now()
	s.connectionErr = false
	exited := make(chan struct{})
	s.exited = exited
	s.state = StateRunning
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AnalysisStarts.Inc()
		s.metrics.AnalysesRunning.Inc()
		if !manual {
			s.metrics.AnalysisRestarts.Inc()
		}
	}
	s.log.Info("child started", zap.Int("pid", proc.PID), zap.Bool("manual", manual))

	go s.readOutput(proc.Stdout, false)
	go s.readOutput(proc.Stderr, true)
	if s.dns != nil && proc.DNS != nil {
		go s.dns.ServeChild(context.Background(), proc.DNS)
	}
	go s.waitChild(proc, exited, time.Now())

	s.notifyStatus()

	// A stop or cleanup slipped in while the fork was in flight; honor it.
	if stopRaced {
		_ = proc.Kill()
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) (*Process, error) {
	dir, err := s.storage.Dir(s.id)
	if err != nil {
		return nil, err
	}
	envPath, err := s.storage.EnvPath(s.id)
	if err != nil {
		return nil, err
	}
	vars, err := LoadEnvFile(envPath)
	if err != nil {
		s.log.Warn("env file unreadable, starting without it", zap.Error(err))
		vars = map[string]string{}
	}

	spec := Spec{
		Dir: dir,
		Env: envSlice(vars),
	}
	if len(s.worker) > 0 {
		spec.Command = s.worker[0]
		spec.Args = append(append([]string{}, s.worker[1:]...), s.fileName)
	} else {
		spec.Command = s.fileName
	}
	return s.runner.Start(ctx, spec)
}

// Stop terminates the child cooperatively, escalating to a force kill after
// the grace period. Idempotent when nothing is running. Returns only after
// the child has exited.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancelRestartLocked()
	s.intendedState = IntendedStopped
	s.enabled = false
	if s.proc == nil {
		s.state = StateStopped
		s.mu.Unlock()
		if s.persist != nil {
			s.persist(IntendedStopped, false)
		}
		s.notifyStatus()
		return nil
	}
	proc := s.proc
	exited := s.exited
	s.state = StateStopping
	s.mu.Unlock()

	if s.persist != nil {
		s.persist(IntendedStopped, false)
	}
	s.notifyStatus()
	s.log.Info("stopping child", zap.Int("pid", proc.PID))

	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-exited:
		return nil
	case <-time.After(s.tun.ForceKillTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Warn("child ignored SIGTERM, force killing", zap.Int("pid", proc.PID))
	_ = proc.Kill()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate stops the child for process shutdown without changing the
// operator's persisted intent, so the analysis resumes on the next boot.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	s.cancelRestartLocked()
	s.draining = true
	proc := s.proc
	exited := s.exited
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return nil
	case <-time.After(s.tun.ForceKillTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = proc.Kill()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup kills the child unconditionally, closes the log file and resets
// the aggregate. Safe to call during a concurrent start.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	s.cancelRestartLocked()
	s.intendedState = IntendedStopped
	proc := s.proc
	exited := s.exited
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
		<-exited
	}

	s.mu.Lock()
	if s.logFile != nil {
		if err := s.logFile.close(); err != nil {
			s.log.Warn("close log file", zap.Error(err))
		}
		s.logFile = nil
	}
	s.logInit = false
	s.buffer.clear()
	s.sequence = 0
	s.state = StateStopped
	s.enabled = false
	s.restartAttempts = 0
	s.backoff = nil
	s.mu.Unlock()
}

// Status returns a snapshot of the aggregate.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{
		State:           s.state,
		IntendedState:   s.intendedState,
		Enabled:         s.enabled,
		RestartAttempts: s.restartAttempts,
		TotalLogCount:   s.buffer.total,
	}
	if s.proc != nil {
		st.PID = s.proc.PID
	}
	return st
}

// MemoryLogs returns one page of the in-memory ring, newest first.
func (s *Supervisor) MemoryLogs(page, limit int) (logs []LogEntry, hasMore bool, total uint64, err error) {
	if err := s.ensureLogState(); err != nil {
		return nil, false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	logs, hasMore, total = s.buffer.page(page, limit)
	return logs, hasMore, total, nil
}

// ClearLogs truncates the file and ring. A non-empty clearMessage becomes
// the only initial entry after the clear.
func (s *Supervisor) ClearLogs(clearMessage string) error {
	if err := s.ensureLogState(); err != nil {
		return err
	}
	s.mu.Lock()
	s.buffer.clear()
	if s.logFile != nil {
		if err := s.logFile.truncate(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if clearMessage != "" {
		s.sequence++
		e := LogEntry{Time: time.Now().UTC(), Msg: clearMessage, Level: "system", Sequence: s.sequence}
		s.buffer.append(e)
		if s.logFile != nil {
			if err := s.logFile.appendEntry(&e); err != nil {
				s.log.Warn("append clear message", zap.Error(err))
			}
		}
	}
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.LogsCleared(s.id, clearMessage)
	}
	return nil
}

// DownloadLogs streams persisted entries within [from, to] to w as NDJSON.
// Zero bounds are open-ended.
func (s *Supervisor) DownloadLogs(w io.Writer, from, to time.Time) error {
	path, err := s.storage.LogPath(s.id)
	if err != nil {
		return err
	}
	return copyLogRange(path, w, from, to)
}

// ensureLogState lazily replays the persisted log on first access after
// process startup, enforcing the size cap.
func (s *Supervisor) ensureLogState() error {
	s.mu.Lock()
	if s.logInit {
		s.mu.Unlock()
		return nil
	}

	path, err := s.storage.LogPath(s.id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	entries, total, cleared, err := loadLogState(path, maxMemoryLogs)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	lf, err := openLogFile(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.logFile = lf
	s.buffer.preload(entries, total)
	s.sequence = total
	if n := len(entries); n > 0 && entries[n-1].Sequence > s.sequence {
		s.sequence = entries[n-1].Sequence
	}
	if cleared {
		s.sequence++
		e := LogEntry{Time: time.Now().UTC(), Msg: SizeClearMessage, Level: "system", Sequence: s.sequence}
		s.buffer.append(e)
		if err := lf.appendEntry(&e); err != nil {
			s.log.Warn("append size-clear entry", zap.Error(err))
		}
	}
	s.logInit = true
	s.mu.Unlock()

	if cleared {
		s.log.Warn("log file exceeded size cap, cleared", zap.String("path", path))
		if s.notifier != nil {
			s.notifier.LogsCleared(s.id, SizeClearMessage)
		}
	}
	return nil
}

// readOutput consumes one child stream line by line. Stderr lines are
// recorded with an "ERROR: " prefix; a stdout line matching the connection
// error pattern triggers a cooperative recycle.
func (s *Supervisor) readOutput(r io.Reader, stderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if !stderr && strings.Contains(line, connectionErrorPattern) {
			s.mu.Lock()
			s.connectionErr = true
			proc := s.proc
			s.mu.Unlock()
			s.log.Warn("connection error detected, recycling child")
			if proc != nil {
				_ = proc.Signal(syscall.SIGTERM)
			}
		}

		msg, level := line, "info"
		if stderr {
			msg, level = "ERROR: "+line, "error"
		}
		s.appendLog(msg, level)
	}
}

func (s *Supervisor) appendLog(msg, level string) {
	s.mu.Lock()
	s.sequence++
	e := LogEntry{Time: time.Now().UTC(), Msg: msg, Level: level, Sequence: s.sequence}
	s.buffer.append(e)
	total := s.buffer.total
	lf := s.logFile
	if lf != nil {
		if err := lf.appendEntry(&e); err != nil {
			// Best effort; never surfaces to the user script.
			s.log.Warn("append log entry", zap.Error(err))
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LogEntries.Inc()
	}
	if s.notifier != nil {
		s.notifier.AnalysisLog(s.id, s.fileName, e, total)
	}
}

// waitChild classifies the exit and applies the restart policy.
func (s *Supervisor) waitChild(proc *Process, exited chan struct{}, started time.Time) {
	err := proc.Wait()
	if proc.DNS != nil {
		_ = proc.DNS.Close()
	}
	code := exitCode(err)
	ranFor := time.Since(started)

	if s.metrics != nil {
		s.metrics.AnalysesRunning.Dec()
	}

	s.mu.Lock()
	s.proc = nil
	close(exited)
	connErr := s.connectionErr
	s.connectionErr = false

	switch {
	case s.draining || s.intendedState == IntendedStopped:
		s.state = StateStopped

	case connErr:
		// Reconnection loop; intendedState stays running so the restart
		// budget keeps applying.
		s.state = StateStopped
		s.scheduleRestartLocked(0)

	case code != 0:
		s.state = StateCrashed
		if s.metrics != nil {
			s.metrics.AnalysisCrashes.Inc()
		}
		s.scheduleRestartLocked(0)

	case ranFor <= s.tun.ShortRunThreshold:
		// A listener that exits cleanly this fast did not listen.
		s.state = StateCrashed
		if s.metrics != nil {
			s.metrics.AnalysisCrashes.Inc()
		}
		s.scheduleRestartLocked(0)

	default:
		s.state = StateStopped
		s.scheduleRestartLocked(s.tun.InitialRestartDelay)
	}
	s.mu.Unlock()

	s.log.Info("child exited",
		zap.Int("exitCode", code),
		zap.Duration("ranFor", ranFor),
		zap.Bool("connectionError", connErr))
	s.notifyStatus()
}

// scheduleRestartLocked arms the restart timer. A fixed delay bypasses the
// exponential backoff; zero means take the next backoff step,
// min(initial * 2^(attempts-1), max). Caller holds s.mu.
func (s *Supervisor) scheduleRestartLocked(fixed time.Duration) {
	s.restartAttempts++
	delay := fixed
	if delay <= 0 {
		if s.backoff == nil {
			s.backoff = retry.WithCappedDuration(s.tun.MaxRestartDelay,
				retry.NewExponential(s.tun.InitialRestartDelay))
		}
		delay, _ = s.backoff.Next()
	}
	s.log.Info("restart scheduled",
		zap.Int("attempt", s.restartAttempts),
		zap.Duration("delay", delay))
	s.restartTimer = time.AfterFunc(delay, s.restartFired)
}

func (s *Supervisor) restartFired() {
	s.mu.Lock()
	restartable := s.intendedState == IntendedRunning && s.proc == nil && !s.isStarting
	s.mu.Unlock()
	if !restartable {
		return
	}
	if err := s.start(context.Background(), false); err != nil {
		s.log.Warn("scheduled restart failed", zap.Error(err))
	}
}

func (s *Supervisor) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Supervisor) notifyStatus() {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	st := s.statusLocked()
	s.mu.Unlock()
	s.notifier.AnalysisUpdate(s.id, st)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
