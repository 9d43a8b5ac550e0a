package analysis

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/dnscache"
	"github.com/scriptops/scriptops/internal/metrics"
	"github.com/scriptops/scriptops/internal/store"
)

// Manager owns one Supervisor per analysis and is the entry point the HTTP
// layer talks to. Supervisors are created lazily and run independently.
type Manager struct {
	storage  Storage
	st       *store.Store
	runner   ProcessRunner
	worker   []string
	dns      *dnscache.Service
	notifier Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics
	tun      Tunables

	mu   sync.Mutex
	sups map[string]*Supervisor
}

// NewManager wires the manager. worker is the wrapper command line the
// script path is appended to (for example ["node", "wrapper.js"]).
func NewManager(storageRoot string, st *store.Store, runner ProcessRunner, worker []string,
	dns *dnscache.Service, notifier Notifier, log *zap.Logger, m *metrics.Metrics, tun Tunables) *Manager {
	return &Manager{
		storage:  NewStorage(storageRoot),
		st:       st,
		runner:   runner,
		worker:   worker,
		dns:      dns,
		notifier: notifier,
		log:      log.Named("analysis"),
		metrics:  m,
		tun:      tun,
		sups:     make(map[string]*Supervisor),
	}
}

// Storage exposes the on-disk layout helper for the HTTP layer.
func (m *Manager) Storage() Storage {
	return m.storage
}

// supervisor returns the supervisor for an indexed analysis, creating it on
// first use. Fails with NotFound for unindexed ids.
func (m *Manager) supervisor(id string) (*Supervisor, error) {
	m.mu.Lock()
	if s, ok := m.sups[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	a, err := m.st.GetAnalysis(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperr.NotFound("Analysis")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sups[id]; ok {
		return s, nil
	}
	persist := func(intended string, enabled bool) {
		if err := m.st.SetAnalysisIntendedState(id, intended, enabled); err != nil {
			m.log.Warn("persist intended state", zap.String("analysisId", id), zap.Error(err))
		}
	}
	s := newSupervisor(id, a.FileName, m.storage, m.runner, m.worker,
		m.dns, m.notifier, persist, m.log, m.metrics, m.tun)
	m.sups[id] = s
	return s, nil
}

// Start launches the analysis child.
func (m *Manager) Start(ctx context.Context, id string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop terminates the analysis child, waiting for it to exit.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Restart recycles a running analysis; a stopped one is just started.
func (m *Manager) Restart(ctx context.Context, id string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// IsRunning reports whether the analysis currently has a live child.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	s, ok := m.sups[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	st := s.Status()
	return st.State == StateRunning || st.State == StateStarting
}

// Status returns the supervisor snapshot for one analysis.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.supervisor(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// Statuses returns snapshots for every analysis with a live supervisor.
// Analyses never touched since process start are omitted; callers treat
// absence as stopped.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.sups))
	for id, s := range m.sups {
		out[id] = s.Status()
	}
	return out
}

// MemoryLogs returns one page of an analysis's in-memory ring, newest first.
func (m *Manager) MemoryLogs(id string, page, limit int) (logs []LogEntry, hasMore bool, total uint64, err error) {
	s, err := m.supervisor(id)
	if err != nil {
		return nil, false, 0, err
	}
	return s.MemoryLogs(page, limit)
}

// ClearLogs truncates an analysis's log file and ring.
func (m *Manager) ClearLogs(id, clearMessage string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	return s.ClearLogs(clearMessage)
}

// Supervisor exposes the per-analysis handle for operations the manager does
// not wrap, such as streaming a log download.
func (m *Manager) Supervisor(id string) (*Supervisor, error) {
	return m.supervisor(id)
}

// SetFileName updates the supervisor's notion of the active script file,
// used after uploads and rollbacks change it.
func (m *Manager) SetFileName(id, fileName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sups[id]; ok {
		s.mu.Lock()
		s.fileName = fileName
		s.mu.Unlock()
	}
}

// Delete tears down an analysis: kills any child, closes the log file, drops
// the supervisor and removes the analysis directory. The index entry is the
// caller's to delete.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sups[id]
	delete(m.sups, id)
	m.mu.Unlock()
	if ok {
		s.Cleanup()
	}
	return m.storage.Remove(id)
}

// ResumeIntended starts every analysis whose persisted intent is running,
// used at process startup.
func (m *Manager) ResumeIntended(ctx context.Context) error {
	analyses, err := m.st.ListAnalyses()
	if err != nil {
		return err
	}
	for _, a := range analyses {
		if a.IntendedState != IntendedRunning || !a.Enabled {
			continue
		}
		if err := m.Start(ctx, a.ID); err != nil {
			m.log.Warn("resume failed", zap.String("analysisId", a.ID), zap.Error(err))
		}
	}
	return nil
}

// Shutdown terminates every live child without rewriting the persisted
// intent, so running analyses resume on the next boot. Bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			if err := s.Terminate(ctx); err != nil {
				s.log.Warn("shutdown terminate", zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}
