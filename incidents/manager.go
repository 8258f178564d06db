// Package incidents runs planning pipelines per incident. Incidents run
// independently and in parallel; a newer submission for an incident
// supersedes its in-flight run.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/rescueplan/internal/logger"
	"github.com/liamcoop/rescueplan/pipeline"
)

var (
	// ErrNotFound is returned for unknown incident ids.
	ErrNotFound = errors.New("incident not found")
	// ErrSuperseded is the cancellation cause of a run replaced by a newer
	// submission.
	ErrSuperseded = errors.New("superseded by a newer submission")
	// ErrCanceledByOperator is the cancellation cause of Cancel.
	ErrCanceledByOperator = errors.New("canceled by operator")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("incident manager is shut down")
)

// Runner executes pipelines. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) *pipeline.Result
	Release(ctx context.Context, res *pipeline.Result) error
}

// ResultSink receives every finished result.
type ResultSink interface {
	Save(ctx context.Context, res *pipeline.Result) error
}

// Status describes one incident.
type Status struct {
	IncidentID  string          `json:"incident_id"`
	Running     bool            `json:"running"`
	RunID       string          `json:"run_id,omitempty"`
	LastRunID   string          `json:"last_run_id,omitempty"`
	LastStatus  pipeline.Status `json:"last_status,omitempty"`
	LastReason  pipeline.Reason `json:"last_reason,omitempty"`
	Committed   string          `json:"committed_run_id,omitempty"`
	Submissions int             `json:"submissions"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// incident is the per-incident run state, guarded by Manager.mu.
type incident struct {
	id          string
	generation  int
	runID       string
	cancel      context.CancelCauseFunc
	done        chan struct{}
	last        *pipeline.Result
	committed   *pipeline.Result
	submissions int
	updated     time.Time
}

// Manager tracks incidents and their runs.
type Manager struct {
	runner    Runner
	sink      ResultSink
	incidents map[string]*incident
	closed    bool
	wg        sync.WaitGroup
	mu        sync.RWMutex
	now       func() time.Time
}

// NewManager creates a manager. sink may be nil.
func NewManager(runner Runner, sink ResultSink) *Manager {
	return &Manager{
		runner:    runner,
		sink:      sink,
		incidents: make(map[string]*incident),
		now:       time.Now,
	}
}

// Submit runs a pipeline for req.IncidentID and waits for its result. An
// in-flight run of the same incident is canceled first, and runs of one
// incident never overlap. When req.Commit is set, the plan committed by an
// earlier run of the incident is released before the new run starts.
func (m *Manager) Submit(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if req.IncidentID == "" {
		return nil, errors.New("incident id is required")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	inc, exists := m.incidents[req.IncidentID]
	if !exists {
		inc = &incident{id: req.IncidentID}
		m.incidents[req.IncidentID] = inc
	}
	if inc.cancel != nil {
		inc.cancel(ErrSuperseded)
		logger.Info("incident run superseded", "incident_id", inc.id, "run_id", inc.runID, "by", req.RunID)
	}
	previous := inc.done
	inc.generation++
	generation := inc.generation
	inc.runID = req.RunID
	inc.cancel = cancel
	inc.done = make(chan struct{})
	done := inc.done
	inc.submissions++
	inc.updated = m.now()
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	defer close(done)

	if previous != nil {
		select {
		case <-previous:
		case <-runCtx.Done():
		}
	}

	if req.Commit {
		m.mu.Lock()
		stale := inc.committed
		if inc.generation == generation {
			inc.committed = nil
		} else {
			stale = nil
		}
		m.mu.Unlock()
		m.release(ctx, stale)
	}

	res := m.runner.Run(runCtx, req)

	m.mu.Lock()
	current := inc.generation == generation
	if current {
		inc.cancel = nil
		inc.runID = ""
		inc.last = res
		if res.Plan != nil && res.Plan.Committed {
			inc.committed = res
		}
		inc.updated = m.now()
	}
	m.mu.Unlock()

	// A superseded run that committed before it saw the cancellation would
	// otherwise hold its resources forever.
	if !current && res.Plan != nil && res.Plan.Committed {
		m.release(ctx, res)
	}

	if m.sink != nil {
		if err := m.sink.Save(context.WithoutCancel(ctx), res); err != nil {
			logger.Error("failed to save run result", "run_id", res.RunID, "incident_id", res.IncidentID, "error", err)
		}
	}
	return res, nil
}

func (m *Manager) release(ctx context.Context, res *pipeline.Result) {
	if res == nil {
		return
	}
	if err := m.runner.Release(context.WithoutCancel(ctx), res); err != nil {
		logger.Error("failed to release committed plan", "run_id", res.RunID, "incident_id", res.IncidentID, "error", err)
		return
	}
	logger.Info("released committed plan", "run_id", res.RunID, "incident_id", res.IncidentID)
}

// Cancel cancels the in-flight run of incidentID. It reports whether a run
// was in flight.
func (m *Manager) Cancel(incidentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, exists := m.incidents[incidentID]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if inc.cancel == nil {
		return false, nil
	}
	inc.cancel(ErrCanceledByOperator)
	inc.cancel = nil
	return true, nil
}

// Get returns the status of one incident.
func (m *Manager) Get(incidentID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, exists := m.incidents[incidentID]
	if !exists {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	return inc.status(), nil
}

// List returns every known incident, ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out
}

// Active returns the incidents with a run in flight.
func (m *Manager) Active() []Status {
	var out []Status
	for _, s := range m.List() {
		if s.Running {
			out = append(out, s)
		}
	}
	return out
}

// Result returns the latest result of any incident with the given run id.
func (m *Manager) Result(runID string) (*pipeline.Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inc := range m.incidents {
		if inc.last != nil && inc.last.RunID == runID {
			return inc.last, true
		}
	}
	return nil, false
}

// Close cancels the incident's run, releases its committed plan and
// forgets it.
func (m *Manager) Close(ctx context.Context, incidentID string) error {
	m.mu.Lock()
	inc, exists := m.incidents[incidentID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if inc.cancel != nil {
		inc.cancel(ErrCanceledByOperator)
	}
	done := inc.done
	delete(m.incidents, incidentID)
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Read after the run stopped; it cannot change any more.
	m.release(ctx, inc.committed)
	return nil
}

// Shutdown cancels every in-flight run and waits for them to finish or for
// ctx to end. Committed plans stay reserved.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, inc := range m.incidents {
		if inc.cancel != nil {
			inc.cancel(ErrClosed)
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain incident runs: %w", ctx.Err())
	}
}

func (inc *incident) status() Status {
	s := Status{
		IncidentID:  inc.id,
		Running:     inc.runID != "",
		RunID:       inc.runID,
		Submissions: inc.submissions,
		UpdatedAt:   inc.updated,
	}
	if inc.last != nil {
		s.LastRunID = inc.last.RunID
		s.LastStatus = inc.last.Status
		s.LastReason = inc.last.Reason
	}
	if inc.committed != nil {
		s.Committed = inc.committed.RunID
	}
	return s
}
