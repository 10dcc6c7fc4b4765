// ABOUTME: Job manager owning job state machines, plans and beliefs
// ABOUTME: Mutations commit under one mutex and schedule non-blocking notifications

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deepr-mcp/internal/resource"
)

// persistTimeout bounds each best-effort persistence write.
const persistTimeout = 5 * time.Second

// Persister mirrors job records to durable storage. Failures are logged and
// never roll back the in-memory mutation.
type Persister interface {
	SaveJob(ctx context.Context, state *JobState, plan *JobPlan, beliefs *JobBeliefs) error
	DeleteJob(ctx context.Context, jobID string) (bool, error)
}

// Config configures a Manager. All fields are optional.
type Config struct {
	Emitter   Emitter
	Persister Persister
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager owns every job's state, plan and beliefs.
type Manager struct {
	mu        sync.Mutex
	states    map[string]*JobState
	plans     map[string]*JobPlan
	beliefs   map[string]*JobBeliefs
	dispatch  *dispatcher
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a job manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		states:    make(map[string]*JobState),
		plans:     make(map[string]*JobPlan),
		beliefs:   make(map[string]*JobBeliefs),
		dispatch:  newDispatcher(cfg.Emitter, logger),
		persister: cfg.Persister,
		logger:    logger,
		now:       now,
	}
}

// CreateJob registers a new job in the queued phase with its plan and empty
// beliefs, then schedules a status notification.
func (m *Manager) CreateJob(id, goal, model string, estCost float64, estTime time.Duration) (JobState, error) {
	if strings.TrimSpace(id) == "" {
		return JobState{}, ErrInvalidJobID
	}
	if !resource.ValidID(id) {
		return JobState{}, fmt.Errorf("%w: %q is not a valid resource id", ErrInvalidJobID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[id]; exists {
		return JobState{}, ErrJobExists
	}

	now := m.now().UTC()
	state := &JobState{
		JobID:       id,
		Phase:       PhaseQueued,
		ActiveTasks: []string{},
		StartedAt:   now,
		UpdatedAt:   now,
		Metadata:    map[string]any{},
	}
	plan := &JobPlan{
		JobID:         id,
		Goal:          goal,
		Steps:         []string{},
		EstimatedCost: estCost,
		EstimatedTime: int64(estTime / time.Second),
		Model:         model,
	}
	beliefs := &JobBeliefs{
		JobID:   id,
		Beliefs: []Belief{},
		Sources: []string{},
	}

	m.states[id] = state
	m.plans[id] = plan
	m.beliefs[id] = beliefs

	m.persistLocked(id)
	snapshot := state.clone()
	m.dispatch.schedule(resource.CampaignURI(id, "status"), snapshot)

	m.logger.Info("job created", "job_id", id, "model", model, "estimated_cost", estCost)
	return snapshot, nil
}

// UpdatePhase moves a job to phase and applies the optional fields of upd.
// Progress is clamped to [0, 1] and UpdatedAt is always bumped. A job in a
// terminal phase is left untouched and ErrTerminal is returned.
func (m *Manager) UpdatePhase(id string, phase Phase, upd PhaseUpdate) (JobState, error) {
	if !phase.Valid() {
		return JobState{}, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return JobState{}, ErrNotFound
	}
	if state.Phase.Terminal() {
		return state.clone(), fmt.Errorf("%w: %s is %s", ErrTerminal, id, state.Phase)
	}

	prev := state.Phase
	state.Phase = phase
	if upd.Progress != nil {
		state.Progress = clamp01(*upd.Progress)
	}
	if upd.ActiveTasks != nil {
		state.ActiveTasks = copyStrings(upd.ActiveTasks)
	}
	if upd.Cost != nil {
		state.CostSoFar = *upd.Cost
	}
	if upd.Remaining != nil {
		state.EstimatedRemaining = *upd.Remaining
	}
	if upd.Error != nil {
		state.Error = *upd.Error
	}
	state.UpdatedAt = m.now().UTC()

	m.persistLocked(id)
	snapshot := state.clone()
	m.dispatch.schedule(resource.CampaignURI(id, "status"), snapshot)

	if prev != phase {
		m.logger.Info("job phase changed", "job_id", id, "from", prev, "to", phase, "progress", state.Progress)
	}
	return snapshot, nil
}

// AddBelief appends a belief, recomputes the mean confidence and schedules a
// beliefs notification. It returns false for an unknown job.
func (m *Manager) AddBelief(id, text string, confidence float64, source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beliefs[id]
	if !ok {
		return false
	}

	b.Beliefs = append(b.Beliefs, Belief{
		Text:       text,
		Confidence: clamp01(confidence),
		Source:     source,
		AddedAt:    m.now().UTC(),
	})
	if source != "" && !containsString(b.Sources, source) {
		b.Sources = append(b.Sources, source)
	}
	b.Confidence = meanConfidence(b.Beliefs)

	m.touchLocked(id)
	m.persistLocked(id)
	m.dispatch.schedule(resource.CampaignURI(id, "beliefs"), b.clone())
	return true
}

// AddFinding records a phase-tagged finding. The finding's phase is the job's
// current phase when phase is empty.
func (m *Manager) AddFinding(id, text string, phase Phase, confidence float64, source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beliefs[id]
	if !ok {
		return false
	}
	if phase == "" {
		phase = m.states[id].Phase
	}

	b.Findings = append(b.Findings, TemporalFinding{
		ID:         uuid.New().String(),
		Text:       text,
		Phase:      phase,
		Confidence: clamp01(confidence),
		Source:     source,
		Timestamp:  m.now().UTC(),
	})

	m.touchLocked(id)
	m.persistLocked(id)
	m.dispatch.schedule(resource.CampaignURI(id, "beliefs"), b.clone())
	return true
}

// AddHypothesis records a new active hypothesis and returns its ID.
func (m *Manager) AddHypothesis(id, text string, confidence float64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beliefs[id]
	if !ok {
		return "", false
	}

	h := Hypothesis{
		ID:           uuid.New().String(),
		CurrentText:  text,
		Confidence:   clamp01(confidence),
		PhaseCreated: m.states[id].Phase,
		Status:       HypothesisActive,
		UpdatedAt:    m.now().UTC(),
	}
	b.Hypotheses = append(b.Hypotheses, h)

	m.touchLocked(id)
	m.persistLocked(id)
	m.dispatch.schedule(resource.CampaignURI(id, "beliefs"), b.clone())
	return h.ID, true
}

// EvolveHypothesis revises an active hypothesis, keeping the previous text in
// its history. Invalidated hypotheses cannot evolve.
func (m *Manager) EvolveHypothesis(id, hypothesisID, text string, confidence float64) bool {
	return m.mutateHypothesis(id, hypothesisID, func(h *Hypothesis) bool {
		if h.Status != HypothesisActive {
			return false
		}
		h.History = append(h.History, h.CurrentText)
		h.CurrentText = text
		h.Confidence = clamp01(confidence)
		h.EvolutionCount++
		return true
	})
}

// InvalidateHypothesis marks a hypothesis as no longer standing.
func (m *Manager) InvalidateHypothesis(id, hypothesisID, reason string) bool {
	return m.mutateHypothesis(id, hypothesisID, func(h *Hypothesis) bool {
		if h.Status == HypothesisInvalidated {
			return false
		}
		h.Status = HypothesisInvalidated
		h.Reason = reason
		return true
	})
}

func (m *Manager) mutateHypothesis(id, hypothesisID string, apply func(*Hypothesis) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beliefs[id]
	if !ok {
		return false
	}
	for i := range b.Hypotheses {
		h := &b.Hypotheses[i]
		if h.ID != hypothesisID {
			continue
		}
		if !apply(h) {
			return false
		}
		h.UpdatedAt = m.now().UTC()
		m.touchLocked(id)
		m.persistLocked(id)
		m.dispatch.schedule(resource.CampaignURI(id, "beliefs"), b.clone())
		return true
	}
	return false
}

// UpdatePlan replaces a job's steps and schedules a plan notification.
func (m *Manager) UpdatePlan(id string, steps []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return false
	}
	plan.Steps = copyStrings(steps)

	m.touchLocked(id)
	m.persistLocked(id)
	m.dispatch.schedule(resource.CampaignURI(id, "plan"), plan.clone())
	return true
}

// SetMetadata stores a metadata key on the job state.
func (m *Manager) SetMetadata(id, key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return false
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	}
	state.Metadata[key] = value
	state.UpdatedAt = m.now().UTC()

	m.persistLocked(id)
	m.dispatch.schedule(resource.CampaignURI(id, "status"), state.clone())
	return true
}

// GetJob returns a snapshot of a job's state.
func (m *Manager) GetJob(id string) (JobState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return JobState{}, false
	}
	return state.clone(), true
}

// GetPlan returns a snapshot of a job's plan.
func (m *Manager) GetPlan(id string) (JobPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return JobPlan{}, false
	}
	return plan.clone(), true
}

// GetBeliefs returns a snapshot of a job's beliefs.
func (m *Manager) GetBeliefs(id string) (JobBeliefs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beliefs[id]
	if !ok {
		return JobBeliefs{}, false
	}
	return b.clone(), true
}

// ListJobs returns job snapshots ordered by start time. A nil phase returns
// every job.
func (m *Manager) ListJobs(phase *Phase) []JobState {
	m.mu.Lock()
	out := make([]JobState, 0, len(m.states))
	for _, state := range m.states {
		if phase != nil && state.Phase != *phase {
			continue
		}
		out = append(out, state.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// RemoveJob deletes a job's state, plan and beliefs together.
func (m *Manager) RemoveJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[id]; !ok {
		return false
	}
	delete(m.states, id)
	delete(m.plans, id)
	delete(m.beliefs, id)

	if m.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := m.persister.DeleteJob(ctx, id); err != nil {
			m.logger.Warn("failed to delete persisted job", "job_id", id, "error", err)
		}
	}

	m.logger.Info("job removed", "job_id", id)
	return true
}

// Restore loads a persisted job without scheduling notifications or writing
// it back. plan and beliefs may be nil.
func (m *Manager) Restore(state JobState, plan *JobPlan, beliefs *JobBeliefs) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := state.clone()
	m.states[state.JobID] = &s

	if plan != nil {
		p := plan.clone()
		m.plans[state.JobID] = &p
	} else {
		m.plans[state.JobID] = &JobPlan{JobID: state.JobID, Steps: []string{}}
	}

	if beliefs != nil {
		b := beliefs.clone()
		m.beliefs[state.JobID] = &b
	} else {
		m.beliefs[state.JobID] = &JobBeliefs{JobID: state.JobID, Beliefs: []Belief{}, Sources: []string{}}
	}
}

// PendingNotifications returns the number of queued or in-flight notifications.
func (m *Manager) PendingNotifications() int {
	return m.dispatch.pending()
}

// Close stops scheduling notifications and waits for queued ones. When ctx
// expires first, queued notifications are dropped and ctx's error returned.
func (m *Manager) Close(ctx context.Context) error {
	return m.dispatch.close(ctx)
}

// touchLocked bumps UpdatedAt on the job state. Must hold mu.
func (m *Manager) touchLocked(id string) {
	if state, ok := m.states[id]; ok {
		state.UpdatedAt = m.now().UTC()
	}
}

// persistLocked mirrors a job to the persister. Must hold mu so that
// persisted order matches commit order.
func (m *Manager) persistLocked(id string) {
	if m.persister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	state := m.states[id].clone()
	plan := m.plans[id].clone()
	beliefs := m.beliefs[id].clone()
	if err := m.persister.SaveJob(ctx, &state, &plan, &beliefs); err != nil {
		m.logger.Warn("failed to persist job", "job_id", id, "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
