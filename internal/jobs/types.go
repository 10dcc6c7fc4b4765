// ABOUTME: Job state, plan and belief types for the job state machine
// ABOUTME: Snapshots returned to callers are deep copies of manager-owned records

package jobs

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNotFound is returned for an unknown job ID.
	ErrNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose ID is taken.
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidJobID is returned for an empty job ID.
	ErrInvalidJobID = errors.New("job id is required")

	// ErrInvalidPhase is returned for a phase outside the lifecycle.
	ErrInvalidPhase = errors.New("invalid job phase")

	// ErrTerminal is returned when changing the phase of a completed, failed
	// or cancelled job.
	ErrTerminal = errors.New("job already finished")
)

// Phase is one state in the job lifecycle.
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhaseQueued,
	PhasePlanning,
	PhaseExecuting,
	PhaseSynthesizing,
	PhaseCompleted,
	PhaseFailed,
	PhaseCancelled,
}

// Valid reports whether p is a lifecycle phase.
func (p Phase) Valid() bool {
	for _, v := range Phases {
		if p == v {
			return true
		}
	}
	return false
}

// Terminal reports whether p ends the lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// JobState is the live status of a job. EstimatedRemaining is in seconds.
type JobState struct {
	JobID              string         `json:"job_id"`
	Phase              Phase          `json:"phase"`
	Progress           float64        `json:"progress"`
	ActiveTasks        []string       `json:"active_tasks"`
	CostSoFar          float64        `json:"cost_so_far"`
	EstimatedRemaining float64        `json:"estimated_remaining"`
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Error              string         `json:"error,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// JobPlan describes how a job intends to reach its goal. EstimatedTime is in
// seconds.
type JobPlan struct {
	JobID         string   `json:"job_id"`
	Goal          string   `json:"goal"`
	Steps         []string `json:"steps"`
	EstimatedCost float64  `json:"estimated_cost"`
	EstimatedTime int64    `json:"estimated_time"`
	Model         string   `json:"model"`
}

// Belief is a claim the job currently holds.
type Belief struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	AddedAt    time.Time `json:"added_at"`
}

// TemporalFinding is a timestamped claim tagged with the phase that found it.
type TemporalFinding struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Phase      Phase     `json:"phase"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HypothesisStatus tracks whether a hypothesis still stands.
type HypothesisStatus string

const (
	HypothesisActive      HypothesisStatus = "active"
	HypothesisInvalidated HypothesisStatus = "invalidated"
)

// Hypothesis is a working claim that may be revised as evidence arrives.
type Hypothesis struct {
	ID             string           `json:"id"`
	CurrentText    string           `json:"current_text"`
	Confidence     float64          `json:"confidence"`
	PhaseCreated   Phase            `json:"phase_created"`
	EvolutionCount int              `json:"evolution_count"`
	Status         HypothesisStatus `json:"status"`
	History        []string         `json:"history,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// JobBeliefs aggregates everything a job believes. Confidence is the mean of
// the belief confidences.
type JobBeliefs struct {
	JobID      string            `json:"job_id"`
	Beliefs    []Belief          `json:"beliefs"`
	Sources    []string          `json:"sources"`
	Confidence float64           `json:"confidence"`
	Findings   []TemporalFinding `json:"findings,omitempty"`
	Hypotheses []Hypothesis      `json:"hypotheses,omitempty"`
}

// PhaseUpdate carries the optional fields of UpdatePhase. Nil fields are left
// unchanged; a non-nil Error of "" clears the error.
type PhaseUpdate struct {
	Progress    *float64
	ActiveTasks []string
	Cost        *float64
	Remaining   *float64
	Error       *string
}

// Float returns a pointer to v, for PhaseUpdate literals.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v, for PhaseUpdate literals.
func String(v string) *string { return &v }

// clamp01 limits v to [0, 1]. NaN becomes 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// meanConfidence returns the arithmetic mean of belief confidences.
func meanConfidence(beliefs []Belief) float64 {
	if len(beliefs) == 0 {
		return 0
	}
	var sum float64
	for _, b := range beliefs {
		sum += b.Confidence
	}
	return sum / float64(len(beliefs))
}

func (s *JobState) clone() JobState {
	out := *s
	out.ActiveTasks = copyStrings(s.ActiveTasks)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (p *JobPlan) clone() JobPlan {
	out := *p
	out.Steps = copyStrings(p.Steps)
	return out
}

func (b *JobBeliefs) clone() JobBeliefs {
	out := *b
	out.Beliefs = make([]Belief, len(b.Beliefs))
	copy(out.Beliefs, b.Beliefs)
	out.Sources = copyStrings(b.Sources)
	out.Findings = append([]TemporalFinding(nil), b.Findings...)
	out.Hypotheses = make([]Hypothesis, len(b.Hypotheses))
	for i, h := range b.Hypotheses {
		h.History = append([]string(nil), h.History...)
		out.Hypotheses[i] = h
	}
	if len(b.Hypotheses) == 0 {
		out.Hypotheses = nil
	}
	return out
}

// copyStrings returns a non-nil copy of s.
func copyStrings(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
