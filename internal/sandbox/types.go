// ABOUTME: Sandbox configuration, mutable state and extracted result types
// ABOUTME: Snapshots handed to callers are copies of manager-owned records

package sandbox

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown sandbox ID.
	ErrNotFound = errors.New("sandbox not found")

	// ErrInvalidConfig is returned when CreateSandbox arguments are invalid.
	ErrInvalidConfig = errors.New("invalid sandbox config")

	// ErrNotActive is returned when writing to a sandbox that is not active.
	ErrNotActive = errors.New("sandbox is not active")

	// ErrUnsafePath is returned when a filename or path would escape the
	// sandbox directory.
	ErrUnsafePath = errors.New("unsafe path")
)

// DefaultAllowedTools is the allow-list used when CreateSandbox is given none.
var DefaultAllowedTools = []string{
	"web_search",
	"fetch_url",
	"read_artifact",
	"write_artifact",
	"summarize",
}

const (
	artifactsDir = "artifacts"
	logsDir      = "logs"
	reportFile   = "report.md"
	logFile      = "sandbox.log"
)

// Status is a sandbox lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCleaned      Status = "cleaned"
)

// Config is fixed when a sandbox is created.
type Config struct {
	SandboxID      string    `json:"sandbox_id"`
	JobID          string    `json:"job_id"`
	WorkingDir     string    `json:"working_dir"`
	MaxTokens      int       `json:"max_tokens"`
	AllowedTools   []string  `json:"allowed_tools"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolCall is one recorded tool invocation.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Tokens    int            `json:"tokens"`
	Timestamp time.Time      `json:"timestamp"`
}

// State is the mutable side of a sandbox.
type State struct {
	SandboxID   string     `json:"sandbox_id"`
	JobID       string     `json:"job_id"`
	Status      Status     `json:"status"`
	TokensUsed  int        `json:"tokens_used"`
	ToolCalls   []ToolCall `json:"tool_calls"`
	Artifacts   []string   `json:"artifacts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the final projection of a sandbox run.
type Result struct {
	SandboxID string         `json:"sandbox_id"`
	JobID     string         `json:"job_id"`
	Report    string         `json:"report"`
	Artifacts []string       `json:"artifacts"`
	Metadata  map[string]any `json:"metadata"`
}

func (c *Config) clone() Config {
	out := *c
	out.AllowedTools = append([]string{}, c.AllowedTools...)
	return out
}

func (s *State) clone() State {
	out := *s
	out.ToolCalls = make([]ToolCall, len(s.ToolCalls))
	for i, call := range s.ToolCalls {
		if call.Args != nil {
			args := make(map[string]any, len(call.Args))
			for k, v := range call.Args {
				args[k] = v
			}
			call.Args = args
		}
		out.ToolCalls[i] = call
	}
	out.Artifacts = append([]string{}, s.Artifacts...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func (r *Result) clone() *Result {
	out := *r
	out.Artifacts = append([]string{}, r.Artifacts...)
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCleaned
}
