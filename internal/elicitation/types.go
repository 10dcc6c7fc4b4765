// ABOUTME: Elicitation request, response and target types
// ABOUTME: Targets are ordered mcp > cli > web for automatic selection

package elicitation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoHandler is returned when no handler is registered for any target.
	ErrNoHandler = errors.New("no elicitation handler available")

	// ErrInvalidSchema is returned when a JSON schema cannot be parsed.
	ErrInvalidSchema = errors.New("invalid elicitation schema")

	// ErrUnknownRequest is returned when delivering a response for a request
	// that is not pending.
	ErrUnknownRequest = errors.New("no pending elicitation request")
)

// Target is an input channel that can answer elicitation requests.
type Target string

const (
	TargetAuto Target = "auto"
	TargetMCP  Target = "mcp"
	TargetCLI  Target = "cli"
	TargetWeb  Target = "web"
)

// TargetPriority is the order used for automatic target selection.
var TargetPriority = []Target{TargetMCP, TargetCLI, TargetWeb}

// Priority tells a handler how prominently to surface a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DefaultTimeoutSeconds applies when a request leaves TimeoutSeconds unset.
const DefaultTimeoutSeconds = 300

// Request asks a human for values matching Schema.
type Request struct {
	ID             string         `json:"id"`
	Message        string         `json:"message"`
	Schema         Schema         `json:"schema"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Context        map[string]any `json:"context,omitempty"`
	Priority       Priority       `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewRequest builds a request with a fresh ID and normal priority.
func NewRequest(message string, schema Schema, timeoutSeconds int) *Request {
	return &Request{
		ID:             uuid.New().String(),
		Message:        message,
		Schema:         schema,
		TimeoutSeconds: timeoutSeconds,
		Context:        map[string]any{},
		Priority:       PriorityNormal,
		CreatedAt:      time.Now().UTC(),
	}
}

// Timeout returns the request timeout, or fallback when unset.
func (r *Request) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Response is the outcome of routing a request. WasDefault distinguishes a
// synthesized answer from a human one.
type Response struct {
	RequestID   string         `json:"request_id"`
	Response    map[string]any `json:"response"`
	Target      Target         `json:"target"`
	RespondedAt time.Time      `json:"responded_at"`
	WasDefault  bool           `json:"was_default"`
	TimeoutUsed bool           `json:"timeout_used"`
}

// String returns the response value for key as a string, or "".
func (r *Response) String(key string) string {
	if v, ok := r.Response[key].(string); ok {
		return v
	}
	return ""
}

// Number returns the response value for key as a float64. JSON numbers,
// Go integers and numeric strings are accepted.
func (r *Response) Number(key string) (float64, bool) {
	return toFloat(r.Response[key])
}
