// ABOUTME: Sandbox manager creating per-job working directories and enforcing limits
// ABOUTME: Token budget, tool allow-list and timeout breaches fail the sandbox

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// BaseDir holds one directory per sandbox. Required.
	BaseDir string
	// DefaultAllowedTools replaces DefaultAllowedTools when non-empty.
	DefaultAllowedTools []string
	Logger              *slog.Logger
	Now                 func() time.Time
}

type sandbox struct {
	config Config
	state  State
	result *Result
}

// Manager owns every sandbox. Sandbox state changes only through its methods.
type Manager struct {
	mu           sync.Mutex
	sandboxes    map[string]*sandbox
	baseDir      string
	defaultTools []string
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates a sandbox manager rooted at cfg.BaseDir.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%w: base dir is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox base dir: %w", err)
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox base dir: %w", err)
	}

	tools := DefaultAllowedTools
	if len(cfg.DefaultAllowedTools) > 0 {
		tools = cfg.DefaultAllowedTools
	}
	if err := validatePatterns(tools); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		sandboxes:    make(map[string]*sandbox),
		baseDir:      base,
		defaultTools: append([]string{}, tools...),
		logger:       logger.With("component", "sandbox"),
		now:          now,
	}, nil
}

// CreateSandbox allocates a working directory for jobID. A nil or empty
// allowedTools uses the manager's default allow-list.
func (m *Manager) CreateSandbox(jobID string, maxTokens int, allowedTools []string, timeoutSeconds int) (*Config, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidConfig)
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidConfig, maxTokens)
	}
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %d", ErrInvalidConfig, timeoutSeconds)
	}
	if len(allowedTools) == 0 {
		allowedTools = m.defaultTools
	}
	if err := validatePatterns(allowedTools); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := m.now().UTC()
	sb := &sandbox{
		config: Config{
			SandboxID:      id,
			JobID:          jobID,
			WorkingDir:     filepath.Join(m.baseDir, id),
			MaxTokens:      maxTokens,
			AllowedTools:   append([]string{}, allowedTools...),
			TimeoutSeconds: timeoutSeconds,
			CreatedAt:      now,
		},
		state: State{
			SandboxID: id,
			JobID:     jobID,
			Status:    StatusInitializing,
			ToolCalls: []ToolCall{},
			Artifacts: []string{},
			StartedAt: now,
		},
	}

	for _, dir := range []string{sb.config.WorkingDir, filepath.Join(sb.config.WorkingDir, artifactsDir), filepath.Join(sb.config.WorkingDir, logsDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating sandbox directory: %w", err)
		}
	}

	m.mu.Lock()
	sb.state.Status = StatusActive
	m.sandboxes[id] = sb
	m.mu.Unlock()

	m.logger.Info("sandbox created",
		"sandbox_id", id,
		"job_id", jobID,
		"max_tokens", maxTokens,
		"timeout_seconds", timeoutSeconds,
	)
	cfg := sb.config.clone()
	return &cfg, nil
}

// RecordToolCall records a tool invocation against the sandbox budget. It
// returns false when the sandbox is missing or not active, when the tool is
// not allowed, or when the call breaches the budget or timeout. The last two
// fail the sandbox.
func (m *Manager) RecordToolCall(id, tool string, args map[string]any, tokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok || sb.state.Status != StatusActive {
		return false
	}

	if m.timedOutLocked(sb) {
		m.failLocked(sb, fmt.Sprintf("timeout exceeded: %ds", sb.config.TimeoutSeconds))
		return false
	}

	if !toolAllowed(sb.config.AllowedTools, tool) {
		m.logger.Warn("tool not allowed", "sandbox_id", id, "tool", tool)
		return false
	}

	if tokens < 0 {
		tokens = 0
	}
	if sb.state.TokensUsed+tokens > sb.config.MaxTokens {
		m.failLocked(sb, fmt.Sprintf("token limit exceeded: %d used + %d requested > %d max",
			sb.state.TokensUsed, tokens, sb.config.MaxTokens))
		return false
	}

	sb.state.TokensUsed += tokens
	sb.state.ToolCalls = append(sb.state.ToolCalls, ToolCall{
		Tool:      tool,
		Args:      args,
		Tokens:    tokens,
		Timestamp: m.now().UTC(),
	})
	return true
}

// WriteArtifact writes content to artifacts/filename. An unsafe filename
// fails the sandbox and returns ErrUnsafePath.
func (m *Manager) WriteArtifact(id, filename string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, err := m.activeLocked(id)
	if err != nil {
		return err
	}

	if !IsSafeFilename(filename) {
		m.failLocked(sb, fmt.Sprintf("unsafe artifact filename %q", filename))
		return fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}
	path, ok := Validate(filepath.Join(sb.config.WorkingDir, artifactsDir), filename)
	if !ok {
		m.failLocked(sb, fmt.Sprintf("artifact path escapes sandbox: %q", filename))
		return fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}

	found := false
	for _, a := range sb.state.Artifacts {
		if a == filename {
			found = true
			break
		}
	}
	if !found {
		sb.state.Artifacts = append(sb.state.Artifacts, filename)
	}

	m.logger.Debug("artifact written", "sandbox_id", id, "filename", filename, "bytes", len(content))
	return nil
}

// WriteReport writes the final report to report.md in the working directory.
func (m *Manager) WriteReport(id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, err := m.activeLocked(id)
	if err != nil {
		return err
	}

	path, ok := Validate(sb.config.WorkingDir, reportFile)
	if !ok {
		m.failLocked(sb, "report path escapes sandbox")
		return fmt.Errorf("%w: %s", ErrUnsafePath, reportFile)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// ReadArtifact reads a file relative to the working directory. Paths that
// escape the sandbox return ErrUnsafePath.
func (m *Manager) ReadArtifact(id, relPath string) ([]byte, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	dir := sb.config.WorkingDir
	m.mu.Unlock()

	path, ok := Validate(dir, relPath)
	if !ok {
		m.logger.Warn("rejected artifact read", "sandbox_id", id, "path", relPath)
		return nil, fmt.Errorf("%w: %q", ErrUnsafePath, relPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// AppendLog appends a timestamped line to logs/sandbox.log.
func (m *Manager) AppendLog(id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return ErrNotFound
	}
	if sb.state.Status == StatusCleaned {
		return ErrNotActive
	}

	f, err := os.OpenFile(filepath.Join(sb.config.WorkingDir, logsDir, logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening sandbox log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", m.now().UTC().Format(time.RFC3339), strings.TrimRight(line, "\n")); err != nil {
		return fmt.Errorf("writing sandbox log: %w", err)
	}
	return nil
}

// ExtractResults reads the report and artifact listing into a Result. Once
// the sandbox is cleaned, the last extracted result is returned. It returns
// nil for an unknown sandbox.
func (m *Manager) ExtractResults(id string) *Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return nil
	}
	if sb.state.Status == StatusCleaned {
		if sb.result == nil {
			return nil
		}
		return sb.result.clone()
	}

	report, err := os.ReadFile(filepath.Join(sb.config.WorkingDir, reportFile))
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to read report", "sandbox_id", id, "error", err)
	}

	artifacts := []string{}
	digests := map[string]string{}
	entries, err := os.ReadDir(filepath.Join(sb.config.WorkingDir, artifactsDir))
	if err != nil {
		m.logger.Warn("failed to list artifacts", "sandbox_id", id, "error", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		artifacts = append(artifacts, e.Name())
		data, err := os.ReadFile(filepath.Join(sb.config.WorkingDir, artifactsDir, e.Name()))
		if err != nil {
			m.logger.Warn("failed to hash artifact", "sandbox_id", id, "artifact", e.Name(), "error", err)
			continue
		}
		digests[e.Name()] = Digest(data)
	}
	sort.Strings(artifacts)

	end := m.now()
	if sb.state.CompletedAt != nil {
		end = *sb.state.CompletedAt
	}

	metadata := map[string]any{
		"tokens_used":      sb.state.TokensUsed,
		"max_tokens":       sb.config.MaxTokens,
		"tool_calls":       len(sb.state.ToolCalls),
		"duration_seconds": end.Sub(sb.state.StartedAt).Seconds(),
		"status":           string(sb.state.Status),
		"report_title":     ReportTitle(report),
		"artifact_digests": digests,
	}
	if sb.state.Error != "" {
		metadata["error"] = sb.state.Error
	}

	sb.result = &Result{
		SandboxID: id,
		JobID:     sb.config.JobID,
		Report:    string(report),
		Artifacts: artifacts,
		Metadata:  metadata,
	}
	return sb.result.clone()
}

// CompleteSandbox marks an active sandbox completed.
func (m *Manager) CompleteSandbox(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok || sb.state.Status != StatusActive {
		return false
	}
	now := m.now().UTC()
	sb.state.Status = StatusCompleted
	sb.state.CompletedAt = &now

	m.logger.Info("sandbox completed", "sandbox_id", id, "tokens_used", sb.state.TokensUsed)
	return true
}

// FailSandbox marks a sandbox failed with reason unless it already finished.
func (m *Manager) FailSandbox(id, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok || sb.state.Status.terminal() {
		return false
	}
	m.failLocked(sb, reason)
	return true
}

// CleanupSandbox marks a sandbox cleaned and optionally removes its
// directory. Removal errors are logged.
func (m *Manager) CleanupSandbox(id string, removeFiles bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return false
	}

	if removeFiles {
		if err := os.RemoveAll(sb.config.WorkingDir); err != nil {
			m.logger.Warn("failed to remove sandbox directory", "sandbox_id", id, "error", err)
		}
	}
	sb.state.Status = StatusCleaned
	if sb.state.CompletedAt == nil {
		now := m.now().UTC()
		sb.state.CompletedAt = &now
	}

	m.logger.Info("sandbox cleaned", "sandbox_id", id, "removed_files", removeFiles)
	return true
}

// GetSandbox returns a snapshot of a sandbox's state.
func (m *Manager) GetSandbox(id string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, false
	}
	st := sb.state.clone()
	return &st, true
}

// GetConfig returns a sandbox's configuration.
func (m *Manager) GetConfig(id string) (*Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, false
	}
	cfg := sb.config.clone()
	return &cfg, true
}

// ListSandboxes returns snapshots of every sandbox ordered by start time.
func (m *Manager) ListSandboxes() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb.state.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SandboxID < out[j].SandboxID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// activeLocked returns an active sandbox, failing it first if it has timed
// out. Must hold mu.
func (m *Manager) activeLocked(id string) (*sandbox, error) {
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sb.state.Status != StatusActive {
		return nil, ErrNotActive
	}
	if m.timedOutLocked(sb) {
		m.failLocked(sb, fmt.Sprintf("timeout exceeded: %ds", sb.config.TimeoutSeconds))
		return nil, ErrNotActive
	}
	return sb, nil
}

func (m *Manager) timedOutLocked(sb *sandbox) bool {
	limit := time.Duration(sb.config.TimeoutSeconds) * time.Second
	return m.now().Sub(sb.state.StartedAt) > limit
}

// failLocked moves a sandbox to failed. Must hold mu.
func (m *Manager) failLocked(sb *sandbox, reason string) {
	now := m.now().UTC()
	sb.state.Status = StatusFailed
	sb.state.Error = reason
	sb.state.CompletedAt = &now
	m.logger.Warn("sandbox failed", "sandbox_id", sb.config.SandboxID, "job_id", sb.config.JobID, "reason", reason)
}

// toolAllowed matches tool against the allow-list. Entries are doublestar
// patterns, so "web_*" admits web_search and web_fetch.
func toolAllowed(patterns []string, tool string) bool {
	for _, p := range patterns {
		if p == tool {
			return true
		}
		if ok, err := doublestar.Match(p, tool); err == nil && ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" || !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: invalid tool pattern %q", ErrInvalidConfig, p)
		}
	}
	return nil
}
