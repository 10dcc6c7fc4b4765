// ABOUTME: Resource handler composing jobs, subscriptions, sandboxes and elicitation
// ABOUTME: Serves read/list/subscribe/unsubscribe and drives job submission

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deepr-mcp/internal/credentials"
	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/resource"
	"github.com/2389/deepr-mcp/internal/sandbox"
	"github.com/2389/deepr-mcp/internal/store"
	"github.com/2389/deepr-mcp/internal/subscription"
)

var (
	// ErrInvalidURI is returned for a malformed or unsupported resource URI.
	ErrInvalidURI = resource.ErrInvalidURI

	// ErrNotFound is returned when a well-formed resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidSpec is returned when a job spec is missing its goal.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrBudgetDeclined is returned when a human (or the fail-safe default)
	// declines a job whose estimate exceeds its budget.
	ErrBudgetDeclined = errors.New("job budget declined")

	// ErrNoSandbox is returned when finishing a job that has no sandbox.
	ErrNoSandbox = errors.New("job has no sandbox")

	// ErrNoCredentials is returned when no credential manager is configured.
	ErrNoCredentials = errors.New("credential custody is not configured")
)

// Output file candidates per subresource, in lookup order.
var (
	reportFiles = map[string][]string{
		"final.md":     {"final_report.md", "report.md", "output.md"},
		"summary.json": {"metadata.json", "summary.json"},
	}
	logFiles = map[string][]string{
		"search_trace.json": {"search_trace.json", "trace.json"},
		"decisions.md":      {"decisions.md"},
	}
)

const (
	reportOutputFile   = "final_report.md"
	metadataOutputFile = "metadata.json"
	sandboxIDKey       = "sandbox_id"
)

// JobStore is the persistence consulted at startup. *store.JobStore
// implements it.
type JobStore interface {
	MarkIncompleteAsFailed(ctx context.Context) (int64, error)
	ListJobs(ctx context.Context, phase *string) ([]*store.JobRecord, error)
}

// JobSpec describes a research job to run.
type JobSpec struct {
	ID            string         `json:"id,omitempty"`
	Goal          string         `json:"goal"`
	Model         string         `json:"model,omitempty"`
	EstimatedCost float64        `json:"estimated_cost,omitempty"`
	EstimatedTime time.Duration  `json:"-"`
	Budget        float64        `json:"budget,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	AllowedTools  []string       `json:"allowed_tools,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// JobSubmitter hands an accepted job to the research orchestrator.
type JobSubmitter interface {
	Submit(ctx context.Context, spec JobSpec) error
}

// JobSubmitterFunc adapts a function to JobSubmitter.
type JobSubmitterFunc func(ctx context.Context, spec JobSpec) error

// Submit calls f.
func (f JobSubmitterFunc) Submit(ctx context.Context, spec JobSpec) error {
	return f(ctx, spec)
}

// Router routes elicitation requests. *elicitation.Router implements it.
type Router interface {
	Route(ctx context.Context, req *elicitation.Request, preferred elicitation.Target) *elicitation.Response
}

// SandboxDefaults apply to sandboxes created for submitted jobs.
type SandboxDefaults struct {
	MaxTokens      int
	TimeoutSeconds int
	AllowedTools   []string
}

// HandlerConfig configures a ResourceHandler. Jobs and Subscriptions are
// required.
type HandlerConfig struct {
	Jobs          *jobs.Manager
	Subscriptions *subscription.Manager
	Store         JobStore
	Sandboxes     *sandbox.Manager
	Router        Router
	Submitter     JobSubmitter
	Experts       ExpertSource
	Credentials   *credentials.Manager
	ReportsDir    string
	Sandbox       SandboxDefaults
	// BudgetTimeout bounds the budget decision; zero uses the router default.
	BudgetTimeout time.Duration
	Logger        *slog.Logger
}

// ReadResult is the content of one resource.
type ReadResult struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// ResourceHandler is the single request surface over the deepr state core.
type ResourceHandler struct {
	jobs       *jobs.Manager
	subs       *subscription.Manager
	sandboxes  *sandbox.Manager
	router     Router
	submitter  JobSubmitter
	experts    ExpertSource
	creds      *credentials.Manager
	reportsDir string
	defaults   SandboxDefaults
	budgetWait time.Duration
	logger     *slog.Logger
}

// NewResourceHandler reconciles persisted jobs and restores them into the job
// manager before returning. Jobs left running by a previous process are marked
// failed first.
func NewResourceHandler(ctx context.Context, cfg HandlerConfig) (*ResourceHandler, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("job manager is required")
	}
	if cfg.Subscriptions == nil {
		return nil, errors.New("subscription manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	experts := cfg.Experts
	if experts == nil {
		experts = FileExpertSource{}
	}

	h := &ResourceHandler{
		jobs:       cfg.Jobs,
		subs:       cfg.Subscriptions,
		sandboxes:  cfg.Sandboxes,
		router:     cfg.Router,
		submitter:  cfg.Submitter,
		experts:    experts,
		creds:      cfg.Credentials,
		reportsDir: cfg.ReportsDir,
		defaults:   cfg.Sandbox,
		budgetWait: cfg.BudgetTimeout,
		logger:     logger.With("component", "resources"),
	}

	if cfg.Store != nil {
		if err := h.restore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// restore runs crash recovery then loads every persisted job.
func (h *ResourceHandler) restore(ctx context.Context, st JobStore) error {
	failed, err := st.MarkIncompleteAsFailed(ctx)
	if err != nil {
		return fmt.Errorf("reconciling interrupted jobs: %w", err)
	}
	if failed > 0 {
		h.logger.Warn("marked interrupted jobs as failed", "count", failed)
	}

	records, err := st.ListJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	for _, rec := range records {
		h.jobs.Restore(rec.State, rec.Plan, rec.Beliefs)
	}
	h.logger.Info("restored jobs", "count", len(records))
	return nil
}

// ReadResource returns the content addressed by uri.
func (h *ResourceHandler) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	u, ok := resource.Parse(uri)
	if !ok || !u.Known() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}

	switch u.Type {
	case resource.TypeCampaigns:
		return h.readCampaign(u)
	case resource.TypeExperts:
		data, err := h.experts.ReadExpert(ctx, u.ID, u.Subresource)
		if err != nil {
			return nil, err
		}
		return &ReadResult{URI: uri, MimeType: "application/json", Text: string(data)}, nil
	case resource.TypeReports:
		return h.readOutput(u, reportFiles[u.Subresource])
	case resource.TypeLogs:
		return h.readOutput(u, logFiles[u.Subresource])
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
}

func (h *ResourceHandler) readCampaign(u resource.URI) (*ReadResult, error) {
	var (
		v  any
		ok bool
	)
	switch u.Subresource {
	case "status":
		v, ok = h.jobs.GetJob(u.ID)
	case "plan":
		v, ok = h.jobs.GetPlan(u.ID)
	case "beliefs":
		v, ok = h.jobs.GetBeliefs(u.ID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, u.ID)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", u, err)
	}
	return &ReadResult{URI: u.String(), MimeType: "application/json", Text: string(data)}, nil
}

// readOutput returns the first existing candidate file under the job's output
// directory.
func (h *ResourceHandler) readOutput(u resource.URI, candidates []string) (*ReadResult, error) {
	if h.reportsDir == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}

	dir := filepath.Join(h.reportsDir, u.ID)
	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", u, err)
		}
		return &ReadResult{URI: u.String(), MimeType: mimeType(u.Subresource), Text: string(data)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
}

// resourceMimeType returns the content type served for uri.
func resourceMimeType(uri string) string {
	u, ok := resource.Parse(uri)
	if !ok {
		return "text/plain"
	}
	if u.Type == resource.TypeCampaigns || u.Type == resource.TypeExperts {
		return "application/json"
	}
	return mimeType(u.Subresource)
}

func mimeType(name string) string {
	switch filepath.Ext(name) {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	}
	return "text/plain"
}

// ListResources returns every readable resource URI of type t, or of every
// type when t is empty.
func (h *ResourceHandler) ListResources(ctx context.Context, t resource.Type) []string {
	types := resource.Types
	if t != "" {
		if !resource.ValidType(t) {
			return []string{}
		}
		types = []resource.Type{t}
	}

	uris := []string{}
	for _, typ := range types {
		switch typ {
		case resource.TypeCampaigns:
			for _, s := range h.jobs.ListJobs(nil) {
				for _, sub := range resource.Subresources(typ) {
					uris = append(uris, resource.CampaignURI(s.JobID, sub))
				}
			}
		case resource.TypeExperts:
			ids, err := h.experts.ListExperts(ctx)
			if err != nil {
				h.logger.Warn("failed to list experts", "error", err)
			}
			for _, id := range ids {
				for _, sub := range resource.Subresources(typ) {
					uris = append(uris, resource.MustNew(typ, id, sub).String())
				}
			}
		case resource.TypeReports:
			uris = append(uris, h.listOutputs(typ, reportFiles)...)
		case resource.TypeLogs:
			uris = append(uris, h.listOutputs(typ, logFiles)...)
		}
	}
	return uris
}

// listOutputs lists subresources of typ that have a file on disk.
func (h *ResourceHandler) listOutputs(typ resource.Type, files map[string][]string) []string {
	if h.reportsDir == "" {
		return nil
	}
	ids, err := listIDDirs(h.reportsDir)
	if err != nil {
		h.logger.Warn("failed to list outputs", "type", typ, "error", err)
		return nil
	}

	var uris []string
	for _, id := range ids {
		for _, sub := range resource.Subresources(typ) {
			if h.outputExists(id, files[sub]) {
				uris = append(uris, resource.MustNew(typ, id, sub).String())
			}
		}
	}
	return uris
}

func (h *ResourceHandler) outputExists(id string, candidates []string) bool {
	for _, name := range candidates {
		if info, err := os.Stat(filepath.Join(h.reportsDir, id, name)); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

// Subscribe registers cb for uri. See subscription.Manager.Subscribe.
func (h *ResourceHandler) Subscribe(uri string, cb subscription.Callback, wildcard bool) (string, error) {
	return h.subs.Subscribe(uri, cb, wildcard)
}

// Unsubscribe removes a subscription.
func (h *ResourceHandler) Unsubscribe(id string) bool {
	return h.subs.Unsubscribe(id)
}

// Jobs exposes the job manager for orchestrators driving job progress.
func (h *ResourceHandler) Jobs() *jobs.Manager {
	return h.jobs
}

// SubmitJob creates a job for spec, allocates its sandbox, confirms the budget
// when the estimate exceeds it, and hands the job to the submitter. The job ID
// is returned whenever the job was created, even if a later step failed.
func (h *ResourceHandler) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.Goal) == "" {
		return "", fmt.Errorf("%w: goal is required", ErrInvalidSpec)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	if _, err := h.jobs.CreateJob(spec.ID, spec.Goal, spec.Model, spec.EstimatedCost, spec.EstimatedTime); err != nil {
		return "", err
	}
	for k, v := range spec.Metadata {
		h.jobs.SetMetadata(spec.ID, k, v)
	}
	if spec.Budget > 0 {
		h.jobs.SetMetadata(spec.ID, "budget", spec.Budget)
	}

	sandboxID, err := h.allocateSandbox(spec)
	if err != nil {
		h.failJob(spec.ID, err.Error())
		return spec.ID, err
	}

	if spec.Budget > 0 && spec.EstimatedCost > spec.Budget {
		if err := h.confirmBudget(ctx, spec); err != nil {
			h.cancelJob(spec.ID, sandboxID, err.Error())
			return spec.ID, err
		}
	}

	if h.submitter != nil {
		if err := h.submitter.Submit(ctx, spec); err != nil {
			h.failJob(spec.ID, fmt.Sprintf("submit failed: %v", err))
			if sandboxID != "" {
				h.sandboxes.FailSandbox(sandboxID, "job submission failed")
			}
			return spec.ID, fmt.Errorf("submitting job: %w", err)
		}
	}

	h.logger.Info("job submitted", "job_id", spec.ID, "sandbox_id", sandboxID)
	return spec.ID, nil
}

// allocateSandbox creates the job's sandbox when a sandbox manager is
// configured and records its ID in the job metadata.
func (h *ResourceHandler) allocateSandbox(spec JobSpec) (string, error) {
	if h.sandboxes == nil {
		return "", nil
	}

	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = h.defaults.MaxTokens
	}
	tools := spec.AllowedTools
	if len(tools) == 0 {
		tools = h.defaults.AllowedTools
	}

	cfg, err := h.sandboxes.CreateSandbox(spec.ID, maxTokens, tools, h.defaults.TimeoutSeconds)
	if err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	h.jobs.SetMetadata(spec.ID, sandboxIDKey, cfg.SandboxID)
	return cfg.SandboxID, nil
}

// confirmBudget asks a human whether to spend past the budget. No router, no
// answer and an abort all decline.
func (h *ResourceHandler) confirmBudget(ctx context.Context, spec JobSpec) error {
	if h.router == nil {
		return fmt.Errorf("%w: estimate $%.2f exceeds budget $%.2f", ErrBudgetDeclined, spec.EstimatedCost, spec.Budget)
	}

	req := elicitation.BudgetDecisionRequest(spec.ID, spec.EstimatedCost, spec.Budget, int(h.budgetWait/time.Second))
	resp := h.router.Route(ctx, req, elicitation.TargetAuto)

	switch elicitation.Decision(resp) {
	case elicitation.DecisionApprove:
		h.logger.Info("budget overrun approved", "job_id", spec.ID, "estimate", spec.EstimatedCost, "budget", spec.Budget)
		return nil
	case elicitation.DecisionAdjust:
		newBudget, ok := resp.Number("new_budget")
		if !ok || newBudget < spec.EstimatedCost {
			return fmt.Errorf("%w: adjusted budget below estimate", ErrBudgetDeclined)
		}
		h.jobs.SetMetadata(spec.ID, "budget", newBudget)
		h.logger.Info("budget adjusted", "job_id", spec.ID, "budget", newBudget)
		return nil
	default:
		return fmt.Errorf("%w: estimate $%.2f exceeds budget $%.2f", ErrBudgetDeclined, spec.EstimatedCost, spec.Budget)
	}
}

// FinishJob collects the job's sandbox results, writes the report and summary
// to the reports directory, completes the job and cleans up the sandbox. A
// sandbox that failed fails the job instead. Finishing a job that already
// reached a terminal phase returns jobs.ErrTerminal.
func (h *ResourceHandler) FinishJob(ctx context.Context, jobID string) (*sandbox.Result, error) {
	state, ok := h.jobs.GetJob(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", jobs.ErrNotFound, jobID)
	}
	if state.Phase.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", jobs.ErrTerminal, jobID, state.Phase)
	}
	sandboxID, _ := state.Metadata[sandboxIDKey].(string)
	if sandboxID == "" || h.sandboxes == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSandbox, jobID)
	}

	h.sandboxes.CompleteSandbox(sandboxID)
	result := h.sandboxes.ExtractResults(sandboxID)
	if result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSandbox, jobID)
	}

	if err := h.writeOutputs(jobID, result); err != nil {
		h.logger.Warn("failed to write job outputs", "job_id", jobID, "error", err)
	}

	if status, _ := result.Metadata["status"].(string); status == string(sandbox.StatusFailed) {
		reason, _ := result.Metadata["error"].(string)
		h.failJob(jobID, reason)
	} else if _, err := h.jobs.UpdatePhase(jobID, jobs.PhaseCompleted, jobs.PhaseUpdate{
		Progress:    jobs.Float(1),
		ActiveTasks: []string{},
		Remaining:   jobs.Float(0),
	}); err != nil {
		return nil, err
	}

	h.sandboxes.CleanupSandbox(sandboxID, true)
	h.logger.Info("job finished", "job_id", jobID, "sandbox_id", sandboxID, "artifacts", len(result.Artifacts))
	return result, nil
}

// writeOutputs stores the report and summary where ReadResource finds them.
func (h *ResourceHandler) writeOutputs(jobID string, result *sandbox.Result) error {
	if h.reportsDir == "" {
		return nil
	}
	dir := filepath.Join(h.reportsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}

	if result.Report != "" {
		if err := os.WriteFile(filepath.Join(dir, reportOutputFile), []byte(result.Report), 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}

	summary := map[string]any{
		"job_id":     jobID,
		"sandbox_id": result.SandboxID,
		"artifacts":  result.Artifacts,
		"metadata":   result.Metadata,
	}
	if plan, ok := h.jobs.GetPlan(jobID); ok {
		summary["goal"] = plan.Goal
		summary["model"] = plan.Model
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataOutputFile), data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

func (h *ResourceHandler) failJob(jobID, reason string) {
	if _, err := h.jobs.UpdatePhase(jobID, jobs.PhaseFailed, jobs.PhaseUpdate{Error: jobs.String(reason)}); err != nil {
		h.logger.Warn("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

func (h *ResourceHandler) cancelJob(jobID, sandboxID, reason string) {
	if _, err := h.jobs.UpdatePhase(jobID, jobs.PhaseCancelled, jobs.PhaseUpdate{Error: jobs.String(reason)}); err != nil {
		h.logger.Warn("failed to cancel job", "job_id", jobID, "error", err)
	}
	if sandboxID != "" {
		h.sandboxes.FailSandbox(sandboxID, reason)
		h.sandboxes.CleanupSandbox(sandboxID, true)
	}
	h.logger.Info("job cancelled", "job_id", jobID, "reason", reason)
}

// Credential returns the stored credential for rawURL. When none exists and
// elicit is set, a human is asked for it through the router.
func (h *ResourceHandler) Credential(ctx context.Context, rawURL, credentialType, reason string, elicit bool) (*credentials.Resolved, error) {
	if h.creds == nil {
		return nil, ErrNoCredentials
	}
	c, err := h.creds.GetCredentialForURL(ctx, rawURL)
	if err == nil || !errors.Is(err, credentials.ErrNotFound) || !elicit {
		return c, err
	}
	if h.router == nil {
		return nil, credentials.ErrNotProvided
	}
	return h.creds.ElicitCredential(ctx, rawURL, h.router, reason, credentialType, 0)
}

// Credentials returns the credential manager, or nil when not configured.
func (h *ResourceHandler) Credentials() *credentials.Manager {
	return h.creds
}

// Close drains pending job notifications, then drops every subscription.
func (h *ResourceHandler) Close(ctx context.Context) error {
	err := h.jobs.Close(ctx)
	h.subs.Close()
	return err
}
