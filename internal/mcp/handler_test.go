// ABOUTME: Tests for the resource handler composing jobs, sandboxes and outputs
// ABOUTME: Covers crash recovery, reads, listing, submission, budget and finish

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/resource"
	"github.com/2389/deepr-mcp/internal/sandbox"
	"github.com/2389/deepr-mcp/internal/store"
	"github.com/2389/deepr-mcp/internal/subscription"
)

type testEnv struct {
	handler    *ResourceHandler
	jobs       *jobs.Manager
	subs       *subscription.Manager
	sandboxes  *sandbox.Manager
	store      *store.JobStore
	reportsDir string
	expertsDir string
}

type envOption func(*HandlerConfig)

func withRouter(r Router) envOption {
	return func(c *HandlerConfig) { c.Router = r }
}

func withSubmitter(s JobSubmitter) envOption {
	return func(c *HandlerConfig) { c.Submitter = s }
}

func openJobStore(t *testing.T, path string) *store.JobStore {
	t.Helper()
	st, err := store.NewJobStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func setupEnv(t *testing.T, st *store.JobStore, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if st == nil {
		st = openJobStore(t, filepath.Join(dir, "jobs.db"))
	}

	subs := subscription.NewManager(nil)
	jm := jobs.NewManager(jobs.Config{Emitter: subs, Persister: st})
	sm, err := sandbox.NewManager(sandbox.ManagerConfig{BaseDir: filepath.Join(dir, "sandboxes")})
	require.NoError(t, err)

	env := &testEnv{
		jobs:       jm,
		subs:       subs,
		sandboxes:  sm,
		store:      st,
		reportsDir: filepath.Join(dir, "reports"),
		expertsDir: filepath.Join(dir, "experts"),
	}

	cfg := HandlerConfig{
		Jobs:          jm,
		Subscriptions: subs,
		Store:         st,
		Sandboxes:     sm,
		Experts:       FileExpertSource{Dir: env.expertsDir},
		ReportsDir:    env.reportsDir,
		Sandbox:       SandboxDefaults{MaxTokens: 1000, TimeoutSeconds: 600},
		BudgetTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h, err := NewResourceHandler(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	env.handler = h
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func routerAnswering(values map[string]any) *elicitation.Router {
	r := elicitation.NewRouter(elicitation.RouterConfig{})
	r.Register(elicitation.TargetMCP, elicitation.HandlerFunc(func(context.Context, *elicitation.Request) (map[string]any, error) {
		return values, nil
	}))
	return r
}

func TestNewResourceHandler_Validation(t *testing.T) {
	_, err := NewResourceHandler(context.Background(), HandlerConfig{})
	require.Error(t, err)

	_, err = NewResourceHandler(context.Background(), HandlerConfig{Jobs: jobs.NewManager(jobs.Config{})})
	require.Error(t, err)
}

func TestNewResourceHandler_RecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	st := openJobStore(t, path)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	running := jobs.JobState{JobID: "job-1", Phase: jobs.PhaseExecuting, Progress: 0.5, StartedAt: started, UpdatedAt: started}
	done := jobs.JobState{JobID: "job-2", Phase: jobs.PhaseCompleted, Progress: 1, StartedAt: started, UpdatedAt: started}
	require.NoError(t, st.SaveJob(ctx, &running, &jobs.JobPlan{JobID: "job-1", Goal: "survey", Steps: []string{"a"}}, nil))
	require.NoError(t, st.SaveJob(ctx, &done, nil, nil))

	env := setupEnv(t, st)

	got, ok := env.jobs.GetJob("job-1")
	require.True(t, ok)
	assert.Equal(t, jobs.PhaseFailed, got.Phase)
	assert.Equal(t, store.RestartError, got.Error)

	plan, ok := env.jobs.GetPlan("job-1")
	require.True(t, ok)
	assert.Equal(t, "survey", plan.Goal)

	got, ok = env.jobs.GetJob("job-2")
	require.True(t, ok)
	assert.Equal(t, jobs.PhaseCompleted, got.Phase)
	assert.Empty(t, got.Error)

	// Restore does not notify or rewrite anything.
	assert.Equal(t, 0, env.jobs.PendingNotifications())
}

func TestReadResource_Campaign(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	_, err := env.jobs.CreateJob("job-1", "map the field", "model-x", 2.5, time.Minute)
	require.NoError(t, err)
	require.True(t, env.jobs.AddBelief("job-1", "claim", 0.8, "src"))

	res, err := env.handler.ReadResource(ctx, "deepr://campaigns/job-1/status")
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.MimeType)
	var state jobs.JobState
	require.NoError(t, json.Unmarshal([]byte(res.Text), &state))
	assert.Equal(t, "job-1", state.JobID)
	assert.Equal(t, jobs.PhaseQueued, state.Phase)

	res, err = env.handler.ReadResource(ctx, "deepr://campaigns/job-1/plan")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "map the field")

	res, err = env.handler.ReadResource(ctx, "deepr://campaigns/job-1/beliefs")
	require.NoError(t, err)
	var beliefs jobs.JobBeliefs
	require.NoError(t, json.Unmarshal([]byte(res.Text), &beliefs))
	assert.InDelta(t, 0.8, beliefs.Confidence, 1e-9)
}

func TestReadResource_Errors(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	for _, uri := range []string{
		"",
		"not a uri",
		"deepr://campaigns/job-1",
		"deepr://campaigns/job-1/bogus",
		"deepr://widgets/job-1/status",
		"deepr://campaigns/../status",
	} {
		_, err := env.handler.ReadResource(ctx, uri)
		assert.ErrorIs(t, err, ErrInvalidURI, "uri %q", uri)
	}

	_, err := env.handler.ReadResource(ctx, "deepr://campaigns/missing/status")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.handler.ReadResource(ctx, "deepr://reports/missing/final.md")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.handler.ReadResource(ctx, "deepr://experts/missing/profile")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadResource_ReportCandidates(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(env.reportsDir, "job-1", "report.md"), "plain report")
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "final_report.md"), "final report")
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "summary.json"), `{"from":"summary"}`)
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "trace.json"), `[]`)
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "decisions.md"), "- chose x")

	res, err := env.handler.ReadResource(ctx, "deepr://reports/job-1/final.md")
	require.NoError(t, err)
	assert.Equal(t, "final report", res.Text)
	assert.Equal(t, "text/markdown", res.MimeType)

	res, err = env.handler.ReadResource(ctx, "deepr://reports/job-1/summary.json")
	require.NoError(t, err)
	assert.Equal(t, `{"from":"summary"}`, res.Text)
	assert.Equal(t, "application/json", res.MimeType)

	res, err = env.handler.ReadResource(ctx, "deepr://logs/job-1/search_trace.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", res.Text)

	res, err = env.handler.ReadResource(ctx, "deepr://logs/job-1/decisions.md")
	require.NoError(t, err)
	assert.Equal(t, "- chose x", res.Text)

	// metadata.json takes precedence once written.
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "metadata.json"), `{"from":"metadata"}`)
	res, err = env.handler.ReadResource(ctx, "deepr://reports/job-1/summary.json")
	require.NoError(t, err)
	assert.Equal(t, `{"from":"metadata"}`, res.Text)
}

func TestReadResource_Experts(t *testing.T) {
	env := setupEnv(t, nil)

	writeFile(t, filepath.Join(env.expertsDir, "alice", "profile.json"), `{"name":"alice"}`)

	res, err := env.handler.ReadResource(context.Background(), "deepr://experts/alice/profile")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"alice"}`, res.Text)

	_, err = env.handler.ReadResource(context.Background(), "deepr://experts/alice/gaps")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListResources(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	_, err := env.jobs.CreateJob("job-1", "g", "m", 0, 0)
	require.NoError(t, err)
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "report.md"), "r")
	writeFile(t, filepath.Join(env.reportsDir, "job-1", "decisions.md"), "d")
	writeFile(t, filepath.Join(env.expertsDir, "bob", "profile.json"), "{}")
	require.NoError(t, os.MkdirAll(filepath.Join(env.reportsDir, "not valid"), 0o755))

	assert.Equal(t, []string{
		"deepr://campaigns/job-1/status",
		"deepr://campaigns/job-1/plan",
		"deepr://campaigns/job-1/beliefs",
	}, env.handler.ListResources(ctx, resource.TypeCampaigns))

	assert.Equal(t, []string{"deepr://reports/job-1/final.md"}, env.handler.ListResources(ctx, resource.TypeReports))
	assert.Equal(t, []string{"deepr://logs/job-1/decisions.md"}, env.handler.ListResources(ctx, resource.TypeLogs))
	assert.Len(t, env.handler.ListResources(ctx, resource.TypeExperts), 3)
	assert.Len(t, env.handler.ListResources(ctx, ""), 3+1+1+3)
	assert.Empty(t, env.handler.ListResources(ctx, "widgets"))
}

func TestSubmitJob_CreatesSandbox(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	id, err := env.handler.SubmitJob(ctx, JobSpec{Goal: "compare vector stores", Model: "m", EstimatedCost: 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, ok := env.jobs.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, jobs.PhaseQueued, state.Phase)

	sandboxID, _ := state.Metadata["sandbox_id"].(string)
	require.NotEmpty(t, sandboxID)
	cfg, ok := env.sandboxes.GetConfig(sandboxID)
	require.True(t, ok)
	assert.Equal(t, id, cfg.JobID)
	assert.Equal(t, 1000, cfg.MaxTokens)

	rec, err := env.store.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sandboxID, rec.State.Metadata["sandbox_id"])
}

func TestSubmitJob_Validation(t *testing.T) {
	env := setupEnv(t, nil)

	_, err := env.handler.SubmitJob(context.Background(), JobSpec{Goal: "  "})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = env.handler.SubmitJob(context.Background(), JobSpec{ID: "bad id!", Goal: "g"})
	assert.ErrorIs(t, err, jobs.ErrInvalidJobID)
}

func TestSubmitJob_OverBudgetWithoutRouterIsCancelled(t *testing.T) {
	env := setupEnv(t, nil)

	id, err := env.handler.SubmitJob(context.Background(), JobSpec{ID: "job-1", Goal: "g", EstimatedCost: 12, Budget: 5})
	assert.ErrorIs(t, err, ErrBudgetDeclined)
	assert.Equal(t, "job-1", id)

	state, _ := env.jobs.GetJob("job-1")
	assert.Equal(t, jobs.PhaseCancelled, state.Phase)
	assert.NotEmpty(t, state.Error)

	sb, ok := env.sandboxes.GetSandbox(state.Metadata["sandbox_id"].(string))
	require.True(t, ok)
	assert.Equal(t, sandbox.StatusCleaned, sb.Status)
}

func TestSubmitJob_UnansweredBudgetDecisionAborts(t *testing.T) {
	// A router with no handlers answers with defaults; decision defaults to abort.
	env := setupEnv(t, nil, withRouter(elicitation.NewRouter(elicitation.RouterConfig{})))

	_, err := env.handler.SubmitJob(context.Background(), JobSpec{ID: "job-1", Goal: "g", EstimatedCost: 12, Budget: 5})
	assert.ErrorIs(t, err, ErrBudgetDeclined)

	state, _ := env.jobs.GetJob("job-1")
	assert.Equal(t, jobs.PhaseCancelled, state.Phase)
}

func TestSubmitJob_BudgetDecisions(t *testing.T) {
	tests := []struct {
		name       string
		answer     map[string]any
		wantErr    bool
		wantBudget float64
	}{
		{name: "approve", answer: map[string]any{"decision": "approve"}, wantBudget: 5},
		{name: "adjust above estimate", answer: map[string]any{"decision": "adjust", "new_budget": 20.0}, wantBudget: 20},
		{name: "adjust below estimate", answer: map[string]any{"decision": "adjust", "new_budget": 8.0}, wantErr: true},
		{name: "abort", answer: map[string]any{"decision": "abort"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupEnv(t, nil, withRouter(routerAnswering(tt.answer)))

			_, err := env.handler.SubmitJob(context.Background(), JobSpec{ID: "job-1", Goal: "g", EstimatedCost: 12, Budget: 5})
			state, _ := env.jobs.GetJob("job-1")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBudgetDeclined)
				assert.Equal(t, jobs.PhaseCancelled, state.Phase)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, jobs.PhaseQueued, state.Phase)
			assert.Equal(t, tt.wantBudget, state.Metadata["budget"])
		})
	}
}

func TestSubmitJob_SubmitterReceivesSpec(t *testing.T) {
	var (
		mu  sync.Mutex
		got []JobSpec
	)
	submitter := JobSubmitterFunc(func(_ context.Context, spec JobSpec) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, spec)
		return nil
	})
	env := setupEnv(t, nil, withSubmitter(submitter))

	id, err := env.handler.SubmitJob(context.Background(), JobSpec{Goal: "g"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestSubmitJob_SubmitterFailureFailsJob(t *testing.T) {
	boom := errors.New("orchestrator offline")
	env := setupEnv(t, nil, withSubmitter(JobSubmitterFunc(func(context.Context, JobSpec) error { return boom })))

	id, err := env.handler.SubmitJob(context.Background(), JobSpec{Goal: "g"})
	assert.ErrorIs(t, err, boom)

	state, ok := env.jobs.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, jobs.PhaseFailed, state.Phase)
	assert.Contains(t, state.Error, "orchestrator offline")
}

func TestFinishJob_PublishesReport(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	id, err := env.handler.SubmitJob(ctx, JobSpec{ID: "job-1", Goal: "why is the sky blue", Model: "m"})
	require.NoError(t, err)
	state, _ := env.jobs.GetJob(id)
	sandboxID := state.Metadata["sandbox_id"].(string)

	require.True(t, env.sandboxes.RecordToolCall(sandboxID, "web_search", nil, 100))
	require.NoError(t, env.sandboxes.WriteArtifact(sandboxID, "notes.txt", []byte("rayleigh")))
	require.NoError(t, env.sandboxes.WriteReport(sandboxID, "# Rayleigh Scattering\n\nShort wavelengths scatter more."))
	cfg, _ := env.sandboxes.GetConfig(sandboxID)

	result, err := env.handler.FinishJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, result.Artifacts)
	assert.Equal(t, "Rayleigh Scattering", result.Metadata["report_title"])

	state, _ = env.jobs.GetJob(id)
	assert.Equal(t, jobs.PhaseCompleted, state.Phase)
	assert.Equal(t, 1.0, state.Progress)

	res, err := env.handler.ReadResource(ctx, "deepr://reports/job-1/final.md")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Short wavelengths")

	res, err = env.handler.ReadResource(ctx, "deepr://reports/job-1/summary.json")
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Text), &summary))
	assert.Equal(t, "why is the sky blue", summary["goal"])

	_, err = os.Stat(filepath.Join(env.reportsDir, "job-1", "final_report.md"))
	assert.NoError(t, err)

	sb, _ := env.sandboxes.GetSandbox(sandboxID)
	assert.Equal(t, sandbox.StatusCleaned, sb.Status)
	_, err = os.Stat(cfg.WorkingDir)
	assert.True(t, os.IsNotExist(err))

	// A finished job stays finished.
	_, err = env.handler.FinishJob(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrTerminal)
	again, _ := env.jobs.GetJob(id)
	assert.Equal(t, state.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, jobs.PhaseCompleted, again.Phase)
}

func TestFinishJob_FailedSandboxFailsJob(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	id, err := env.handler.SubmitJob(ctx, JobSpec{Goal: "g", MaxTokens: 10})
	require.NoError(t, err)
	state, _ := env.jobs.GetJob(id)
	sandboxID := state.Metadata["sandbox_id"].(string)

	// Over budget: the sandbox fails.
	require.False(t, env.sandboxes.RecordToolCall(sandboxID, "web_search", nil, 50))

	_, err = env.handler.FinishJob(ctx, id)
	require.NoError(t, err)

	state, _ = env.jobs.GetJob(id)
	assert.Equal(t, jobs.PhaseFailed, state.Phase)
	assert.NotEmpty(t, state.Error)
}

func TestFinishJob_Errors(t *testing.T) {
	env := setupEnv(t, nil)

	_, err := env.handler.FinishJob(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	_, err = env.jobs.CreateJob("job-1", "g", "m", 0, 0)
	require.NoError(t, err)
	_, err = env.handler.FinishJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNoSandbox)
}

func TestSubscribe_ReceivesStatusUpdates(t *testing.T) {
	env := setupEnv(t, nil)

	var (
		mu  sync.Mutex
		got []subscription.Notification
	)
	_, err := env.handler.Subscribe("deepr://campaigns/job-1/status", func(n subscription.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	}, false)
	require.NoError(t, err)

	_, err = env.jobs.CreateJob("job-1", "g", "m", 0, 0)
	require.NoError(t, err)
	_, err = env.jobs.UpdatePhase("job-1", jobs.PhaseExecuting, jobs.PhaseUpdate{Progress: jobs.Float(0.4)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	last := got[1].Data.(jobs.JobState)
	assert.Equal(t, jobs.PhaseExecuting, last.Phase)
	assert.InDelta(t, 0.4, last.Progress, 1e-9)

	_, err = env.handler.Subscribe("deepr://campaigns/job-1/nope!", func(subscription.Notification) error { return nil }, false)
	assert.ErrorIs(t, err, ErrInvalidURI)
}
