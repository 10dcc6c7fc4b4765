// ABOUTME: Gateway orchestrator that builds the deepr state core from config
// ABOUTME: Owns the stores, managers and HTTP server lifecycle including graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/deepr-mcp/internal/auth"
	"github.com/2389/deepr-mcp/internal/config"
	"github.com/2389/deepr-mcp/internal/credentials"
	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/mcp"
	"github.com/2389/deepr-mcp/internal/sandbox"
	"github.com/2389/deepr-mcp/internal/store"
	"github.com/2389/deepr-mcp/internal/subscription"
)

// purgeInterval is how often expired credentials are removed.
const purgeInterval = 10 * time.Minute

// Options are process-level collaborators that do not come from the config file.
type Options struct {
	Version string
	// Submitter receives accepted jobs. Nil leaves jobs queued for an
	// external runner that drives them through the job tools.
	Submitter mcp.JobSubmitter
	// PromptIn and PromptOut back the cli elicitation target when
	// elicitation.cli_prompt is set.
	PromptIn  io.Reader
	PromptOut io.Writer
}

// Gateway orchestrates the deepr-mcp server components.
type Gateway struct {
	config     *config.Config
	jobStore   *store.JobStore
	credStore  *store.CredentialStore
	subs       *subscription.Manager
	jobs       *jobs.Manager
	sandboxes  *sandbox.Manager
	router     *elicitation.Router
	creds      *credentials.Manager
	handler    *mcp.ResourceHandler
	mcpServer  *mcp.Server
	httpServer *http.Server
	logger     *slog.Logger

	stopPurge chan struct{}
	purgeDone chan struct{}
}

// New builds every component. Persisted jobs are reconciled and restored
// before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	jobStore, err := store.NewJobStore(cfg.Database.JobsPath)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	credStore, err := store.NewCredentialStore(cfg.Database.CredentialsPath)
	if err != nil {
		_ = jobStore.Close()
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		jobStore:  jobStore,
		credStore: credStore,
		logger:    logger.With("component", "gateway"),
	}
	if err := gw.build(ctx, logger, opts); err != nil {
		_ = credStore.Close()
		_ = jobStore.Close()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(ctx context.Context, logger *slog.Logger, opts Options) error {
	cfg := g.config

	g.subs = subscription.NewManager(logger)
	g.jobs = jobs.NewManager(jobs.Config{
		Emitter:   g.subs,
		Persister: g.jobStore,
		Logger:    logger,
	})

	sandboxes, err := sandbox.NewManager(sandbox.ManagerConfig{
		BaseDir:             cfg.Sandbox.BaseDir,
		DefaultAllowedTools: cfg.Sandbox.AllowedTools,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating sandbox manager: %w", err)
	}
	g.sandboxes = sandboxes

	g.router = elicitation.NewRouter(elicitation.RouterConfig{
		DefaultTimeout: cfg.Elicitation.DefaultTimeout,
		Logger:         logger,
	})

	g.creds, err = credentials.NewManager(credentials.Config{
		Store:  g.credStore,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating credential manager: %w", err)
	}

	g.handler, err = mcp.NewResourceHandler(ctx, mcp.HandlerConfig{
		Jobs:          g.jobs,
		Subscriptions: g.subs,
		Store:         g.jobStore,
		Sandboxes:     g.sandboxes,
		Router:        g.router,
		Submitter:     opts.Submitter,
		Experts:       mcp.FileExpertSource{Dir: cfg.Storage.ExpertsDir},
		Credentials:   g.creds,
		ReportsDir:    cfg.Storage.ReportsDir,
		Sandbox: mcp.SandboxDefaults{
			MaxTokens:      cfg.Sandbox.DefaultMaxTokens,
			TimeoutSeconds: int(cfg.Sandbox.DefaultTimeout / time.Second),
			AllowedTools:   cfg.Sandbox.AllowedTools,
		},
		BudgetTimeout: cfg.Elicitation.BudgetTimeout,
		Logger:        logger,
	})
	if err != nil {
		g.creds.Close()
		return fmt.Errorf("creating resource handler: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			g.creds.Close()
			return fmt.Errorf("creating token verifier: %w", err)
		}
		verifier = v
	} else {
		g.logger.Warn("auth.jwt_secret is empty, MCP endpoint is unauthenticated")
	}

	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Handler:       g.handler,
		Logger:        logger,
		TokenVerifier: verifier,
		Version:       opts.Version,
	})
	if err != nil {
		g.creds.Close()
		return fmt.Errorf("creating MCP server: %w", err)
	}

	g.router.Register(elicitation.TargetMCP, g.mcpServer.ElicitationHandler())
	if cfg.Elicitation.CLIPrompt && opts.PromptIn != nil && opts.PromptOut != nil {
		g.router.Register(elicitation.TargetCLI, elicitation.NewCLIHandler(opts.PromptIn, opts.PromptOut))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	g.mcpServer.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the HTTP handler serving health and MCP endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run serves HTTP and blocks until ctx is canceled or the server fails, then
// shuts down gracefully. Returns nil on a canceled context.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}

	g.startPurge()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// startPurge removes expired credentials on a fixed interval until Shutdown.
func (g *Gateway) startPurge() {
	g.stopPurge = make(chan struct{})
	g.purgeDone = make(chan struct{})

	go func() {
		defer close(g.purgeDone)
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()

		g.purgeOnce()
		for {
			select {
			case <-ticker.C:
				g.purgeOnce()
			case <-g.stopPurge:
				return
			}
		}
	}()
}

func (g *Gateway) purgeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := g.creds.PurgeExpired(ctx)
	if err != nil {
		g.logger.Warn("purging expired credentials failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("purged expired credentials", "count", n)
	}
}

// Shutdown ends MCP sessions, stops the HTTP server, drains pending
// notifications and closes the stores. Sessions end first so open SSE
// streams return and HTTP shutdown does not wait on them.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.mcpServer.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.stopPurge != nil {
		close(g.stopPurge)
		<-g.purgeDone
		g.stopPurge = nil
	}

	// Sessions opened while HTTP was shutting down.
	g.mcpServer.Close()
	errs = appendCloseError(errs, "resource handler close", g.handler.Close(ctx))
	g.creds.Close()

	errs = appendCloseError(errs, "job store close", g.jobStore.Close())
	errs = appendCloseError(errs, "credential store close", g.credStore.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports the number of tracked jobs and pending notifications.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d jobs, %d pending notifications)",
		len(g.jobs.ListJobs(nil)), g.jobs.PendingNotifications())
}
