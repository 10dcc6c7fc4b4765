// ABOUTME: Entry point for the deepr-mcp state server
// ABOUTME: Serves MCP resources and provides job, credential and token maintenance commands

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/deepr-mcp/internal/auth"
	"github.com/2389/deepr-mcp/internal/config"
	"github.com/2389/deepr-mcp/internal/credentials"
	"github.com/2389/deepr-mcp/internal/gateway"
	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _
  __| | ___  ___ _ __  _ __      _ __ ___   ___ _ __
 / _' |/ _ \/ _ \ '_ \| '__|____| '_ ' _ \ / __| '_ \
| (_| |  __/  __/ |_) | | |_____| | | | | | (__| |_) |
 \__,_|\___|\___| .__/|_|       |_| |_| |_|\___| .__/
                |_|                            |_|
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: deepr-mcp <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the MCP server")
	fmt.Fprintln(w, "  recover                    Mark jobs interrupted by a crash as failed")
	fmt.Fprintln(w, "  jobs [--phase PHASE]       List persisted jobs")
	fmt.Fprintln(w, "  credentials [--purge]      List stored credentials")
	fmt.Fprintln(w, "  token --subject NAME       Issue a bearer token for the MCP endpoint")
	fmt.Fprintln(w, "  version                    Print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts --config PATH (default: $DEEPR_CONFIG or ~/.config/deepr/mcp.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one subcommand.
func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "serve":
		return runServe(ctx, args, out)
	case "recover":
		return runRecover(ctx, args, out)
	case "jobs":
		return runJobs(ctx, args, out)
	case "credentials":
		return runCredentials(ctx, args, out)
	case "token":
		return runToken(args, out)
	case "version", "--version":
		fmt.Fprintf(out, "deepr-mcp %s\n", version)
		return nil
	case "help", "--help", "-h":
		usage(out)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// newFlagSet returns a flag set with the shared --config flag bound to configPath.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "path to config file (yaml or toml)")
	return fs
}

// parseFlags parses args and rejects positional arguments.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return nil
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.Path(flagValue)
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if !found {
		if flagValue != "" {
			return nil, path, fmt.Errorf("config file not found: %s", path)
		}
		path = ""
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, out)

	printStatus := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-12s %s\n", label+":", value)
	}
	if path == "" {
		printStatus("Config", "(defaults)")
	} else {
		printStatus("Config", path)
	}
	printStatus("MCP", "http://"+cfg.Server.Addr+"/mcp")
	printStatus("Jobs DB", cfg.Database.JobsPath)
	printStatus("Creds DB", cfg.Database.CredentialsPath)
	printStatus("Reports", cfg.Storage.ReportsDir)
	printStatus("Sandboxes", cfg.Sandbox.BaseDir)
	if cfg.Auth.JWTSecret == "" {
		yellow.Fprintln(out, "    ! bearer auth disabled (auth.jwt_secret is empty)")
	}
	fmt.Fprintln(out)

	logger.Info("starting deepr-mcp",
		"config", path,
		"addr", cfg.Server.Addr,
	)

	gw, err := gateway.New(ctx, cfg, logger, gateway.Options{
		Version:   version,
		PromptIn:  os.Stdin,
		PromptOut: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func openJobStore(configPath string) (*store.JobStore, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.NewJobStore(cfg.Database.JobsPath)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	return st, nil
}

func runRecover(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	fs := newFlagSet("recover", &configPath)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	st, err := openJobStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.MarkIncompleteAsFailed(ctx)
	if err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	if n == 0 {
		color.New(color.FgGreen).Fprintln(out, "  ✓ no interrupted jobs")
		return nil
	}
	color.New(color.FgYellow).Fprintf(out, "  ✓ marked %d interrupted job(s) as failed\n", n)
	return nil
}

func runJobs(ctx context.Context, args []string, out io.Writer) error {
	var configPath, phase string
	fs := newFlagSet("jobs", &configPath)
	fs.StringVarP(&phase, "phase", "p", "", "only list jobs in this phase")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var filter *string
	if phase != "" {
		if !jobs.Phase(phase).Valid() {
			return fmt.Errorf("invalid phase %q", phase)
		}
		filter = &phase
	}

	st, err := openJobStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no jobs")
		return nil
	}

	// Align plain text first; escape codes would count toward cell width.
	var table bytes.Buffer
	tw := tabwriter.NewWriter(&table, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPHASE\tPROGRESS\tCOST\tUPDATED\tERROR")
	for _, rec := range records {
		s := rec.State
		fmt.Fprintf(tw, "%s\t%s\t%3.0f%%\t$%.2f\t%s\t%s\n",
			s.JobID,
			s.Phase,
			s.Progress*100,
			s.CostSoFar,
			s.UpdatedAt.Local().Format(time.DateTime),
			cellReplacer.Replace(s.Error),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	lines := strings.SplitAfter(table.String(), "\n")
	col := strings.Index(lines[0], "PHASE")
	fmt.Fprint(out, lines[0])
	for i, rec := range records {
		fmt.Fprint(out, colorizeAt(lines[i+1], col, string(rec.State.Phase), phaseColor(rec.State.Phase)))
	}
	return nil
}

// cellReplacer keeps free text on one table row and inside one cell.
var cellReplacer = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ")

// colorizeAt colors the text at byte offset col of an aligned table line.
func colorizeAt(line string, col int, text string, c *color.Color) string {
	end := col + len(text)
	if col < 0 || end > len(line) || line[col:end] != text {
		return line
	}
	return line[:col] + c.Sprint(text) + line[end:]
}

func phaseColor(p jobs.Phase) *color.Color {
	switch p {
	case jobs.PhaseCompleted:
		return color.New(color.FgGreen)
	case jobs.PhaseFailed, jobs.PhaseCancelled:
		return color.New(color.FgRed)
	case jobs.PhaseQueued:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgCyan)
	}
}

func runCredentials(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	var purge bool
	fs := newFlagSet("credentials", &configPath)
	fs.BoolVar(&purge, "purge", false, "delete expired credentials first")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewCredentialStore(cfg.Database.CredentialsPath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer st.Close()

	mgr, err := credentials.NewManager(credentials.Config{Store: st})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if purge {
		n, err := mgr.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purging credentials: %w", err)
		}
		color.New(color.FgGreen).Fprintf(out, "  ✓ purged %d expired credential(s)\n", n)
	}

	list, err := mgr.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no credentials")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOMAIN\tTYPE\tUSES\tEXPIRES")
	for _, c := range list {
		expires := "never"
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.Local().Format(time.DateTime)
			if c.Expired(now) {
				expires = color.RedString(expires + " (expired)")
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Domain, c.CredentialType, c.UseCount, expires)
	}
	return tw.Flush()
}

func runToken(args []string, out io.Writer) error {
	var configPath, subject string
	var expires time.Duration
	fs := newFlagSet("token", &configPath)
	fs.StringVarP(&subject, "subject", "s", "", "token subject (required)")
	fs.DurationVar(&expires, "expires", 0, "token lifetime, 0 for no expiry")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}

	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		if path == "" {
			path = config.Path(configPath)
		}
		return fmt.Errorf("auth.jwt_secret is not configured in %s", path)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(subject, expires)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
