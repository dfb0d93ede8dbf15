package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/fitsync-migrate/internal/auth"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/exitcodes"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/manager"
	"github.com/johndauphine/fitsync-migrate/internal/notify"
	"github.com/johndauphine/fitsync-migrate/internal/progress"
	"github.com/johndauphine/fitsync-migrate/internal/tui"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Debug("Exit code %d: %s", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "fitsync-migrate",
		Usage:   "Migrate a locally stored fitness profile to the backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for headless hosts)",
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				EnvVars: []string{"FITSYNC_USER"},
				Usage:   "User id to migrate (ignored when --token is given)",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"FITSYNC_TOKEN"},
				Usage:   "Access token; its subject is the user id",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address while running (overrides metrics.addr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			// Set log level from flag
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			// Set log format
			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a new migration",
				Action: runMigration,
				Flags:  runFlags(),
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted or failed migration",
				Action: resumeMigration,
				Flags:  runFlags(),
			},
			{
				Name:   "rollback",
				Usage:  "Restore the local backup and remove rows written by the last migration",
				Action: rollbackMigration,
			},
			{
				Name:   "status",
				Usage:  "Show whether a migration is needed, possible or resumable",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent migration attempts",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output history as JSON",
					},
				},
			},
			{
				Name:  "local",
				Usage: "Inspect or seed the local profile store",
				Subcommands: []*cli.Command{
					{
						Name:   "export",
						Usage:  "Write a snapshot of the local store to a file",
						Action: exportLocal,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Value:   "local-snapshot.yaml",
								Usage:   "Output path; .json writes JSON, anything else YAML",
							},
						},
					},
					{
						Name:   "import",
						Usage:  "Replace the local store with a snapshot file",
						Action: importLocal,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Aliases:  []string{"f"},
								Required: true,
								Usage:    "Snapshot file (.json or .yaml)",
							},
						},
					},
				},
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "resolve",
			Usage: "Conflict resolution as conflict_id=strategy (repeatable)",
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "Fallback strategy for conflicts without a resolution (overrides migration.conflict_strategy)",
		},
		&cli.BoolFlag{
			Name:    "interactive",
			Aliases: []string{"i"},
			Usage:   "Prompt for unresolved conflicts when attached to a terminal",
		},
	}
}

// parseResolutions turns repeated id=strategy flags into a resolution map.
func parseResolutions(values []string) (map[string]conflict.Strategy, error) {
	out := make(map[string]conflict.Strategy, len(values))
	for _, v := range values {
		id, name, ok := strings.Cut(v, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --resolve value %q: expected conflict_id=strategy", v)
		}
		st, err := conflict.ParseStrategy(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("--resolve %s: %w", id, err)
		}
		if st == conflict.Manual {
			return nil, fmt.Errorf("--resolve %s: manual is not a resolution", id)
		}
		out[id] = st
	}
	return out, nil
}

func runOptions(c *cli.Context) (manager.RunOptions, error) {
	var opts manager.RunOptions
	res, err := parseResolutions(c.StringSlice("resolve"))
	if err != nil {
		return opts, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	opts.Resolutions = res
	if s := c.String("strategy"); s != "" {
		st, err := conflict.ParseStrategy(s)
		if err != nil {
			return opts, exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
		opts.Strategy = st
	}
	return opts, nil
}

// resolveUser returns the user id from the access token, or from --user
// when no token is given.
func resolveUser(c *cli.Context, cfg auth.Config) (string, error) {
	if token := c.String("token"); token != "" {
		claims, err := auth.Parse(token, cfg)
		if err != nil {
			return "", err
		}
		if u := c.String("user"); u != "" && u != claims.Subject {
			return "", fmt.Errorf("%w: token subject does not match --user", auth.ErrInvalidToken)
		}
		return claims.Subject, nil
	}
	if u := c.String("user"); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("%w: pass --token or --user", auth.ErrMissingToken)
}

// interruptible returns a context that is never cancelled by signals
// itself; SIGINT and SIGTERM ask the manager to stop after the current step.
func interruptible(mgr *manager.Manager) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing current step and saving checkpoint...")
			if err := mgr.CancelMigration(); err != nil {
				logging.Warn("Cancel: %v", err)
			}
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func runMigration(c *cli.Context) error {
	return drive(c, func(ctx context.Context, a *app, opts manager.RunOptions) (*engine.Result, error) {
		return a.manager.StartMigration(ctx, a.userID, opts)
	})
}

func resumeMigration(c *cli.Context) error {
	return drive(c, func(ctx context.Context, a *app, opts manager.RunOptions) (*engine.Result, error) {
		return a.manager.ResumeMigration(ctx, a.userID, opts)
	})
}

type runFn func(ctx context.Context, a *app, opts manager.RunOptions) (*engine.Result, error)

// drive runs a start or resume with progress rendering and notifications,
// then offers the conflict prompt when the run stopped on conflicts.
func drive(c *cli.Context, fn runFn) error {
	opts, err := runOptions(c)
	if err != nil {
		return err
	}
	a, err := setup(c, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stopMetrics := serveMetrics(c, a)
	defer stopMetrics()

	resultSub := a.manager.OnResult(notify.OnResult(a.notifier))
	defer resultSub.Unsubscribe()

	ctx, stop := interruptible(a.manager)
	defer stop()

	for {
		res, err := runOnce(ctx, c, a, fn, opts)
		if err != nil {
			return err
		}
		if res.Success || len(res.Conflicts) == 0 || !promptAllowed(c) {
			return finish(c, res)
		}

		chosen, perr := tui.Resolve(res.Conflicts)
		if perr != nil {
			logging.Warn("Conflict prompt: %v", perr)
			return finish(c, res)
		}
		if opts.Resolutions == nil {
			opts.Resolutions = make(map[string]conflict.Strategy, len(chosen))
		}
		for id, st := range chosen {
			opts.Resolutions[id] = st
		}
		fn = func(ctx context.Context, a *app, opts manager.RunOptions) (*engine.Result, error) {
			return a.manager.ResumeMigration(ctx, a.userID, opts)
		}
	}
}

func runOnce(ctx context.Context, c *cli.Context, a *app, fn runFn, opts manager.RunOptions) (*engine.Result, error) {
	var sub interface{ Unsubscribe() }
	if c.Bool("output-json") {
		reporter := progress.NewJSONReporter(os.Stderr, 0)
		defer reporter.Close()
		sub = a.manager.OnProgress(func(p engine.Progress) {
			reporter.Report(progress.FromProgress(p))
		})
	} else {
		tracker := progress.New(len(engine.Steps))
		defer tracker.Finish()
		sub = a.manager.OnProgress(tracker.Update)
	}
	defer sub.Unsubscribe()

	return fn(ctx, a, opts)
}

func promptAllowed(c *cli.Context) bool {
	return c.Bool("interactive") && !c.Bool("output-json") && term.IsTerminal(int(os.Stdin.Fd()))
}

// finish prints the result and converts an unsuccessful run to an exit error.
func finish(c *cli.Context, res *engine.Result) error {
	if c.Bool("output-json") {
		if err := printJSON(res); err != nil {
			logging.Warn("Writing JSON result: %v", err)
		}
	} else {
		printResult(res)
	}
	if res.Success {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.New("migration did not complete")
}

func printResult(res *engine.Result) {
	if res.Success {
		logging.Info("Migration %s completed in %s", res.MigrationID, res.Duration().Round(time.Millisecond))
	} else if res.Cancelled {
		logging.Warn("Migration %s interrupted after %d step(s); run resume to continue", res.MigrationID, len(res.CompletedSteps))
	} else {
		logging.Error("Migration %s stopped: %v", res.MigrationID, res.Err)
	}
	for _, s := range engine.Steps {
		kind, ok := engine.SectionForStep(s)
		if !ok {
			continue
		}
		migrated, seen := res.Migrated[kind]
		switch {
		case migrated:
			logging.Info("  %-22s migrated", kind)
		case seen:
			logging.Info("  %-22s skipped", kind)
		}
	}
	for _, w := range res.Warnings {
		logging.Warn("  %s", w)
	}
	if len(res.Conflicts) > 0 {
		logging.Warn("%d conflict(s) need a resolution; pass --resolve id=strategy or --interactive:", len(res.Conflicts))
		for _, cf := range res.Conflicts {
			logging.Warn("  %-36s local=%v remote=%v (suggested %s)", cf.ID, cf.LocalValue, cf.RemoteValue, cf.Suggested)
		}
	}
}

func rollbackMigration(c *cli.Context) error {
	a, err := setup(c, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.manager.RollbackMigration(context.Background(), a.userID)
	if err != nil {
		return err
	}
	if nerr := a.notifier.RollbackCompleted(res); nerr != nil {
		logging.Warn("Sending notification: %v", nerr)
	}

	if c.Bool("output-json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		logging.Info("Rollback of %s: local restored=%t", res.MigrationID, res.LocalRestored)
		for _, s := range res.Steps {
			if s.Orphaned() {
				logging.Warn("  %-20s cleanup failed: %s", s.Table, s.Error)
			} else {
				logging.Info("  %-20s %d row(s) removed", s.Table, s.Deleted)
			}
		}
		for _, w := range res.Warnings {
			logging.Warn("  %s", w)
		}
	}
	if !res.Success {
		return fmt.Errorf("rollback incomplete: %s", res.RestoreError)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	a, err := setup(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.manager.CheckStatus(context.Background(), a.userID)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(st)
	}

	fmt.Printf("User:              %s\n", orDash(st.UserID))
	fmt.Printf("Local data:        %t\n", st.HasLocalData)
	fmt.Printf("Completed:         %t\n", st.Completed)
	fmt.Printf("Can start:         %t\n", st.CanStart)
	fmt.Printf("Resumable:         %t\n", st.HasIncompleteResumable)
	if cp := st.IncompleteCheckpoint; cp != nil {
		fmt.Printf("Checkpoint:        %s (%s) step %d/%d %s, saved %s\n",
			cp.MigrationID, cp.Status, cp.CurrentStepIndex+1, len(cp.Steps), cp.CurrentStepName,
			cp.LastCheckpointTime.Format("2006-01-02 15:04:05"))
		for _, e := range cp.Errors {
			fmt.Printf("  error in %s: %s\n", e.Step, e.Message)
		}
	}
	if la := st.LastAttempt; la != nil {
		fmt.Printf("Last attempt:      %s %s success=%t\n", la.Operation, la.StartTime.Format("2006-01-02 15:04:05"), la.Success)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	a, err := setup(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.manager.History()
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(attempts)
	}
	if len(attempts) == 0 {
		fmt.Println("No migration attempts recorded")
		return nil
	}
	fmt.Printf("%-20s %-9s %-12s %-8s %-10s %s\n", "Started", "Operation", "User", "Success", "Duration", "Error")
	for i := len(attempts) - 1; i >= 0; i-- {
		at := attempts[i]
		fmt.Printf("%-20s %-9s %-12s %-8t %-10s %s\n",
			at.StartTime.Format("2006-01-02 15:04:05"),
			at.Operation,
			truncate(at.UserID, 12),
			at.Success,
			at.Duration().Round(time.Millisecond),
			at.Error)
	}
	return nil
}

func serveMetrics(c *cli.Context, a *app) func() {
	addr := c.String("metrics-addr")
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn("Metrics server: %v", err)
		}
	}()
	logging.Debug("Serving metrics on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
