package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/pool"
	"github.com/agenticverz/agenticverz/internal/runner"
)

var (
	planPath       string
	runTenant      string
	runAgent       string
	runGoal        string
	runKey         string
	runParent      string
	runMaxAttempts int
	runPriority    int
	execTimeout    time.Duration
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a run from a plan file for the worker pool",
		Args:  cobra.NoArgs,
		RunE:  runSubmit,
	}
	addRunFlags(submitCmd)
	rootCmd.AddCommand(submitCmd)

	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a plan file in this process and print the finished run",
		Long: `exec runs a single plan through the full engine in-process, using an
in-memory run queue and the configured state backend. Retries honor the
configured backoff.`,
		Args: cobra.NoArgs,
		RunE: runExec,
	}
	addRunFlags(execCmd)
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 10*time.Minute, "give up waiting for the run after this long")
	rootCmd.AddCommand(execCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&planPath, "plan", "", "path to a JSON plan ({\"steps\": [...]})")
	cmd.Flags().StringVar(&runTenant, "tenant", "", "tenant UUID (random when empty)")
	cmd.Flags().StringVar(&runAgent, "agent", "cli", "agent ID")
	cmd.Flags().StringVar(&runGoal, "goal", "", "goal text")
	cmd.Flags().StringVar(&runKey, "idempotency-key", "", "run-level idempotency key")
	cmd.Flags().StringVar(&runParent, "parent", "", "parent run UUID for replays")
	cmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "attempt limit (config default when zero)")
	cmd.Flags().IntVar(&runPriority, "priority", 0, "dispatch priority")
	_ = cmd.MarkFlagRequired("plan")
}

func buildRunRequest(defaultAttempts int) (model.CreateRunRequest, error) {
	raw, err := os.ReadFile(planPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return model.CreateRunRequest{}, fmt.Errorf("read plan: %w", err)
	}
	var plan model.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return model.CreateRunRequest{}, fmt.Errorf("parse plan %s: %w", planPath, err)
	}

	req := model.CreateRunRequest{
		AgentID:     runAgent,
		Goal:        runGoal,
		Plan:        plan,
		MaxAttempts: runMaxAttempts,
		Priority:    runPriority,
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = defaultAttempts
	}
	if runTenant == "" {
		req.TenantID = uuid.New()
	} else if req.TenantID, err = uuid.Parse(runTenant); err != nil {
		return model.CreateRunRequest{}, fmt.Errorf("parse --tenant: %w", err)
	}
	if runKey != "" {
		req.IdempotencyKey = &runKey
	}
	if runParent != "" {
		parent, err := uuid.Parse(runParent)
		if err != nil {
			return model.CreateRunRequest{}, fmt.Errorf("parse --parent: %w", err)
		}
		req.ParentRunID = &parent
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := buildRunRequest(cfg.MaxAttempts)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg, logger, engineOptions{database: true})
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	run, err := e.db.CreateRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), run.ID)
	return nil
}

func runExec(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := buildRunRequest(cfg.MaxAttempts)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg, logger, engineOptions{})
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	store := runner.NewMemoryStore()
	run, err := store.CreateRun(ctx, req)
	if err != nil {
		return err
	}
	p := pool.New(store, e.runner(store), pool.Config{
		PollInterval: 100 * time.Millisecond,
		Concurrency:  1,
		BatchSize:    1,
		RunTimeout:   cfg.RunTimeout,
	}, logger)
	p.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	final, waitErr := waitTerminal(waitCtx, store, run.ID)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if _, err := p.Drain(drainCtx); err != nil {
		logger.Warn("exec: drain", "error", err)
	}
	if waitErr != nil {
		return waitErr
	}

	out := struct {
		Run        model.Run         `json:"run"`
		Provenance *model.Provenance `json:"provenance,omitempty"`
	}{Run: final}
	if prov, ok := store.Provenance(run.ID); ok {
		out.Provenance = &prov
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if final.Status != model.RunStatusSucceeded {
		return fmt.Errorf("run %s %s", final.ID, final.Status)
	}
	return nil
}

func waitTerminal(ctx context.Context, store *runner.MemoryStore, id uuid.UUID) (model.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := store.GetRun(ctx, id)
		if err != nil {
			return model.Run{}, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("run %s still %s: %w", id, run.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
