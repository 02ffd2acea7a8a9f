package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agenticverz/agenticverz/internal/golden"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/replay"
)

var auditLimit int

func init() {
	goldenCmd := &cobra.Command{Use: "golden", Short: "Inspect and sign golden files"}
	goldenCmd.AddCommand(
		&cobra.Command{
			Use:   "verify FILE...",
			Short: "Check the HMAC signature of golden files",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runGoldenVerify,
		},
		&cobra.Command{
			Use:   "sign FILE...",
			Short: "Re-sign golden files with the configured secret",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runGoldenSign,
		},
		&cobra.Command{
			Use:   "diff EXPECTED ACTUAL",
			Short: "Compare two golden files ignoring volatile fields",
			Args:  cobra.ExactArgs(2),
			RunE:  runGoldenDiff,
		},
	)
	rootCmd.AddCommand(goldenCmd)

	replayCmd := &cobra.Command{Use: "replay", Short: "Compare run traces"}
	replayCmd.AddCommand(&cobra.Command{
		Use:   "compare ORIGINAL_RUN REPLAY_RUN",
		Short: "Report the first step where two runs' traces diverge",
		Args:  cobra.ExactArgs(2),
		RunE:  runReplayCompare,
	})
	rootCmd.AddCommand(replayCmd)

	breakerCmd := &cobra.Command{Use: "breaker", Short: "Inspect and reset circuit breakers"}
	breakerCmd.AddCommand(
		&cobra.Command{
			Use:   "status [TARGET]",
			Short: "Show breaker state for one or all targets",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runBreakerStatus,
		},
		&cobra.Command{
			Use:   "reset TARGET",
			Short: "Close a circuit manually",
			Args:  cobra.ExactArgs(1),
			RunE:  runBreakerReset,
		},
	)
	rootCmd.AddCommand(breakerCmd)

	budgetCmd := &cobra.Command{Use: "budget", Short: "Manage agent budgets"}
	budgetCmd.AddCommand(
		&cobra.Command{
			Use:   "resume TENANT AGENT",
			Short: "Clear an agent's auto-pause",
			Args:  cobra.ExactArgs(2),
			RunE:  runBudgetResume,
		},
		&cobra.Command{
			Use:   "limit TENANT AGENT AMOUNT",
			Short: "Set an agent's lifetime limit in minor units (0 = unlimited)",
			Args:  cobra.ExactArgs(3),
			RunE:  runBudgetLimit,
		},
		&cobra.Command{
			Use:   "recompute",
			Short: "Rebuild spend counters from the cost log",
			Args:  cobra.NoArgs,
			RunE:  runBudgetRecompute,
		},
	)
	rootCmd.AddCommand(budgetCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent system audit records",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of records")
	rootCmd.AddCommand(auditCmd)
}

func goldenSigner() (*golden.Signer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return golden.NewSigner(cfg.GoldenSecret)
}

func runGoldenVerify(cmd *cobra.Command, args []string) error {
	signer, err := goldenSigner()
	if err != nil {
		return err
	}
	var bad int
	for _, path := range args {
		if err := signer.Verify(path); err != nil {
			bad++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d golden files failed verification", bad, len(args))
	}
	return nil
}

func runGoldenSign(cmd *cobra.Command, args []string) error {
	signer, err := goldenSigner()
	if err != nil {
		return err
	}
	for _, path := range args {
		if err := signer.Sign(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed %s\n", path)
	}
	return nil
}

func runGoldenDiff(cmd *cobra.Command, args []string) error {
	diffs, err := golden.DiffFiles(args[0], args[1])
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "golden files match")
		return nil
	}
	out := cmd.OutOrStdout()
	for _, d := range diffs {
		fmt.Fprintf(out, "event %d:\n  - %s\n  + %s\n", d.Event, d.Expected, d.Actual)
	}
	return fmt.Errorf("%d events differ", len(diffs))
}

func runReplayCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids := make([]uuid.UUID, len(args))
	for i, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return fmt.Errorf("parse run ID %q: %w", a, err)
		}
		ids[i] = id
	}

	e, err := openToolEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	original, err := e.db.LatestTrace(ctx, ids[0])
	if err != nil {
		return fmt.Errorf("load trace %s: %w", ids[0], err)
	}
	replayed, err := e.db.LatestTrace(ctx, ids[1])
	if err != nil {
		return fmt.Errorf("load trace %s: %w", ids[1], err)
	}

	m := replay.CompareTraces(original, replayed)
	if m == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "traces match (%d steps, root %s)\n", len(original.Steps), original.RootHash)
		return nil
	}
	return &replay.MismatchError{Mismatch: *m}
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openStateEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	var states []model.BreakerState
	if len(args) == 1 {
		st, err := e.breaker.State(ctx, args[0])
		if err != nil {
			return err
		}
		states = append(states, st)
	} else if states, err = e.breaker.List(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATE\tFAILURES\tCOOLDOWN\tRETRY IN")
	now := time.Now()
	for _, st := range states {
		retryIn := "-"
		if st.CooldownUntil != nil {
			retryIn = max(st.CooldownUntil.Sub(now), 0).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", st.Target, st.State, st.FailureCount, st.Cooldown, retryIn)
	}
	return w.Flush()
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openStateEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	if err := e.breaker.Reset(ctx, args[0]); err != nil {
		return err
	}
	if e.db != nil {
		if err := e.db.Audit(ctx, "breaker.reset", "cli", map[string]any{"target": args[0]}); err != nil {
			logger.Warn("audit breaker reset", "error", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "breaker %s closed\n", args[0])
	return nil
}

func runBudgetResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenant, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse tenant: %w", err)
	}
	e, err := openToolEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	if err := e.enforcer.Resume(ctx, tenant, args[1]); err != nil {
		return err
	}
	if err := e.db.Audit(ctx, "budget.resume", "cli", map[string]any{"tenant_id": tenant, "agent_id": args[1]}); err != nil {
		logger.Warn("audit budget resume", "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agent %s resumed\n", args[1])
	return nil
}

func runBudgetLimit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenant, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse tenant: %w", err)
	}
	limit, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || limit < 0 {
		return errors.New("AMOUNT must be a non-negative integer")
	}
	e, err := openToolEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	if err := e.enforcer.Ledger().SetAgentLimit(ctx, tenant, args[1], limit); err != nil {
		return err
	}
	if err := e.db.Audit(ctx, "budget.limit", "cli", map[string]any{
		"tenant_id": tenant, "agent_id": args[1], "limit": limit,
	}); err != nil {
		logger.Warn("audit budget limit", "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agent %s limit set to %d\n", args[1], limit)
	return nil
}

func runBudgetRecompute(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openToolEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	if err := e.enforcer.Ledger().RecomputeCounters(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "spend counters rebuilt")
	return nil
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openToolEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	entries, err := e.db.ListAudit(ctx, auditLimit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

// openToolEngine opens an engine with a Postgres connection.
func openToolEngine(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openEngine(ctx, cfg, logger, engineOptions{database: true})
}

// openStateEngine opens an engine on the configured state backend only.
func openStateEngine(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openEngine(ctx, cfg, logger, engineOptions{})
}
