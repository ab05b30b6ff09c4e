package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/replay"
)

var _ replay.Target = (*engine.Engine)(nil)

// #region invalidate-goal

func newInvalidateGoalCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-goal GOAL_ID",
		Short: "Drop every cached distance computed under a goal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				n, err := e.InvalidateGoal(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.stdout, "goal %s: %d cached distances dropped\n", args[0], n)
				return nil
			})
		},
	}
}

// #endregion invalidate-goal

// #region recluster

func newReclusterCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "recluster GOAL_ID THRESHOLD",
		Short: "Rebuild a goal's equivalence classes at a distance threshold",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return usagef("threshold %q: not a number", args[1])
			}
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				classes, err := e.Recluster(ctx, args[0], threshold)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(opts.stdout, classes)
				}
				fmt.Fprintf(opts.stdout, "goal %s: %d classes at threshold %g\n", args[0], len(classes), threshold)
				w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				for _, c := range classes {
					fmt.Fprintf(w, "%s\t%d\t%v\n", c.ID, len(c.StateIDs), c.StateIDs)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output classes as JSON")
	return cmd
}

// #endregion recluster

// #region inspect-distance

type distanceReport struct {
	StateA string  `json:"state_a"`
	StateB string  `json:"state_b"`
	Goal   string  `json:"goal"`
	Reward float64 `json:"reward"`
	Feat   float64 `json:"feature"`
	Action float64 `json:"action"`
	GoalT  float64 `json:"goal_alignment"`
	Total  float64 `json:"total"`
}

func newInspectDistanceCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect-distance STATE_A STATE_B GOAL_ID",
		Short: "Show the bisimulation distance between two states and its terms",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				bd, err := e.ExplainDistance(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				r := distanceReport{
					StateA: args[0], StateB: args[1], Goal: args[2],
					Reward: bd.Reward, Feat: bd.Feature, Action: bd.Action, GoalT: bd.Goal, Total: bd.Total,
				}
				if jsonOut {
					return writeJSON(opts.stdout, r)
				}
				w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "distance(%s, %s | %s)\t%.6f\n", r.StateA, r.StateB, r.Goal, r.Total)
				fmt.Fprintf(w, "  reward\t%.6f\n", r.Reward)
				fmt.Fprintf(w, "  feature\t%.6f\n", r.Feat)
				fmt.Fprintf(w, "  action\t%.6f\n", r.Action)
				fmt.Fprintf(w, "  goal alignment\t%.6f\n", r.GoalT)
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// #endregion inspect-distance

// #region import

func newImportCmd(opts *globalOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "import FIXTURE",
		Short: "Seed the database from a YAML or JSON fixture",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return usageError{err}
			}
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				sum, err := replay.Apply(ctx, e, f)
				if err != nil {
					return err
				}
				e.WaitIdle()
				fmt.Fprintf(opts.stdout, "imported %d goals, %d links, %d states, %d episodes (%d relabeled, %d transfers)\n",
					sum.Goals, sum.Links, sum.States, sum.Episodes, sum.Relabeled, sum.Transfers)
				if !check || len(f.Decisions) == 0 {
					return nil
				}
				results, err := replay.Replay(ctx, e, f.Decisions)
				if err != nil {
					return err
				}
				for _, r := range results {
					mark := "ok"
					if !r.Matched {
						mark = "MISMATCH"
					}
					fmt.Fprintf(opts.stdout, "decision %s: %s (expected %s) %s\n", r.ID, r.Action, r.Expected, mark)
				}
				if bad := replay.Mismatches(results); len(bad) > 0 {
					return fmt.Errorf("%d of %d decisions did not match", len(bad), len(results))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "replay the fixture's decisions and fail on mismatch")
	return cmd
}

// #endregion import

// #region calibration

func newCalibrationCmd(opts *globalOptions) *cobra.Command {
	var (
		bins     int
		halfLife time.Duration
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "calibration",
		Short: "Compare transfer confidence with realised outcomes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bins < 1 {
				return usagef("--bins must be at least 1, got %d", bins)
			}
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Calibration(ctx, bins, halfLife)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(opts.stdout, report)
				}
				fmt.Fprintf(opts.stdout, "%d transfer records, brier %.4f\n", report.Records, report.Brier)
				w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "bin\tcount\tconfidence\tsuccess\treliable")
				for _, b := range report.Bins {
					fmt.Fprintf(w, "[%.2f,%.2f)\t%d\t%.3f\t%.3f\t%v\n", b.Lower, b.Upper, b.Count, b.MeanConfidence, b.SuccessRate, b.Reliable)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&bins, "bins", 5, "number of confidence buckets")
	cmd.Flags().DurationVar(&halfLife, "half-life", 0, "weight records by exp(-age/half-life); 0 weights all equally")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// #endregion calibration

// #region factors

func newFactorsCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "factors GOAL_ID",
		Short: "Rank the features that separate successes for a goal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				factors, err := e.CausalFactors(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(opts.stdout, factors)
				}
				w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "factor\tscore\tsuccess\tcontrol")
				for _, f := range factors {
					fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.3f\n", f.ID, f.Score, f.SuccessRate, f.ControlRate)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// #endregion factors

// #region events

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var (
		goal  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent transfer and relabel audit events",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Audit.Recent(ctx, goal, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "time\ttype\tsubject\tgoal\trelated\toutcome")
				for _, en := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						en.CreatedAt.Format(time.RFC3339), en.Type, en.SubjectID, en.GoalID, en.RelatedGoal, en.Outcome)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "only events involving this goal")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

// #endregion events

// #region schedule

func newScheduleCmd(opts *globalOptions) *cobra.Command {
	var (
		spec string
		now  bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Re-cluster every goal on a cron schedule until interrupted",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, opts, func(ctx context.Context, e *engine.Engine) error {
				if spec == "" {
					spec = e.Config().Clustering.Schedule
				}
				if spec == "" {
					return usagef("no schedule: pass --spec or set clustering.schedule")
				}
				sched, err := engine.NewScheduler(e, spec)
				if err != nil {
					return usageError{err}
				}
				if mc := e.Config().Metrics; mc.Enabled {
					srv := serveMetrics(e, mc.Addr)
					defer srv.Close()
				}
				if now {
					sched.RunOnce(ctx)
				}
				sched.Start(ctx)
				e.Logger().Info("recluster schedule running", "spec", spec)
				<-ctx.Done()
				sched.Stop()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "cron expression (default clustering.schedule)")
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before waiting for the schedule")
	return cmd
}

func serveMetrics(e *engine.Engine, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger().Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	e.Logger().Info("serving metrics", "addr", addr)
	return srv
}

// #endregion schedule

// #region helpers

// withEngine opens the engine, runs fn and closes it.
func withEngine(ctx context.Context, opts *globalOptions, fn func(context.Context, *engine.Engine) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close engine: %w", cerr)
		}
	}()
	return fn(ctx, e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
