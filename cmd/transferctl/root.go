package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/config"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region root

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	backend    string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "transferctl",
		Short: "Operate a goal-conditioned transfer engine",
		Long: `transferctl inspects and maintains a transfer engine database.

Configuration is read from --config (default transfer_engine.yaml, missing is
fine), then TRANSFER_* environment variables, then the flags below.

Exit codes:
  0  success
  1  goal or state not found, or a runtime failure
  2  malformed input (bad arguments, invalid threshold, schema mismatch,
     conflicting records)`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", envOr("TRANSFER_CONFIG", "transfer_engine.yaml"), "path to the YAML config file")
	pf.StringVar(&opts.dbPath, "db", "", "database path (overrides config and TRANSFER_DB)")
	pf.StringVar(&opts.backend, "backend", "", "storage backend: sqlite or badger")

	root.AddCommand(
		newInvalidateGoalCmd(opts),
		newReclusterCmd(opts),
		newInspectDistanceCmd(opts),
		newImportCmd(opts),
		newCalibrationCmd(opts),
		newFactorsCmd(opts),
		newEventsCmd(opts),
		newScheduleCmd(opts),
	)
	return root
}

// #endregion root

// #region helpers

// loadConfig resolves the configuration for this invocation.
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, usageError{err}
	}
	if o.dbPath != "" {
		cfg.Store.Path = o.dbPath
	}
	if o.backend != "" {
		cfg.Store.Backend = o.backend
	}
	if err := cfg.Validate(); err != nil {
		return cfg, usageError{err}
	}
	return cfg, nil
}

// openEngine opens the engine described by the flags; the caller closes it.
func (o *globalOptions) openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(o.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, usageError{err}
	}
	return engine.Open(ctx, cfg, engine.WithLogger(logger))
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s: accepts %d arg(s), received %d (usage: %s)", cmd.Name(), n, len(args), cmd.UseLine())
		}
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
