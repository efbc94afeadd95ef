package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-flowguard/internal/config"
	"github.com/kubilitics/kubilitics-flowguard/internal/db"
	"github.com/kubilitics/kubilitics-flowguard/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type app struct {
	configPath string
	output     string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "flowguard",
		Short:         "Sliding-window flow anomaly detection",
		Long:          "flowguard scores windows of network flows against a nominal baseline with relative entropy, selects the abnormal windows and identifies the flow states or transitions behind them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the configuration file")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputTable, "output format: table or yaml")

	cmd.AddCommand(
		newImportCmd(a),
		newDetectCmd(a),
		newRunsCmd(a),
		newCorporaCmd(a),
	)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		switch a.output {
		case outputTable, outputYAML:
			return nil
		}
		return fmt.Errorf("unsupported output format %q (want %s or %s)", a.output, outputTable, outputYAML)
	}
	return cmd
}

// loadConfig reads and validates the configuration file and FLOWGUARD_* overrides.
func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr.Get(ctx), nil
}

// newLogger logs to the configured file, or to the command's stderr.
func (a *app) newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := &logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if lc.Path == "" {
		return logging.NewWithWriter(lc, a.stderr)
	}
	return logging.New(lc)
}

// setup loads the configuration and opens the logger and the store.
// The returned cleanup closes both.
func (a *app) setup(ctx context.Context) (*config.Config, *zap.Logger, db.Store, func(), error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		_ = logger.Sync()
		return nil, nil, nil, nil, fmt.Errorf("ping database %s: %w", cfg.Database.SQLitePath, err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return cfg, logger, store, cleanup, nil
}
