package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/capguest/capshim/config"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/host"
	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "capshim",
		Short:         "Run guests behind a capability-checked host boundary",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text, json")

	rootCmd.AddCommand(
		runCmd(opts),
		demoCmd(opts),
		lfsrCmd(),
		schemaCmd(),
	)
	return rootCmd
}

// newLogger builds the diagnostic logger. Logs always go to w (stderr), never
// to the guest output stream.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// newExecutor loads the config and builds an executor whose guest output
// goes to the command's stdout.
func newExecutor(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*host.Executor, *slog.Logger, error) {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	e, err := host.NewExecutor(ctx,
		host.WithModuleName(cfg.ModuleName),
		host.WithHeapBase(cfg.HeapBase),
		host.WithHeapQuota(cfg.HeapQuota),
		host.WithAllocTimeout(cfg.AllocTimeout),
		host.WithRandomSeed(cfg.RandomSeed),
		host.WithMaxPrintSize(cfg.MaxPrintSize),
		host.WithOutput(cmd.OutOrStdout()),
		host.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return e, logger, nil
}

// reportFailure logs the structured diagnostic of a terminated execution
// unit and passes err through.
func reportFailure(ctx context.Context, logger *slog.Logger, err error) error {
	var term *domainerrors.TerminationError
	if errors.As(err, &term) {
		logger.ErrorContext(ctx, "execution unit terminated",
			"unit", term.Unit,
			"detail", domainerrors.ToErrorDetail(term.Cause))
	}
	return err
}
