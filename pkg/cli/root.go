// Package cli implements the enrich command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"enrichd/internal/app"
	"enrichd/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, errorObject(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	output     string
	envFile    string
	configFile string
	storePath  string
	logLevel   string
	logFile    string

	// stderr receives log output; nil means os.Stderr.
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "enrich",
		Short:         "Durable bulk enrichment jobs",
		Long:          "Run, inspect and control enrichment jobs that process table rows in batches.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateOutputFormat(opts.output)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file")
	flags.StringVar(&opts.configFile, "config-file", "", "YAML config file (overrides ENRICH_CONFIG_FILE)")
	flags.StringVar(&opts.storePath, "store", "", "Job store path (overrides ENRICH_STORE_PATH)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides ENRICH_LOG_LEVEL)")
	flags.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this file (overrides ENRICH_LOG_FILE)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newEnqueueCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newJobsCmd(opts))
	rootCmd.AddCommand(newErrorsCmd(opts))
	rootCmd.AddCommand(newPauseCmd(opts))
	rootCmd.AddCommand(newResumeCmd(opts))
	rootCmd.AddCommand(newCancelCmd(opts))
	rootCmd.AddCommand(newWaitCmd(opts))
	rootCmd.AddCommand(newEnrichmentsCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// loadConfig resolves configuration with precedence flag > env > .env > default.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	return config.Load(o.envFile, func(c *config.Config) {
		if flags.Changed("config-file") {
			c.ConfigFile = o.configFile
		}
		if flags.Changed("store") {
			c.StorePath = o.storePath
		}
		if flags.Changed("log-level") {
			c.LogLevel = o.logLevel
		}
		if flags.Changed("log-file") {
			c.LogFile = o.logFile
		}
	})
}

// openApp loads config, sets up logging and wires the application. The
// returned cleanup stops runners in this process and closes every store.
func (o *rootOptions) openApp(cmd *cobra.Command, manualStart bool) (*app.App, func(), error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var logger *slog.Logger
	closeLog := func() error { return nil }
	if o.stderr != nil {
		logger = slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	} else {
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.SlogLevel())
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, app.Deps{Cfg: cfg, Logger: logger, ManualStart: manualStart})
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		_ = closeLog()
	}
	return a, cleanup, nil
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
