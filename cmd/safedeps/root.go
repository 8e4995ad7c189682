package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/acheong08/safedeps/internal/config"
	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/telemetry"
)

// app carries state shared by every subcommand of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string
	cwd     string
	jsonOut bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error

	stdout io.Writer
	stderr io.Writer
	code   int
}

func execute(args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	defer func() {
		if a.closeLog != nil {
			_ = a.closeLog()
		}
	}()

	if err := root.Execute(); err != nil {
		if a.jsonOut {
			a.printResult(failure.FromError(err))
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		code := failure.ExitCode(err)
		if code == failure.ExitGeneric {
			// cobra reports usage mistakes as plain errors
			code = failure.ExitInput
		}
		return code
	}
	return a.code
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "safedeps",
		Short: "Replace risky npm dependencies and bump vulnerable ones",
		Long: `safedeps rewrites package.json manifests across a project and its
workspaces so that known-problematic packages resolve to vetted drop-in
replacements (optimize), and bumps vulnerable packages to patched versions
with install verification and automatic revert (fix).`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is .safedeps.yaml in the project)")
	flags.StringVar(&a.cwd, "cwd", "", "project directory (default is the current directory)")
	flags.BoolVar(&a.jsonOut, "json", false, "print the result as JSON")
	flags.BoolP("debug", "d", false, "enable debug logging")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("registry", "", "npm registry URL")
	flags.String("agent", "", "force a package manager (npm, pnpm, yarn/classic, yarn/berry, bun, vlt)")
	flags.String("min-node", "", "minimum node version the project supports")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	a.bind("debug", flags.Lookup("debug"))
	a.bind("log_file", flags.Lookup("log-file"))
	a.bind("registry", flags.Lookup("registry"))
	a.bind("agent", flags.Lookup("agent"))
	a.bind("min_node", flags.Lookup("min-node"))
	a.bind("metrics_addr", flags.Lookup("metrics-addr"))

	root.AddCommand(a.optimizeCmd(), a.fixCmd(), a.serveCmd(), a.versionCmd())
	return root
}

// bind layers a flag over the config key; it only fails for unknown flags
func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// setup loads configuration and logging before any subcommand runs
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	if a.cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		a.cwd = wd
	}
	if info, err := os.Stat(a.cwd); err != nil || !info.IsDir() {
		return &failure.InputError{Msg: fmt.Sprintf("%s is not a directory", a.cwd), Err: err}
	}

	cfg, err := config.Load(a.v, a.cwd, a.cfgFile)
	if err != nil {
		return &failure.InputError{Msg: "invalid configuration", Err: err}
	}
	a.cfg = cfg

	a.logger, a.closeLog = telemetry.InitLogger(telemetry.LoggerOptions{
		Debug:   cfg.Debug,
		JSON:    cfg.JSONLogs,
		LogFile: cfg.LogFile,
		Output:  a.stderr,
	})

	if cfg.MetricsAddr != "" && cmd.Name() != "serve" {
		go func() {
			if err := telemetry.StartMetricsServer(cfg.MetricsAddr); err != nil {
				a.logger.Warn("Metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}
