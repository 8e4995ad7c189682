package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acheong08/safedeps/internal/remediate"
	"github.com/acheong08/safedeps/internal/server"
)

func (a *app) fixCmd() *cobra.Command {
	var purls []string
	styles := make([]string, len(remediate.RangeStyles))
	for i, s := range remediate.RangeStyles {
		styles[i] = string(s)
	}

	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Bump vulnerable dependencies to patched versions",
		Long: `Collects vulnerability alerts (for the given purls, or for the installed
tree), then bumps each fixable package within its current major one at a
time. Each bump is installed and verified; failures are reverted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := server.NewServices(a.cfg, a.logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := server.NewPipeline(svc, server.LogSender{Logger: a.logger})
			a.finish(p.Fix(ctx, server.FixPayload{
				Path:       a.cwd,
				Purls:      purls,
				RangeStyle: a.cfg.Fix.RangeStyle,
				Limit:      a.cfg.Fix.Limit,
				Test:       a.cfg.Fix.Test,
				TestScript: a.cfg.Fix.TestScript,
			}))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&purls, "purl", nil, "package URL to fix (repeatable); default scans the installed tree")
	flags.String("range-style", string(remediate.Preserve), fmt.Sprintf("how bumped specs are written (%s)", strings.Join(styles, ", ")))
	flags.Int("limit", 0, "fix at most this many packages")
	flags.Bool("test", false, "run the test script after each bump")
	flags.String("test-script", remediate.DefaultTestCmd, "script run by --test")
	a.bind("fix.range_style", flags.Lookup("range-style"))
	a.bind("fix.limit", flags.Lookup("limit"))
	a.bind("fix.test", flags.Lookup("test"))
	a.bind("fix.test_script", flags.Lookup("test-script"))
	return cmd
}
