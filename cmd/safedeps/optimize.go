package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acheong08/safedeps/internal/server"
)

func (a *app) optimizeCmd() *cobra.Command {
	var noInstall bool
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Replace dependencies with vetted drop-in replacements",
		Long: `Rewrites direct dependencies and override blocks in the project and every
workspace member so catalog packages resolve to their replacements, then
reinstalls. Running it twice changes nothing the second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := server.NewServices(a.cfg, a.logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := server.NewPipeline(svc, server.LogSender{Logger: a.logger})
			a.finish(p.Optimize(ctx, server.OptimizePayload{
				Path:      a.cwd,
				Pin:       a.cfg.Optimize.Pin,
				Prod:      a.cfg.Optimize.Prod,
				NoInstall: noInstall,
			}))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Bool("pin", false, "pin exact replacement versions instead of ^major ranges")
	flags.Bool("prod", false, "only consider declared dependencies, not the lockfile")
	flags.BoolVar(&noInstall, "no-install", false, "skip reinstalling after manifests change")
	a.bind("optimize.pin", flags.Lookup("pin"))
	a.bind("optimize.prod", flags.Lookup("prod"))
	return cmd
}
