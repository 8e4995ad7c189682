package tree

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// Runner executes a command in dir and returns its combined output
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs real child processes
type ExecRunner struct {
	// Timeout bounds each command; zero means no limit beyond ctx.
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=1", "NO_UPDATE_NOTIFIER=1", "npm_config_fund=false")
	return cmd.CombinedOutput()
}
