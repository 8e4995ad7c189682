package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/telemetry"
	"github.com/acheong08/safedeps/pkg/models"
)

var idealTreeArgs = []string{"install", "--package-lock-only", "--ignore-scripts", "--no-audit", "--no-fund"}

// PackageManager is the Adapter backed by the project's own package manager
type PackageManager struct {
	env    *pkgenv.Env
	runner Runner
	logger *slog.Logger
	logCb  LogCallback
}

// NewPackageManager creates an adapter for env. A nil runner runs real processes.
func NewPackageManager(env *pkgenv.Env, runner Runner, logger *slog.Logger) *PackageManager {
	if runner == nil {
		runner = ExecRunner{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageManager{env: env, runner: runner, logger: logger}
}

// SetLogCallback sets a callback for log messages
func (m *PackageManager) SetLogCallback(cb LogCallback) {
	m.logCb = cb
}

func (m *PackageManager) logMsg(msg, level string) {
	if m.logCb != nil {
		m.logCb(msg, level)
	}
}

// Install writes opts.Tree into the lockfile when given, then installs
func (m *PackageManager) Install(ctx context.Context, opts InstallOptions) error {
	if opts.Tree != nil {
		if err := parser.WriteLockfileUpdates(opts.Tree); err != nil {
			return fmt.Errorf("failed to write lockfile: %w", err)
		}
	}
	args := append(installArgs(m.env.Agent), opts.Args...)
	if _, err := m.run(ctx, m.agentCommand(), args...); err != nil {
		return err
	}
	if err := m.env.ReloadLockfile(); err != nil {
		m.logger.Warn("Failed to reload lockfile after install", "error", err)
	}
	return nil
}

// ActualTree reads what is installed. npm's hidden lockfile is preferred,
// then node_modules itself, then the project lockfile.
func (m *PackageManager) ActualTree(ctx context.Context) (*models.DependencyTree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := m.env.RootPath

	hidden := filepath.Join(root, filepath.FromSlash(parser.NpmHiddenLock))
	if _, err := os.Stat(hidden); err == nil {
		if t, err := parser.ParseLockfile(hidden); err == nil {
			return t, nil
		}
		m.logger.Debug("Ignoring unreadable hidden lockfile", "path", hidden)
	}

	// env.Manifest is not refreshed when package.json is rewritten.
	manifest, err := parser.LoadManifest(filepath.Join(root, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}
	content := manifest.Content()
	rootDeps := make(map[string]string)
	for _, c := range []parser.Category{parser.Dependencies, parser.DevDependencies, parser.OptionalDependencies} {
		for name, spec := range content.DependencyMap(c) {
			rootDeps[name] = spec
		}
	}
	t, err := loadNodeModules(root, models.NewPackage(content.Name, content.Version), rootDeps)
	if err != nil {
		return nil, fmt.Errorf("failed to read node_modules: %w", err)
	}
	if t != nil {
		return t, nil
	}
	return m.lockfileTree()
}

func (m *PackageManager) lockfileTree() (*models.DependencyTree, error) {
	if m.env.LockPath == "" {
		return nil, ErrNoLockfile
	}
	src, err := os.ReadFile(m.env.LockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.env.LockName, err)
	}
	switch m.env.LockName {
	case parser.NpmLock, parser.NpmShrinkwrap:
		return parser.ParseLockfileBytes(m.env.LockPath, src)
	case parser.PnpmLock:
		return parser.ParsePnpmLockfile(m.env.LockPath, src)
	}
	return nil, ErrNoLockfile
}

// BuildIdealTree asks npm to resolve the manifest into package-lock.json
// without touching node_modules, and returns the result.
func (m *PackageManager) BuildIdealTree(ctx context.Context) (*models.DependencyTree, error) {
	if m.env.Agent != pkgenv.Npm {
		return nil, ErrIdealTreeUnsupported
	}
	if _, err := m.run(ctx, m.npmCommand(), idealTreeArgs...); err != nil {
		return nil, err
	}
	lockName := parser.NpmLock
	if m.env.LockName == parser.NpmShrinkwrap {
		lockName = parser.NpmShrinkwrap
	}
	t, err := parser.ParseLockfile(filepath.Join(m.env.RootPath, lockName))
	if err != nil {
		return nil, fmt.Errorf("failed to read ideal tree: %w", err)
	}
	return t, nil
}

// RunScript runs a package.json script
func (m *PackageManager) RunScript(ctx context.Context, script string) error {
	_, err := m.run(ctx, m.agentCommand(), "run", script)
	return err
}

func (m *PackageManager) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := strings.Join(append([]string{filepath.Base(name)}, args...), " ")
	m.logger.Debug("Running package manager", "command", command, "dir", m.env.RootPath)
	m.logMsg(fmt.Sprintf("Running %s", command), "info")

	start := time.Now()
	out, err := m.runner.Run(ctx, m.env.RootPath, name, args...)
	telemetry.ObserveInstall(string(m.env.Agent), firstArg(args), time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out: %w", err)
		}
		m.logMsg(fmt.Sprintf("%s failed", command), "error")
		return out, &failure.InstallError{Command: command, Output: string(out), Err: err}
	}
	return out, nil
}

func (m *PackageManager) agentCommand() string {
	if m.env.AgentExecPath != "" {
		return m.env.AgentExecPath
	}
	return m.env.Agent.Command()
}

func (m *PackageManager) npmCommand() string {
	if m.env.NpmExecPath != "" {
		return m.env.NpmExecPath
	}
	return "npm"
}

func installArgs(agent pkgenv.Agent) []string {
	switch agent {
	case pkgenv.Npm, "":
		return []string{"install", "--no-audit", "--no-fund"}
	case pkgenv.YarnClassic:
		return []string{"install", "--non-interactive"}
	}
	return []string{"install"}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

var _ Adapter = (*PackageManager)(nil)
