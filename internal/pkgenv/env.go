// Package pkgenv detects which package manager owns a project and collects
// the facts the resolver and the remediation loop share about it.
package pkgenv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/versions"
)

// Agent identifies a package manager
type Agent string

const (
	Npm         Agent = "npm"
	Pnpm        Agent = "pnpm"
	YarnClassic Agent = "yarn/classic"
	YarnBerry   Agent = "yarn/berry"
	Bun         Agent = "bun"
	Vlt         Agent = "vlt"
)

// DefaultMinimumNodeVersion is assumed when a project declares no engines.node
const DefaultMinimumNodeVersion = "18.0.0"

// lockfiles in detection priority order
var lockfiles = []struct {
	name  string
	agent Agent
}{
	{parser.PnpmLock, Pnpm},
	{parser.YarnLock, YarnClassic},
	{parser.BunLock, Bun},
	{parser.BunLockBinary, Bun},
	{parser.NpmShrinkwrap, Npm},
	{parser.NpmLock, Npm},
	{"vlt-lock.json", Vlt},
}

// Env describes the project being worked on
type Env struct {
	Agent              Agent
	AgentExecPath      string
	NpmExecPath        string
	RootPath           string
	Manifest           *parser.Manifest
	LockName           string
	LockPath           string
	LockSrc            []byte
	MinimumNodeVersion string
}

// Options tune detection. Zero values mean autodetect.
type Options struct {
	// Agent forces a package manager instead of detecting one.
	Agent Agent
	// MinimumNodeVersion overrides the project's engines.node floor.
	MinimumNodeVersion string
	// LookPath resolves executables; exec.LookPath when nil.
	LookPath func(string) (string, error)
}

// Detect inspects the project containing cwd
func Detect(cwd string, opts Options) (*Env, error) {
	pkgPath, err := parser.FindPackageJSON(cwd)
	if err != nil {
		return nil, &failure.InputError{Msg: "no package.json found", Err: err}
	}
	manifest, err := parser.LoadManifest(pkgPath)
	if err != nil {
		return nil, &failure.InputError{Msg: "unreadable package.json", Err: err}
	}

	env := &Env{
		RootPath: filepath.Dir(pkgPath),
		Manifest: manifest,
	}

	for _, lf := range lockfiles {
		path := filepath.Join(env.RootPath, lf.name)
		if _, err := os.Stat(path); err == nil {
			env.LockName = lf.name
			env.LockPath = path
			env.Agent = lf.agent
			break
		}
	}
	if agent := agentFromPackageManager(manifest.Content().PackageManager); agent != "" {
		env.Agent = agent
	}
	if opts.Agent != "" {
		env.Agent = opts.Agent
	}
	if env.Agent == "" {
		env.Agent = Npm
	}

	if env.LockPath != "" {
		src, err := os.ReadFile(env.LockPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", env.LockName, err)
		}
		env.LockSrc = src
		if env.Agent == YarnClassic && isYarnBerry(env.RootPath, src) {
			env.Agent = YarnBerry
		}
	}

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	env.AgentExecPath, _ = lookPath(env.Agent.Command())
	env.NpmExecPath, _ = lookPath("npm")

	env.MinimumNodeVersion = opts.MinimumNodeVersion
	if env.MinimumNodeVersion == "" {
		env.MinimumNodeVersion = minimumNodeVersion(manifest.Content().Engines["node"])
	}
	return env, nil
}

// Command is the executable name for the agent
func (a Agent) Command() string {
	switch a {
	case YarnClassic, YarnBerry:
		return "yarn"
	case "":
		return "npm"
	}
	return string(a)
}

// IsPnpm reports whether workspaces are declared in pnpm-workspace.yaml
func (a Agent) IsPnpm() bool {
	return a == Pnpm
}

// IsRoot reports whether pkgPath is the project root
func (e *Env) IsRoot(pkgPath string) bool {
	return filepath.Clean(pkgPath) == filepath.Clean(e.RootPath)
}

// WorkspaceName is the member identifier of pkgPath relative to the root
func (e *Env) WorkspaceName(pkgPath string) string {
	if e.IsRoot(pkgPath) {
		return ""
	}
	rel, err := filepath.Rel(e.RootPath, pkgPath)
	if err != nil {
		return pkgPath
	}
	return filepath.ToSlash(rel)
}

// WorkspacePackageJSONPaths lists the workspace member manifests under pkgPath
func (e *Env) WorkspacePackageJSONPaths(pkgPath string) ([]string, error) {
	globs, err := parser.ReadWorkspaceGlobs(pkgPath, e.Agent.IsPnpm())
	if err != nil {
		return nil, err
	}
	if len(globs) == 0 {
		return nil, nil
	}
	return parser.WorkspacePackageJSONPaths(pkgPath, globs)
}

// ReloadLockfile rereads the lockfile after an install changed it
func (e *Env) ReloadLockfile() error {
	if e.LockPath == "" {
		for _, lf := range lockfiles {
			path := filepath.Join(e.RootPath, lf.name)
			if _, err := os.Stat(path); err == nil {
				e.LockName, e.LockPath = lf.name, path
				break
			}
		}
		if e.LockPath == "" {
			return nil
		}
	}
	src, err := os.ReadFile(e.LockPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", e.LockName, err)
	}
	e.LockSrc = src
	return nil
}

func agentFromPackageManager(field string) Agent {
	if field == "" {
		return ""
	}
	name, version, _ := strings.Cut(field, "@")
	switch name {
	case "npm":
		return Npm
	case "pnpm":
		return Pnpm
	case "bun":
		return Bun
	case "vlt":
		return Vlt
	case "yarn":
		if versions.Major(version) >= 2 {
			return YarnBerry
		}
		return YarnClassic
	}
	return ""
}

func isYarnBerry(root string, lockSrc []byte) bool {
	if strings.Contains(string(lockSrc), "__metadata:") {
		return true
	}
	_, err := os.Stat(filepath.Join(root, ".yarnrc.yml"))
	return err == nil
}

func minimumNodeVersion(engines string) string {
	if engines == "" {
		return DefaultMinimumNodeVersion
	}
	if v, ok := versions.Coerce(engines); ok {
		return v
	}
	return DefaultMinimumNodeVersion
}
