// Package remediate bumps vulnerable dependencies to patched versions one
// candidate at a time, verifying each install and reverting on failure.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/acheong08/safedeps/internal/alerts"
	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/telemetry"
	"github.com/acheong08/safedeps/internal/tree"
	"github.com/acheong08/safedeps/internal/versions"
)

const (
	planConcurrency = 3

	MsgNoFixable   = "No fixable vulnerabilities found"
	MsgNoChanges   = "Vulnerable packages are already on patched ranges"
	DefaultTestCmd = "test"
)

// Candidate statuses reported through ProgressCallback and Outcome
const (
	StatusFixed   = "fixed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Registry is the metadata the planner and hooks need
type Registry interface {
	FetchPackument(ctx context.Context, name string) (*registry.Packument, error)
	FetchManifest(ctx context.Context, spec string) (*registry.VersionManifest, error)
}

// Options tune a remediation run
type Options struct {
	RangeStyle RangeStyle
	// Limit caps how many distinct packages are fixed; zero means no cap.
	Limit int
	// Test runs TestScript after each bump.
	Test       bool
	TestScript string
}

// Target selects what to fix. Purls and Alerts are exclusive; with neither
// the installed tree is scanned.
type Target struct {
	Purls  []string
	Alerts alerts.AlertMap
}

// SpecEdit is one rewritten dependency spec
type SpecEdit struct {
	Category string `json:"category"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Candidate is one package bump in one manifest
type Candidate struct {
	Name         string     `json:"name"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	ManifestPath string     `json:"manifest"`
	Workspace    string     `json:"workspace,omitempty"`
	Root         bool       `json:"root"`
	AlertKeys    []string   `json:"alerts"`
	Edits        []SpecEdit `json:"edits,omitempty"`
	Status       string     `json:"status,omitempty"`
	Error        string     `json:"error,omitempty"`

	manifest  *parser.Manifest
	snapshot  parser.Snapshot
	saved     bool
	lockfiles map[string][]byte
}

// Outcome summarizes a run
type Outcome struct {
	Fixed      bool         `json:"fixed"`
	Message    string       `json:"message"`
	Candidates []*Candidate `json:"candidates"`
}

// ProgressCallback is called after each candidate settles
type ProgressCallback func(c *Candidate)

// Orchestrator runs the fix cycle
type Orchestrator struct {
	env        *pkgenv.Env
	adapter    tree.Adapter
	source     alerts.Source
	registry   Registry
	hooks      Hooks
	opts       Options
	logger     *slog.Logger
	progressCb ProgressCallback
}

// NewOrchestrator creates an orchestrator using ManifestHooks
func NewOrchestrator(env *pkgenv.Env, adapter tree.Adapter, source alerts.Source, reg Registry, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RangeStyle == "" {
		opts.RangeStyle = Preserve
	}
	if opts.TestScript == "" {
		opts.TestScript = DefaultTestCmd
	}
	return &Orchestrator{
		env:      env,
		adapter:  adapter,
		source:   source,
		registry: reg,
		hooks:    NewManifestHooks(env.RootPath, adapter, reg, opts.RangeStyle, logger),
		opts:     opts,
		logger:   logger,
	}
}

// SetHooks replaces the file-touching hooks
func (o *Orchestrator) SetHooks(h Hooks) {
	o.hooks = h
}

// SetProgressCallback sets a callback invoked after each candidate
func (o *Orchestrator) SetProgressCallback(cb ProgressCallback) {
	o.progressCb = cb
}

// Run remediates target and converts the outcome for the CLI
func (o *Orchestrator) Run(ctx context.Context, target Target) failure.Result {
	outcome, err := o.Remediate(ctx, target)
	if err != nil {
		return failure.FromError(err)
	}
	res := failure.Success(outcome.Fixed, outcome.Message)
	res.Raw = outcome.Candidates
	return res
}

// Remediate collects alerts, plans candidates and applies them one at a time
func (o *Orchestrator) Remediate(ctx context.Context, target Target) (*Outcome, error) {
	alertMap, err := o.collectAlerts(ctx, target)
	if err != nil {
		return nil, err
	}

	candidates, err := o.plan(ctx, alertMap.Fixable())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Outcome{Message: MsgNoFixable}, nil
	}
	o.logger.Info("Planned remediation", "candidates", len(candidates))

	var (
		attempted, succeeded int
		failures             []error
	)
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.logger.Info("Fixing package", "progress", fmt.Sprintf("%d/%d", i+1, len(candidates)),
			"package", c.Name, "from", c.From, "to", c.To, "workspace", c.Workspace)

		tried, err := o.apply(ctx, c)
		var writeErr *failure.ManifestWriteError
		if errors.As(err, &writeErr) {
			return nil, err
		}
		switch {
		case !tried:
			c.Status = StatusSkipped
		case err != nil:
			attempted++
			c.Status, c.Error = StatusFailed, err.Error()
			failures = append(failures, err)
		default:
			attempted++
			succeeded++
			c.Status = StatusFixed
		}
		telemetry.TrackRemediation(c.Status)
		if o.progressCb != nil {
			o.progressCb(c)
		}
	}

	outcome := &Outcome{Fixed: succeeded > 0, Candidates: candidates}
	switch {
	case attempted == 0:
		outcome.Message = MsgNoChanges
	case succeeded == 0:
		return nil, allFailed(failures)
	default:
		outcome.Message = fmt.Sprintf("Fixed %d of %d candidates", succeeded, attempted)
	}
	return outcome, nil
}

func (o *Orchestrator) collectAlerts(ctx context.Context, target Target) (alerts.AlertMap, error) {
	var (
		m   alerts.AlertMap
		err error
	)
	switch {
	case len(target.Purls) > 0 && target.Alerts != nil:
		return nil, &failure.InputError{Msg: "purls and alerts are mutually exclusive"}
	case target.Alerts != nil:
		return target.Alerts, nil
	case len(target.Purls) > 0:
		m, err = o.source.ForPurls(ctx, target.Purls)
	default:
		// Nothing is edited yet, so a failed scan install is reported as the
		// install failure it is.
		if err := o.adapter.Install(ctx, tree.InstallOptions{}); err != nil {
			return nil, err
		}
		actual, terr := o.adapter.ActualTree(ctx)
		if terr != nil {
			return nil, fmt.Errorf("failed to read installed tree: %w", terr)
		}
		m, err = o.source.ForTree(ctx, actual)
	}
	if err != nil {
		return nil, &failure.APIError{Op: "failed to fetch alerts", Err: err}
	}
	return m, nil
}

type fixTarget struct {
	name, version   string
	vulnerableRange string
	firstPatched    string
	keys            []string
}

// plan resolves a patched version for every fixable package version and
// builds one candidate per manifest declaring it.
func (o *Orchestrator) plan(ctx context.Context, fixable alerts.AlertMap) ([]*Candidate, error) {
	targets, err := fixTargets(fixable, o.opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	manifests, err := o.manifests()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		planned = make([][]*Candidate, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(planConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			pkg, err := o.registry.FetchPackument(gctx, t.name)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("Skipping package without registry metadata", "package", t.name, "error", err)
				return nil
			}
			to := BestPatchVersion(t.version, pkg.VersionList(), t.vulnerableRange, t.firstPatched)
			if to == "" {
				o.logger.Info("No patched version in the current major", "package", t.name, "version", t.version)
				return nil
			}
			cs := candidatesFor(t, to, manifests)
			mu.Lock()
			planned[i] = cs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*Candidate
	for _, cs := range planned {
		out = append(out, cs...)
	}
	return out, nil
}

func fixTargets(fixable alerts.AlertMap, limit int) ([]fixTarget, error) {
	byID := make(map[string]*fixTarget)
	names := make(map[string]bool)
	for _, purl := range fixable.Purls() {
		for _, a := range fixable[purl] {
			name, version := a.Name, a.Version
			if name == "" || version == "" {
				var err error
				if name, version, err = alerts.ParsePurl(purl); err != nil {
					return nil, &failure.InputError{Msg: "invalid alert purl", Err: err}
				}
			}
			id := name + "@" + version
			t, ok := byID[id]
			if !ok {
				if limit > 0 && !names[name] && len(names) >= limit {
					continue
				}
				names[name] = true
				t = &fixTarget{name: name, version: version}
				byID[id] = t
			}
			t.keys = append(t.keys, a.Key)
			if t.vulnerableRange == "" {
				t.vulnerableRange = a.Fix.VulnerableRange
			} else if a.Fix.VulnerableRange != "" && a.Fix.VulnerableRange != t.vulnerableRange {
				t.vulnerableRange += " || " + a.Fix.VulnerableRange
			}
			if fp := a.Fix.FirstPatchedVersion; fp != "" && (t.firstPatched == "" || versions.Compare(fp, t.firstPatched) > 0) {
				t.firstPatched = a.Fix.FirstPatchedVersion
			}
		}
	}
	out := make([]fixTarget, 0, len(byID))
	for _, t := range byID {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].version < out[j].version
	})
	return out, nil
}

type manifestRef struct {
	path      string
	workspace string
	root      bool
	content   *parser.PackageJSON
}

// manifests lists the root and every (nested) workspace member
func (o *Orchestrator) manifests() ([]manifestRef, error) {
	rootPath := filepath.Join(o.env.RootPath, "package.json")
	refs := []manifestRef{{path: rootPath, root: true, content: o.env.Manifest.Content()}}

	seen := map[string]bool{rootPath: true}
	queue := []string{o.env.RootPath}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		paths, err := o.env.WorkspacePackageJSONPaths(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list workspaces of %s: %w", dir, err)
		}
		for _, p := range paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			m, err := parser.LoadManifest(p)
			if err != nil {
				o.logger.Warn("Skipping unreadable workspace manifest", "path", p, "error", err)
				continue
			}
			refs = append(refs, manifestRef{
				path:      p,
				workspace: o.env.WorkspaceName(m.Dir()),
				content:   m.Content(),
			})
			queue = append(queue, m.Dir())
		}
	}
	return refs, nil
}

func candidatesFor(t fixTarget, to string, manifests []manifestRef) []*Candidate {
	newCandidate := func(ref manifestRef) *Candidate {
		return &Candidate{
			Name:         t.name,
			From:         t.version,
			To:           to,
			ManifestPath: ref.path,
			Workspace:    ref.workspace,
			Root:         ref.root,
			AlertKeys:    t.keys,
		}
	}

	var out []*Candidate
	for _, ref := range manifests {
		for _, c := range []parser.Category{parser.Dependencies, parser.DevDependencies, parser.OptionalDependencies} {
			if _, ok := ref.content.DependencyMap(c)[t.name]; ok {
				out = append(out, newCandidate(ref))
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, newCandidate(manifests[0]))
	}
	return out
}

// apply runs one candidate. tried is false when nothing was installed.
func (o *Orchestrator) apply(ctx context.Context, c *Candidate) (tried bool, err error) {
	changed, err := o.hooks.BeforeInstall(ctx, c)
	if err != nil {
		return true, err
	}
	if !changed && !c.Root {
		o.logger.Debug("Manifest already admits patched version", "package", c.Name, "workspace", c.Workspace)
		return false, nil
	}

	err = o.adapter.Install(ctx, tree.InstallOptions{})
	if err == nil {
		err = o.hooks.AfterUpdate(ctx, c)
	}
	if err == nil && o.opts.Test {
		err = o.adapter.RunScript(ctx, o.opts.TestScript)
	}
	if err == nil {
		err = o.verify(ctx, c)
	}
	if err == nil {
		return true, nil
	}

	o.logger.Warn("Reverting failed fix", "package", c.Name, "to", c.To, "error", err)
	if rerr := o.hooks.RevertInstall(ctx, c); rerr != nil {
		return true, rerr
	}
	var installErr *failure.InstallError
	if !errors.As(err, &installErr) {
		err = &failure.InstallError{Command: "verify " + c.Name + "@" + c.To, Err: err}
	}
	return true, err
}

func (o *Orchestrator) verify(ctx context.Context, c *Candidate) error {
	actual, err := o.adapter.ActualTree(ctx)
	if err != nil {
		return fmt.Errorf("failed to read installed tree: %w", err)
	}
	if actual.FindNode(c.Name, c.To) == nil {
		return fmt.Errorf("%s@%s is not installed", c.Name, c.To)
	}
	for _, e := range c.Edits {
		if !versions.Satisfies(c.To, e.To) {
			return fmt.Errorf("%s spec %q does not admit %s@%s", e.Category, e.To, c.Name, c.To)
		}
	}
	return nil
}

func allFailed(errs []error) error {
	first := &failure.InstallError{}
	for _, err := range errs {
		if errors.As(err, &first) {
			break
		}
	}
	return &failure.InstallError{
		Command: fmt.Sprintf("fix (%d candidates)", len(errs)),
		Output:  first.Output,
		Err:     errors.Join(errs...),
	}
}
