package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/acheong08/safedeps/internal/catalog"
	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/telemetry"
	"github.com/acheong08/safedeps/internal/versions"
)

// fanOut bounds concurrent catalog entries and workspace members
const fanOut = 3

// ManifestFetcher resolves a spec to a published version
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, spec string) (*registry.VersionManifest, error)
}

// Options tune a resolve pass
type Options struct {
	// Pin writes exact catalog versions instead of ^major ranges.
	Pin bool
	// Prod skips the lockfile scan and only looks at declared dependencies.
	Prod bool
}

// Resolver rewrites a project so catalog packages resolve to their
// replacements.
type Resolver struct {
	env      *pkgenv.Env
	entries  []catalog.Entry
	registry ManifestFetcher
	logger   *slog.Logger

	group     singleflight.Group
	published sync.Map
	warnOnce  sync.Once

	mu        sync.Mutex
	seen      map[string]bool
	originals map[string][]byte
}

// NewResolver creates a resolver over the given catalog entries
func NewResolver(env *pkgenv.Env, entries []catalog.Entry, fetcher ManifestFetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{env: env, entries: entries, registry: fetcher, logger: logger}
}

// Resolve processes the project root and every workspace member below it
func (r *Resolver) Resolve(ctx context.Context, opts Options) (*State, error) {
	r.mu.Lock()
	r.seen = map[string]bool{filepath.Clean(r.env.RootPath): true}
	r.originals = make(map[string][]byte)
	r.mu.Unlock()

	state, err := r.resolve(ctx, r.env.RootPath, opts)
	if err != nil {
		return nil, err
	}
	state.sortEdits()
	return state, nil
}

// claim marks a member directory as visited. Overlapping globs and nested
// workspaces can reach the same member more than once.
func (r *Resolver) claim(pkgPath string) bool {
	pkgPath = filepath.Clean(pkgPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[pkgPath] {
		return false
	}
	r.seen[pkgPath] = true
	return true
}

// Revert writes every manifest saved by the last Resolve back to the bytes
// it had before.
func (r *Resolver) Revert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for path, data := range r.originals {
		if err := os.WriteFile(path, data, 0644); err != nil {
			errs = append(errs, &failure.ManifestWriteError{Path: path, Err: err})
			continue
		}
		r.logger.Info("Restored manifest", "path", path)
	}
	return errors.Join(errs...)
}

// call is the working set for one manifest
type call struct {
	mu        sync.Mutex
	manifest  *parser.Manifest
	entries   []parser.DependencyEntry
	blocks    []*overrideBlock
	scanner   Scanner
	workspace string
	state     *State
}

func (c *call) record(name string, updated bool, edit Edit) {
	c.state.record(c.workspace, name, updated)
	c.state.Edits = append(c.state.Edits, edit)
	if updated {
		telemetry.TrackOverride("updated")
	} else {
		telemetry.TrackOverride("added")
	}
}

func (r *Resolver) resolve(ctx context.Context, pkgPath string, opts Options) (*State, error) {
	isRoot := r.env.IsRoot(pkgPath)
	manifest := r.env.Manifest
	if !isRoot {
		m, err := parser.LoadManifest(filepath.Join(pkgPath, "package.json"))
		if err != nil {
			return nil, &failure.InputError{Msg: "unreadable workspace package.json", Err: err}
		}
		manifest = m
	}

	globs, err := parser.ReadWorkspaceGlobs(pkgPath, r.env.Agent.IsPnpm())
	if err != nil {
		return nil, &failure.InputError{Msg: "invalid workspace configuration", Err: err}
	}
	isWorkspace := len(globs) > 0

	c := &call{
		manifest:  manifest,
		entries:   parser.DependencyEntries(manifest),
		workspace: r.env.WorkspaceName(pkgPath),
		state:     NewState(),
	}
	c.scanner = NewScanner(r.env, c.entries, isRoot && !opts.Prod)
	if isRoot {
		c.blocks = overrideBlocks(r.env.Agent, manifest.Content(), isWorkspace)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for _, entry := range r.entries {
		g.Go(func() error {
			return r.applyEntry(gctx, c, entry, opts, isRoot)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	own := c.state
	state := NewState()
	state.Merge(own)

	if isWorkspace {
		if r.env.Agent.IsPnpm() && r.env.NpmExecPath == "" {
			r.warnOnce.Do(func() {
				state.WarnedPnpmWorkspaceRequiresNpm = true
				r.logger.Warn("pnpm workspace detected but npm is not on PATH; some package manager operations may fail")
			})
		}
		paths, err := parser.WorkspacePackageJSONPaths(pkgPath, globs)
		if err != nil {
			return nil, &failure.InputError{Msg: "failed to expand workspaces", Err: err}
		}
		children := make([]*State, len(paths))
		wg, wctx := errgroup.WithContext(ctx)
		wg.SetLimit(fanOut)
		for i, p := range paths {
			memberPath := filepath.Dir(p)
			if !r.claim(memberPath) {
				continue
			}
			wg.Go(func() error {
				child, err := r.resolve(wctx, memberPath, opts)
				if err != nil {
					return err
				}
				children[i] = child
				return nil
			})
		}
		if err := wg.Wait(); err != nil {
			return nil, err
		}
		for _, child := range children {
			state.Merge(child)
		}
	}

	if !own.Empty() {
		if err := r.flush(c, isRoot); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// applyEntry rewrites one catalog entry into the call's manifest. The
// call mutex is held for every in-memory mutation and released only while
// waiting on the registry.
func (r *Resolver) applyEntry(ctx context.Context, c *call, entry catalog.Entry, opts Options, isRoot bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	major := versions.Major(entry.Version)
	rng := "^" + strconv.Itoa(major)
	if opts.Pin {
		rng = entry.Version
	}
	candidate := AliasSpec(entry.Name, rng)

	c.mu.Lock()
	defer c.mu.Unlock()

	aliases := make(map[string]string)
	for _, de := range c.entries {
		if spec, ok := de.Deps[entry.Name]; ok {
			aliases[entry.Name] = spec
		}
		orig, ok := de.Deps[entry.Original]
		if !ok {
			continue
		}
		current := orig
		prior := ParseSpec(orig)
		if !prior.ValidOverride(entry.Name) {
			current = candidate.String()
			de.Deps[entry.Original] = current
			// A prior spec already aliased to the replacement (for example
			// "npm:@socketregistry/has@latest") counts as an update, not an
			// addition, even though the direct spec is rewritten.
			c.record(entry.Name, prior.Replaces(entry.Name), Edit{
				Manifest:  c.manifest.Filename(),
				Placement: DirectAlias,
				Section:   string(de.Category),
				Package:   entry.Original,
				From:      orig,
				To:        candidate,
			})
		}
		aliases[entry.Original] = current
	}

	if !isRoot {
		return nil
	}

	for _, b := range c.blocks {
		old, exists := b.values[entry.Original]
		if !exists && !c.scanner.Includes(entry.Original) {
			continue
		}
		oldSpec := ""
		if exists {
			s, ok := old.(string)
			if !ok {
				err := &failure.MalformedSpecError{
					Name: entry.Original,
					Spec: fmt.Sprintf("%v", old),
					Err:  fmt.Errorf("%s entry is not a string", b.section()),
				}
				r.logger.Warn("Skipping override", "package", entry.Original, "section", b.section(), "error", err)
				c.state.Warnings = append(c.state.Warnings, err.Error())
				continue
			}
			oldSpec = s
		}

		safeAlias, safeDeclared := aliases[entry.Name]
		depAlias := safeAlias
		if !safeDeclared {
			depAlias = aliases[entry.Original]
		}

		next := candidate
		switch {
		case b.npmStyle && depAlias != "":
			if safeDeclared {
				next = ReferenceSpec(entry.Name)
			} else {
				next = ReferenceSpec(entry.Original)
			}
		case exists:
			effective := oldSpec
			if strings.HasPrefix(oldSpec, "$") {
				effective = depAlias
			}
			if effective == "" {
				effective = candidate.String()
			}
			prior := ParseSpec(effective)
			if !prior.Replaces(entry.Name) {
				next = ParseSpec(oldSpec)
				break
			}
			if priorMajor(prior, major) != major {
				c.mu.Unlock()
				published, ok := r.publishedVersion(ctx, effective)
				c.mu.Lock()
				if ok && versions.Compare(published, entry.Version) > 0 {
					keep := "^" + strconv.Itoa(versions.Major(published))
					if opts.Pin {
						keep = published
					}
					next = AliasSpec(entry.Name, keep)
				}
			}
		}

		rendered := next.String()
		if exists && rendered == oldSpec {
			continue
		}
		b.values[entry.Original] = rendered
		b.changed = true
		c.record(entry.Name, exists, Edit{
			Manifest:  c.manifest.Filename(),
			Placement: OverrideBlock,
			Section:   b.section(),
			Package:   entry.Original,
			From:      oldSpec,
			To:        next,
		})
	}
	return nil
}

// priorMajor is the major an existing alias targets, or fallback when its
// range does not coerce.
func priorMajor(s Spec, fallback int) int {
	if v, ok := s.Coerced(); ok {
		return versions.Major(v)
	}
	return fallback
}

// publishedVersion resolves spec once per resolver. Failures are cached as
// misses so a broken lookup is not retried within the run.
func (r *Resolver) publishedVersion(ctx context.Context, spec string) (string, bool) {
	if v, ok := r.published.Load(spec); ok {
		s := v.(string)
		return s, s != ""
	}
	if r.registry == nil {
		return "", false
	}
	v, _, _ := r.group.Do(spec, func() (any, error) {
		if v, ok := r.published.Load(spec); ok {
			return v, nil
		}
		version := ""
		m, err := r.registry.FetchManifest(ctx, spec)
		if err != nil {
			r.logger.Warn("Failed to resolve existing override", "spec", spec, "error", err)
		} else {
			version = m.Version
		}
		r.published.Store(spec, version)
		return version, nil
	})
	s := v.(string)
	return s, s != ""
}

// flush stages dependency edits, then override sections, then writes once
func (r *Resolver) flush(c *call, isRoot bool) error {
	if err := c.manifest.UpdateDependencies(c.entries); err != nil {
		return fmt.Errorf("failed to stage dependencies for %s: %w", c.manifest.Filename(), err)
	}
	if isRoot {
		for _, b := range c.blocks {
			if !b.changed {
				continue
			}
			if err := c.manifest.SetBlock(b.values, b.path...); err != nil {
				return fmt.Errorf("failed to stage %s for %s: %w", b.section(), c.manifest.Filename(), err)
			}
		}
	}
	before := c.manifest.Saved()
	saved, err := c.manifest.Save()
	if err != nil {
		return err
	}
	if saved {
		r.mu.Lock()
		if _, ok := r.originals[c.manifest.Filename()]; !ok {
			r.originals[c.manifest.Filename()] = before
		}
		r.mu.Unlock()
		r.logger.Info("Updated manifest", "path", c.manifest.Filename(), "workspace", c.workspace)
	}
	return nil
}
