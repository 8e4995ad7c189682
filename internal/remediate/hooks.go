package remediate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/tree"
)

// Hooks are the file-touching steps around each candidate install
type Hooks interface {
	// BeforeInstall snapshots the candidate's manifest and the root
	// lockfiles, then persists the bump. It reports whether the manifest
	// changed.
	BeforeInstall(ctx context.Context, c *Candidate) (bool, error)
	// AfterUpdate runs once the bumped manifest installed cleanly.
	AfterUpdate(ctx context.Context, c *Candidate) error
	// RevertInstall restores the snapshot and reinstalls.
	RevertInstall(ctx context.Context, c *Candidate) error
}

// ManifestFetcher resolves registry metadata for a version
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, spec string) (*registry.VersionManifest, error)
}

// ManifestHooks edits package.json dependency blocks and, at the root,
// repoints lockfile nodes at the patched version.
type ManifestHooks struct {
	root     string
	adapter  tree.Adapter
	registry ManifestFetcher
	style    RangeStyle
	logger   *slog.Logger
}

// lockfiles are the project lockfiles an install or AfterUpdate may rewrite
var lockfiles = []string{
	parser.NpmLock,
	parser.NpmShrinkwrap,
	parser.PnpmLock,
	parser.YarnLock,
	parser.BunLock,
	parser.BunLockBinary,
}

// NewManifestHooks creates hooks for the project at root writing bumps in
// the given style
func NewManifestHooks(root string, adapter tree.Adapter, fetcher ManifestFetcher, style RangeStyle, logger *slog.Logger) *ManifestHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestHooks{root: root, adapter: adapter, registry: fetcher, style: style, logger: logger}
}

func (h *ManifestHooks) BeforeInstall(_ context.Context, c *Candidate) (bool, error) {
	m, err := parser.LoadManifest(c.ManifestPath)
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", c.ManifestPath, err)
	}
	c.manifest = m
	c.snapshot = m.Snapshot()
	c.saved = false
	if c.lockfiles, err = h.snapshotLockfiles(); err != nil {
		return false, err
	}

	entries := parser.DependencyEntries(m)
	for _, e := range entries {
		if e.Category == parser.PeerDependencies {
			continue
		}
		spec, ok := e.Deps[c.Name]
		if !ok {
			continue
		}
		if next := ApplyRange(spec, c.To, h.style); next != spec {
			e.Deps[c.Name] = next
			c.Edits = append(c.Edits, SpecEdit{Category: string(e.Category), From: spec, To: next})
		}
	}
	if len(c.Edits) == 0 {
		return false, nil
	}
	if err := m.UpdateDependencies(entries); err != nil {
		return false, fmt.Errorf("failed to stage bump of %s: %w", c.Name, err)
	}
	saved, err := m.Save()
	if err != nil {
		return false, err
	}
	c.saved = saved
	return saved, nil
}

// AfterUpdate rebuilds the ideal tree at the root and moves every node still
// on the vulnerable version to the patched one, then installs that tree.
func (h *ManifestHooks) AfterUpdate(ctx context.Context, c *Candidate) error {
	if !c.Root {
		return nil
	}
	ideal, err := h.adapter.BuildIdealTree(ctx)
	if errors.Is(err, tree.ErrIdealTreeUnsupported) {
		h.logger.Debug("Skipping ideal tree update", "package", c.Name, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	var stale int
	for _, node := range ideal.FindNodes(c.Name) {
		if node.Version == c.From {
			stale++
		}
	}
	if stale == 0 {
		return nil
	}

	manifest, err := h.registry.FetchManifest(ctx, c.Name+"@"+c.To)
	if err != nil {
		return fmt.Errorf("failed to fetch %s@%s: %w", c.Name, c.To, err)
	}
	meta := registry.ToNodeMetadata(manifest)
	for _, node := range ideal.FindNodes(c.Name) {
		if node.Version == c.From {
			ideal.UpdateNode(node, c.To, meta)
		}
	}
	h.logger.Debug("Updated ideal tree", "package", c.Name, "from", c.From, "to", c.To, "nodes", stale)
	return h.adapter.Install(ctx, tree.InstallOptions{Tree: ideal})
}

// RevertInstall puts the dependency blocks and the lockfiles back byte for
// byte and reinstalls. Reinstall failures are logged only.
func (h *ManifestHooks) RevertInstall(ctx context.Context, c *Candidate) error {
	if c.manifest != nil && c.saved {
		if err := c.manifest.Restore(c.snapshot); err != nil {
			return err
		}
		if _, err := c.manifest.Save(); err != nil {
			return err
		}
	}
	if err := h.restoreLockfiles(c.lockfiles); err != nil {
		return err
	}
	if err := h.adapter.Install(ctx, tree.InstallOptions{}); err != nil {
		h.logger.Warn("Reinstall after revert failed", "package", c.Name, "error", err)
	}
	return nil
}

// snapshotLockfiles reads every known lockfile at the root. A nil entry
// records that the file did not exist.
func (h *ManifestHooks) snapshotLockfiles() (map[string][]byte, error) {
	snap := make(map[string][]byte, len(lockfiles))
	for _, name := range lockfiles {
		path := filepath.Join(h.root, name)
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			snap[path] = nil
		case err != nil:
			return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
		default:
			snap[path] = data
		}
	}
	return snap, nil
}

func (h *ManifestHooks) restoreLockfiles(snap map[string][]byte) error {
	for path, data := range snap {
		if data == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &failure.ManifestWriteError{Path: path, Err: err}
			}
			continue
		}
		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, data) {
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return &failure.ManifestWriteError{Path: path, Err: err}
		}
		h.logger.Debug("Restored lockfile", "path", path)
	}
	return nil
}

var _ Hooks = (*ManifestHooks)(nil)
