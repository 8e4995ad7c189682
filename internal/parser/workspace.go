package parser

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// pnpmWorkspace is pnpm-workspace.yaml
type pnpmWorkspace struct {
	Packages []string `yaml:"packages"`
}

// ReadWorkspaceGlobs returns the workspace patterns declared for the package
// in dir. pnpm projects declare them in pnpm-workspace.yaml, everything else
// in package.json. A nil result means dir is not a workspace root.
func ReadWorkspaceGlobs(dir string, pnpm bool) ([]string, error) {
	if pnpm {
		data, err := os.ReadFile(filepath.Join(dir, PnpmWorkspaces))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read %s: %w", PnpmWorkspaces, err)
		}
		var ws pnpmWorkspace
		if err := yaml.Unmarshal(data, &ws); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", PnpmWorkspaces, err)
		}
		return ws.Packages, nil
	}

	pkg, err := ParsePackageJSON(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, err
	}
	return pkg.WorkspaceGlobs(), nil
}

// WorkspacePackageJSONPaths expands workspace globs relative to dir into the
// package.json paths of the members, sorted. Patterns starting with "!"
// exclude matches; "**" spans any number of directories.
func WorkspacePackageJSONPaths(dir string, globs []string) ([]string, error) {
	include := make(map[string]bool)
	var exclude []string
	for _, g := range globs {
		g = cleanGlob(g)
		if g == "" {
			continue
		}
		if strings.HasPrefix(g, "!") {
			exclude = append(exclude, cleanGlob(g[1:]))
			continue
		}
		matches, err := expandGlob(dir, g)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			include[m] = true
		}
	}

	var paths []string
	for rel := range include {
		if rel == "." || matchesAny(exclude, rel) {
			continue
		}
		pkgPath := filepath.Join(dir, filepath.FromSlash(rel), "package.json")
		if _, err := os.Stat(pkgPath); err == nil {
			paths = append(paths, pkgPath)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func cleanGlob(g string) string {
	g = strings.TrimSpace(filepath.ToSlash(g))
	g = strings.TrimPrefix(g, "./")
	g = strings.TrimSuffix(g, "/package.json")
	return strings.TrimSuffix(g, "/")
}

// expandGlob returns slash-separated directories under dir matching pattern
func expandGlob(dir, pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, fmt.Errorf("invalid workspace pattern %q: %w", pattern, err)
		}
		var rels []string
		for _, m := range matches {
			if info, err := os.Stat(m); err != nil || !info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(dir, m)
			if err != nil {
				continue
			}
			rels = append(rels, filepath.ToSlash(rel))
		}
		return rels, nil
	}

	var rels []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); p != dir && (name == "node_modules" || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && matchGlob(strings.Split(pattern, "/"), strings.Split(rel, "/")) {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace %s: %w", dir, err)
	}
	return rels, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if matchGlob(strings.Split(p, "/"), strings.Split(rel, "/")) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, parts []string) bool {
	if len(pattern) == 0 {
		return len(parts) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(parts); i++ {
			if matchGlob(pattern[1:], parts[i:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchGlob(pattern[1:], parts[1:])
}
