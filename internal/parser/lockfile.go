package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/acheong08/safedeps/pkg/models"
)

// Lockfile names understood by the scanners
const (
	NpmLock        = "package-lock.json"
	NpmShrinkwrap  = "npm-shrinkwrap.json"
	NpmHiddenLock  = "node_modules/.package-lock.json"
	YarnLock       = "yarn.lock"
	PnpmLock       = "pnpm-lock.yaml"
	BunLock        = "bun.lock"
	BunLockBinary  = "bun.lockb"
	PnpmWorkspaces = "pnpm-workspace.yaml"
)

// PackageLock represents package-lock.json (versions 1 to 3)
type PackageLock struct {
	Name            string                        `json:"name"`
	Version         string                        `json:"version"`
	LockfileVersion int                           `json:"lockfileVersion"`
	Packages        map[string]PackageLockPackage `json:"packages"`
	Dependencies    map[string]LegacyLockEntry    `json:"dependencies"`
}

// PackageLockPackage represents a single package entry in lockfile
type PackageLockPackage struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Resolved             string            `json:"resolved"`
	Integrity            string            `json:"integrity"`
	Link                 bool              `json:"link"`
	Dev                  bool              `json:"dev"`
	Optional             bool              `json:"optional"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// LegacyLockEntry is a lockfileVersion 1 dependency entry
type LegacyLockEntry struct {
	Version      string                     `json:"version"`
	Resolved     string                     `json:"resolved"`
	Integrity    string                     `json:"integrity"`
	Dev          bool                       `json:"dev"`
	Optional     bool                       `json:"optional"`
	Requires     map[string]string          `json:"requires"`
	Dependencies map[string]LegacyLockEntry `json:"dependencies"`
}

// ParseLockfile parses an npm lockfile into a DependencyTree
func ParseLockfile(lockfilePath string) (*models.DependencyTree, error) {
	data, err := os.ReadFile(lockfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}
	return ParseLockfileBytes(lockfilePath, data)
}

// ParseLockfileBytes parses npm lockfile bytes read from lockfilePath
func ParseLockfileBytes(lockfilePath string, data []byte) (*models.DependencyTree, error) {
	var lockfile PackageLock
	if err := json.Unmarshal(data, &lockfile); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}

	root := &models.PackageNode{Package: models.NewPackage(lockfile.Name, lockfile.Version)}
	tree := models.NewDependencyTree(root)
	tree.Path = lockfilePath
	tree.Source = data

	switch {
	case len(lockfile.Packages) > 0:
		for path, pkg := range lockfile.Packages {
			if path == "" {
				if pkg.Name != "" {
					root.Package = models.NewPackage(pkg.Name, pkg.Version)
				}
				root.Dependencies = mergeDeps(pkg.Dependencies, pkg.DevDependencies, pkg.OptionalDependencies)
				continue
			}

			name := pkg.Name
			if name == "" {
				name = extractPackageName(path)
			}
			if name == "" {
				continue
			}

			tree.AddNode(&models.PackageNode{
				Package:      models.NewPackage(name, pkg.Version),
				Location:     path,
				ResolvedURL:  pkg.Resolved,
				Integrity:    pkg.Integrity,
				Dependencies: mergeDeps(pkg.Dependencies, pkg.OptionalDependencies),
				Dev:          pkg.Dev,
				Optional:     pkg.Optional,
				Link:         pkg.Link,
			})
		}
	case lockfile.LockfileVersion <= 1:
		root.Dependencies = make(map[string]string)
		for name, dep := range lockfile.Dependencies {
			root.Dependencies[name] = dep.Version
		}
		addLegacyEntries(tree, "", lockfile.Dependencies)
	default:
		return nil, fmt.Errorf("lockfile %s has no packages", lockfilePath)
	}

	tree.Link()
	return tree, nil
}

func addLegacyEntries(tree *models.DependencyTree, prefix string, deps map[string]LegacyLockEntry) {
	for name, dep := range deps {
		loc := "node_modules/" + name
		if prefix != "" {
			loc = prefix + "/" + loc
		}
		tree.AddNode(&models.PackageNode{
			Package:      models.NewPackage(name, dep.Version),
			Location:     loc,
			ResolvedURL:  dep.Resolved,
			Integrity:    dep.Integrity,
			Dependencies: dep.Requires,
			Dev:          dep.Dev,
			Optional:     dep.Optional,
		})
		addLegacyEntries(tree, loc, dep.Dependencies)
	}
}

func mergeDeps(maps ...map[string]string) map[string]string {
	all := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			all[k] = v
		}
	}
	return all
}

// WriteLockfileUpdates writes the nodes changed by UpdateNode back into the
// lockfile the tree was parsed from. Only version, resolved and integrity of
// those entries change.
func WriteLockfileUpdates(tree *models.DependencyTree) error {
	nodes := tree.ModifiedNodes()
	if len(nodes) == 0 {
		return nil
	}
	if tree.Path == "" || len(tree.Source) == 0 {
		return fmt.Errorf("tree has no backing lockfile")
	}

	data := tree.Source
	legacy := !gjson.GetBytes(data, "packages").Exists()
	for _, node := range nodes {
		base := lockEntryPath(node.Location, legacy)
		fields := map[string]string{
			"version":   node.Version,
			"resolved":  node.ResolvedURL,
			"integrity": node.Integrity,
		}
		for _, field := range []string{"version", "resolved", "integrity"} {
			if fields[field] == "" {
				continue
			}
			var err error
			data, err = sjson.SetBytes(data, base+"."+field, fields[field])
			if err != nil {
				return fmt.Errorf("failed to update %s in lockfile: %w", node.Location, err)
			}
		}
		node.Modified = false
	}

	if err := os.WriteFile(tree.Path, data, 0644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	tree.Source = data
	return nil
}

// lockEntryPath maps a node location to its JSON path in the lockfile
func lockEntryPath(location string, legacy bool) string {
	if !legacy {
		return "packages." + gjson.Escape(location)
	}
	var parts []string
	for _, name := range strings.Split(strings.TrimPrefix(location, "node_modules/"), "/node_modules/") {
		parts = append(parts, "dependencies", gjson.Escape(name))
	}
	return strings.Join(parts, ".")
}

// extractPackageName extracts the package name from a node_modules path
func extractPackageName(path string) string {
	// Handle scoped packages: node_modules/@scope/name
	parts := strings.Split(path, "node_modules/")
	if len(parts) < 2 {
		return ""
	}

	// Get the last part after node_modules/
	name := parts[len(parts)-1]

	// Remove any trailing node_modules references
	if idx := strings.Index(name, "/node_modules/"); idx != -1 {
		name = name[:idx]
	}

	return name
}

// LockIndex answers whether a lockfile resolves a package anywhere in the
// tree. npm and pnpm lockfiles are decoded once, on the first query.
type LockIndex struct {
	lockName string
	src      []byte

	once   sync.Once
	names  map[string]bool
	parses int
}

// NewLockIndex indexes the lockfile named lockName with contents src
func NewLockIndex(lockName string, src []byte) *LockIndex {
	return &LockIndex{lockName: filepath.Base(lockName), src: src}
}

// Includes reports whether a package called name is resolved by the lockfile
func (ix *LockIndex) Includes(name string) bool {
	if len(ix.src) == 0 || name == "" {
		return false
	}
	switch ix.lockName {
	case NpmLock, NpmShrinkwrap, ".package-lock.json", PnpmLock:
		ix.once.Do(ix.index)
		return ix.names[name]
	case YarnLock:
		return yarnLockIncludes(ix.src, name)
	case BunLock:
		return bytes.Contains(ix.src, []byte(`"`+name+`@`))
	case BunLockBinary:
		return bytes.Contains(ix.src, []byte(name+"@"))
	}
	return false
}

func (ix *LockIndex) index() {
	ix.parses++
	ix.names = make(map[string]bool)
	if ix.lockName == PnpmLock {
		var lock PnpmLockfile
		if err := yaml.Unmarshal(ix.src, &lock); err != nil {
			return
		}
		for key := range lock.Packages {
			if n, _ := splitPnpmKey(key); n != "" {
				ix.names[n] = true
			}
		}
		return
	}
	tree, err := ParseLockfileBytes("", ix.src)
	if err != nil {
		return
	}
	for _, node := range tree.Nodes {
		if !node.IsRoot() && node.Name != "" {
			ix.names[node.Name] = true
		}
	}
}

func yarnLockIncludes(src []byte, name string) bool {
	re := regexp.MustCompile(`(?m)(?:^|[\s,])"?` + regexp.QuoteMeta(name) + `@`)
	return re.Match(src)
}

// PnpmLockfile is the subset of pnpm-lock.yaml read by the engine
type PnpmLockfile struct {
	LockfileVersion any                     `yaml:"lockfileVersion"`
	Importers       map[string]PnpmImporter `yaml:"importers"`
	Packages        map[string]PnpmPackage  `yaml:"packages"`
	Dependencies    map[string]any          `yaml:"dependencies"`
	DevDependencies map[string]any          `yaml:"devDependencies"`
}

// PnpmImporter is one workspace project in pnpm-lock.yaml
type PnpmImporter struct {
	Dependencies    map[string]any `yaml:"dependencies"`
	DevDependencies map[string]any `yaml:"devDependencies"`
}

// PnpmPackage is one resolved package in pnpm-lock.yaml
type PnpmPackage struct {
	Resolution struct {
		Integrity string `yaml:"integrity"`
		Tarball   string `yaml:"tarball"`
	} `yaml:"resolution"`
	Dev      bool `yaml:"dev"`
	Optional bool `yaml:"optional"`
}

// ParsePnpmLockfile parses pnpm-lock.yaml into a flat DependencyTree
func ParsePnpmLockfile(lockfilePath string, data []byte) (*models.DependencyTree, error) {
	var lock PnpmLockfile
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse pnpm lockfile: %w", err)
	}

	tree := models.NewDependencyTree(&models.PackageNode{Dependencies: make(map[string]string)})
	tree.Path = lockfilePath
	tree.Source = data

	rootDeps := []map[string]any{lock.Dependencies, lock.DevDependencies}
	if imp, ok := lock.Importers["."]; ok {
		rootDeps = append(rootDeps, imp.Dependencies, imp.DevDependencies)
	}
	for _, deps := range rootDeps {
		for name, v := range deps {
			tree.Root.Dependencies[name] = pnpmDependencyVersion(v)
		}
	}

	keys := make([]string, 0, len(lock.Packages))
	for key := range lock.Packages {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name, version := splitPnpmKey(key)
		if name == "" {
			continue
		}
		pkg := lock.Packages[key]
		tree.AddNode(&models.PackageNode{
			Package:     models.NewPackage(name, version),
			Location:    "node_modules/.pnpm/" + strings.TrimPrefix(key, "/"),
			ResolvedURL: pkg.Resolution.Tarball,
			Integrity:   pkg.Resolution.Integrity,
			Dev:         pkg.Dev,
			Optional:    pkg.Optional,
		})
	}
	tree.Link()
	return tree, nil
}

func pnpmDependencyVersion(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if s, ok := val["version"].(string); ok {
			return s
		}
	}
	return ""
}

// splitPnpmKey splits pnpm package keys across lockfile generations:
// "/lodash/4.17.21" (v5), "/lodash@4.17.21" (v6), "lodash@4.17.21(peer@1.0.0)" (v9).
func splitPnpmKey(key string) (string, string) {
	k := strings.TrimPrefix(key, "/")
	start := 0
	if strings.HasPrefix(k, "@") {
		idx := strings.Index(k, "/")
		if idx == -1 {
			return "", ""
		}
		start = idx + 1
	}
	end := strings.IndexAny(k[start:], "@/")
	if end == -1 {
		return k, ""
	}
	name := k[:start+end]
	version := k[start+end+1:]
	if idx := strings.IndexAny(version, "(_/"); idx != -1 {
		version = version[:idx]
	}
	return name, version
}
