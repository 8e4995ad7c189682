package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/acheong08/safedeps/pkg/models"
)

// PackageJSON represents the fields of package.json the engine reads
type PackageJSON struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Private              bool              `json:"private"`
	PackageManager       string            `json:"packageManager"`
	Engines              map[string]string `json:"engines"`
	Workspaces           json.RawMessage   `json:"workspaces"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	Overrides            map[string]any    `json:"overrides"`
	Resolutions          map[string]any    `json:"resolutions"`
	Pnpm                 *PnpmSettings     `json:"pnpm"`
}

// PnpmSettings is the "pnpm" section of package.json
type PnpmSettings struct {
	Overrides map[string]any `json:"overrides"`
}

// ParsePackageJSON reads and parses a package.json file
func ParsePackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	return &pkg, nil
}

// ToPackage converts PackageJSON to models.Package
func (p *PackageJSON) ToPackage() *models.Package {
	pkg := models.NewPackage(p.Name, p.Version)
	return &pkg
}

// DependencyMap returns the mapping for one dependency category, or nil
func (p *PackageJSON) DependencyMap(c Category) map[string]string {
	switch c {
	case Dependencies:
		return p.Dependencies
	case DevDependencies:
		return p.DevDependencies
	case OptionalDependencies:
		return p.OptionalDependencies
	case PeerDependencies:
		return p.PeerDependencies
	}
	return nil
}

// WorkspaceGlobs returns the "workspaces" patterns, accepting both the array
// form and the yarn `{ "packages": [...] }` form.
func (p *PackageJSON) WorkspaceGlobs() []string {
	if len(p.Workspaces) == 0 {
		return nil
	}
	var globs []string
	if err := json.Unmarshal(p.Workspaces, &globs); err == nil {
		return globs
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(p.Workspaces, &obj); err == nil {
		return obj.Packages
	}
	return nil
}

// FindPackageJSON searches dir and its parents for the nearest package.json
func FindPackageJSON(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for cur := abs; ; cur = filepath.Dir(cur) {
		path := filepath.Join(cur, "package.json")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		if filepath.Dir(cur) == cur {
			break
		}
	}
	return "", fmt.Errorf("package.json not found in %s or any parent", dir)
}
