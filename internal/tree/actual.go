package tree

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/acheong08/safedeps/pkg/models"
)

type installedPackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// loadNodeModules builds a tree from the package.json files under
// root/node_modules. It returns nil when there is no node_modules.
func loadNodeModules(root string, rootPkg models.Package, rootDeps map[string]string) (*models.DependencyTree, error) {
	if info, err := os.Stat(filepath.Join(root, "node_modules")); err != nil || !info.IsDir() {
		return nil, nil
	}
	t := models.NewDependencyTree(&models.PackageNode{Package: rootPkg, Dependencies: rootDeps})
	if err := walkNodeModules(t, root, "", 0); err != nil {
		return nil, err
	}
	t.Link()
	return t, nil
}

const maxNodeModulesDepth = 32

func walkNodeModules(t *models.DependencyTree, root, parentLoc string, depth int) error {
	if depth > maxNodeModulesDepth {
		return nil
	}
	dirLoc := path.Join(parentLoc, "node_modules")
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dirLoc)))
	if err != nil {
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, "@") {
			scoped, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dirLoc), name))
			if err != nil {
				continue
			}
			for _, s := range scoped {
				if err := addInstalled(t, root, path.Join(dirLoc, name, s.Name()), depth); err != nil {
					return err
				}
			}
			continue
		}
		if err := addInstalled(t, root, path.Join(dirLoc, name), depth); err != nil {
			return err
		}
	}
	return nil
}

func addInstalled(t *models.DependencyTree, root, loc string, depth int) error {
	full := filepath.Join(root, filepath.FromSlash(loc))
	data, err := os.ReadFile(filepath.Join(full, "package.json"))
	if err != nil {
		return nil
	}
	var pkg installedPackage
	if err := json.Unmarshal(data, &pkg); err != nil || pkg.Name == "" {
		return nil
	}
	link := false
	if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
		link = true
	}
	t.AddNode(&models.PackageNode{
		Package:      models.NewPackage(pkg.Name, pkg.Version),
		Location:     loc,
		Dependencies: pkg.Dependencies,
		Link:         link,
	})
	if link {
		return nil
	}
	return walkNodeModules(t, root, loc, depth+1)
}
