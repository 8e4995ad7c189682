package override

import (
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/pkgenv"
)

// overrideBlock is a working copy of one override section of the root
// manifest.
type overrideBlock struct {
	path []string
	// npmStyle blocks reject overrides of direct dependencies unless the
	// value is a "$name" reference.
	npmStyle bool
	values   map[string]any
	changed  bool
}

func (b *overrideBlock) section() string {
	if len(b.path) == 2 {
		return b.path[0] + "." + b.path[1]
	}
	return b.path[0]
}

func npmBlock(pkg *parser.PackageJSON) *overrideBlock {
	return &overrideBlock{path: []string{"overrides"}, npmStyle: true, values: copyAny(pkg.Overrides)}
}

func resolutionsBlock(pkg *parser.PackageJSON) *overrideBlock {
	return &overrideBlock{path: []string{"resolutions"}, values: copyAny(pkg.Resolutions)}
}

func pnpmBlock(pkg *parser.PackageJSON) *overrideBlock {
	var values map[string]any
	if pkg.Pnpm != nil {
		values = pkg.Pnpm.Overrides
	}
	return &overrideBlock{path: []string{"pnpm", "overrides"}, values: copyAny(values)}
}

// overrideBlocks picks the sections to reconcile for the root manifest.
// A published single package gets both npm and yarn sections so that
// consumers of either manager are covered.
func overrideBlocks(agent pkgenv.Agent, pkg *parser.PackageJSON, isWorkspace bool) []*overrideBlock {
	if !pkg.Private && !isWorkspace {
		return []*overrideBlock{npmBlock(pkg), resolutionsBlock(pkg)}
	}
	switch agent {
	case pkgenv.Pnpm:
		return []*overrideBlock{pnpmBlock(pkg)}
	case pkgenv.YarnClassic, pkgenv.YarnBerry, pkgenv.Bun:
		return []*overrideBlock{resolutionsBlock(pkg)}
	}
	return []*overrideBlock{npmBlock(pkg)}
}

func copyAny(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
