// Package alerts defines the advisory data the remediation loop consumes
// and the sources that produce it.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/acheong08/safedeps/pkg/models"
)

// Fix actions
const (
	ActionUpgrade = "upgrade"
	ActionNone    = "none"
)

// Fix describes how an alert can be resolved
type Fix struct {
	Action              string `json:"action"`
	FirstPatchedVersion string `json:"firstPatchedVersion,omitempty"`
	VulnerableRange     string `json:"vulnerableVersionRange,omitempty"`
}

// Alert is one advisory against one package version
type Alert struct {
	Purl     string `json:"purl"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Key      string `json:"key"`
	Severity string `json:"severity,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Fix      *Fix   `json:"fix,omitempty"`
}

// Fixable reports whether an upgrade resolves the alert
func (a Alert) Fixable() bool {
	return a.Fix != nil && a.Fix.Action == ActionUpgrade
}

// AlertMap groups alerts by purl
type AlertMap map[string][]Alert

// Purls returns the keys in sorted order
func (m AlertMap) Purls() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fixable returns only the alerts an upgrade resolves
func (m AlertMap) Fixable() AlertMap {
	out := make(AlertMap)
	for purl, list := range m {
		for _, a := range list {
			if a.Fixable() {
				out[purl] = append(out[purl], a)
			}
		}
	}
	return out
}

// Add appends an alert under its purl
func (m AlertMap) Add(a Alert) {
	if a.Purl == "" {
		a.Purl = Purl(a.Name, a.Version)
	}
	m[a.Purl] = append(m[a.Purl], a)
}

// Source produces alerts for packages
type Source interface {
	ForPurls(ctx context.Context, purls []string) (AlertMap, error)
	ForTree(ctx context.Context, tree *models.DependencyTree) (AlertMap, error)
}

// Purl formats an npm package URL
func Purl(name, version string) string {
	namespace, short := "", name
	if strings.HasPrefix(name, "@") {
		if ns, rest, ok := strings.Cut(name, "/"); ok {
			namespace, short = ns, rest
		}
	}
	return packageurl.NewPackageURL(packageurl.TypeNPM, namespace, short, version, nil, "").ToString()
}

// ParsePurl extracts the npm package name and version from a purl
func ParsePurl(s string) (name, version string, err error) {
	p, err := packageurl.FromString(s)
	if err != nil {
		return "", "", fmt.Errorf("invalid purl %q: %w", s, err)
	}
	if p.Type != packageurl.TypeNPM {
		return "", "", fmt.Errorf("unsupported purl type %q in %s", p.Type, s)
	}
	name = p.Name
	if p.Namespace != "" {
		name = p.Namespace + "/" + p.Name
	}
	return name, p.Version, nil
}
