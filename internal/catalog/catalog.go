// Package catalog holds the curated table of original packages and their
// vetted drop-in replacements.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/acheong08/safedeps/internal/versions"
)

//go:embed catalog.json
var builtin []byte

// Engines is the runtime requirement of a replacement
type Engines struct {
	Node string `json:"node"`
}

// Entry maps an original package to its replacement
type Entry struct {
	Original string  `json:"package"`
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	Engines  Engines `json:"engines"`
}

// Catalog is an ordered, read-only list of entries
type Catalog struct {
	entries []Entry
}

// Default returns the catalog compiled into the binary
func Default() (*Catalog, error) {
	return Parse(builtin)
}

// Load reads a catalog from a JSON file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog. Entries are ordered by original package name.
func Parse(data []byte) (*Catalog, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i, e := range entries {
		if e.Original == "" || e.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: package and name are required", i)
		}
		if !versions.Valid(e.Version) {
			return nil, fmt.Errorf("catalog entry %s: invalid version %q", e.Original, e.Version)
		}
	}
	return New(entries), nil
}

// New builds a catalog from entries
func New(entries []Entry) *Catalog {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Original < sorted[j].Original })
	return &Catalog{entries: sorted}
}

// Entries returns a copy of every entry
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup finds the entry replacing original
func (c *Catalog) Lookup(original string) (Entry, bool) {
	for _, e := range c.entries {
		if e.Original == original {
			return e, true
		}
	}
	return Entry{}, false
}

// Compatible returns the entries whose engines.node range admits the
// project's minimum node version. Entries without a node range always apply.
func (c *Catalog) Compatible(minimumNodeVersion string) []Entry {
	var out []Entry
	for _, e := range c.entries {
		if e.Engines.Node == "" || minimumNodeVersion == "" ||
			versions.Satisfies(minimumNodeVersion, e.Engines.Node) {
			out = append(out, e)
		}
	}
	return out
}

// Major is the major version of the replacement
func (e Entry) Major() int {
	return versions.Major(e.Version)
}
