package parser

// Category is a package.json dependency section
type Category string

const (
	Dependencies         Category = "dependencies"
	DevDependencies      Category = "devDependencies"
	OptionalDependencies Category = "optionalDependencies"
	PeerDependencies     Category = "peerDependencies"
)

// Categories lists dependency sections in the order they are indexed
var Categories = []Category{Dependencies, DevDependencies, OptionalDependencies, PeerDependencies}

// DependencyEntry pairs a category with the manifest's own map for it.
// Writing to Deps edits the manifest's staged content.
type DependencyEntry struct {
	Category Category
	Deps     map[string]string
}

// DependencyEntries flattens the declared dependency sections of m
func DependencyEntries(m *Manifest) []DependencyEntry {
	var entries []DependencyEntry
	for _, c := range Categories {
		if deps := m.Content().DependencyMap(c); deps != nil {
			entries = append(entries, DependencyEntry{Category: c, Deps: deps})
		}
	}
	return entries
}

// Declared returns the first spec declared for name across entries
func Declared(entries []DependencyEntry, name string) (string, bool) {
	for _, e := range entries {
		if spec, ok := e.Deps[name]; ok {
			return spec, true
		}
	}
	return "", false
}
