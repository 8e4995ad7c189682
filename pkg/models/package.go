package models

import (
	"sort"
	"strings"
)

// Package represents a single npm package with version
type Package struct {
	ID      string `json:"id"`      // "lodash@4.17.21"
	Name    string `json:"name"`    // "lodash"
	Version string `json:"version"` // "4.17.21"
}

// NewPackage builds a Package with its ID filled in
func NewPackage(name, version string) Package {
	return Package{ID: name + "@" + version, Name: name, Version: version}
}

// NodeMetadata is the registry data needed to repoint a node at another version
type NodeMetadata struct {
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// PackageNode represents one resolved package instance in a dependency tree
type PackageNode struct {
	Package
	Location     string            `json:"location"`     // "node_modules/a/node_modules/b"
	ResolvedURL  string            `json:"resolved"`     // tarball URL
	Integrity    string            `json:"integrity"`    // sha512 hash
	Dependencies map[string]string `json:"dependencies"` // name -> version
	Dev          bool              `json:"dev,omitempty"`
	Optional     bool              `json:"optional,omitempty"`
	Link         bool              `json:"link,omitempty"`

	Parent   *PackageNode   `json:"-"`
	Children []*PackageNode `json:"-"`

	// Modified is set by UpdateNode and consumed when the tree is written back.
	Modified bool `json:"-"`
}

// IsRoot reports whether the node is the project itself
func (n *PackageNode) IsRoot() bool {
	return n.Location == ""
}

// DependencyTree owns every node of one resolved tree. Actual and ideal trees are
// separate values; nodes are never shared between them.
type DependencyTree struct {
	Root  *PackageNode            `json:"root"`
	Nodes map[string]*PackageNode `json:"nodes"` // keyed by location

	// Path is the lockfile the tree was read from; Source holds its bytes.
	Path   string `json:"-"`
	Source []byte `json:"-"`
}

// NewDependencyTree creates a tree containing only the given root
func NewDependencyTree(root *PackageNode) *DependencyTree {
	if root == nil {
		root = &PackageNode{}
	}
	root.Location = ""
	return &DependencyTree{
		Root:  root,
		Nodes: map[string]*PackageNode{"": root},
	}
}

// AddNode adds a package node to the tree. Call Link once all nodes are added.
func (t *DependencyTree) AddNode(node *PackageNode) {
	t.Nodes[node.Location] = node
}

// Link wires parent/child pointers from node locations. A node's parent is the
// closest enclosing location that exists in the tree, or the root.
func (t *DependencyTree) Link() {
	for _, node := range t.Nodes {
		node.Parent = nil
		node.Children = nil
	}
	locations := make([]string, 0, len(t.Nodes))
	for loc := range t.Nodes {
		if loc != "" {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)
	for _, loc := range locations {
		node := t.Nodes[loc]
		parent := t.Root
		for cut := parentLocation(loc); cut != ""; cut = parentLocation(cut) {
			if p, ok := t.Nodes[cut]; ok {
				parent = p
				break
			}
		}
		node.Parent = parent
		parent.Children = append(parent.Children, node)
	}
}

// parentLocation strips the last node_modules segment from a location
func parentLocation(loc string) string {
	idx := strings.LastIndex(loc, "/node_modules/")
	if idx == -1 {
		return ""
	}
	return loc[:idx]
}

// FindNode returns the shallowest node matching name and version, or nil
func (t *DependencyTree) FindNode(name, version string) *PackageNode {
	var found *PackageNode
	for _, node := range t.FindNodes(name) {
		if node.Version != version {
			continue
		}
		if found == nil || depth(node.Location) < depth(found.Location) {
			found = node
		}
	}
	return found
}

// FindNodes returns every node with the given name, ordered by location
func (t *DependencyTree) FindNodes(name string) []*PackageNode {
	var nodes []*PackageNode
	for _, node := range t.Nodes {
		if !node.IsRoot() && node.Name == name {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Location < nodes[j].Location })
	return nodes
}

// UpdateNode points a node at a new version using registry metadata
func (t *DependencyTree) UpdateNode(node *PackageNode, version string, meta NodeMetadata) {
	node.Version = version
	node.ID = node.Name + "@" + version
	node.ResolvedURL = meta.Resolved
	node.Integrity = meta.Integrity
	if meta.Dependencies != nil {
		node.Dependencies = meta.Dependencies
	}
	node.Modified = true
}

// ModifiedNodes returns the nodes changed by UpdateNode
func (t *DependencyTree) ModifiedNodes() []*PackageNode {
	var nodes []*PackageNode
	for _, node := range t.Nodes {
		if node.Modified {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Location < nodes[j].Location })
	return nodes
}

// Versions returns the distinct versions of name present in the tree
func (t *DependencyTree) Versions(name string) []string {
	seen := make(map[string]bool)
	var versions []string
	for _, node := range t.FindNodes(name) {
		if node.Version == "" || seen[node.Version] {
			continue
		}
		seen[node.Version] = true
		versions = append(versions, node.Version)
	}
	sort.Strings(versions)
	return versions
}

// Packages returns the unique name@version pairs in the tree, excluding the root
func (t *DependencyTree) Packages() []Package {
	seen := make(map[string]bool)
	var pkgs []Package
	for _, node := range t.Nodes {
		if node.IsRoot() || node.Link || node.Name == "" || node.Version == "" {
			continue
		}
		id := node.Name + "@" + node.Version
		if seen[id] {
			continue
		}
		seen[id] = true
		pkgs = append(pkgs, NewPackage(node.Name, node.Version))
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID < pkgs[j].ID })
	return pkgs
}

// GetDirectDependencies returns the direct dependencies of the root package
func (t *DependencyTree) GetDirectDependencies() []*PackageNode {
	var deps []*PackageNode
	for name := range t.Root.Dependencies {
		for _, child := range t.Root.Children {
			if child.Name == name {
				deps = append(deps, child)
				break
			}
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps
}

func depth(loc string) int {
	return strings.Count(loc, "node_modules/")
}
