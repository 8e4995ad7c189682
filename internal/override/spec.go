// Package override computes the dependency aliases and override-block
// entries that swap packages for their vetted replacements.
package override

import (
	"strings"

	"github.com/acheong08/safedeps/internal/versions"
)

// Kind tags the form of a dependency spec
type Kind int

const (
	// Literal is any spec the engine does not interpret
	Literal Kind = iota
	// Alias is "npm:<name>@<range>"
	Alias
	// Reference is "$<name>", pointing at a direct dependency's spec
	Reference
)

func (k Kind) String() string {
	switch k {
	case Alias:
		return "alias"
	case Reference:
		return "reference"
	}
	return "literal"
}

// Placement says where an edit lands in the manifest
type Placement string

const (
	DirectAlias   Placement = "dependency"
	OverrideBlock Placement = "override"
)

const aliasPrefix = "npm:"

// Spec is a parsed dependency or override value
type Spec struct {
	Kind  Kind   `json:"kind"`
	Name  string `json:"name,omitempty"`
	Range string `json:"range,omitempty"`
	Raw   string `json:"raw,omitempty"`
}

// ParseSpec classifies s
func ParseSpec(s string) Spec {
	switch {
	case strings.HasPrefix(s, "$") && len(s) > 1:
		return Spec{Kind: Reference, Name: s[1:]}
	case strings.HasPrefix(s, aliasPrefix):
		rest := s[len(aliasPrefix):]
		at := strings.LastIndex(rest, "@")
		if at <= 0 {
			return Spec{Kind: Alias, Name: rest}
		}
		return Spec{Kind: Alias, Name: rest[:at], Range: rest[at+1:]}
	}
	return Spec{Kind: Literal, Raw: s}
}

// AliasSpec builds "npm:<name>@<rng>"
func AliasSpec(name, rng string) Spec {
	return Spec{Kind: Alias, Name: name, Range: rng}
}

// ReferenceSpec builds "$<name>"
func ReferenceSpec(name string) Spec {
	return Spec{Kind: Reference, Name: name}
}

// String renders the spec as it appears in package.json
func (s Spec) String() string {
	switch s.Kind {
	case Alias:
		if s.Range == "" {
			return aliasPrefix + s.Name
		}
		return aliasPrefix + s.Name + "@" + s.Range
	case Reference:
		return "$" + s.Name
	}
	return s.Raw
}

// Replaces reports whether the spec is an alias onto name
func (s Spec) Replaces(name string) bool {
	return s.Kind == Alias && s.Name == name
}

// Coerced is the version the alias range coerces to
func (s Spec) Coerced() (string, bool) {
	if s.Kind != Alias || s.Range == "" {
		return "", false
	}
	return versions.Coerce(s.Range)
}

// ValidOverride reports whether the spec already aliases name with a
// usable version.
func (s Spec) ValidOverride(name string) bool {
	if !s.Replaces(name) {
		return false
	}
	_, ok := s.Coerced()
	return ok
}
