package override

import (
	"encoding/json"
	"sort"
)

// Set is a set of package names
type Set map[string]struct{}

// Add inserts name
func (s Set) Add(name string) { s[name] = struct{}{} }

// Has reports membership
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON writes the set as a sorted array
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// Edit records one rewritten value
type Edit struct {
	Manifest  string    `json:"manifest"`
	Placement Placement `json:"placement"`
	Section   string    `json:"section"`
	Package   string    `json:"package"`
	From      string    `json:"from,omitempty"`
	To        Spec      `json:"to"`
}

// State accumulates what a resolve pass changed. Root edits land in Added
// and Updated; member edits land under their workspace id only.
type State struct {
	Added               Set            `json:"added"`
	Updated             Set            `json:"updated"`
	AddedInWorkspaces   map[string]Set `json:"addedInWorkspaces"`
	UpdatedInWorkspaces map[string]Set `json:"updatedInWorkspaces"`

	WarnedPnpmWorkspaceRequiresNpm bool `json:"-"`

	Edits    []Edit   `json:"edits,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewState returns an empty state
func NewState() *State {
	return &State{
		Added:               make(Set),
		Updated:             make(Set),
		AddedInWorkspaces:   make(map[string]Set),
		UpdatedInWorkspaces: make(map[string]Set),
	}
}

// Empty reports whether nothing was added or updated
func (s *State) Empty() bool {
	return len(s.Added) == 0 && len(s.Updated) == 0 &&
		len(s.AddedInWorkspaces) == 0 && len(s.UpdatedInWorkspaces) == 0
}

func (s *State) record(workspace, name string, updated bool) {
	if workspace == "" {
		if updated {
			s.Updated.Add(name)
		} else {
			s.Added.Add(name)
		}
		return
	}
	target := s.AddedInWorkspaces
	if updated {
		target = s.UpdatedInWorkspaces
	}
	if target[workspace] == nil {
		target[workspace] = make(Set)
	}
	target[workspace].Add(name)
}

// Merge folds other into s
func (s *State) Merge(other *State) {
	if other == nil {
		return
	}
	for name := range other.Added {
		s.Added.Add(name)
	}
	for name := range other.Updated {
		s.Updated.Add(name)
	}
	mergeWorkspaces(s.AddedInWorkspaces, other.AddedInWorkspaces)
	mergeWorkspaces(s.UpdatedInWorkspaces, other.UpdatedInWorkspaces)
	s.WarnedPnpmWorkspaceRequiresNpm = s.WarnedPnpmWorkspaceRequiresNpm || other.WarnedPnpmWorkspaceRequiresNpm
	s.Edits = append(s.Edits, other.Edits...)
	s.Warnings = append(s.Warnings, other.Warnings...)
}

func mergeWorkspaces(dst, src map[string]Set) {
	for ws, names := range src {
		if dst[ws] == nil {
			dst[ws] = make(Set)
		}
		for name := range names {
			dst[ws].Add(name)
		}
	}
}

// Workspaces lists the member ids that received edits
func (s *State) Workspaces() []string {
	seen := make(Set)
	for ws := range s.AddedInWorkspaces {
		seen.Add(ws)
	}
	for ws := range s.UpdatedInWorkspaces {
		seen.Add(ws)
	}
	return seen.Sorted()
}

func (s *State) sortEdits() {
	sort.SliceStable(s.Edits, func(i, j int) bool {
		a, b := s.Edits[i], s.Edits[j]
		if a.Manifest != b.Manifest {
			return a.Manifest < b.Manifest
		}
		if a.Placement != b.Placement {
			return a.Placement < b.Placement
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.Package < b.Package
	})
}
