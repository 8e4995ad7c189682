package versions

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Range is a parsed npm version range such as "^1.2.0",
// "1.x || >=2.5.0 <3", "1.2.3 - 2.0.0" or the advisory style
// ">= 1.0.0, < 1.2.3".
type Range struct {
	raw string
	c   *semver.Constraints
}

// ParseRange parses an npm range. An empty range matches any release.
func ParseRange(s string) (Range, error) {
	expr := strings.TrimSpace(s)
	if expr == "" {
		expr = "*"
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return Range{raw: s, c: c}, nil
}

// MustParseRange is ParseRange for constant input.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Range) String() string {
	return r.raw
}

// Satisfies reports whether version v falls inside the range. Prerelease
// versions only match a comparator that names a prerelease itself.
func (r Range) Satisfies(v string) bool {
	if r.c == nil || !Valid(v) {
		return false
	}
	sv, err := semver.StrictNewVersion(v)
	if err != nil {
		return false
	}
	return r.c.Check(sv)
}

// Satisfies parses rng and tests v against it. Unparseable ranges match nothing.
func Satisfies(v, rng string) bool {
	r, err := ParseRange(rng)
	if err != nil {
		return false
	}
	return r.Satisfies(v)
}

// MaxSatisfying returns the highest version in vs inside r, or "".
func MaxSatisfying(vs []string, r Range) string {
	best := ""
	for _, v := range vs {
		if !r.Satisfies(v) {
			continue
		}
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}

func release(v string) string {
	v = strings.SplitN(v, "+", 2)[0]
	return strings.SplitN(v, "-", 2)[0]
}
