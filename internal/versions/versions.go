// Package versions implements the subset of npm semver the engine needs:
// coercion, major extraction, comparison and range matching.
package versions

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

var coerceRe = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// Coerce extracts the first version-looking token of s and normalizes it to
// MAJOR.MINOR.PATCH, the way `semver.coerce` does for npm specs such as "^4"
// or "npm:lodash@~4.17".
func Coerce(s string) (string, bool) {
	m := coerceRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	parts := []string{m[1], "0", "0"}
	if m[2] != "" {
		parts[1] = m[2]
	}
	if m[3] != "" {
		parts[2] = m[3]
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", false
		}
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "."), true
}

// Valid reports whether v is a full semantic version (no leading "v").
func Valid(v string) bool {
	if v == "" || strings.HasPrefix(v, "v") || strings.Count(release(v), ".") != 2 {
		return false
	}
	return semver.IsValid("v" + v)
}

// Major returns the major component of a version or coercible spec, or -1.
func Major(v string) int {
	c, ok := Coerce(v)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.SplitN(c, ".", 2)[0])
	if err != nil {
		return -1
	}
	return n
}

// Compare returns -1, 0 or +1 comparing two versions. Invalid versions sort
// before valid ones.
func Compare(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

// Prerelease returns the prerelease suffix of v without the leading "-".
func Prerelease(v string) string {
	return strings.TrimPrefix(semver.Prerelease(canonical(v)), "-")
}

// Max returns the highest valid version in vs, or "".
func Max(vs []string) string {
	best := ""
	for _, v := range vs {
		if !Valid(v) {
			continue
		}
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "=")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
