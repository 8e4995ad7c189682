package remediate

import (
	"fmt"
	"strings"

	"github.com/acheong08/safedeps/internal/versions"
)

// RangeStyle controls how a bumped version is written into a manifest
type RangeStyle string

const (
	Preserve RangeStyle = "preserve"
	Pin      RangeStyle = "pin"
	Caret    RangeStyle = "caret"
	Tilde    RangeStyle = "tilde"
	Gt       RangeStyle = "gt"
	Gte      RangeStyle = "gte"
	Lt       RangeStyle = "lt"
	Lte      RangeStyle = "lte"
)

// RangeStyles lists every accepted style
var RangeStyles = []RangeStyle{Preserve, Pin, Caret, Tilde, Gt, Gte, Lt, Lte}

// ParseRangeStyle validates a style name. Empty means Preserve.
func ParseRangeStyle(s string) (RangeStyle, error) {
	if s == "" {
		return Preserve, nil
	}
	for _, style := range RangeStyles {
		if string(style) == s {
			return style, nil
		}
	}
	return "", fmt.Errorf("unknown range style %q", s)
}

var rangeOperators = []string{">=", "<=", ">", "<", "^", "~", "="}

// ApplyRange renders version in the given style. Preserve keeps the leading
// operator of spec. Strict bounds are written inclusive so the result always
// admits version. Specs that are not plain ranges (aliases, tags, urls,
// wildcards) are returned unchanged.
func ApplyRange(spec, version string, style RangeStyle) string {
	spec = strings.TrimSpace(spec)
	if !bumpable(spec) {
		return spec
	}
	switch style {
	case Pin:
		return version
	case Caret:
		return "^" + version
	case Tilde:
		return "~" + version
	case Gt, Gte:
		return ">=" + version
	case Lt, Lte:
		return "<=" + version
	}
	for _, op := range rangeOperators {
		if strings.HasPrefix(spec, op) {
			switch op {
			case "=":
				return version
			case ">":
				return ">=" + version
			case "<":
				return "<=" + version
			}
			return op + version
		}
	}
	return version
}

func bumpable(spec string) bool {
	switch spec {
	case "", "*", "x", "X", "latest":
		return false
	}
	if strings.ContainsAny(spec, ":/ |") {
		return false
	}
	_, err := versions.ParseRange(spec)
	return err == nil
}

// BestPatchVersion picks the highest published version that shares current's
// major, is newer than current and is not inside the vulnerable range. When
// the range cannot be parsed firstPatched is used as a floor instead.
// Prereleases are never chosen. It returns "" when nothing qualifies.
func BestPatchVersion(current string, published []string, vulnerableRange, firstPatched string) string {
	if !versions.Valid(current) {
		return ""
	}
	major := versions.Major(current)

	var vulnerable *versions.Range
	if vulnerableRange != "" {
		if r, err := versions.ParseRange(vulnerableRange); err == nil {
			vulnerable = &r
		}
	}

	best := ""
	for _, v := range published {
		if !versions.Valid(v) || versions.Prerelease(v) != "" {
			continue
		}
		if versions.Major(v) != major || versions.Compare(v, current) <= 0 {
			continue
		}
		if vulnerable != nil {
			if vulnerable.Satisfies(v) {
				continue
			}
		} else if firstPatched != "" && versions.Valid(firstPatched) && versions.Compare(v, firstPatched) < 0 {
			continue
		}
		if best == "" || versions.Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}
