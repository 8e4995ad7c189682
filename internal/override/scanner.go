package override

import (
	"github.com/acheong08/safedeps/internal/parser"
	"github.com/acheong08/safedeps/internal/pkgenv"
)

// Scanner answers whether a package already appears in the project
type Scanner interface {
	Includes(name string) bool
}

type entryScanner struct {
	entries []parser.DependencyEntry
}

func (s entryScanner) Includes(name string) bool {
	_, ok := parser.Declared(s.entries, name)
	return ok
}

// NewScanner scans the lockfile when full is set and one exists, and the
// declared dependency entries otherwise.
func NewScanner(env *pkgenv.Env, entries []parser.DependencyEntry, full bool) Scanner {
	if full && len(env.LockSrc) > 0 {
		return parser.NewLockIndex(env.LockName, env.LockSrc)
	}
	return entryScanner{entries: entries}
}
