package override

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/acheong08/safedeps/internal/catalog"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/telemetry"
)

var (
	lodashEntry     = catalog.Entry{Original: "lodash", Name: "lodash", Version: "4.17.21"}
	hasEntry        = catalog.Entry{Original: "has", Name: "@socketregistry/has", Version: "1.0.7"}
	safeBufferEntry = catalog.Entry{Original: "safe-buffer", Name: "@socketregistry/safe-buffer", Version: "1.0.8"}
)

type fakeFetcher struct {
	mu       sync.Mutex
	versions map[string]string
	err      error
	calls    map[string]int
}

func newFakeFetcher(versions map[string]string) *fakeFetcher {
	return &fakeFetcher{versions: versions, calls: make(map[string]int)}
}

func (f *fakeFetcher) FetchManifest(_ context.Context, spec string) (*registry.VersionManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[spec]++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.versions[spec]
	if !ok {
		return nil, registry.ErrNotFound
	}
	name, _ := registry.SplitSpec(spec)
	return &registry.VersionManifest{Name: name, Version: v}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func detect(t *testing.T, dir string) *pkgenv.Env {
	t.Helper()
	env, err := pkgenv.Detect(dir, pkgenv.Options{LookPath: func(string) (string, error) {
		return "", errors.New("not found")
	}})
	require.NoError(t, err)
	return env
}

func resolve(t *testing.T, dir string, entries []catalog.Entry, fetcher ManifestFetcher, opts Options) *State {
	t.Helper()
	r := NewResolver(detect(t, dir), entries, fetcher, telemetry.Discard())
	state, err := r.Resolve(context.Background(), opts)
	require.NoError(t, err)
	return state
}

func readJSON(t *testing.T, path string) gjson.Result {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestResolveLodashRange(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{
  "name": "app",
  "private": true,
  "dependencies": {
    "express": "^4.18.2",
    "lodash": "^4.17.0"
  }
}
`,
	})

	state := resolve(t, dir, []catalog.Entry{lodashEntry}, nil, Options{})

	assert.Equal(t, []string{"lodash"}, state.Added.Sorted())
	assert.Empty(t, state.Updated)

	pkg := readJSON(t, filepath.Join(dir, "package.json"))
	assert.Equal(t, "npm:lodash@^4", pkg.Get("dependencies.lodash").String())
	assert.Equal(t, "^4.18.2", pkg.Get("dependencies.express").String())
	assert.Equal(t, "$lodash", pkg.Get("overrides.lodash").String())

	// every reference names a direct dependency
	pkg.Get("overrides").ForEach(func(k, v gjson.Result) bool {
		if strings.HasPrefix(v.String(), "$") {
			assert.True(t, pkg.Get("dependencies."+gjson.Escape(v.String()[1:])).Exists(), k.String())
		}
		return true
	})
}

func TestResolveAlreadyOptimized(t *testing.T) {
	original := `{
  "name": "app",
  "private": true,
  "dependencies": {
    "lodash": "npm:lodash@^4"
  },
  "overrides": {
    "lodash": "$lodash"
  }
}
`
	dir := writeProject(t, map[string]string{"package.json": original})

	for _, pin := range []bool{false, true} {
		state := resolve(t, dir, []catalog.Entry{lodashEntry}, nil, Options{Pin: pin})
		assert.True(t, state.Empty())
		assert.Empty(t, state.Added)
		assert.Equal(t, original, readFile(t, filepath.Join(dir, "package.json")))
	}
}

func TestResolveIdempotent(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"lib","version":"1.0.0","dependencies":{"has":"^1.0.3","safe-buffer":"~5.1.2"},"devDependencies":{"lodash":"4.17.20"}}`,
	})
	entries := []catalog.Entry{hasEntry, safeBufferEntry, lodashEntry}

	first := resolve(t, dir, entries, nil, Options{})
	assert.Equal(t, []string{"@socketregistry/has", "@socketregistry/safe-buffer", "lodash"}, first.Added.Sorted())
	after := readFile(t, filepath.Join(dir, "package.json"))

	second := resolve(t, dir, entries, nil, Options{})
	assert.True(t, second.Empty())
	assert.Empty(t, second.Edits)
	assert.Equal(t, after, readFile(t, filepath.Join(dir, "package.json")))
}

func TestResolvePinVersusRange(t *testing.T) {
	tests := []struct {
		name string
		pin  bool
		want string
	}{
		{"range", false, "npm:@socketregistry/has@^1"},
		{"pin", true, "npm:@socketregistry/has@1.0.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeProject(t, map[string]string{
				"package.json": `{"name":"app","private":true,"dependencies":{"has":"^1.0.3"}}`,
			})
			resolve(t, dir, []catalog.Entry{hasEntry}, nil, Options{Pin: tt.pin})

			pkg := readJSON(t, filepath.Join(dir, "package.json"))
			got := pkg.Get("dependencies.has").String()
			assert.Equal(t, tt.want, got)

			v, ok := ParseSpec(got).Coerced()
			require.True(t, ok)
			assert.True(t, strings.HasPrefix(v, "1."))
		})
	}
}

func TestResolvePrefixWithoutVersionIsUpdate(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"app","private":true,"dependencies":{"has":"npm:@socketregistry/has@latest"},"overrides":{"has":"$has"}}`,
	})

	state := resolve(t, dir, []catalog.Entry{hasEntry}, nil, Options{})
	assert.Empty(t, state.Added)
	assert.Equal(t, []string{"@socketregistry/has"}, state.Updated.Sorted())
	assert.Equal(t, "npm:@socketregistry/has@^1", readJSON(t, filepath.Join(dir, "package.json")).Get("dependencies.has").String())
}

func TestResolveWorkspaceAggregation(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":               `{"name":"root","private":true,"workspaces":["packages/*"]}`,
		"package-lock.json":          `{"lockfileVersion":3,"packages":{"":{"name":"root"},"node_modules/safe-buffer":{"version":"5.2.1"}}}`,
		"packages/a/package.json":    `{"name":"a","dependencies":{"safe-buffer":"^5.2.1"}}`,
		"packages/b/package.json":    `{"name":"b","devDependencies":{"safe-buffer":"^5.1.0"}}`,
		"packages/c/package.json":    `{"name":"c","dependencies":{"left-pad":"^1.3.0"}}`,
		"packages/c/README.md":       "unchanged member",
		"packages/d/nested/file.txt": "not a member",
	})
	untouched := readFile(t, filepath.Join(dir, "packages/c/package.json"))

	state := resolve(t, dir, []catalog.Entry{safeBufferEntry}, nil, Options{})

	assert.Equal(t, []string{"@socketregistry/safe-buffer"}, state.Added.Sorted())
	assert.Equal(t, []string{"packages/a", "packages/b"}, state.Workspaces())
	for _, ws := range []string{"packages/a", "packages/b"} {
		assert.Equal(t, []string{"@socketregistry/safe-buffer"}, state.AddedInWorkspaces[ws].Sorted())
	}
	assert.NotContains(t, state.Added, "packages/a")

	root := readJSON(t, filepath.Join(dir, "package.json"))
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", root.Get("overrides.safe-buffer").String())

	a := readJSON(t, filepath.Join(dir, "packages/a/package.json"))
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", a.Get("dependencies.safe-buffer").String())
	assert.False(t, a.Get("overrides").Exists())

	b := readJSON(t, filepath.Join(dir, "packages/b/package.json"))
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", b.Get("devDependencies.safe-buffer").String())

	assert.Equal(t, untouched, readFile(t, filepath.Join(dir, "packages/c/package.json")))
}

func TestResolveOverlappingWorkspaceGlobs(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":                     `{"name":"root","private":true,"workspaces":["packages/*","packages/a/nested/*"]}`,
		"packages/a/package.json":          `{"name":"a","workspaces":["nested/*"]}`,
		"packages/a/nested/x/package.json": `{"name":"x","dependencies":{"safe-buffer":"^5.2.1"}}`,
	})

	state := resolve(t, dir, []catalog.Entry{safeBufferEntry}, nil, Options{})

	assert.Equal(t, []string{"packages/a/nested/x"}, state.Workspaces())
	var edits int
	for _, e := range state.Edits {
		if strings.HasSuffix(filepath.ToSlash(e.Manifest), "packages/a/nested/x/package.json") {
			edits++
		}
	}
	assert.Equal(t, 1, edits, "member resolved once")
	x := readJSON(t, filepath.Join(dir, "packages/a/nested/x/package.json"))
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", x.Get("dependencies.safe-buffer").String())
}

func TestResolveProdSkipsLockfile(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":      `{"name":"root","private":true,"dependencies":{"express":"^4.0.0"}}`,
		"package-lock.json": `{"lockfileVersion":3,"packages":{"":{"name":"root"},"node_modules/safe-buffer":{"version":"5.2.1"}}}`,
	})

	state := resolve(t, dir, []catalog.Entry{safeBufferEntry}, nil, Options{Prod: true})
	assert.True(t, state.Empty())

	state = resolve(t, dir, []catalog.Entry{safeBufferEntry}, nil, Options{})
	assert.Equal(t, []string{"@socketregistry/safe-buffer"}, state.Added.Sorted())
}

func TestResolvePublicPackageWritesBothSections(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"lib","version":"1.0.0","dependencies":{"safe-buffer":"^5.1.0"}}`,
	})

	state := resolve(t, dir, []catalog.Entry{safeBufferEntry}, nil, Options{})
	assert.Equal(t, []string{"@socketregistry/safe-buffer"}, state.Added.Sorted())

	pkg := readJSON(t, filepath.Join(dir, "package.json"))
	assert.Equal(t, "$safe-buffer", pkg.Get("overrides.safe-buffer").String())
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", pkg.Get("resolutions.safe-buffer").String())
}

func TestResolvePnpmOverrides(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":   `{"name":"app","private":true,"dependencies":{"express":"^4.0.0"}}`,
		"pnpm-lock.yaml": "lockfileVersion: '9.0'\npackages:\n  has@1.0.4:\n    resolution: {integrity: sha512-abc}\n",
	})

	state := resolve(t, dir, []catalog.Entry{hasEntry}, nil, Options{})
	assert.Equal(t, []string{"@socketregistry/has"}, state.Added.Sorted())

	pkg := readJSON(t, filepath.Join(dir, "package.json"))
	assert.Equal(t, "npm:@socketregistry/has@^1", pkg.Get("pnpm.overrides.has").String())
	assert.False(t, pkg.Get("overrides").Exists())
}

func TestResolvePnpmWorkspaceWarnsOnce(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":            `{"name":"root","private":true}`,
		"pnpm-lock.yaml":          "lockfileVersion: '9.0'\n",
		"pnpm-workspace.yaml":     "packages:\n  - 'apps/*'\n",
		"apps/web/package.json":   `{"name":"web","dependencies":{"has":"^1.0.3"}}`,
		"apps/admin/package.json": `{"name":"admin"}`,
	})

	state := resolve(t, dir, []catalog.Entry{hasEntry}, nil, Options{})
	assert.True(t, state.WarnedPnpmWorkspaceRequiresNpm)
	assert.Equal(t, []string{"apps/web"}, state.Workspaces())
}

func TestResolveExistingOverrideMajors(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		pin      bool
		fetched  map[string]string
		fetchErr error
		want     string
		updated  bool
		calls    int
	}{
		{
			name:     "newer major kept",
			existing: "npm:@socketregistry/has@^2",
			fetched:  map[string]string{"npm:@socketregistry/has@^2": "2.0.1"},
			want:     "npm:@socketregistry/has@^2",
			calls:    1,
		},
		{
			name:     "newer major kept pinned",
			existing: "npm:@socketregistry/has@^2",
			pin:      true,
			fetched:  map[string]string{"npm:@socketregistry/has@^2": "2.0.1"},
			want:     "npm:@socketregistry/has@2.0.1",
			updated:  true,
			calls:    1,
		},
		{
			name:     "older major replaced",
			existing: "npm:@socketregistry/has@^0",
			fetched:  map[string]string{"npm:@socketregistry/has@^0": "0.9.0"},
			want:     "npm:@socketregistry/has@^1",
			updated:  true,
			calls:    1,
		},
		{
			name:     "failed lookup falls through",
			existing: "npm:@socketregistry/has@^3",
			fetchErr: errors.New("registry down"),
			want:     "npm:@socketregistry/has@^1",
			updated:  true,
			calls:    1,
		},
		{
			name:     "same major skips lookup",
			existing: "npm:@socketregistry/has@^1",
			want:     "npm:@socketregistry/has@^1",
		},
		{
			name:     "user override left alone",
			existing: "1.0.3",
			want:     "1.0.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeProject(t, map[string]string{
				"package.json": `{"name":"app","private":true,"resolutions":{"has":"` + tt.existing + `"}}`,
				"yarn.lock":    "# yarn lockfile v1\n",
			})
			fetcher := newFakeFetcher(tt.fetched)
			fetcher.err = tt.fetchErr

			state := resolve(t, dir, []catalog.Entry{hasEntry}, fetcher, Options{Pin: tt.pin})

			pkg := readJSON(t, filepath.Join(dir, "package.json"))
			assert.Equal(t, tt.want, pkg.Get("resolutions.has").String())
			assert.Equal(t, tt.updated, state.Updated.Has("@socketregistry/has"))
			assert.Empty(t, state.Added)
			assert.Equal(t, tt.calls, fetcher.total())
		})
	}
}

func TestResolveMalformedOverrideSkipped(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"app","private":true,"dependencies":{"has":"^1.0.3","safe-buffer":"^5.0.0"},"overrides":{"has":{".":"1.0.3"}}}`,
	})

	state := resolve(t, dir, []catalog.Entry{hasEntry, safeBufferEntry}, nil, Options{})
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], "has")

	pkg := readJSON(t, filepath.Join(dir, "package.json"))
	assert.Equal(t, "npm:@socketregistry/has@^1", pkg.Get("dependencies.has").String())
	assert.True(t, pkg.Get("overrides.has").IsObject())
	assert.Equal(t, "$safe-buffer", pkg.Get("overrides.safe-buffer").String())
}

func TestResolveEditsAreRecorded(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"app","private":true,"dependencies":{"has":"^1.0.3"}}`,
	})

	state := resolve(t, dir, []catalog.Entry{hasEntry}, nil, Options{})
	require.Len(t, state.Edits, 2)
	assert.Equal(t, DirectAlias, state.Edits[0].Placement)
	assert.Equal(t, "^1.0.3", state.Edits[0].From)
	assert.Equal(t, OverrideBlock, state.Edits[1].Placement)
	assert.Equal(t, Reference, state.Edits[1].To.Kind)
}
