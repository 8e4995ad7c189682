package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/acheong08/safedeps/internal/failure"
)

const samplePackageJSON = `{
    "name": "demo",
    "version": "1.0.0",
    "dependencies": {
        "lodash": "^4.17.0",
        "@babel/core": "^7.0.0",
        "lodash.merge": "^4.6.2"
    },
    "devDependencies": {
        "jest": "^29.0.0"
    }
}
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestManifestInPlaceEditKeepsFormatting(t *testing.T) {
	path := writeManifest(t, samplePackageJSON)
	m, err := LoadManifest(path)
	require.NoError(t, err)

	entries := DependencyEntries(m)
	require.Len(t, entries, 2)
	entries[0].Deps["lodash"] = "npm:lodash@^4"
	entries[0].Deps["@babel/core"] = "^7.1.0"

	require.NoError(t, m.UpdateDependencies(entries))
	saved, err := m.Save()
	require.NoError(t, err)
	assert.True(t, saved)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	expected := strings.Replace(samplePackageJSON, `"lodash": "^4.17.0"`, `"lodash": "npm:lodash@^4"`, 1)
	expected = strings.Replace(expected, `"@babel/core": "^7.0.0"`, `"@babel/core": "^7.1.0"`, 1)
	assert.Equal(t, expected, string(data))
	assert.Equal(t, "npm:lodash@^4", m.Content().Dependencies["lodash"])
}

func TestManifestSaveWithoutChangesIsNoop(t *testing.T) {
	path := writeManifest(t, samplePackageJSON)
	m, err := LoadManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.UpdateDependencies(DependencyEntries(m)))
	saved, err := m.Save()
	require.NoError(t, err)
	assert.False(t, saved)
	assert.False(t, m.Dirty())
}

func TestManifestAddAndRemoveKeys(t *testing.T) {
	path := writeManifest(t, samplePackageJSON)
	m, err := LoadManifest(path)
	require.NoError(t, err)

	entries := DependencyEntries(m)
	entries[0].Deps["express"] = "^4.18.0"
	delete(entries[1].Deps, "jest")
	require.NoError(t, m.UpdateDependencies(entries))

	_, err = m.Save()
	require.NoError(t, err)

	reloaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "^4.18.0", reloaded.Content().Dependencies["express"])
	assert.Empty(t, reloaded.Content().DevDependencies)

	var keys []string
	reloaded.Get("dependencies").ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	assert.Equal(t, []string{"lodash", "@babel/core", "lodash.merge", "express"}, keys)
	assert.Contains(t, string(reloaded.Raw()), "\n    \"name\"")
}

func TestManifestSetBlock(t *testing.T) {
	path := writeManifest(t, samplePackageJSON)
	m, err := LoadManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.SetBlock(map[string]any{"zod": "^3", "lodash": "$lodash"}, "overrides"))
	require.NoError(t, m.SetBlock(map[string]any{"lodash": "npm:lodash@^4"}, "pnpm", "overrides"))
	assert.Equal(t, "$lodash", m.Content().Overrides["lodash"])
	assert.Equal(t, "npm:lodash@^4", m.Content().Pnpm.Overrides["lodash"])

	var keys []string
	m.Get("overrides").ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	assert.Equal(t, []string{"lodash", "zod"}, keys)

	require.NoError(t, m.SetBlock(nil, "overrides"))
	assert.False(t, m.Get("overrides").Exists())
}

func TestManifestSnapshotRestore(t *testing.T) {
	path := writeManifest(t, samplePackageJSON)
	m, err := LoadManifest(path)
	require.NoError(t, err)
	before := m.Get("dependencies").Raw

	snap := m.Snapshot()
	require.NoError(t, m.Update(map[string]any{
		"dependencies":         map[string]string{"lodash": "^4.17.21"},
		"optionalDependencies": map[string]string{"fsevents": "^2.3.0"},
	}))
	_, err = m.Save()
	require.NoError(t, err)

	require.NoError(t, m.Restore(snap))
	_, err = m.Save()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	reloaded, err := ParseManifest(path, data)
	require.NoError(t, err)
	assert.Equal(t, before, reloaded.Get("dependencies").Raw)
	assert.False(t, reloaded.Get("optionalDependencies").Exists())
}

func TestManifestSaveFailure(t *testing.T) {
	m, err := ParseManifest(filepath.Join(t.TempDir(), "missing", "package.json"), []byte(samplePackageJSON))
	require.NoError(t, err)
	require.NoError(t, m.Update(map[string]any{"private": true}))

	_, err = m.Save()
	var writeErr *failure.ManifestWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, failure.ExitManifestWrite, failure.ExitCode(err))
}

func TestManifestMalformed(t *testing.T) {
	_, err := ParseManifest("package.json", []byte(`{"dependencies": [`))
	assert.Error(t, err)
}

func TestDeclared(t *testing.T) {
	m, err := ParseManifest("package.json", []byte(samplePackageJSON))
	require.NoError(t, err)

	spec, ok := Declared(DependencyEntries(m), "jest")
	assert.True(t, ok)
	assert.Equal(t, "^29.0.0", spec)

	_, ok = Declared(DependencyEntries(m), "react")
	assert.False(t, ok)
}

func TestDetectIndent(t *testing.T) {
	assert.Equal(t, "    ", detectIndent([]byte(samplePackageJSON)))
	assert.Equal(t, "\t", detectIndent([]byte("{\n\t\"a\": 1\n}")))
	assert.Equal(t, "  ", detectIndent([]byte(`{"a":1}`)))
}
