package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, c.Entries())

	e, ok := c.Lookup("safe-buffer")
	require.True(t, ok)
	assert.Equal(t, "@socketregistry/safe-buffer", e.Name)
	assert.Equal(t, 1, e.Major())

	entries := c.Entries()
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].Original, entries[i].Original)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing name", `[{"package":"a","version":"1.0.0"}]`},
		{"bad version", `[{"package":"a","name":"b","version":"^1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCompatible(t *testing.T) {
	c := New([]Entry{
		{Original: "old-node", Name: "safe-old", Version: "1.0.0", Engines: Engines{Node: ">=14"}},
		{Original: "new-node", Name: "safe-new", Version: "2.0.0", Engines: Engines{Node: ">=20"}},
		{Original: "any-node", Name: "safe-any", Version: "3.0.0"},
	})

	names := func(entries []Entry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Original)
		}
		return out
	}

	assert.Equal(t, []string{"any-node", "old-node"}, names(c.Compatible("18.0.0")))
	assert.Equal(t, []string{"any-node", "new-node", "old-node"}, names(c.Compatible("22.1.0")))
	assert.Equal(t, []string{"any-node", "new-node", "old-node"}, names(c.Compatible("")))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"package":"lodash","name":"lodash","version":"4.17.21","engines":{"node":">=4"}}]`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	e, ok := c.Lookup("lodash")
	require.True(t, ok)
	assert.Equal(t, "4.17.21", e.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
