package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/acheong08/safedeps/internal/failure"
)

// Manifest is an editable package.json. Edits are staged against the raw
// document with key-order preserving JSON path operations and only reach disk
// on Save.
type Manifest struct {
	path     string
	raw      []byte
	saved    []byte
	indent   string
	reformat bool
	content  *PackageJSON
}

// LoadManifest reads the package.json at path
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}
	return ParseManifest(path, data)
}

// ParseManifest builds a Manifest from bytes that belong to path
func ParseManifest(path string, data []byte) (*Manifest, error) {
	m := &Manifest{
		path:   path,
		raw:    data,
		saved:  data,
		indent: detectIndent(data),
	}
	if err := m.decode(); err != nil {
		return nil, err
	}
	return m, nil
}

// Filename is the path the manifest is persisted to
func (m *Manifest) Filename() string { return m.path }

// Dir is the package directory
func (m *Manifest) Dir() string { return filepath.Dir(m.path) }

// Content is the decoded staged document. Its maps are live: DependencyEntries
// aliases them and UpdateDependencies stages whatever they hold.
func (m *Manifest) Content() *PackageJSON { return m.content }

// Raw returns the staged document bytes
func (m *Manifest) Raw() []byte { return m.raw }

// Saved returns the bytes last read from or written to disk
func (m *Manifest) Saved() []byte { return m.saved }

// Get reads a value from the staged document by path components
func (m *Manifest) Get(keys ...string) gjson.Result {
	return gjson.GetBytes(m.raw, jsonPath(keys...))
}

// Dirty reports whether staged bytes differ from what is on disk
func (m *Manifest) Dirty() bool {
	return !bytes.Equal(m.raw, m.saved)
}

// Update stages a partial document. Each top-level key is handled by value
// type: nil deletes the key, map[string]string is merged key by key so
// existing entries keep their position, anything else replaces the value.
func (m *Manifest) Update(patch map[string]any) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var err error
		switch v := patch[k].(type) {
		case nil:
			err = m.delete(k)
		case map[string]string:
			err = m.mergeObject(jsonPath(k), v)
		default:
			err = m.setValue(jsonPath(k), v)
		}
		if err != nil {
			return fmt.Errorf("failed to stage %s: %w", k, err)
		}
	}
	return m.decode()
}

// UpdateDependencies stages the current contents of the given entries
func (m *Manifest) UpdateDependencies(entries []DependencyEntry) error {
	patch := make(map[string]any, len(entries))
	for _, e := range entries {
		patch[string(e.Category)] = e.Deps
	}
	return m.Update(patch)
}

// SetBlock replaces the object at keys with block written in sorted key
// order, or removes it when block is empty.
func (m *Manifest) SetBlock(block map[string]any, keys ...string) error {
	path := jsonPath(keys...)
	if len(block) == 0 {
		if !gjson.GetBytes(m.raw, path).Exists() {
			return nil
		}
		if err := m.delete(keys...); err != nil {
			return err
		}
		return m.decode()
	}
	current := gjson.GetBytes(m.raw, path)
	encoded, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if current.Exists() && jsonEqual([]byte(current.Raw), encoded) && sortedKeys(current) {
		return nil
	}
	raw, err := sjson.SetRawBytes(m.raw, path, encoded)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	m.raw = raw
	m.reformat = true
	return m.decode()
}

// Snapshot captures the raw dependency blocks for a later Restore
type Snapshot struct {
	blocks map[Category]string
}

// Snapshot records the dependency blocks exactly as they are staged now
func (m *Manifest) Snapshot() Snapshot {
	s := Snapshot{blocks: make(map[Category]string)}
	for _, c := range Categories {
		if r := gjson.GetBytes(m.raw, string(c)); r.Exists() {
			s.blocks[c] = r.Raw
		}
	}
	return s
}

// Restore puts every dependency block back to its snapshot bytes
func (m *Manifest) Restore(s Snapshot) error {
	for _, c := range Categories {
		block, ok := s.blocks[c]
		var err error
		if ok {
			m.raw, err = sjson.SetRawBytes(m.raw, string(c), []byte(block))
		} else if gjson.GetBytes(m.raw, string(c)).Exists() {
			m.raw, err = sjson.DeleteBytes(m.raw, string(c))
		}
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", c, err)
		}
	}
	m.reformat = false
	return m.decode()
}

// Save persists the staged document. It returns false without touching the
// file when nothing changed.
func (m *Manifest) Save() (bool, error) {
	if !m.Dirty() {
		return false, nil
	}
	out := m.raw
	if m.reformat {
		out = pretty.PrettyOptions(out, &pretty.Options{
			Width:  80,
			Indent: m.indent,
		})
	}
	if !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	if err := os.WriteFile(m.path, out, 0644); err != nil {
		return false, &failure.ManifestWriteError{Path: m.path, Err: err}
	}
	m.raw = out
	m.saved = out
	m.reformat = false
	return true, nil
}

func (m *Manifest) decode() error {
	var pkg PackageJSON
	if err := json.Unmarshal(m.raw, &pkg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", m.path, err)
	}
	m.content = &pkg
	return nil
}

func (m *Manifest) delete(keys ...string) error {
	path := jsonPath(keys...)
	if !gjson.GetBytes(m.raw, path).Exists() {
		return nil
	}
	raw, err := sjson.DeleteBytes(m.raw, path)
	if err != nil {
		return err
	}
	m.raw = raw
	m.reformat = true
	return nil
}

func (m *Manifest) setValue(path string, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	current := gjson.GetBytes(m.raw, path)
	if current.Exists() && jsonEqual([]byte(current.Raw), encoded) {
		return nil
	}
	raw, err := sjson.SetRawBytes(m.raw, path, encoded)
	if err != nil {
		return err
	}
	m.raw = raw
	m.reformat = true
	return nil
}

// mergeObject makes the object at path equal want while leaving untouched
// keys byte-for-byte in place. New keys are appended in sorted order.
func (m *Manifest) mergeObject(path string, want map[string]string) error {
	current := gjson.GetBytes(m.raw, path)
	if !current.Exists() || !current.IsObject() {
		if want == nil {
			return nil
		}
		return m.setValue(path, want)
	}

	present := make(map[string]gjson.Result)
	current.ForEach(func(k, v gjson.Result) bool {
		present[k.String()] = v
		return true
	})

	var stale []string
	for k := range present {
		if _, ok := want[k]; !ok {
			stale = append(stale, k)
		}
	}
	sort.Strings(stale)
	for _, k := range stale {
		raw, err := sjson.DeleteBytes(m.raw, path+"."+gjson.Escape(k))
		if err != nil {
			return err
		}
		m.raw = raw
		m.reformat = true
	}

	names := make([]string, 0, len(want))
	for k := range want {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		cur, ok := present[k]
		if ok && cur.Type == gjson.String && cur.Str == want[k] {
			continue
		}
		raw, err := sjson.SetBytes(m.raw, path+"."+gjson.Escape(k), want[k])
		if err != nil {
			return err
		}
		m.raw = raw
		if !ok {
			m.reformat = true
		}
	}
	return nil
}

func jsonPath(keys ...string) string {
	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = gjson.Escape(k)
	}
	return strings.Join(escaped, ".")
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ae, _ := json.Marshal(av)
	be, _ := json.Marshal(bv)
	return bytes.Equal(ae, be)
}

func sortedKeys(obj gjson.Result) bool {
	prev := ""
	ok := true
	obj.ForEach(func(k, _ gjson.Result) bool {
		if k.String() < prev {
			ok = false
			return false
		}
		prev = k.String()
		return true
	})
	return ok
}

func detectIndent(data []byte) string {
	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines[min(1, len(lines)):] {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 || len(trimmed) == len(line) {
			continue
		}
		return string(line[:len(line)-len(trimmed)])
	}
	return "  "
}
