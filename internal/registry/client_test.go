package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acheong08/safedeps/internal/telemetry"
)

const lodashPackument = `{
  "name": "lodash",
  "dist-tags": {"latest": "4.17.21", "next": "5.0.0-beta.1"},
  "versions": {
    "3.10.1": {"name": "lodash", "version": "3.10.1", "dist": {"tarball": "https://registry.npmjs.org/lodash/-/lodash-3.10.1.tgz", "shasum": "5bf45e8e49ba4189e17d482789dfd15bd140b7b6"}, "engines": ["node >= 0.8"]},
    "4.17.20": {"name": "lodash", "version": "4.17.20", "dist": {"tarball": "https://registry.npmjs.org/lodash/-/lodash-4.17.20.tgz", "integrity": "sha512-old"}, "deprecated": false},
    "4.17.21": {"name": "lodash", "version": "4.17.21", "dist": {"tarball": "https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz", "integrity": "sha512-new"}, "engines": {"node": ">=4"}},
    "5.0.0-beta.1": {"name": "lodash", "version": "5.0.0-beta.1", "dist": {}, "deprecated": "beta"}
  }
}`

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.EscapedPath() {
		case "/lodash":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(lodashPackument))
		case "/@socketregistry%2fhas":
			_, _ = w.Write([]byte(`{"name":"@socketregistry/has","versions":{"1.0.7":{"name":"@socketregistry/has","version":"1.0.7","dist":{}}}}`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestNormalizePackageName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"lodash", "lodash"},
		{"@sveltejs/kit", "@sveltejs%2fkit"},
		{"@types/node", "@types%2fnode"},
		{"express", "express"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePackageName(tt.input))
		})
	}
}

func TestSplitSpec(t *testing.T) {
	tests := []struct {
		spec, name, rng string
	}{
		{"lodash", "lodash", ""},
		{"lodash@^4", "lodash", "^4"},
		{"npm:lodash@^4.17.0", "lodash", "^4.17.0"},
		{"@scope/pkg", "@scope/pkg", ""},
		{"npm:@socketregistry/has@1.0.7", "@socketregistry/has", "1.0.7"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, rng := SplitSpec(tt.spec)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.rng, rng)
		})
	}
}

func TestFetchManifest(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), telemetry.Discard())
	ctx := context.Background()

	tests := []struct {
		spec    string
		version string
	}{
		{"lodash", "4.17.21"},
		{"lodash@latest", "4.17.21"},
		{"lodash@next", "5.0.0-beta.1"},
		{"npm:lodash@^4.17.0", "4.17.21"},
		{"lodash@~4.17.19 <4.17.21", "4.17.20"},
		{"lodash@3", "3.10.1"},
		{"lodash@4.17.20", "4.17.20"},
		{"npm:@socketregistry/has@^1", "1.0.7"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			m, err := c.FetchManifest(ctx, tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.version, m.Version)
		})
	}

	// one request per package name
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetchManifestLooseFields(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), telemetry.Discard())
	p, err := c.FetchPackument(context.Background(), "lodash")
	require.NoError(t, err)

	assert.Nil(t, p.Versions["3.10.1"].Engines)
	assert.Equal(t, map[string]string{"node": ">=4"}, p.Versions["4.17.21"].Engines)
	assert.Equal(t, "", p.Versions["4.17.20"].Deprecated)
	assert.Equal(t, "beta", p.Versions["5.0.0-beta.1"].Deprecated)
	assert.Len(t, p.VersionList(), 4)
}

func TestFetchErrors(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), telemetry.Discard())
	ctx := context.Background()

	_, err := c.FetchPackument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.FetchManifest(ctx, "lodash@^9")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.FetchPackument(ctx, "broken")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)

	_, err = c.FetchManifest(ctx, "")
	assert.Error(t, err)
}

func TestBreakerTrips(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), telemetry.Discard())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.FetchPackument(ctx, "broken")
		require.Error(t, err)
	}
	_, err := c.FetchPackument(ctx, "broken")
	assert.ErrorIs(t, err, ErrUpstreamDown)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))

	for _, state := range c.Breakers().State() {
		assert.Equal(t, "open", state)
	}
}

func TestConcurrentFetchShared(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	defer srv.Close()

	c := NewClient(srv.URL, NewHTTPClient(10*time.Second), telemetry.Discard())

	var messages []string
	var mu sync.Mutex
	c.SetLogCallback(func(message, level string) {
		mu.Lock()
		messages = append(messages, message)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchManifest(context.Background(), "lodash@^4")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&hits), int32(2))
	assert.NotEmpty(t, messages)
}

func TestToNodeMetadata(t *testing.T) {
	m := &VersionManifest{
		Name:         "@sveltejs/kit",
		Version:      "2.52.2",
		Dist:         Dist{Shasum: "abc"},
		Dependencies: map[string]string{"cookie": "^0.6.0"},
	}
	meta := ToNodeMetadata(m)
	assert.Equal(t, "https://registry.npmjs.org/@sveltejs/kit/-/kit-2.52.2.tgz", meta.Resolved)
	assert.Equal(t, "sha1-abc", meta.Integrity)
	assert.Equal(t, "^0.6.0", meta.Dependencies["cookie"])
}

func TestConstructNpmTarballURL(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		expected string
	}{
		{"lodash", "4.17.21", "https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz"},
		{"@types/node", "20.0.0", "https://registry.npmjs.org/@types/node/-/node-20.0.0.tgz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, constructNpmTarballURL(tt.name, tt.version))
		})
	}
}
