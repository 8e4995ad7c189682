// Package registry fetches package metadata from an npm-compatible registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/acheong08/safedeps/internal/versions"
	"github.com/acheong08/safedeps/pkg/models"
)

// DefaultURL is the public npm registry
const DefaultURL = "https://registry.npmjs.org"

// LogCallback is an optional function for forwarding log messages (e.g. to WebSocket).
type LogCallback func(message, level string)

// Dist locates a published tarball
type Dist struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
	Shasum    string `json:"shasum"`
}

// VersionManifest is one published version of a package
type VersionManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dist         Dist              `json:"dist"`
	Engines      map[string]string `json:"-"`
	Deprecated   string            `json:"-"`
	Dependencies map[string]string `json:"dependencies"`
}

// Packument is the full document for a package name
type Packument struct {
	Name     string                      `json:"name"`
	DistTags map[string]string           `json:"dist-tags"`
	Versions map[string]*VersionManifest `json:"versions"`
}

// VersionList returns every published version
func (p *Packument) VersionList() []string {
	out := make([]string, 0, len(p.Versions))
	for v := range p.Versions {
		out = append(out, v)
	}
	return out
}

// Client talks to the registry. Packuments are cached for the life of the
// client and concurrent requests for the same name share one fetch.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	breakers *Breakers
	group    singleflight.Group
	cache    sync.Map
	logger   *slog.Logger
	logCb    LogCallback
}

// NewClient creates a registry client
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(60 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: httpClient,
		breakers:   NewBreakers(),
		logger:     logger,
	}
}

// SetLogCallback sets an optional callback for forwarding log messages.
func (c *Client) SetLogCallback(cb LogCallback) {
	c.logCb = cb
}

// Breakers exposes the per-host breaker state
func (c *Client) Breakers() *Breakers {
	return c.breakers
}

func (c *Client) logMsg(message, level string) {
	if level == "error" {
		c.logger.Error(message)
	} else {
		c.logger.Debug(message)
	}
	if c.logCb != nil {
		c.logCb(message, level)
	}
}

// FetchPackument returns the packument for name
func (c *Client) FetchPackument(ctx context.Context, name string) (*Packument, error) {
	if cached, ok := c.cache.Load(name); ok {
		return cached.(*Packument), nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		if cached, ok := c.cache.Load(name); ok {
			return cached, nil
		}
		p, err := c.fetchPackument(ctx, name)
		if err != nil {
			return nil, err
		}
		c.cache.Store(name, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Packument), nil
}

func (c *Client) fetchPackument(ctx context.Context, name string) (*Packument, error) {
	url := fmt.Sprintf("%s/%s", c.BaseURL, normalizePackageName(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logMsg(fmt.Sprintf("Fetching metadata for %s", name), "info")
	body, err := c.breakers.Do(ctx, c.HTTPClient, req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		c.logMsg(fmt.Sprintf("Failed to fetch metadata for %s: %v", name, err), "error")
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", name, err)
	}

	var p Packument
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", name, err)
	}
	for version, m := range p.Versions {
		if m == nil {
			delete(p.Versions, version)
			continue
		}
		m.Engines, m.Deprecated = looseFields(body, version)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// FetchManifest resolves a spec such as "npm:@scope/pkg@^2", "pkg@1.2.3" or
// "pkg@latest" to the highest published version it admits.
func (c *Client) FetchManifest(ctx context.Context, spec string) (*VersionManifest, error) {
	name, rng := SplitSpec(spec)
	if name == "" {
		return nil, fmt.Errorf("invalid package spec %q", spec)
	}
	p, err := c.FetchPackument(ctx, name)
	if err != nil {
		return nil, err
	}

	if rng == "" {
		rng = "latest"
	}
	if tagged, ok := p.DistTags[rng]; ok {
		if m, ok := p.Versions[tagged]; ok {
			return m, nil
		}
	}
	if m, ok := p.Versions[rng]; ok {
		return m, nil
	}

	r, err := versions.ParseRange(rng)
	if err != nil {
		return nil, fmt.Errorf("invalid range in %q: %w", spec, err)
	}
	best := versions.MaxSatisfying(p.VersionList(), r)
	if best == "" {
		return nil, fmt.Errorf("no version of %s matches %s: %w", name, rng, ErrNotFound)
	}
	return p.Versions[best], nil
}

// SplitSpec separates a spec into package name and range, dropping an
// "npm:" alias prefix.
func SplitSpec(spec string) (name, rng string) {
	spec = strings.TrimPrefix(strings.TrimSpace(spec), "npm:")
	at := strings.LastIndex(spec, "@")
	if at <= 0 {
		return spec, ""
	}
	return spec[:at], spec[at+1:]
}

// ToNodeMetadata converts a manifest into lockfile node fields
func ToNodeMetadata(m *VersionManifest) models.NodeMetadata {
	integrity := m.Dist.Integrity
	if integrity == "" && m.Dist.Shasum != "" {
		integrity = "sha1-" + m.Dist.Shasum
	}
	tarball := m.Dist.Tarball
	if tarball == "" {
		tarball = constructNpmTarballURL(m.Name, m.Version)
	}
	return models.NodeMetadata{
		Resolved:     tarball,
		Integrity:    integrity,
		Dependencies: m.Dependencies,
	}
}

// looseFields reads the version fields whose shape varies across old
// publishes: engines may be an array and deprecated may be a boolean.
func looseFields(body []byte, version string) (map[string]string, string) {
	v := gjson.GetBytes(body, "versions."+gjson.Escape(version))
	var engines map[string]string
	if e := v.Get("engines"); e.IsObject() {
		engines = make(map[string]string)
		e.ForEach(func(k, val gjson.Result) bool {
			engines[k.String()] = val.String()
			return true
		})
	}
	deprecated := ""
	if d := v.Get("deprecated"); d.Type == gjson.String {
		deprecated = d.String()
	}
	return engines, deprecated
}

// normalizePackageName normalizes a package name for URL
func normalizePackageName(name string) string {
	// Replace @scope/name with @scope%2fname
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			return parts[0] + "%2f" + parts[1]
		}
	}
	return name
}

// constructNpmTarballURL constructs the npm registry tarball URL for a package
// Format: https://registry.npmjs.org/@scope/name/-/name-{version}.tgz
func constructNpmTarballURL(name, version string) string {
	tarballName := name
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			tarballName = parts[1]
		}
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", DefaultURL, name, tarballName, version)
}
