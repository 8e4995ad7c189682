package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acheong08/safedeps/internal/registry"
	"github.com/acheong08/safedeps/internal/versions"
	"github.com/acheong08/safedeps/pkg/models"
)

// DefaultOSVURL is the public OSV API
const DefaultOSVURL = "https://api.osv.dev"

type osvRequest struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Version string `json:"version"`
}

type osvEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

type osvRange struct {
	Type   string     `json:"type"`
	Events []osvEvent `json:"events"`
}

type osvAffected struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Ranges []osvRange `json:"ranges"`
}

type osvVuln struct {
	ID               string        `json:"id"`
	Summary          string        `json:"summary"`
	Affected         []osvAffected `json:"affected"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// OSV queries the OSV database one package version at a time
type OSV struct {
	BaseURL    string
	HTTPClient *http.Client
	// Concurrency bounds in-flight queries
	Concurrency int

	breakers *registry.Breakers
	logger   *slog.Logger
}

// NewOSV creates an OSV source
func NewOSV(baseURL string, httpClient *http.Client, logger *slog.Logger) *OSV {
	if baseURL == "" {
		baseURL = DefaultOSVURL
	}
	if httpClient == nil {
		httpClient = registry.NewHTTPClient(60 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OSV{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		HTTPClient:  httpClient,
		Concurrency: 3,
		breakers:    registry.NewBreakers(),
		logger:      logger,
	}
}

// ForPurls queries every purl. The first failure cancels the rest.
func (o *OSV) ForPurls(ctx context.Context, purls []string) (AlertMap, error) {
	type target struct{ purl, name, version string }
	targets := make([]target, 0, len(purls))
	for _, p := range purls {
		name, version, err := ParsePurl(p)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{purl: Purl(name, version), name: name, version: version})
	}

	result := make(AlertMap)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Concurrency)
	for _, t := range targets {
		g.Go(func() error {
			found, err := o.query(gctx, t.name, t.version)
			if err != nil {
				return fmt.Errorf("failed to query advisories for %s: %w", t.purl, err)
			}
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			result[t.purl] = append(result[t.purl], found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// ForTree queries every package installed in tree
func (o *OSV) ForTree(ctx context.Context, tree *models.DependencyTree) (AlertMap, error) {
	pkgs := tree.Packages()
	purls := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Version == "" {
			continue
		}
		purls = append(purls, Purl(p.Name, p.Version))
	}
	o.logger.Debug("Querying advisories", "packages", len(purls))
	return o.ForPurls(ctx, purls)
}

func (o *OSV) query(ctx context.Context, name, version string) ([]Alert, error) {
	var reqBody osvRequest
	reqBody.Package.Name = name
	reqBody.Package.Ecosystem = "npm"
	reqBody.Version = version

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := o.breakers.Do(ctx, o.HTTPClient, req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Vulns []osvVuln `json:"vulns"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("error decoding OSV response: %w", err)
	}

	out := make([]Alert, 0, len(resp.Vulns))
	for _, v := range resp.Vulns {
		out = append(out, toAlert(v, name, version))
	}
	return out, nil
}

func toAlert(v osvVuln, name, version string) Alert {
	a := Alert{
		Purl:     Purl(name, version),
		Name:     name,
		Version:  version,
		Key:      v.ID,
		Severity: strings.ToLower(v.DatabaseSpecific.Severity),
		Summary:  v.Summary,
		Fix:      &Fix{Action: ActionNone},
	}
	for _, aff := range v.Affected {
		if aff.Package.Name != name {
			continue
		}
		for _, r := range aff.Ranges {
			if r.Type != "SEMVER" && r.Type != "ECOSYSTEM" {
				continue
			}
			if fix, ok := fixFromEvents(r.Events, version); ok {
				a.Fix = fix
				return a
			}
		}
	}
	return a
}

// fixFromEvents finds the introduced/fixed window containing version
func fixFromEvents(events []osvEvent, version string) (*Fix, bool) {
	introduced := ""
	for _, e := range events {
		switch {
		case e.Introduced != "":
			introduced = e.Introduced
		case e.Fixed != "":
			if inWindow(version, introduced, e.Fixed) {
				return &Fix{
					Action:              ActionUpgrade,
					FirstPatchedVersion: e.Fixed,
					VulnerableRange:     vulnerableRange(introduced, e.Fixed),
				}, true
			}
			introduced = ""
		case e.LastAffected != "":
			introduced = ""
		}
	}
	return nil, false
}

func inWindow(version, introduced, fixed string) bool {
	if !versions.Valid(version) || !versions.Valid(fixed) {
		return false
	}
	if introduced != "" && introduced != "0" && versions.Valid(introduced) &&
		versions.Compare(version, introduced) < 0 {
		return false
	}
	return versions.Compare(version, fixed) < 0
}

func vulnerableRange(introduced, fixed string) string {
	if introduced == "" || introduced == "0" {
		return "<" + fixed
	}
	return fmt.Sprintf(">=%s <%s", introduced, fixed)
}
