package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHelpers(t *testing.T) {
	before := testutil.ToFloat64(overridesApplied.WithLabelValues("added"))
	TrackOverride("added")
	assert.Equal(t, before+1, testutil.ToFloat64(overridesApplied.WithLabelValues("added")))

	TrackRemediation("fixed")
	TrackRegistryRequest("registry.npmjs.org", "200")
	ObserveInstall("npm", "install", 1.5)
}

func TestMetricsHandler(t *testing.T) {
	TrackRegistryRequest("api.osv.dev", "200")

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
