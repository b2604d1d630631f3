package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/capabilities"
)

const catalogYAML = `
capabilities:
  - id: weather.forecast
    name: Forecast
    description: Five day forecast
    version: 1.2.0
    provider:
      http:
        base_url: https://weather.example/forecast
        timeout_ms: 1500
    effects: [":network"]
  - id: tools.search
    name: Search
    version: 0.1.0
    provider:
      kind: mcp
      mcp:
        server_url: https://mcp.example/rpc
        tool_name: search
`

func TestLoadCatalogFileYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(catalogYAML), 0o600))

	ms, err := LoadCatalogFile(yamlPath)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "https://weather.example/forecast", ms[0].Provider.HTTP.BaseURL)
	assert.Equal(t, uint64(1500), ms[0].Provider.HTTP.TimeoutMS)
	assert.Equal(t, []string{":network"}, ms[0].Effects)
	assert.Equal(t, ProviderMCP, ms[1].Provider.Resolved())

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"capabilities":[{"id":"a.b","name":"ab","version":"1.0.0","provider":{"remote_rtfs":{"endpoint":"http://rt"}}}]}`), 0o600))
	ms, err = LoadCatalogFile(jsonPath)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, ProviderRemoteRTFS, ms[0].Provider.Resolved())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("capabilities:\n  - id: x\n    version: nope\n    provider: {}\n"), 0o600))
	_, err = LoadCatalogFile(bad)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestStaticDiscoveryBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	ctx := context.Background()
	m := New(capabilities.NewRegistry(nil))
	m.AddDiscoveryAgent(NewStaticDiscovery(path))
	require.NoError(t, m.Bootstrap(ctx))

	c, ok := m.GetCapability("weather.forecast")
	require.True(t, ok)
	assert.Equal(t, ProviderHTTP, c.Provider.Kind)
	require.NotNil(t, c.Provenance)
	assert.Equal(t, "static_discovery", c.Provenance.Source)
	assert.Equal(t, []string{"static_discovery", path}, c.Provenance.CustodyChain)
	assert.True(t, m.HasCapability("tools.search"))
}

func TestNetworkDiscoveryPaginates(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
			return
		case "/capabilities":
		default:
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer reg", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		token := r.URL.Query().Get("page_token")
		pages = append(pages, token)

		page := discoveryPage{}
		switch token {
		case "":
			page.Capabilities = []*CapabilityManifest{
				{ID: "net.one", Name: "one", Version: "1.0.0", Provider: ProviderSpec{HTTP: &HTTPProvider{BaseURL: "http://one"}}},
				{ID: "net.invalid", Name: "invalid", Version: "not-semver", Provider: ProviderSpec{HTTP: &HTTPProvider{BaseURL: "http://x"}}},
			}
			page.NextPageToken = "p2"
		case "p2":
			page.Capabilities = []*CapabilityManifest{
				{ID: "net.two", Name: "two", Version: "2.0.0", Provider: ProviderSpec{A2A: &A2AProvider{AgentID: "a", Endpoint: "http://a"}}},
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	d := NewNetworkDiscovery(srv.URL+"/", "reg", nil)
	assert.Equal(t, "network:"+srv.URL, d.Name())
	require.NoError(t, d.Health(context.Background()))

	ms, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "net.one", ms[0].ID)
	assert.Equal(t, "net.two", ms[1].ID)
	assert.Equal(t, "network_discovery", ms[1].Provenance.Source)
	assert.Equal(t, []string{"", "p2"}, pages)
}

func TestNetworkDiscoveryReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"registry offline"}`))
	}))
	defer srv.Close()

	_, err := NewNetworkDiscovery(srv.URL, "", nil).Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry offline")
}
