package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ccos/pkg/util/resiliency"
)

// DiscoveryAgent finds manifests to add to the catalog at bootstrap.
type DiscoveryAgent interface {
	Name() string
	Discover(ctx context.Context) ([]*CapabilityManifest, error)
}

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Capabilities []*CapabilityManifest `json:"capabilities" yaml:"capabilities"`
}

// LoadCatalogFile reads manifests from a YAML or JSON file. The format
// follows the extension; anything but .json is read as YAML.
func LoadCatalogFile(path string) ([]*CapabilityManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var cat catalogFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &cat)
	} else {
		err = yaml.Unmarshal(raw, &cat)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, m := range cat.Capabilities {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return cat.Capabilities, nil
}

// StaticDiscovery serves manifests from a catalog file.
type StaticDiscovery struct {
	path string
}

func NewStaticDiscovery(path string) *StaticDiscovery { return &StaticDiscovery{path: path} }

func (d *StaticDiscovery) Name() string { return "static:" + d.path }

func (d *StaticDiscovery) Discover(context.Context) ([]*CapabilityManifest, error) {
	ms, err := LoadCatalogFile(d.path)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		if m.Provenance == nil {
			m.Provenance = &CapabilityProvenance{
				Source:       "static_discovery",
				Version:      m.Version,
				ContentHash:  ComputeContentHash(m.ID + "@" + m.Version),
				CustodyChain: []string{"static_discovery", d.path},
			}
		}
	}
	return ms, nil
}

// NetworkDiscovery pages through a remote registry's /capabilities
// endpoint.
type NetworkDiscovery struct {
	baseURL   string
	authToken string
	pageSize  int
	client    *resiliency.Client
}

func NewNetworkDiscovery(baseURL, authToken string, client *resiliency.Client) *NetworkDiscovery {
	if client == nil {
		client = resiliency.NewClient()
	}
	return &NetworkDiscovery{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		pageSize:  100,
		client:    client,
	}
}

func (d *NetworkDiscovery) Name() string { return "network:" + d.baseURL }

type discoveryPage struct {
	Capabilities  []*CapabilityManifest `json:"capabilities"`
	NextPageToken string                `json:"next_page_token"`
	Error         string                `json:"error"`
}

func (d *NetworkDiscovery) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		u := d.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if d.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+d.authToken)
		}
		return req, nil
	})
}

// Discover fetches every page. Invalid manifests are skipped.
func (d *NetworkDiscovery) Discover(ctx context.Context) ([]*CapabilityManifest, error) {
	var out []*CapabilityManifest
	token := ""
	for {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(d.pageSize))
		q.Set("page_token", token)
		resp, err := d.get(ctx, "/capabilities", q)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", d.baseURL, err)
		}
		var page discoveryPage
		err = decodeJSONResponse(resp, &page)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", d.baseURL, err)
		}
		if page.Error != "" {
			return nil, fmt.Errorf("discover %s: %s", d.baseURL, page.Error)
		}
		for _, m := range page.Capabilities {
			if m == nil || m.Validate() != nil {
				continue
			}
			if m.Provenance == nil {
				m.Provenance = &CapabilityProvenance{
					Source:       "network_discovery",
					Version:      m.Version,
					ContentHash:  ComputeContentHash(m.ID + "@" + m.Version),
					CustodyChain: []string{"network_discovery", d.baseURL},
				}
			}
			out = append(out, m)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// Health reports whether the registry answers /health with 2xx.
func (d *NetworkDiscovery) Health(ctx context.Context) error {
	resp, err := d.get(ctx, "/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registry %s unhealthy: status %d", d.baseURL, resp.StatusCode)
	}
	return nil
}

func decodeJSONResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
