// Package marketplace is the catalog of capability manifests and the typed
// execution dispatch behind them.
//
// A manifest names exactly one provider kind (local handler, HTTP, MCP, A2A,
// WebAssembly plugin, remote RTFS or stream). ExecuteCapability gates every
// call through the isolation policy, rate limits and resource constraints,
// validates inputs and outputs against the manifest schemas, dispatches to
// the executor registered for the provider kind and records the attempt on
// the causal chain when one is wired.
package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/ccos/pkg/throttle"
)

var (
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrNotFound            = errors.New("capability not found")
	ErrInvalidManifest     = errors.New("invalid capability manifest")
)

// ProviderKind tags the provider variant of a manifest.
type ProviderKind string

const (
	ProviderLocal      ProviderKind = "local"
	ProviderHTTP       ProviderKind = "http"
	ProviderMCP        ProviderKind = "mcp"
	ProviderA2A        ProviderKind = "a2a"
	ProviderPlugin     ProviderKind = "plugin"
	ProviderRemoteRTFS ProviderKind = "remote_rtfs"
	ProviderStream     ProviderKind = "stream"
)

// LocalHandler implements a capability in process.
type LocalHandler func(ctx context.Context, args []any) (any, error)

// StreamHandler produces frames on emit until it returns.
type StreamHandler func(ctx context.Context, args []any, emit func(frame any) error) error

type LocalProvider struct {
	Handler LocalHandler `json:"-" yaml:"-"`
}

type HTTPProvider struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	TimeoutMS uint64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// MCPProvider calls a tool on an MCP server. ServerURL is http(s):// for
// JSON-RPC over HTTP or stdio://<command> for a child process. An empty or
// "*" ToolName calls the first tool the server lists.
type MCPProvider struct {
	ServerURL string   `json:"server_url" yaml:"server_url"`
	ToolName  string   `json:"tool_name" yaml:"tool_name"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
	TimeoutMS uint64   `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type A2AProvider struct {
	AgentID   string `json:"agent_id" yaml:"agent_id"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Protocol  string `json:"protocol" yaml:"protocol"`
	TimeoutMS uint64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// PluginProvider runs an exported function of a WebAssembly module.
type PluginProvider struct {
	PluginPath   string `json:"plugin_path" yaml:"plugin_path"`
	FunctionName string `json:"function_name" yaml:"function_name"`
}

type RemoteRTFSProvider struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	TimeoutMS uint64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// StreamProvider collects frames from a WebSocket endpoint or a local
// handler. Collection stops at close, a "done" frame or MaxFrames.
type StreamProvider struct {
	Endpoint   string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	StreamType string        `json:"stream_type" yaml:"stream_type"`
	MaxFrames  int           `json:"max_frames,omitempty" yaml:"max_frames,omitempty"`
	Handler    StreamHandler `json:"-" yaml:"-"`
}

// ProviderSpec is a tagged union: Kind names the one populated variant.
type ProviderSpec struct {
	Kind       ProviderKind        `json:"kind" yaml:"kind"`
	Local      *LocalProvider      `json:"local,omitempty" yaml:"local,omitempty"`
	HTTP       *HTTPProvider       `json:"http,omitempty" yaml:"http,omitempty"`
	MCP        *MCPProvider        `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	A2A        *A2AProvider        `json:"a2a,omitempty" yaml:"a2a,omitempty"`
	Plugin     *PluginProvider     `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	RemoteRTFS *RemoteRTFSProvider `json:"remote_rtfs,omitempty" yaml:"remote_rtfs,omitempty"`
	Stream     *StreamProvider     `json:"stream,omitempty" yaml:"stream,omitempty"`
}

func (p ProviderSpec) populated() []ProviderKind {
	var kinds []ProviderKind
	if p.Local != nil {
		kinds = append(kinds, ProviderLocal)
	}
	if p.HTTP != nil {
		kinds = append(kinds, ProviderHTTP)
	}
	if p.MCP != nil {
		kinds = append(kinds, ProviderMCP)
	}
	if p.A2A != nil {
		kinds = append(kinds, ProviderA2A)
	}
	if p.Plugin != nil {
		kinds = append(kinds, ProviderPlugin)
	}
	if p.RemoteRTFS != nil {
		kinds = append(kinds, ProviderRemoteRTFS)
	}
	if p.Stream != nil {
		kinds = append(kinds, ProviderStream)
	}
	return kinds
}

// Validate checks that exactly the variant named by Kind is set.
func (p ProviderSpec) Validate() error {
	kinds := p.populated()
	if len(kinds) != 1 {
		return fmt.Errorf("%w: provider must set exactly one variant, got %d", ErrInvalidManifest, len(kinds))
	}
	if p.Kind != "" && p.Kind != kinds[0] {
		return fmt.Errorf("%w: provider kind %q does not match %q variant", ErrInvalidManifest, p.Kind, kinds[0])
	}
	return nil
}

// Resolved returns the variant kind, filling in an omitted Kind.
func (p ProviderSpec) Resolved() ProviderKind {
	if kinds := p.populated(); len(kinds) == 1 {
		return kinds[0]
	}
	return p.Kind
}

// CapabilityAttestation carries a compact JWT issued by Authority over the
// manifest id and content hash.
type CapabilityAttestation struct {
	Signature string            `json:"signature" yaml:"signature"`
	Authority string            `json:"authority" yaml:"authority"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type CapabilityProvenance struct {
	Source       string    `json:"source" yaml:"source"`
	Version      string    `json:"version,omitempty" yaml:"version,omitempty"`
	ContentHash  string    `json:"content_hash" yaml:"content_hash"`
	CustodyChain []string  `json:"custody_chain,omitempty" yaml:"custody_chain,omitempty"`
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at"`
}

// CapabilityManifest is one catalog entry. ID is the unique key.
type CapabilityManifest struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description" yaml:"description"`
	Provider     ProviderSpec           `json:"provider" yaml:"provider"`
	Version      string                 `json:"version" yaml:"version"`
	InputSchema  map[string]any         `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any         `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Attestation  *CapabilityAttestation `json:"attestation,omitempty" yaml:"attestation,omitempty"`
	Provenance   *CapabilityProvenance  `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	Permissions  []string               `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Effects      []string               `json:"effects,omitempty" yaml:"effects,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// RateLimit and MaxConcurrent bound calls to this capability.
	RateLimit     *throttle.RatePolicy `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	MaxConcurrent int                  `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// Validate checks the id, name, semantic version and provider variant.
func (m *CapabilityManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidManifest)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: %s: name is required", ErrInvalidManifest, m.ID)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: %s: version %q is not semantic: %v", ErrInvalidManifest, m.ID, m.Version, err)
	}
	if err := m.Provider.Validate(); err != nil {
		return fmt.Errorf("%s: %w", m.ID, err)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with m. Handlers are
// shared.
func (m *CapabilityManifest) Clone() *CapabilityManifest {
	c := *m
	c.Permissions = slices.Clone(m.Permissions)
	c.Effects = slices.Clone(m.Effects)
	c.Metadata = maps.Clone(m.Metadata)
	c.InputSchema = maps.Clone(m.InputSchema)
	c.OutputSchema = maps.Clone(m.OutputSchema)
	if m.Attestation != nil {
		a := *m.Attestation
		a.Metadata = maps.Clone(m.Attestation.Metadata)
		c.Attestation = &a
	}
	if m.Provenance != nil {
		p := *m.Provenance
		p.CustodyChain = slices.Clone(m.Provenance.CustodyChain)
		c.Provenance = &p
	}
	if m.RateLimit != nil {
		r := *m.RateLimit
		c.RateLimit = &r
	}
	return &c
}

// ComputeContentHash is the hex SHA-256 of content.
func ComputeContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newProvenance(source, version, content string, now time.Time) *CapabilityProvenance {
	return &CapabilityProvenance{
		Source:       source,
		Version:      version,
		ContentHash:  ComputeContentHash(content),
		CustodyChain: []string{source},
		RegisteredAt: now.UTC(),
	}
}
