package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/config"
	"github.com/Mindburn-Labs/ccos/pkg/marketplace"
)

// TestLoad_Defaults verifies that Load() boots with an in-memory ledger and
// the mock MicroVM when nothing is set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"CCOS_LOG_LEVEL", "CCOS_LEDGER_DRIVER", "CCOS_LEDGER_DSN", "CCOS_MICROVM_PROVIDER",
		"CCOS_SIGNING_SECRET", "CCOS_REDIS_ADDR", "CCOS_OTEL_ENABLED",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, "memory", cfg.LedgerDriver)
	assert.Empty(t, cfg.LedgerDSN)
	assert.Equal(t, "mock", cfg.MicroVMProvider)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CCOS_LOG_LEVEL", "debug")
	t.Setenv("CCOS_LEDGER_DRIVER", "sqlite")
	t.Setenv("CCOS_LEDGER_DSN", "")
	t.Setenv("CCOS_MICROVM_PROVIDER", "wasm")
	t.Setenv("CCOS_REDIS_ADDR", "localhost:6379")
	t.Setenv("CCOS_OTEL_ENABLED", "true")
	t.Setenv("CCOS_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("CCOS_EXPORT_S3_BUCKET", "audit")

	cfg := config.Load()

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "sqlite", cfg.LedgerDriver)
	assert.Equal(t, "ccos-ledger.db", cfg.LedgerDSN)
	assert.Equal(t, "wasm", cfg.MicroVMProvider)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "audit", cfg.ExportS3Bucket)
}

const policyYAML = `
allowed_capabilities: ["ccos.*"]
denied_capabilities: ["ccos.network.*"]
namespace_policies:
  ccos.io:
    allowed_patterns: ["ccos.io.log"]
    denied_patterns: []
time_constraints:
  allowed_hours: [9, 10, 11]
  timezone: UTC
`

const policyTOML = `
allowed_capabilities = ["ccos.*"]
denied_capabilities = ["ccos.network.*"]
conditions = ["namespace != 'ccos.admin'"]

[resource_constraints.core_limits]
max_memory_mb = 256

[namespace_policies."ccos.io"]
allowed_patterns = ["ccos.io.log"]
denied_patterns = []
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicyFile_YAML(t *testing.T) {
	p, err := config.LoadPolicyFile(writeFile(t, "policy.yaml", policyYAML))
	require.NoError(t, err)

	assert.True(t, p.IsAllowed("ccos.echo"))
	assert.False(t, p.IsAllowed("ccos.network.http-fetch"))
	assert.True(t, p.CheckNamespaceAccess("ccos.io.log"))
	assert.False(t, p.CheckNamespaceAccess("ccos.io.write-file"))
	assert.True(t, p.CheckTimeConstraints(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	assert.False(t, p.CheckTimeConstraints(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))
}

func TestLoadPolicyFile_TOML(t *testing.T) {
	p, err := config.LoadPolicyFile(writeFile(t, "policy.toml", policyTOML))
	require.NoError(t, err)

	assert.False(t, p.IsAllowed("ccos.network.http-fetch"))
	assert.Equal(t, []string{"namespace != 'ccos.admin'"}, p.Conditions)
	require.NotNil(t, p.ResourceConstraints)
	require.NotNil(t, p.ResourceConstraints.CoreLimits.MaxMemoryMB)
	assert.Equal(t, uint64(256), *p.ResourceConstraints.CoreLimits.MaxMemoryMB)
	assert.Contains(t, p.NamespacePolicies, "ccos.io")
}

func TestLoadPolicyFile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed glob", "allowed_capabilities: [\"ccos.[io.*\"]\n"},
		{"bad timezone", "time_constraints:\n  timezone: Mars/Olympus\n"},
		{"hour out of range", "time_constraints:\n  allowed_hours: [24]\n"},
		{"namespace glob", "namespace_policies:\n  ccos.io:\n    denied_patterns: [\"[\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadPolicyFile(writeFile(t, "policy.yaml", tt.body))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadCatalogFile(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
capabilities:
  - id: weather.forecast
    name: Forecast
    version: 1.0.0
    provider:
      http:
        base_url: https://weather.example
`)
	ms, err := config.LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, marketplace.ProviderHTTP, ms[0].Provider.Resolved())
}
