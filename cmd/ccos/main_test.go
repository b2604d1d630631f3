package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points the binary at a file ledger and file export store under
// a temp dir and returns the ledger path.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.jsonl")
	t.Setenv("CCOS_LOG_LEVEL", "ERROR")
	t.Setenv("CCOS_LEDGER_DRIVER", "file")
	t.Setenv("CCOS_LEDGER_DSN", ledger)
	t.Setenv("CCOS_SIGNING_SECRET", "test-secret")
	t.Setenv("CCOS_MICROVM_PROVIDER", "mock")
	t.Setenv("CCOS_EXPORT_DIR", filepath.Join(dir, "exports"))
	for _, k := range []string{
		"CCOS_REDIS_ADDR", "CCOS_OTEL_ENABLED", "CCOS_POLICY_FILE", "CCOS_CATALOG_FILE",
		"CCOS_EXPORT_S3_BUCKET", "CCOS_EXPORT_GCS_BUCKET",
	} {
		t.Setenv(k, "")
	}
	return ledger
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"ccos"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "COMMANDS")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestExecVerifyExport(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run("exec", "--id", "ccos.echo", "--args", `["needle-value"]`, "--plan", "plan-1")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "\"needle-value\"\n", stdout)

	code, stdout, stderr = run("exec", "--id", "ccos.math.add", "--args", "[1, 2]", "--plan", "plan-2")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "3\n", stdout)

	code, stdout, stderr = run("verify")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "PASSED")
	assert.Contains(t, stdout, "Actions: 4")

	code, stdout, _ = run("verify", "--json")
	require.Equal(t, 0, code)
	var summary struct {
		Valid bool `json:"valid"`
		Count int  `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.True(t, summary.Valid)
	assert.Equal(t, 4, summary.Count)

	code, stdout, stderr = run("export", "--plan", "plan-1")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Exported 2 actions (plan:plan-1)", lines[0])
	hash := lines[1]
	assert.True(t, strings.HasPrefix(hash, "sha256:"), hash)

	code, stdout, stderr = run("export", "--verify", hash)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "PASSED")
}

func TestExecUnknownCapabilityIsLedgered(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run("exec", "--id", "nowhere.to.be.found")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)

	code, stdout, _ := run("verify")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Actions: 2")
}

func TestExecRejectsBadArgs(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run("exec")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--id is required")

	code, _, stderr = run("exec", "--id", "ccos.echo", "--args", `{"a":1}`)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "JSON array")
}

func TestVerifyDetectsTamperedLedger(t *testing.T) {
	ledger := setupEnv(t)

	code, _, stderr := run("exec", "--id", "ccos.echo", "--args", `["needle-value"]`)
	require.Equal(t, 0, code, stderr)

	raw, err := os.ReadFile(ledger)
	require.NoError(t, err)
	forged := strings.Replace(string(raw), "needle-value", "forged-value", 1)
	require.NotEqual(t, string(raw), forged)
	require.NoError(t, os.WriteFile(ledger, []byte(forged), 0o600))

	code, _, stderr = run("verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "chain hash")
}

func TestDurableLedgerRequiresSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("CCOS_SIGNING_SECRET", "")

	code, _, stderr := run("verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "CCOS_SIGNING_SECRET")
}

func TestCapabilitiesListing(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run("capabilities", "--json", "--namespace", "ccos")
	require.Equal(t, 0, code, stderr)
	var out struct {
		Capabilities []struct {
			ID string `json:"id"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	var ids []string
	for _, c := range out.Capabilities {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "ccos.echo")
	assert.NotContains(t, ids, "ccos.math.add")

	code, stdout, _ = run("capabilities")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "ccos.math.add")
}

func TestHealth(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run("health")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "ledger     OK")
	assert.Contains(t, stdout, "provider=mock")
	assert.Contains(t, stdout, "export     OK")
}
