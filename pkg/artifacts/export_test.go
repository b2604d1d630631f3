package artifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
)

func recordedChain(t *testing.T) (*causalchain.CausalChain, causalchain.Signer) {
	t.Helper()
	signer, err := causalchain.NewKeyedHashSigner([]byte("export-test"), nil)
	require.NoError(t, err)
	chain := causalchain.New(signer)

	ctx := context.Background()
	call, err := chain.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.echo", "ccos.echo", []any{"hi"})
	require.NoError(t, err)
	require.NoError(t, chain.RecordResult(ctx, call, causalchain.ExecutionResult{Success: true, Value: "hi"}))
	return chain, signer
}

func TestExportRoundTrip(t *testing.T) {
	chain, signer := recordedChain(t)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	exp := NewExporter(store, signer, "ccos-test").WithClock(func() time.Time { return now })

	ctx := context.Background()
	hash, err := exp.Export(ctx, "plan:plan-1", chain.ExportPlanActions("plan-1"), chain.ChainHead())
	require.NoError(t, err)

	env, actions, err := exp.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, TypeChainExport, env.Type)
	assert.Equal(t, "plan:plan-1", env.Scope)
	assert.Equal(t, "ccos-test", env.ProducerID)
	assert.Equal(t, now, env.CreatedAt)
	assert.Equal(t, chain.ChainHead(), env.ChainHead)
	assert.Equal(t, 2, env.ActionCount)
	require.Len(t, actions, 2)
	assert.Equal(t, causalchain.ActionCapabilityCall, actions[0].Type)
	assert.Equal(t, causalchain.ActionCapabilityResult, actions[1].Type)

	ok, reasons, err := exp.Verify(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok, reasons)
}

func TestExportVerifyDetectsTampering(t *testing.T) {
	chain, signer := recordedChain(t)
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	exp := NewExporter(store, signer, "ccos-test")

	ctx := context.Background()
	hash, err := exp.Export(ctx, "all", chain.ExportAllActions(), chain.ChainHead())
	require.NoError(t, err)

	var env ExportEnvelope
	path := filepath.Join(dir, strings.TrimPrefix(hash, "sha256:")+".blob")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Payload = json.RawMessage(strings.Replace(string(env.Payload), `"hi"`, `"bye"`, 1))
	forged, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, forged, 0o600))

	ok, reasons, err := exp.Verify(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reasons, "stored bytes do not match content hash")
	assert.Contains(t, reasons, "payload hash mismatch")
	assert.Contains(t, reasons, "envelope signature invalid")
}

func TestExportWrongSigner(t *testing.T) {
	chain, signer := recordedChain(t)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	hash, err := NewExporter(store, signer, "a").Export(ctx, "all", chain.ExportAllActions(), chain.ChainHead())
	require.NoError(t, err)

	other, err := causalchain.NewKeyedHashSigner([]byte("someone-else"), nil)
	require.NoError(t, err)
	ok, reasons, err := NewExporter(store, other, "b").Verify(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reasons, "envelope signature invalid")

	_, err = NewExporter(store, nil, "c").Export(ctx, "all", nil, "")
	assert.ErrorIs(t, err, ErrSignerNotConfigured)
}
