package chainstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

func testSigner(t *testing.T) causalchain.Signer {
	t.Helper()
	s, err := causalchain.NewKeyedHashSigner([]byte("store-test"), nil)
	require.NoError(t, err)
	return s
}

func populate(t *testing.T, store causalchain.Store) *causalchain.CausalChain {
	t.Helper()
	ctx := context.Background()
	c := causalchain.New(testSigner(t)).WithStore(store).WithSession("sess-1")
	require.NoError(t, c.LogPlanStarted(ctx, "plan-1", "intent-1"))
	call, err := c.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.echo", "ccos.echo", []any{"hello", int64(3), runtime.Keyword("k")})
	require.NoError(t, err)
	require.NoError(t, c.RecordResult(ctx, call, causalchain.ExecutionResult{Success: true, Value: map[string]any{"echo": "hello"}}))
	require.NoError(t, c.LogPlanCompleted(ctx, "plan-1", "intent-1"))
	return c
}

func TestSQLStore_AppendPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	a := causalchain.NewAction(causalchain.ActionPlanStarted, "plan-1", "intent-1", time.UnixMilli(1000))

	mock.ExpectExec(`INSERT INTO causal_actions .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$11\)`).
		WithArgs(int64(1), a.ActionID, "PlanStarted", "plan-1", "intent-1", "", "", "", int64(1000), sqlmock.AnyArg(), "abc").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Append(context.Background(), causalchain.StoredAction{Sequence: 1, Action: a, ChainHash: "abc"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadDecodesActions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := causalchain.NewAction(causalchain.ActionCapabilityCall, "plan-1", "intent-1", time.UnixMilli(2000)).
		WithName("ccos.echo").WithArgs(int64(7)).WithSession("sess-1")
	data, err := json.Marshal(a)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT sequence, data, chain_hash FROM causal_actions WHERE session_id = \?`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "data", "chain_hash"}).AddRow(int64(1), string(data), "h1"))

	recs, err := NewSQLStore(db, DialectSQLite).LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, "h1", recs[0].ChainHash)
	assert.Equal(t, []any{int64(7)}, recs[0].Action.Arguments)
	assert.Equal(t, causalchain.ActionHash(a), causalchain.ActionHash(recs[0].Action))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertFailureSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO causal_actions").WillReturnError(assert.AnError)
	a := causalchain.NewAction(causalchain.ActionPlanStarted, "p", "i", time.Now())
	err = NewSQLStore(db, DialectSQLite).Append(context.Background(), causalchain.StoredAction{Sequence: 1, Action: a})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	original := populate(t, store)

	restored := causalchain.New(testSigner(t)).WithStore(store)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, original.ChainHead(), restored.ChainHead())

	session, err := store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, session, 2)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := OpenFile(path)
	require.NoError(t, err)

	original := populate(t, store)
	require.NoError(t, store.Close())
	assert.Error(t, store.Append(ctx, causalchain.StoredAction{Action: causalchain.NewAction(causalchain.ActionPlanStarted, "", "", time.Now())}))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	restored := causalchain.New(testSigner(t)).WithStore(reopened)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, original.ChainHead(), restored.ChainHead())
	ok, err := restored.VerifySignatures()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreRestoresInvalidUTF8Identifiers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	store, err := OpenFile(path)
	require.NoError(t, err)

	original := causalchain.New(testSigner(t)).WithStore(store)
	call, err := original.LogCapabilityCall(ctx, "plan-\xff", "intent-\xfe", "ccos.echo", "echo-\xff", []any{"arg-\xff"})
	require.NoError(t, err)
	assert.Equal(t, "plan-\uFFFD", call.PlanID)
	require.NoError(t, original.RecordResult(ctx, call, causalchain.ExecutionResult{
		Success:  true,
		Value:    "ok",
		Metadata: map[string]any{"note-\xff": "v"},
	}))
	require.NoError(t, store.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	restored := causalchain.New(testSigner(t)).WithStore(reopened)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, original.ChainHead(), restored.ChainHead())
	assert.Len(t, restored.GetActionsForPlan("plan-\uFFFD"), 2)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &causalchain.MemoryStore{}, s)

	s, err = Open(ctx, "sqlite", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "oracle", "")
	assert.Error(t, err)
}
