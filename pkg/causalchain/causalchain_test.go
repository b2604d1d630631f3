package causalchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

func newTestChain(t *testing.T) *CausalChain {
	t.Helper()
	s, err := NewKeyedHashSigner([]byte("test-secret"), []byte("salt"))
	require.NoError(t, err)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return New(s).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})
}

func TestEchoCallIsRecorded(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)

	call, err := c.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.echo", "ccos.echo", []any{"hello"})
	require.NoError(t, err)

	assert.Equal(t, 1, c.GetActionCount())
	got, ok := c.GetAction(call.ActionID)
	require.True(t, ok)
	assert.Equal(t, ActionCapabilityCall, got.Type)
	assert.Equal(t, "ccos.echo", got.FunctionName)
	assert.Equal(t, []any{"hello"}, got.Arguments)
	assert.NotEmpty(t, got.Signature())
	assert.True(t, VerifyActionSignature(c.Signer(), got))

	plan := c.GetActionsForPlan("plan-1")
	require.Len(t, plan, 1)
	assert.Equal(t, call.ActionID, plan[0].ActionID)
	assert.Len(t, c.GetActionsForCapability("ccos.echo"), 1)

	ok, err = c.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordResultAppendsChild(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)

	call, err := c.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.math.add", "add", []any{int64(1), int64(2)})
	require.NoError(t, err)
	require.NoError(t, c.RecordResult(ctx, call, ExecutionResult{
		Success:  true,
		Value:    int64(3),
		Metadata: map[string]any{"cost": 0.5},
	}))

	assert.Equal(t, 2, c.GetActionCount())
	children := c.GetChildren(call.ActionID)
	require.Len(t, children, 1)
	res := children[0]
	assert.Equal(t, ActionCapabilityResult, res.Type)
	assert.Equal(t, "add", res.FunctionName)
	assert.Equal(t, "ccos.math.add", res.CapabilityID())
	require.NotNil(t, res.Result)
	assert.Equal(t, int64(3), res.Result.Value)
	require.NotNil(t, res.Cost)
	assert.InDelta(t, 0.5, *res.Cost, 1e-9)

	parent, ok := c.GetParent(res.ActionID)
	require.True(t, ok)
	assert.Equal(t, call.ActionID, parent.ActionID)

	m, ok := c.GetCapabilityMetrics("ccos.math.add")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.TotalCalls)
	assert.Equal(t, uint64(1), m.SuccessfulCalls)
	assert.InDelta(t, 1.0, m.ReliabilityScore, 1e-9)
	assert.InDelta(t, 0.5, c.GetTotalCost(), 1e-9)
	assert.InDelta(t, 0.5, c.GetCostForPlan("plan-1"), 1e-9)
}

func TestFailedResultLowersReliability(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)

	for i, ok := range []bool{true, false, false, true} {
		call, err := c.LogCapabilityCall(ctx, "p", "i", "cap.flaky", "cap.flaky", []any{int64(i)})
		require.NoError(t, err)
		res := ExecutionResult{Success: ok}
		if !ok {
			res.Error = "boom"
		}
		require.NoError(t, c.RecordResult(ctx, call, res))
	}
	m, ok := c.GetCapabilityMetrics("cap.flaky")
	require.True(t, ok)
	assert.Equal(t, uint64(4), m.TotalCalls)
	assert.Equal(t, uint64(2), m.FailedCalls)
	assert.InDelta(t, 0.5, m.ReliabilityScore, 1e-9)
}

func TestRecordResultOnNonCallAttachesResult(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)

	a, err := c.CreateAction(Intent{IntentID: "intent-9", Goal: "summarize"}, map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.GetActionCount())
	assert.Equal(t, "execute_intent", a.FunctionName)
	entries := a.Metadata.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)

	prov, ok := c.GetProvenance(a.ActionID)
	require.True(t, ok)
	assert.Equal(t, "summarize", prov.Goal)
	require.NoError(t, c.AnnotateProvenance(a.ActionID, []string{"db"}, []string{"no-pii"}))
	prov, _ = c.GetProvenance(a.ActionID)
	assert.Equal(t, []string{"db"}, prov.DataSources)
	assert.ErrorIs(t, c.AnnotateProvenance("missing", nil, nil), ErrActionNotFound)

	require.NoError(t, c.RecordResult(ctx, a, ExecutionResult{Success: true, Value: "done"}))
	got, ok := c.GetAction(a.ActionID)
	require.True(t, ok)
	assert.True(t, got.Succeeded())
	assert.Equal(t, "done", got.Result.Value)
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)

	require.NoError(t, c.LogPlanStarted(ctx, "plan-1", "intent-1"))
	_, err := c.LogPlanStepStarted(ctx, "plan-1", "intent-1", "step-a")
	require.NoError(t, err)
	_, err = c.LogPlanStepFailed(ctx, "plan-1", "intent-1", "step-a", "timeout")
	require.NoError(t, err)
	_, err = c.LogPlanStepRetrying(ctx, "plan-1", "intent-1", "step-a", 2, "timeout")
	require.NoError(t, err)
	_, err = c.LogPlanStepCompleted(ctx, "plan-1", "intent-1", "step-a", int64(42))
	require.NoError(t, err)
	require.NoError(t, c.LogPlanCompleted(ctx, "plan-1", "intent-1"))

	_, err = c.LogPlanStep(ctx, ActionPlanStarted, "plan-1", "intent-1", "x", nil)
	assert.True(t, runtime.IsKind(err, runtime.KindInvalidArgument))

	_, err = c.LogIntentCreated(ctx, "plan-1", "intent-1", "goal", "user")
	require.NoError(t, err)
	_, err = c.LogIntentStatusChange(ctx, "plan-1", "intent-1", "Active", "Completed", "done", "")
	require.NoError(t, err)
	_, err = c.LogCapabilityLifecycle(ctx, ActionCapabilityRegistered, "ccos.echo", map[string]any{"version": "1.0.0"})
	require.NoError(t, err)

	counts := c.ActionTypeCounts()
	assert.Equal(t, uint64(1), counts[ActionPlanStarted])
	assert.Equal(t, uint64(1), counts[ActionPlanStepRetrying])
	assert.Equal(t, uint64(1), counts[ActionCapabilityRegistered])
	assert.Len(t, c.GetActionsForPlan("plan-1"), 8)
	assert.Len(t, c.GetActionsForCapability("ccos.echo"), 1)

	ok, err := c.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.VerifySignatures()
	require.NoError(t, err)
	assert.True(t, ok)

	logs := c.RecentLogs(3)
	require.Len(t, logs, 3)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(logs[2]), &line))
	assert.Equal(t, "capability_lifecycle", line["event"])
}

func TestLogBufferIsBounded(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t).WithLogCapacity(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.LogPlanStarted(ctx, fmt.Sprintf("plan-%d", i), "intent"))
	}
	logs := c.RecentLogs(10)
	require.Len(t, logs, 2)
	assert.Contains(t, logs[1], "plan-4")
	assert.Equal(t, 5, c.GetActionCount())
}

func TestConcurrentCallsAreAllRecorded(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	const k = 64

	var wg sync.WaitGroup
	ids := make(chan string, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := c.LogCapabilityCall(ctx, "plan-c", "intent-c", "ccos.echo", "ccos.echo", []any{int64(i)})
			assert.NoError(t, err)
			ids <- a.ActionID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, k)
	assert.Equal(t, k, c.GetActionCount())
	ok, err := c.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTamperingIsDetected(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	for i := 0; i < 3; i++ {
		_, err := c.LogCapabilityCall(ctx, "plan", "intent", "cap", "cap", []any{int64(i)})
		require.NoError(t, err)
	}
	c.ledger.actions[1].Arguments[0] = int64(99)

	ok, err := c.VerifyIntegrity()
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, runtime.IsKind(err, runtime.KindIntegrity))
	assert.Contains(t, err.Error(), "1")
}

func TestReturnedActionsAreCopies(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	a, err := c.LogCapabilityCall(ctx, "plan", "intent", "cap", "cap", []any{"x"})
	require.NoError(t, err)
	a.Arguments[0] = "mutated"
	for _, got := range c.GetAllActions() {
		got.FunctionName = "mutated"
	}
	ok, err := c.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSinksSeeEveryAppend(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	var mu sync.Mutex
	var seen []ActionType
	c.RegisterSink(SinkFunc(func(a *Action) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a.Type)
	}))

	call, err := c.LogCapabilityCall(ctx, "p", "i", "cap", "cap", nil)
	require.NoError(t, err)
	require.NoError(t, c.RecordResult(ctx, call, ExecutionResult{Success: true}))
	assert.Equal(t, []ActionType{ActionCapabilityCall, ActionCapabilityResult}, seen)
}

func TestQueryAndExport(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t).WithSession("sess-1")
	require.NoError(t, c.LogPlanStarted(ctx, "plan-a", "intent-a"))
	_, err := c.LogCapabilityCall(ctx, "plan-a", "intent-a", "ccos.io.log", "ccos.io.log", []any{"hi"})
	require.NoError(t, err)
	_, err = c.LogCapabilityCall(ctx, "plan-b", "intent-b", "ccos.data.parse-json", "ccos.data.parse-json", []any{"{}"})
	require.NoError(t, err)

	got := c.QueryActions(CausalQuery{Type: ActionCapabilityCall, FunctionPrefix: "ccos.io."})
	require.Len(t, got, 1)
	assert.Equal(t, "plan-a", got[0].PlanID)

	assert.Len(t, c.QueryActions(CausalQuery{MaxResults: 2}), 2)
	assert.Len(t, c.GetActionsForSession("sess-1"), 2)

	all := c.ExportAllActions()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Timestamp, all[i].Timestamp)
	}
	first := all[0].Timestamp
	assert.Len(t, c.GetActionsInRange(first, first), 1)
	assert.Len(t, c.ExportPlanActions("plan-a"), 2)
	assert.Len(t, c.ExportIntentActions("intent-b"), 1)

	summary, err := c.VerifyAndSummarize()
	require.NoError(t, err)
	assert.True(t, summary.Valid)
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, c.ChainHead(), summary.ChainHead)
	assert.Contains(t, c.SummarizeRecent(1), "plan=plan-b")
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, err := NewEd25519SignerFromSeed(make([]byte, 32), "k1")
	require.NoError(t, err)

	c := New(s).WithStore(store)
	call, err := c.LogCapabilityCall(ctx, "plan", "intent", "cap", "cap", []any{int64(1), runtime.Keyword("fast"), map[string]any{"n": 2}})
	require.NoError(t, err)
	require.NoError(t, c.RecordResult(ctx, call, ExecutionResult{Success: true, Value: []any{1, 2}}))
	head := c.ChainHead()

	restored := New(s).WithStore(store)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, head, restored.ChainHead())
	ok, err := restored.VerifySignatures()
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = restored.Restore(ctx)
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestRestoreRejectsTamperedStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestChain(t).WithStore(store)
	for i := 0; i < 3; i++ {
		_, err := c.LogCapabilityCall(ctx, "plan", "intent", "cap", "cap", []any{int64(i)})
		require.NoError(t, err)
	}
	store.records[2].Action.FunctionName = "forged"

	_, err := newTestChain(t).WithStore(store).Restore(ctx)
	require.Error(t, err)
	assert.True(t, runtime.IsKind(err, runtime.KindIntegrity))
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, StoredAction) error { return errors.New("disk full") }

func TestStoreFailureDoesNotAppend(t *testing.T) {
	c := newTestChain(t).WithStore(&failingStore{})
	_, err := c.LogCapabilityCall(context.Background(), "p", "i", "cap", "cap", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, c.GetActionCount())
}

func TestActionJSONRoundTripKeepsHash(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	a, err := c.LogCapabilityCall(ctx, "p", "i", "cap", "cap", []any{int64(7), "s", nil, true, map[string]any{"k": []any{1.5}}})
	require.NoError(t, err)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var back Action
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ActionHash(a), ActionHash(&back))
}

func TestSigners(t *testing.T) {
	keyed, err := NewKeyedHashSigner([]byte("secret"), nil)
	require.NoError(t, err)
	ed, err := NewEd25519Signer("k")
	require.NoError(t, err)
	_, err = NewKeyedHashSigner(nil, nil)
	assert.Error(t, err)

	for _, s := range []Signer{keyed, ed} {
		sig, err := s.Sign([]byte("payload"))
		require.NoError(t, err)
		assert.True(t, s.Verify([]byte("payload"), sig), s.Algorithm())
		assert.False(t, s.Verify([]byte("other"), sig), s.Algorithm())
	}
	assert.Len(t, ed.PublicKey(), 64)
}

func TestIntegrityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	build := func(names []string) *CausalChain {
		ctx := context.Background()
		c := newTestChain(t).WithSession("sess")
		_ = c.LogPlanStarted(ctx, "plan", "intent")
		for i, n := range names {
			call, _ := c.LogCapabilityCall(ctx, "plan", "intent", n, n, []any{int64(i), n})
			_ = c.RecordResult(ctx, call, ExecutionResult{Success: true, Value: n, Metadata: map[string]any{"cost": float64(i) + 0.5}})
		}
		_ = c.LogPlanAborted(ctx, "plan", "intent")
		return c
	}

	tamper := []func(a *Action){
		func(a *Action) { a.FunctionName += "x" },
		func(a *Action) {
			if a.Type == ActionPlanCompleted {
				a.Type = ActionPlanAborted
			} else {
				a.Type = ActionPlanCompleted
			}
		},
		func(a *Action) {
			if a.Cost == nil {
				a.WithCost(1e9)
			} else {
				*a.Cost += 1
			}
		},
		func(a *Action) {
			if a.DurationMS == nil {
				a.WithDuration(time.Second)
			} else {
				*a.DurationMS += 1
			}
		},
		func(a *Action) { a.ParentActionID += "x" },
		func(a *Action) { a.SessionID += "x" },
		func(a *Action) { a.PlanID += "x" },
		func(a *Action) { a.IntentID += "x" },
		func(a *Action) { a.Arguments = append(a.Arguments, "extra") },
		func(a *Action) { a.Timestamp++ },
	}

	properties.Property("an untouched ledger always verifies", prop.ForAll(
		func(names []string) bool {
			ok, err := build(names).VerifyIntegrity()
			return ok && err == nil
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("changing any one field of any action breaks verification", prop.ForAll(
		func(names []string, pick, field int) bool {
			c := build(names)
			i := pick % len(c.ledger.actions)
			tamper[field%len(tamper)](c.ledger.actions[i])
			ok, err := c.VerifyIntegrity()
			return !ok && runtime.IsKind(err, runtime.KindIntegrity)
		},
		gen.SliceOf(gen.Identifier()),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestPlanOutcomeAndCostAreTamperEvident(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	require.NoError(t, c.LogPlanStarted(ctx, "plan-1", "intent-1"))
	require.NoError(t, c.LogPlanAborted(ctx, "plan-1", "intent-1"))
	_, err := c.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.echo", "ccos.echo", []any{"hi"})
	require.NoError(t, err)

	aborted, _ := c.GetActionByIndex(1)
	assert.Equal(t, "PlanAborted", aborted.Metadata.GetString(MetaActionType))
	_, hasCost := aborted.Metadata.Get(MetaCost)
	assert.False(t, hasCost)

	ok, err := c.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, ok)

	c.ledger.actions[1].Type = ActionPlanCompleted
	ok, err = c.VerifyIntegrity()
	assert.False(t, ok)
	assert.True(t, runtime.IsKind(err, runtime.KindIntegrity))
	c.ledger.actions[1].Type = ActionPlanAborted

	c.ledger.actions[2].WithCost(1e9)
	ok, err = c.VerifyIntegrity()
	assert.False(t, ok)
	assert.True(t, runtime.IsKind(err, runtime.KindIntegrity))
}

func TestRecordedFieldsCannotBeRewrittenInMetadata(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t)
	call, err := c.LogCapabilityCall(ctx, "plan-1", "intent-1", "ccos.echo", "ccos.echo", nil)
	require.NoError(t, err)
	require.NoError(t, c.RecordResult(ctx, call, ExecutionResult{Success: true, Metadata: map[string]any{"cost": 2.5}}))

	res, _ := c.GetActionByIndex(1)
	assert.Equal(t, "2.5", res.Metadata.GetString(MetaCost))
	assert.Equal(t, call.ActionID, res.Metadata.GetString(MetaParentActionID))

	c.ledger.actions[1].Metadata.Set(MetaCost, "0")
	ok, err := c.VerifyIntegrity()
	assert.False(t, ok)
	assert.True(t, runtime.IsKind(err, runtime.KindIntegrity))
}
