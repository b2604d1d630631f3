package causalchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

var (
	ErrActionNotFound = errors.New("action not found")
	ErrNotEmpty       = errors.New("ledger already has actions")
)

const defaultLogCapacity = 256

// LifecycleScope is the plan and intent id of catalog lifecycle actions.
const LifecycleScope = "capability_marketplace"

// CausalChain is the single writer of the ledger. All mutation goes through
// the log/record methods, serialized by one mutex.
type CausalChain struct {
	mu         sync.Mutex
	ledger     *ImmutableLedger
	signer     Signer
	provenance *provenanceTracker
	metrics    *performanceMetrics
	sinks      []ActionSink
	logs       *logBuffer
	store      Store
	sessionID  string
	clock      func() time.Time
	logger     *slog.Logger
}

// New creates an in-memory chain that signs with signer.
func New(signer Signer) *CausalChain {
	return &CausalChain{
		ledger:     NewImmutableLedger(),
		signer:     signer,
		provenance: newProvenanceTracker(),
		metrics:    newPerformanceMetrics(),
		logs:       newLogBuffer(defaultLogCapacity),
		clock:      time.Now,
		logger:     slog.Default().With("component", "causal_chain"),
	}
}

// NewDefault creates a chain with a random keyed-hash signer.
func NewDefault() (*CausalChain, error) {
	s, err := NewRandomKeyedHashSigner()
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// WithClock overrides clock for testing.
func (c *CausalChain) WithClock(clock func() time.Time) *CausalChain {
	c.clock = clock
	return c
}

// WithStore writes every append through to s.
func (c *CausalChain) WithStore(s Store) *CausalChain {
	c.store = s
	return c
}

// WithSession tags subsequent capability calls with sessionID.
func (c *CausalChain) WithSession(sessionID string) *CausalChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	return c
}

// WithLogCapacity resizes the recent-log buffer.
func (c *CausalChain) WithLogCapacity(n int) *CausalChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = newLogBuffer(n)
	return c
}

// RegisterSink adds a sink notified after every append.
func (c *CausalChain) RegisterSink(s ActionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Signer returns the action signer.
func (c *CausalChain) Signer() Signer { return c.signer }

// commit signs, hashes, persists and indexes a. The caller's value is not
// retained; the stored copy is returned.
func (c *CausalChain) commit(ctx context.Context, in *Action, event string) (*Action, error) {
	a := in.Clone()
	normalizeAction(a)
	recordFieldMetadata(a)

	c.mu.Lock()
	sig, err := signAction(c.signer, a)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	a.Metadata.Set(MetaSignature, sig)
	chainHash := c.ledger.nextChainHash(a)

	if c.store != nil {
		rec := StoredAction{Sequence: uint64(c.ledger.Len() + 1), Action: a, ChainHash: chainHash}
		if err := c.store.Append(ctx, rec); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("persist action %s: %w", a.ActionID, err)
		}
	}
	c.ledger.append(a, chainHash)
	c.metrics.record(a)
	c.logs.push(a, event)
	sinks := slices.Clone(c.sinks)
	out := a.Clone()
	c.mu.Unlock()

	for _, s := range sinks {
		s.OnActionAppended(out.Clone())
	}
	return out, nil
}

// CreateAction builds an InternalStep action for intent under a fresh plan
// id and tracks its provenance. It is not appended.
func (c *CausalChain) CreateAction(intent Intent, audit map[string]any) (*Action, error) {
	if intent.IntentID == "" {
		return nil, runtime.NewError(runtime.KindInvalidArgument, "", "intent has no id")
	}
	a := NewAction(ActionInternalStep, "plan-"+uuid.NewString(), intent.IntentID, c.clock()).
		WithName("execute_intent").
		WithArgs(intent.Goal)
	for _, k := range sortedKeys(audit) {
		a.Metadata.Set(k, audit[k])
	}

	c.mu.Lock()
	c.provenance.track(a, &intent, c.clock())
	c.mu.Unlock()
	return a, nil
}

// RecordResult appends the outcome of action. A CapabilityCall gets a
// separate CapabilityResult child; any other action is appended with the
// result attached.
func (c *CausalChain) RecordResult(ctx context.Context, action *Action, result ExecutionResult) error {
	var rec *Action
	event := "action_result_recorded"
	if action.Type == ActionCapabilityCall {
		name := action.FunctionName
		if name == "" {
			name = "<unknown>"
		}
		rec = NewAction(ActionCapabilityResult, action.PlanID, action.IntentID, c.clock()).
			WithParent(action.ActionID).
			WithName(name).
			WithSession(action.SessionID).
			WithResult(result)
		if capID := action.Metadata.GetString(MetaCapabilityID); capID != "" {
			rec.Metadata.Set(MetaCapabilityID, capID)
		}
		if ms, ok := elapsedMS(action.Timestamp, rec.Timestamp); ok {
			rec.DurationMS = &ms
		}
		event = "capability_result_recorded"
	} else {
		rec = action.Clone().WithResult(result)
	}
	if rec.Cost == nil {
		if cost, ok := result.Metadata["cost"]; ok {
			if f, isNum := toFloat(cost); isNum {
				rec.WithCost(f)
			}
		}
	}
	for _, k := range sortedKeys(result.Metadata) {
		rec.Metadata.Set(k, result.Metadata[k])
	}

	_, err := c.commit(ctx, rec, event)
	return err
}

func elapsedMS(from, to int64) (uint64, bool) {
	if to < from {
		return 0, false
	}
	return uint64(to - from), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Append records a caller-built action as is (after signing).
func (c *CausalChain) Append(ctx context.Context, a *Action) (string, error) {
	out, err := c.commit(ctx, a, "action_appended")
	if err != nil {
		return "", err
	}
	return out.ActionID, nil
}

// LogPlanEvent appends a zero-argument lifecycle action.
func (c *CausalChain) LogPlanEvent(ctx context.Context, planID, intentID string, t ActionType) (*Action, error) {
	return c.commit(ctx, NewAction(t, planID, intentID, c.clock()), "plan_event")
}

func (c *CausalChain) LogPlanStarted(ctx context.Context, planID, intentID string) error {
	_, err := c.LogPlanEvent(ctx, planID, intentID, ActionPlanStarted)
	return err
}

func (c *CausalChain) LogPlanCompleted(ctx context.Context, planID, intentID string) error {
	_, err := c.LogPlanEvent(ctx, planID, intentID, ActionPlanCompleted)
	return err
}

func (c *CausalChain) LogPlanAborted(ctx context.Context, planID, intentID string) error {
	_, err := c.LogPlanEvent(ctx, planID, intentID, ActionPlanAborted)
	return err
}

func (c *CausalChain) LogPlanPaused(ctx context.Context, planID, intentID string) error {
	_, err := c.LogPlanEvent(ctx, planID, intentID, ActionPlanPaused)
	return err
}

func (c *CausalChain) LogPlanResumed(ctx context.Context, planID, intentID string) error {
	_, err := c.LogPlanEvent(ctx, planID, intentID, ActionPlanResumed)
	return err
}

// LogPlanStep appends a step lifecycle action carrying stepID and meta.
func (c *CausalChain) LogPlanStep(ctx context.Context, t ActionType, planID, intentID, stepID string, meta map[string]any) (*Action, error) {
	switch t {
	case ActionPlanStepStarted, ActionPlanStepCompleted, ActionPlanStepFailed, ActionPlanStepRetrying:
	default:
		return nil, runtime.NewError(runtime.KindInvalidArgument, "", "%s is not a plan step action", t)
	}
	a := NewAction(t, planID, intentID, c.clock()).WithName("plan_step").WithArgs(stepID)
	a.Metadata.Set("step_id", stepID)
	for _, k := range sortedKeys(meta) {
		a.Metadata.Set(k, meta[k])
	}
	return c.commit(ctx, a, "plan_step")
}

func (c *CausalChain) LogPlanStepStarted(ctx context.Context, planID, intentID, stepID string) (*Action, error) {
	return c.LogPlanStep(ctx, ActionPlanStepStarted, planID, intentID, stepID, nil)
}

func (c *CausalChain) LogPlanStepCompleted(ctx context.Context, planID, intentID, stepID string, result any) (*Action, error) {
	return c.LogPlanStep(ctx, ActionPlanStepCompleted, planID, intentID, stepID, map[string]any{"result": result})
}

func (c *CausalChain) LogPlanStepFailed(ctx context.Context, planID, intentID, stepID, reason string) (*Action, error) {
	return c.LogPlanStep(ctx, ActionPlanStepFailed, planID, intentID, stepID, map[string]any{"error": reason})
}

func (c *CausalChain) LogPlanStepRetrying(ctx context.Context, planID, intentID, stepID string, attempt int, reason string) (*Action, error) {
	return c.LogPlanStep(ctx, ActionPlanStepRetrying, planID, intentID, stepID,
		map[string]any{"attempt": int64(attempt), "reason": reason})
}

// LogIntentCreated records the creation of an intent.
func (c *CausalChain) LogIntentCreated(ctx context.Context, planID, intentID, goal, triggeredBy string) (*Action, error) {
	a := NewAction(ActionIntentCreated, planID, intentID, c.clock()).
		WithName("create_intent").
		WithArgs(goal)
	if triggeredBy != "" {
		a.Metadata.Set("triggered_by", triggeredBy)
	}
	a.Metadata.Set("goal", goal)
	return c.commit(ctx, a, "intent_created")
}

// LogIntentStatusChange records an intent status transition.
func (c *CausalChain) LogIntentStatusChange(ctx context.Context, planID, intentID, oldStatus, newStatus, reason, triggeringActionID string) (*Action, error) {
	a := NewAction(ActionIntentStatusChanged, planID, intentID, c.clock()).
		WithName("change_intent_status").
		WithArgs(oldStatus, newStatus, reason)
	a.Metadata.Set("old_status", oldStatus)
	a.Metadata.Set("new_status", newStatus)
	a.Metadata.Set("reason", reason)
	if triggeringActionID != "" {
		a.Metadata.Set("triggering_action_id", triggeringActionID)
	}
	a.Metadata.Set("transition_timestamp", fmt.Sprint(a.Timestamp))
	return c.commit(ctx, a, "intent_status_changed")
}

// LogCapabilityLifecycle records a catalog change (registered, updated,
// removed, discovery completed) under LifecycleScope.
func (c *CausalChain) LogCapabilityLifecycle(ctx context.Context, t ActionType, capabilityID string, meta map[string]any) (*Action, error) {
	switch t {
	case ActionCapabilityRegistered, ActionCapabilityUpdated, ActionCapabilityRemoved, ActionCapabilityDiscoveryCompleted:
	default:
		return nil, runtime.NewError(runtime.KindInvalidArgument, capabilityID, "%s is not a capability lifecycle action", t)
	}
	a := NewAction(t, LifecycleScope, LifecycleScope, c.clock()).WithName("capability_lifecycle").WithArgs(capabilityID)
	if capabilityID != "" {
		a.Metadata.Set(MetaCapabilityID, capabilityID)
	}
	for _, k := range sortedKeys(meta) {
		a.Metadata.Set(k, meta[k])
	}
	return c.commit(ctx, a, "capability_lifecycle")
}

// LogCapabilityCall records a capability invocation.
func (c *CausalChain) LogCapabilityCall(ctx context.Context, planID, intentID, capabilityID, functionName string, args []any) (*Action, error) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()

	a := NewAction(ActionCapabilityCall, planID, intentID, c.clock()).
		WithName(functionName).
		WithArgs(args...).
		WithSession(session)
	if capabilityID != "" && capabilityID != functionName {
		a.Metadata.Set(MetaCapabilityID, capabilityID)
	}
	return c.commit(ctx, a, "capability_call")
}

// AnnotateProvenance adds data sources and ethical rule tags to the
// provenance of an action created with CreateAction.
func (c *CausalChain) AnnotateProvenance(actionID string, dataSources, ethicalRules []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.provenance.annotate(actionID, dataSources, ethicalRules) {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	return nil
}

// VerifyIntegrity recomputes every action hash and the running chain hash.
// A mismatch returns false with a KindIntegrity error.
func (c *CausalChain) VerifyIntegrity() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.ledger.Verify()
	if err != nil {
		c.logger.Error("ledger integrity check failed", "error", err)
	}
	return ok, err
}

// VerifySignatures checks every action's recorded signature.
func (c *CausalChain) VerifySignatures() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.ledger.actions {
		if !VerifyActionSignature(c.signer, a) {
			return false, runtime.IntegrityError(i, "invalid signature on action "+a.ActionID)
		}
	}
	return true, nil
}

// Restore replays the store into an empty chain, verifying each stored
// chain hash against the recomputed one.
func (c *CausalChain) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	recs, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ledger.Len() > 0 {
		return 0, ErrNotEmpty
	}
	restored := NewImmutableLedger()
	metrics := newPerformanceMetrics()
	for i, rec := range recs {
		if rec.Sequence != uint64(i+1) {
			return 0, runtime.IntegrityError(i, fmt.Sprintf("sequence gap: expected %d, got %d", i+1, rec.Sequence))
		}
		if err := checkFieldMetadata(rec.Action); err != nil {
			return 0, runtime.IntegrityError(i, fmt.Sprintf("action %s: %v", rec.Action.ActionID, err))
		}
		expected := restored.nextChainHash(rec.Action)
		if expected != rec.ChainHash {
			return 0, runtime.IntegrityError(i,
				fmt.Sprintf("action %s: stored chain hash %s, recomputed %s", rec.Action.ActionID, rec.ChainHash, expected))
		}
		restored.append(rec.Action, rec.ChainHash)
		metrics.record(rec.Action)
	}
	c.ledger = restored
	c.metrics = metrics
	c.logger.InfoContext(ctx, "ledger restored", "actions", len(recs), "chain_head", restored.ChainHead())
	return len(recs), nil
}

// GetAction returns the latest action recorded under id.
func (c *CausalChain) GetAction(id string) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.ledger.get(id)
	return a.Clone(), ok
}

// GetActionCount returns the number of appended actions. Never decreases.
func (c *CausalChain) GetActionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// GetActionByIndex returns the i-th appended action.
func (c *CausalChain) GetActionByIndex(i int) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= c.ledger.Len() {
		return nil, false
	}
	return c.ledger.actions[i].Clone(), true
}

// ChainHead returns the current chain hash.
func (c *CausalChain) ChainHead() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ChainHead()
}

func (c *CausalChain) GetActionsForIntent(intentID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.intent[intentID])
}

func (c *CausalChain) GetActionsForPlan(planID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.plan[planID])
}

func (c *CausalChain) GetActionsForCapability(capabilityID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.capability[capabilityID])
}

func (c *CausalChain) GetActionsForFunction(functionName string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.function[functionName])
}

func (c *CausalChain) GetActionsForSession(sessionID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.session[sessionID])
}

// GetAllActions returns every action in append order.
func (c *CausalChain) GetAllActions() []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Action, len(c.ledger.actions))
	for i, a := range c.ledger.actions {
		out[i] = a.Clone()
	}
	return out
}

// GetChildren returns actions whose parent is parentID.
func (c *CausalChain) GetChildren(parentID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.collect(c.ledger.indices.children[parentID])
}

// GetParent returns the parent of actionID.
func (c *CausalChain) GetParent(actionID string) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.ledger.get(actionID)
	if !ok || a.ParentActionID == "" {
		return nil, false
	}
	p, ok := c.ledger.get(a.ParentActionID)
	return p.Clone(), ok
}

func (c *CausalChain) GetProvenance(actionID string) (*ActionProvenance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provenance.get(actionID)
}

func (c *CausalChain) GetCapabilityMetrics(capabilityID string) (CapabilityMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics.capabilities[capabilityID]
	if !ok {
		return CapabilityMetrics{}, false
	}
	return *m, true
}

func (c *CausalChain) GetFunctionMetrics(functionName string) (FunctionMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics.functions[functionName]
	if !ok {
		return FunctionMetrics{}, false
	}
	return *m, true
}

// GetTotalCost returns the summed cost of every action.
func (c *CausalChain) GetTotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.costs.TotalCost
}

// GetCostForPlan returns the summed cost of a plan's actions.
func (c *CausalChain) GetCostForPlan(planID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.costs.CostByPlan[planID]
}

// ActionTypeCounts returns how many actions of each type were appended.
func (c *CausalChain) ActionTypeCounts() map[ActionType]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ActionType]uint64, len(c.metrics.actionTypes))
	for k, v := range c.metrics.actionTypes {
		out[k] = v
	}
	return out
}

// RecentLogs returns up to max structured log lines, oldest first.
func (c *CausalChain) RecentLogs(max int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs.recent(max)
}

type logLine struct {
	Event        string     `json:"event"`
	ActionType   ActionType `json:"action_type"`
	ActionID     string     `json:"action_id"`
	FunctionName string     `json:"function_name"`
	IntentID     string     `json:"intent_id"`
	PlanID       string     `json:"plan_id"`
	Timestamp    int64      `json:"timestamp"`
}

// logBuffer is a bounded FIFO of JSON log lines.
type logBuffer struct {
	entries  []string
	capacity int
}

func newLogBuffer(capacity int) *logBuffer {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &logBuffer{entries: make([]string, 0, min(capacity, 1024)), capacity: capacity}
}

func (b *logBuffer) push(a *Action, event string) {
	line, err := json.Marshal(logLine{
		Event:        event,
		ActionType:   a.Type,
		ActionID:     a.ActionID,
		FunctionName: a.FunctionName,
		IntentID:     a.IntentID,
		PlanID:       a.PlanID,
		Timestamp:    a.Timestamp,
	})
	if err != nil {
		return
	}
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, string(line))
}

func (b *logBuffer) recent(n int) []string {
	start := max(len(b.entries)-n, 0)
	return slices.Clone(b.entries[start:])
}
