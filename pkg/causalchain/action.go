// Package causalchain is the append-only, hash-chained audit ledger of every
// capability call and plan lifecycle event.
//
// Every appended Action is signed, hashed into a running SHA-256 chain,
// indexed by intent, plan, capability and function, and folded into rolling
// metrics. The ledger exposes no mutation or removal operation; integrity is
// re-checked on demand with VerifyIntegrity.
package causalchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies a ledger entry.
type ActionType string

const (
	ActionPlanStarted       ActionType = "PlanStarted"
	ActionPlanCompleted     ActionType = "PlanCompleted"
	ActionPlanAborted       ActionType = "PlanAborted"
	ActionPlanPaused        ActionType = "PlanPaused"
	ActionPlanResumed       ActionType = "PlanResumed"
	ActionPlanStepStarted   ActionType = "PlanStepStarted"
	ActionPlanStepCompleted ActionType = "PlanStepCompleted"
	ActionPlanStepFailed    ActionType = "PlanStepFailed"
	ActionPlanStepRetrying  ActionType = "PlanStepRetrying"

	ActionCapabilityCall   ActionType = "CapabilityCall"
	ActionCapabilityResult ActionType = "CapabilityResult"
	ActionInternalStep     ActionType = "InternalStep"

	ActionIntentCreated       ActionType = "IntentCreated"
	ActionIntentStatusChanged ActionType = "IntentStatusChanged"

	ActionCapabilityRegistered         ActionType = "CapabilityRegistered"
	ActionCapabilityUpdated            ActionType = "CapabilityUpdated"
	ActionCapabilityRemoved            ActionType = "CapabilityRemoved"
	ActionCapabilityDiscoveryCompleted ActionType = "CapabilityDiscoveryCompleted"
)

// Metadata keys written by the chain itself.
const (
	MetaSignature    = "signature"
	MetaCapabilityID = "capability_id"
)

// MetadataEntry is one key/value pair of action metadata.
type MetadataEntry struct {
	Key   string
	Value any
}

// Metadata is an insertion-ordered string-keyed map. Order matters: it is
// part of the action hash.
type Metadata struct {
	entries []MetadataEntry
	index   map[string]int
}

// Set inserts or overwrites key. Overwrites keep the original position.
func (m *Metadata) Set(key string, value any) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = value
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, MetadataEntry{Key: key, Value: value})
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if i, ok := m.index[key]; ok {
		return m.entries[i].Value, true
	}
	return nil, false
}

// GetString returns the value under key when it is a string.
func (m *Metadata) GetString(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

func (m *Metadata) remove(key string) {
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	delete(m.index, key)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Key] = j
	}
}

// Len returns the number of entries.
func (m *Metadata) Len() int { return len(m.entries) }

// Entries returns the entries in insertion order.
func (m *Metadata) Entries() []MetadataEntry { return slices.Clone(m.entries) }

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	return Metadata{entries: slices.Clone(m.entries), index: maps.Clone(m.index)}
}

// MarshalJSON writes an object with keys in insertion order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", e.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object preserving key order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = Metadata{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected object")
	}
	*m = Metadata{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("metadata: expected string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		v, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		m.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

// ExecutionResult is the outcome attached to an action.
type ExecutionResult struct {
	Success  bool           `json:"success"`
	Value    any            `json:"value"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Intent is the minimal view of an intent the chain needs.
type Intent struct {
	IntentID string `json:"intent_id"`
	Goal     string `json:"goal"`
	// ParentIntentID links sub-intents for provenance.
	ParentIntentID string `json:"parent_intent_id,omitempty"`
}

// NewIntent creates an intent with a fresh id.
func NewIntent(goal string) Intent {
	return Intent{IntentID: "intent-" + uuid.NewString(), Goal: goal}
}

// Action is one recorded event. Immutable once appended.
type Action struct {
	ActionID       string           `json:"action_id"`
	ParentActionID string           `json:"parent_action_id,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	PlanID         string           `json:"plan_id"`
	IntentID       string           `json:"intent_id"`
	Type           ActionType       `json:"action_type"`
	FunctionName   string           `json:"function_name,omitempty"`
	Arguments      []any            `json:"arguments,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	Cost           *float64         `json:"cost,omitempty"`
	DurationMS     *uint64          `json:"duration_ms,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64    `json:"timestamp"`
	Metadata  Metadata `json:"metadata"`
}

// NewAction creates an unsigned, unappended action.
func NewAction(t ActionType, planID, intentID string, now time.Time) *Action {
	return &Action{
		ActionID:  uuid.NewString(),
		PlanID:    planID,
		IntentID:  intentID,
		Type:      t,
		Timestamp: now.UnixMilli(),
	}
}

func (a *Action) WithName(name string) *Action {
	a.FunctionName = name
	return a
}

func (a *Action) WithArgs(args ...any) *Action {
	a.Arguments = args
	return a
}

func (a *Action) WithParent(parentID string) *Action {
	a.ParentActionID = parentID
	return a
}

func (a *Action) WithSession(sessionID string) *Action {
	a.SessionID = sessionID
	return a
}

func (a *Action) WithResult(r ExecutionResult) *Action {
	a.Result = &r
	return a
}

func (a *Action) WithCost(cost float64) *Action {
	a.Cost = &cost
	return a
}

func (a *Action) WithDuration(d time.Duration) *Action {
	ms := uint64(d.Milliseconds())
	a.DurationMS = &ms
	return a
}

// Signature returns the hex signature recorded at append time.
func (a *Action) Signature() string {
	return a.Metadata.GetString(MetaSignature)
}

// CapabilityID is the capability the action concerns: the recorded
// capability_id metadata, else the function name for call/result actions.
func (a *Action) CapabilityID() string {
	if id := a.Metadata.GetString(MetaCapabilityID); id != "" {
		return id
	}
	if a.Type == ActionCapabilityCall || a.Type == ActionCapabilityResult {
		return a.FunctionName
	}
	return ""
}

// Succeeded reports whether a result is attached and successful.
func (a *Action) Succeeded() bool {
	return a.Result != nil && a.Result.Success
}

// Clone returns a copy that shares no mutable state with a.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Arguments = slices.Clone(a.Arguments)
	if a.Result != nil {
		r := *a.Result
		r.Metadata = maps.Clone(a.Result.Metadata)
		c.Result = &r
	}
	if a.Cost != nil {
		v := *a.Cost
		c.Cost = &v
	}
	if a.DurationMS != nil {
		v := *a.DurationMS
		c.DurationMS = &v
	}
	c.Metadata = a.Metadata.Clone()
	return &c
}

// UnmarshalJSON decodes values into the runtime value model (integers as
// int64) so a reloaded action hashes like the original.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	aux := struct {
		*alias
		Arguments json.RawMessage `json:"arguments,omitempty"`
		Result    *struct {
			Success  bool            `json:"success"`
			Value    json.RawMessage `json:"value"`
			Error    string          `json:"error,omitempty"`
			Metadata json.RawMessage `json:"metadata,omitempty"`
		} `json:"result,omitempty"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	a.Arguments = nil
	if len(aux.Arguments) > 0 && string(aux.Arguments) != "null" {
		v, err := decodeValue(aux.Arguments)
		if err != nil {
			return fmt.Errorf("arguments: %w", err)
		}
		args, ok := v.([]any)
		if !ok {
			return fmt.Errorf("arguments: expected array")
		}
		a.Arguments = args
	}

	a.Result = nil
	if aux.Result != nil {
		r := &ExecutionResult{Success: aux.Result.Success, Error: aux.Result.Error}
		if len(aux.Result.Value) > 0 {
			v, err := decodeValue(aux.Result.Value)
			if err != nil {
				return fmt.Errorf("result value: %w", err)
			}
			r.Value = v
		}
		if len(aux.Result.Metadata) > 0 && string(aux.Result.Metadata) != "null" {
			v, err := decodeValue(aux.Result.Metadata)
			if err != nil {
				return fmt.Errorf("result metadata: %w", err)
			}
			m, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("result metadata: expected object")
			}
			r.Metadata = m
		}
		a.Result = r
	}
	return nil
}
