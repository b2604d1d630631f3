package causalchain

import (
	"maps"
	"slices"
	"time"
)

// ActionProvenance records where an action came from. One per action.
type ActionProvenance struct {
	ActionID       string         `json:"action_id"`
	IntentID       string         `json:"intent_id"`
	PlanID         string         `json:"plan_id"`
	ParentIntentID string         `json:"parent_intent_id,omitempty"`
	Goal           string         `json:"goal,omitempty"`
	CapabilityID   string         `json:"capability_id,omitempty"`
	ExecutionCtx   map[string]any `json:"execution_context,omitempty"`
	DataSources    []string       `json:"data_sources,omitempty"`
	EthicalRules   []string       `json:"ethical_rules,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

func (p *ActionProvenance) clone() *ActionProvenance {
	c := *p
	c.ExecutionCtx = maps.Clone(p.ExecutionCtx)
	c.DataSources = slices.Clone(p.DataSources)
	c.EthicalRules = slices.Clone(p.EthicalRules)
	return &c
}

type provenanceTracker struct {
	records map[string]*ActionProvenance
}

func newProvenanceTracker() *provenanceTracker {
	return &provenanceTracker{records: make(map[string]*ActionProvenance)}
}

func (t *provenanceTracker) track(a *Action, intent *Intent, now time.Time) *ActionProvenance {
	p := &ActionProvenance{
		ActionID:     a.ActionID,
		IntentID:     a.IntentID,
		PlanID:       a.PlanID,
		CapabilityID: a.CapabilityID(),
		ExecutionCtx: map[string]any{"action_type": string(a.Type)},
		RecordedAt:   now,
	}
	if a.SessionID != "" {
		p.ExecutionCtx["session_id"] = a.SessionID
	}
	if intent != nil {
		p.Goal = intent.Goal
		p.ParentIntentID = intent.ParentIntentID
	}
	t.records[a.ActionID] = p
	return p
}

// annotate adds data sources and ethical rule tags to an existing record.
func (t *provenanceTracker) annotate(actionID string, dataSources, ethicalRules []string) bool {
	p, ok := t.records[actionID]
	if !ok {
		return false
	}
	p.DataSources = append(p.DataSources, dataSources...)
	p.EthicalRules = append(p.EthicalRules, ethicalRules...)
	return true
}

func (t *provenanceTracker) get(actionID string) (*ActionProvenance, bool) {
	p, ok := t.records[actionID]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}
