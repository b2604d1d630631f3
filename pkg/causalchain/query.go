package causalchain

import (
	"fmt"
	"sort"
	"strings"
)

// CausalQuery filters actions. Zero-valued fields match everything.
type CausalQuery struct {
	IntentID       string
	PlanID         string
	SessionID      string
	Type           ActionType
	ParentActionID string
	FunctionPrefix string
	// StartMS and EndMS bound the timestamp inclusively when non-nil.
	StartMS    *int64
	EndMS      *int64
	MaxResults int
}

func (q CausalQuery) matches(a *Action) bool {
	if q.IntentID != "" && a.IntentID != q.IntentID {
		return false
	}
	if q.PlanID != "" && a.PlanID != q.PlanID {
		return false
	}
	if q.SessionID != "" && a.SessionID != q.SessionID {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.ParentActionID != "" && a.ParentActionID != q.ParentActionID {
		return false
	}
	if q.FunctionPrefix != "" && !strings.HasPrefix(a.FunctionName, q.FunctionPrefix) {
		return false
	}
	if q.StartMS != nil && a.Timestamp < *q.StartMS {
		return false
	}
	if q.EndMS != nil && a.Timestamp > *q.EndMS {
		return false
	}
	return true
}

// QueryActions returns matching actions in ledger order.
func (c *CausalChain) QueryActions(q CausalQuery) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Action
	for _, a := range c.ledger.actions {
		if q.matches(a) {
			out = append(out, a.Clone())
			if q.MaxResults > 0 && len(out) >= q.MaxResults {
				break
			}
		}
	}
	return out
}

// GetActionsInRange returns actions with start <= timestamp <= end (unix ms).
func (c *CausalChain) GetActionsInRange(start, end int64) []*Action {
	return c.QueryActions(CausalQuery{StartMS: &start, EndMS: &end})
}

func byTimestamp(actions []*Action) []*Action {
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Timestamp < actions[j].Timestamp })
	return actions
}

// ExportPlanActions returns the plan's actions in chronological order.
func (c *CausalChain) ExportPlanActions(planID string) []*Action {
	return byTimestamp(c.GetActionsForPlan(planID))
}

// ExportIntentActions returns the intent's actions in chronological order.
func (c *CausalChain) ExportIntentActions(intentID string) []*Action {
	return byTimestamp(c.GetActionsForIntent(intentID))
}

// ExportAllActions returns every action in chronological order.
func (c *CausalChain) ExportAllActions() []*Action {
	return byTimestamp(c.GetAllActions())
}

// ExportActions returns matching actions in chronological order.
func (c *CausalChain) ExportActions(q CausalQuery) []*Action {
	return byTimestamp(c.QueryActions(q))
}

// ChainSummary is the result of VerifyAndSummarize.
type ChainSummary struct {
	Valid     bool   `json:"valid"`
	Count     int    `json:"count"`
	ChainHead string `json:"chain_head,omitempty"`
	FirstMS   *int64 `json:"first_timestamp,omitempty"`
	LastMS    *int64 `json:"last_timestamp,omitempty"`
}

// VerifyAndSummarize verifies integrity and reports the ledger's extent.
func (c *CausalChain) VerifyAndSummarize() (ChainSummary, error) {
	valid, err := c.VerifyIntegrity()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ChainSummary{Valid: valid, Count: c.ledger.Len(), ChainHead: c.ledger.ChainHead()}
	if n := len(c.ledger.actions); n > 0 {
		first, last := c.ledger.actions[0].Timestamp, c.ledger.actions[n-1].Timestamp
		s.FirstMS, s.LastMS = &first, &last
	}
	return s, err
}

// SummarizeRecent renders the last count actions, one per line.
func (c *CausalChain) SummarizeRecent(count int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := max(len(c.ledger.actions)-count, 0)
	var b strings.Builder
	for _, a := range c.ledger.actions[start:] {
		fmt.Fprintf(&b, "Action %s: type=%s, intent=%s, plan=%s, timestamp=%d\n",
			a.ActionID, a.Type, a.IntentID, a.PlanID, a.Timestamp)
	}
	return b.String()
}
