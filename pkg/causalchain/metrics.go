package causalchain

import "time"

// CapabilityMetrics aggregate calls and results for one capability.
type CapabilityMetrics struct {
	CapabilityID      string    `json:"capability_id"`
	TotalCalls        uint64    `json:"total_calls"`
	SuccessfulCalls   uint64    `json:"successful_calls"`
	FailedCalls       uint64    `json:"failed_calls"`
	TotalCost         float64   `json:"total_cost"`
	TotalDurationMS   uint64    `json:"total_duration_ms"`
	AverageDurationMS float64   `json:"average_duration_ms"`
	LastUsed          time.Time `json:"last_used"`
	// ReliabilityScore is successful/(successful+failed), 1 with no results.
	ReliabilityScore float64 `json:"reliability_score"`
}

// FunctionMetrics aggregate every action carrying a function name.
type FunctionMetrics struct {
	FunctionName      string  `json:"function_name"`
	Count             uint64  `json:"count"`
	SuccessCount      uint64  `json:"success_count"`
	FailureCount      uint64  `json:"failure_count"`
	TotalCost         float64 `json:"total_cost"`
	TotalDurationMS   uint64  `json:"total_duration_ms"`
	AverageDurationMS float64 `json:"average_duration_ms"`
}

// CostTracker accumulates action cost.
type CostTracker struct {
	TotalCost    float64            `json:"total_cost"`
	CostByIntent map[string]float64 `json:"cost_by_intent"`
	CostByPlan   map[string]float64 `json:"cost_by_plan"`
}

func newCostTracker() CostTracker {
	return CostTracker{CostByIntent: make(map[string]float64), CostByPlan: make(map[string]float64)}
}

func (c *CostTracker) record(a *Action) {
	if a.Cost == nil {
		return
	}
	c.TotalCost += *a.Cost
	if a.IntentID != "" {
		c.CostByIntent[a.IntentID] += *a.Cost
	}
	if a.PlanID != "" {
		c.CostByPlan[a.PlanID] += *a.Cost
	}
}

// performanceMetrics are derived from the ledger and updated on every append.
type performanceMetrics struct {
	capabilities map[string]*CapabilityMetrics
	functions    map[string]*FunctionMetrics
	costs        CostTracker
	actionTypes  map[ActionType]uint64
}

func newPerformanceMetrics() *performanceMetrics {
	return &performanceMetrics{
		capabilities: make(map[string]*CapabilityMetrics),
		functions:    make(map[string]*FunctionMetrics),
		costs:        newCostTracker(),
		actionTypes:  make(map[ActionType]uint64),
	}
}

func (m *performanceMetrics) record(a *Action) {
	m.actionTypes[a.Type]++
	m.costs.record(a)

	var cost float64
	if a.Cost != nil {
		cost = *a.Cost
	}
	var duration uint64
	if a.DurationMS != nil {
		duration = *a.DurationMS
	}

	if a.FunctionName != "" {
		fm := m.functions[a.FunctionName]
		if fm == nil {
			fm = &FunctionMetrics{FunctionName: a.FunctionName}
			m.functions[a.FunctionName] = fm
		}
		fm.Count++
		fm.TotalCost += cost
		fm.TotalDurationMS += duration
		if a.Result != nil {
			if a.Result.Success {
				fm.SuccessCount++
			} else {
				fm.FailureCount++
			}
		}
		fm.AverageDurationMS = float64(fm.TotalDurationMS) / float64(fm.Count)
	}

	capID := a.CapabilityID()
	if capID == "" || (a.Type != ActionCapabilityCall && a.Type != ActionCapabilityResult) {
		return
	}
	cm := m.capabilities[capID]
	if cm == nil {
		cm = &CapabilityMetrics{CapabilityID: capID, ReliabilityScore: 1}
		m.capabilities[capID] = cm
	}
	cm.LastUsed = time.UnixMilli(a.Timestamp)
	cm.TotalCost += cost
	cm.TotalDurationMS += duration
	if a.Type == ActionCapabilityCall {
		cm.TotalCalls++
	}
	if a.Result != nil {
		if a.Result.Success {
			cm.SuccessfulCalls++
		} else {
			cm.FailedCalls++
		}
		cm.ReliabilityScore = float64(cm.SuccessfulCalls) / float64(cm.SuccessfulCalls+cm.FailedCalls)
	}
	if cm.TotalCalls > 0 {
		cm.AverageDurationMS = float64(cm.TotalDurationMS) / float64(cm.TotalCalls)
	}
}
