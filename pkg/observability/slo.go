package observability

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// SLOTarget is a latency and success objective for one capability.
type SLOTarget struct {
	SLOID        string        `json:"slo_id" yaml:"slo_id"`
	CapabilityID string        `json:"capability_id" yaml:"capability_id"`
	LatencyP99   time.Duration `json:"latency_p99" yaml:"latency_p99"`
	SuccessRate  float64       `json:"success_rate" yaml:"success_rate"` // 0-1
	Window       time.Duration `json:"window" yaml:"window"`
}

// SLOObservation is one completed execution.
type SLOObservation struct {
	CapabilityID string        `json:"capability_id"`
	Latency      time.Duration `json:"latency"`
	Success      bool          `json:"success"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SLOStatus reports compliance over the target's window.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	CapabilityID     string  `json:"capability_id"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns faster than the budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps per-capability observations and evaluates them against
// targets. Observations older than the target window are pruned on Record.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.CapabilityID] = target
}

// Record stores obs if the capability has a target.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[obs.CapabilityID]
	if !ok {
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	cutoff := t.clock().Add(-target.Window)
	kept := slices.DeleteFunc(t.observations[obs.CapabilityID], func(o SLOObservation) bool {
		return !o.Timestamp.After(cutoff)
	})
	t.observations[obs.CapabilityID] = append(kept, obs)
}

// Status computes current compliance for capabilityID.
func (t *SLOTracker) Status(capabilityID string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[capabilityID]
	if !ok {
		return nil, fmt.Errorf("no SLO target for capability %q", capabilityID)
	}

	windowStart := t.clock().Add(-target.Window)
	var windowed []SLOObservation
	for _, obs := range t.observations[capabilityID] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			CapabilityID:    capabilityID,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	slices.Sort(latencies)
	p99Index := min(int(float64(len(latencies))*0.99), len(latencies)-1)
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = max(0, 100.0*(1.0-burnRate))
	} else if errorRate > 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		CapabilityID:     capabilityID,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
