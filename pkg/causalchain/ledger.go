package causalchain

import (
	"fmt"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

type ledgerIndices struct {
	byID       map[string]int
	intent     map[string][]int
	plan       map[string][]int
	capability map[string][]int
	function   map[string][]int
	session    map[string][]int
	children   map[string][]int
}

func newLedgerIndices() ledgerIndices {
	return ledgerIndices{
		byID:       make(map[string]int),
		intent:     make(map[string][]int),
		plan:       make(map[string][]int),
		capability: make(map[string][]int),
		function:   make(map[string][]int),
		session:    make(map[string][]int),
		children:   make(map[string][]int),
	}
}

func (ix *ledgerIndices) add(i int, a *Action) {
	// Re-appended ids resolve to the latest entry.
	ix.byID[a.ActionID] = i
	if a.IntentID != "" {
		ix.intent[a.IntentID] = append(ix.intent[a.IntentID], i)
	}
	if a.PlanID != "" {
		ix.plan[a.PlanID] = append(ix.plan[a.PlanID], i)
	}
	if capID := a.CapabilityID(); capID != "" {
		ix.capability[capID] = append(ix.capability[capID], i)
	}
	if a.FunctionName != "" {
		ix.function[a.FunctionName] = append(ix.function[a.FunctionName], i)
	}
	if a.SessionID != "" {
		ix.session[a.SessionID] = append(ix.session[a.SessionID], i)
	}
	if a.ParentActionID != "" {
		ix.children[a.ParentActionID] = append(ix.children[a.ParentActionID], i)
	}
}

// ImmutableLedger holds the ordered actions and their parallel hash chain.
// Not safe for concurrent use; CausalChain serializes access.
type ImmutableLedger struct {
	actions   []*Action
	hashChain []string
	indices   ledgerIndices
}

// NewImmutableLedger creates an empty in-memory ledger.
func NewImmutableLedger() *ImmutableLedger {
	return &ImmutableLedger{indices: newLedgerIndices()}
}

func (l *ImmutableLedger) head() string {
	if len(l.hashChain) == 0 {
		return ""
	}
	return l.hashChain[len(l.hashChain)-1]
}

// nextChainHash computes the chain hash a would receive if appended now.
func (l *ImmutableLedger) nextChainHash(a *Action) string {
	return ChainHash(l.head(), ActionHash(a))
}

// append stores a and returns its chain hash. a must not be mutated afterwards.
func (l *ImmutableLedger) append(a *Action, chainHash string) {
	l.actions = append(l.actions, a)
	l.hashChain = append(l.hashChain, chainHash)
	l.indices.add(len(l.actions)-1, a)
}

// Len returns the number of appended actions.
func (l *ImmutableLedger) Len() int { return len(l.actions) }

// ChainHead returns the latest chain hash, empty for an empty ledger.
func (l *ImmutableLedger) ChainHead() string { return l.head() }

// Verify recomputes every action hash and the running chain hash.
func (l *ImmutableLedger) Verify() (bool, error) {
	if len(l.actions) != len(l.hashChain) {
		return false, runtime.IntegrityError(min(len(l.actions), len(l.hashChain)), "action and hash chain lengths differ")
	}
	prev := ""
	for i, a := range l.actions {
		if err := checkFieldMetadata(a); err != nil {
			return false, runtime.IntegrityError(i, fmt.Sprintf("action %s: %v", a.ActionID, err))
		}
		expected := ChainHash(prev, ActionHash(a))
		if l.hashChain[i] != expected {
			return false, runtime.IntegrityError(i,
				fmt.Sprintf("action %s: stored chain hash %s, recomputed %s", a.ActionID, l.hashChain[i], expected))
		}
		prev = l.hashChain[i]
	}
	return true, nil
}

func (l *ImmutableLedger) get(id string) (*Action, bool) {
	i, ok := l.indices.byID[id]
	if !ok {
		return nil, false
	}
	return l.actions[i], true
}

func (l *ImmutableLedger) collect(idx []int) []*Action {
	out := make([]*Action, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.actions[i].Clone())
	}
	return out
}
