// Package lockorder defines the fixed partial order over the named locks
// shared by the trading core's concurrent workers. A statically-known DAG
// over lock names encodes the only permitted acquisition orders; validating
// acquisition sequences against it rules out circular wait, the necessary
// condition for deadlock.
//
// The DAG is immutable after construction and read-only during normal
// operation. New lock names must be added explicitly with their edges, never
// inferred.
package lockorder

import (
	"fmt"
	"strings"
)

// LockName identifies one of the mutually-exclusive or shared-read resources
// a worker may need.
type LockName string

// Canonical lock names. The first four orderings are inherited from the
// strategy runtime; the rest cover the trading core's own resources.
const (
	LockSignalCombiner  LockName = "signal_combiner"
	LockTraders         LockName = "traders"
	LockStrategyOrder   LockName = "strategy_order"
	LockStrategyMetrics LockName = "strategy_metrics"
	LockAccountant      LockName = "accountant"
	LockLedgerSymbol    LockName = "ledger_symbol"
	LockLedgerState     LockName = "ledger_state"
)

// Edge is one permitted acquisition ordering: From may be held when To is
// acquired, never the reverse.
type Edge struct {
	From LockName
	To   LockName
}

// DefaultNodes returns every lock name the core registers.
func DefaultNodes() []LockName {
	return []LockName{
		LockSignalCombiner,
		LockTraders,
		LockStrategyOrder,
		LockStrategyMetrics,
		LockAccountant,
		LockLedgerSymbol,
		LockLedgerState,
	}
}

// DefaultEdges returns the canonical acquisition DAG. The
// signal_combiner→traders and strategy_order→strategy_metrics edges are the
// documented minimum order; the remaining edges cover the admission →
// accountant → ledger path.
func DefaultEdges() []Edge {
	return []Edge{
		{From: LockSignalCombiner, To: LockTraders},
		{From: LockStrategyOrder, To: LockStrategyMetrics},
		{From: LockTraders, To: LockAccountant},
		{From: LockAccountant, To: LockLedgerSymbol},
		{From: LockLedgerSymbol, To: LockLedgerState},
		{From: LockAccountant, To: LockLedgerState},
	}
}

// DeadlockRiskError reports an acquisition sequence that violates the
// permitted partial order.
type DeadlockRiskError struct {
	Sequence []LockName
	Held     LockName
	Wanted   LockName
	Reason   string
}

func (e *DeadlockRiskError) Error() string {
	names := make([]string, len(e.Sequence))
	for i, n := range e.Sequence {
		names[i] = string(n)
	}
	return fmt.Sprintf("deadlock risk in sequence [%s]: cannot acquire %q while holding %q: %s",
		strings.Join(names, " -> "), e.Wanted, e.Held, e.Reason)
}

// Validator checks acquisition sequences against an immutable lock-order DAG.
// It is safe for concurrent use: all state is frozen at construction.
type Validator struct {
	nodes map[LockName]struct{}
	// reach[a][b] means a may be held when b is acquired (a path a->b exists).
	reach map[LockName]map[LockName]struct{}
}

// New builds a Validator from the given nodes and edges. It fails if an edge
// references an unregistered node or if the edges contain a cycle: a cyclic
// order would permit circular wait by construction.
func New(nodes []LockName, edges []Edge) (*Validator, error) {
	v := &Validator{
		nodes: make(map[LockName]struct{}, len(nodes)),
		reach: make(map[LockName]map[LockName]struct{}, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := v.nodes[n]; dup {
			return nil, fmt.Errorf("lockorder: duplicate lock name %q", n)
		}
		v.nodes[n] = struct{}{}
		v.reach[n] = make(map[LockName]struct{})
	}

	adj := make(map[LockName][]LockName, len(nodes))
	indeg := make(map[LockName]int, len(nodes))
	for _, e := range edges {
		if _, ok := v.nodes[e.From]; !ok {
			return nil, fmt.Errorf("lockorder: edge from unregistered lock %q", e.From)
		}
		if _, ok := v.nodes[e.To]; !ok {
			return nil, fmt.Errorf("lockorder: edge to unregistered lock %q", e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("lockorder: self edge on %q", e.From)
		}
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}

	// Kahn's algorithm: any node left unprocessed sits on a cycle.
	queue := make([]LockName, 0, len(nodes))
	for _, n := range nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	processed := 0
	order := make([]LockName, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		order = append(order, n)
		for _, next := range adj[n] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(nodes) {
		return nil, fmt.Errorf("lockorder: lock order graph contains a cycle")
	}

	// Transitive closure in reverse topological order.
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		for _, next := range adj[n] {
			v.reach[n][next] = struct{}{}
			for far := range v.reach[next] {
				v.reach[n][far] = struct{}{}
			}
		}
	}
	return v, nil
}

// Default returns a Validator over the canonical core DAG. It panics on
// error because the default graph is a compile-time constant; a cycle there
// is a programming error.
func Default() *Validator {
	v, err := New(DefaultNodes(), DefaultEdges())
	if err != nil {
		panic(err)
	}
	return v
}

// Known reports whether the lock name is registered in the DAG.
func (v *Validator) Known(name LockName) bool {
	_, ok := v.nodes[name]
	return ok
}

// Ordered reports whether the DAG permits acquiring b while a is held.
func (v *Validator) Ordered(a, b LockName) bool {
	_, ok := v.reach[a][b]
	return ok
}

// ValidateOrder checks a full acquisition sequence against the DAG. A
// sequence is accepted only when every lock is registered, appears at most
// once, and every earlier lock is ordered before every later one. Pairs the
// DAG leaves incomparable are rejected: with no defined relative order, two
// workers could acquire them in opposite orders and wait on each other.
func (v *Validator) ValidateOrder(seq []LockName) error {
	seen := make(map[LockName]struct{}, len(seq))
	for i, name := range seq {
		if !v.Known(name) {
			return &DeadlockRiskError{
				Sequence: seq,
				Wanted:   name,
				Reason:   "lock name not registered in the acquisition graph",
			}
		}
		if _, dup := seen[name]; dup {
			return &DeadlockRiskError{
				Sequence: seq,
				Held:     name,
				Wanted:   name,
				Reason:   "lock acquired twice in one sequence",
			}
		}
		seen[name] = struct{}{}
		for j := 0; j < i; j++ {
			if !v.Ordered(seq[j], name) {
				reason := "acquisition order is inverted"
				if !v.Ordered(name, seq[j]) {
					reason = "locks have no defined relative order"
				}
				return &DeadlockRiskError{
					Sequence: seq,
					Held:     seq[j],
					Wanted:   name,
					Reason:   reason,
				}
			}
		}
	}
	return nil
}
