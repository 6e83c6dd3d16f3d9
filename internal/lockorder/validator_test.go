package lockorder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOrderAcceptsChains(t *testing.T) {
	v := Default()

	chains := [][]LockName{
		{LockSignalCombiner, LockTraders},
		{LockStrategyOrder, LockStrategyMetrics},
		{LockTraders, LockAccountant},
		{LockAccountant, LockLedgerSymbol, LockLedgerState},
		{LockAccountant, LockLedgerState},
		{LockSignalCombiner, LockTraders, LockAccountant, LockLedgerSymbol, LockLedgerState},
		{LockTraders},
		{},
	}
	for _, seq := range chains {
		assert.NoError(t, v.ValidateOrder(seq), "sequence %v", seq)
	}
}

func TestValidateOrderRejectsInverted(t *testing.T) {
	v := Default()

	err := v.ValidateOrder([]LockName{LockTraders, LockSignalCombiner})
	require.Error(t, err)
	var dre *DeadlockRiskError
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, LockTraders, dre.Held)
	assert.Equal(t, LockSignalCombiner, dre.Wanted)
	assert.Contains(t, err.Error(), "inverted")

	err = v.ValidateOrder([]LockName{LockLedgerState, LockAccountant})
	require.Error(t, err)
}

func TestValidateOrderRejectsIncomparable(t *testing.T) {
	v := Default()

	// strategy_metrics and traders sit in unrelated branches of the DAG; two
	// workers could take them in opposite orders.
	err := v.ValidateOrder([]LockName{LockStrategyMetrics, LockTraders})
	require.Error(t, err)
	var dre *DeadlockRiskError
	require.ErrorAs(t, err, &dre)
	assert.Contains(t, dre.Reason, "no defined relative order")
}

func TestValidateOrderRejectsDuplicate(t *testing.T) {
	v := Default()

	err := v.ValidateOrder([]LockName{LockTraders, LockAccountant, LockTraders})
	require.Error(t, err)
	var dre *DeadlockRiskError
	require.ErrorAs(t, err, &dre)
	assert.Contains(t, dre.Reason, "twice")
}

func TestValidateOrderRejectsUnknown(t *testing.T) {
	v := Default()

	err := v.ValidateOrder([]LockName{LockTraders, LockName("mystery")})
	require.Error(t, err)
	var dre *DeadlockRiskError
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, LockName("mystery"), dre.Wanted)
	assert.Contains(t, dre.Reason, "not registered")
}

func TestNewRejectsCycle(t *testing.T) {
	nodes := []LockName{"a", "b", "c"}
	edges := []Edge{
		{From: "a", To: "b"},
		{From: "b", To: "c"},
		{From: "c", To: "a"},
	}
	_, err := New(nodes, edges)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewRejectsBadGraphs(t *testing.T) {
	_, err := New([]LockName{"a", "a"}, nil)
	assert.Error(t, err, "duplicate node")

	_, err = New([]LockName{"a"}, []Edge{{From: "a", To: "b"}})
	assert.Error(t, err, "edge to unregistered node")

	_, err = New([]LockName{"a"}, []Edge{{From: "a", To: "a"}})
	assert.Error(t, err, "self edge")
}

func TestOrderedIsTransitive(t *testing.T) {
	v := Default()

	assert.True(t, v.Ordered(LockSignalCombiner, LockLedgerState))
	assert.True(t, v.Ordered(LockTraders, LockLedgerSymbol))
	assert.False(t, v.Ordered(LockLedgerState, LockSignalCombiner))
	assert.False(t, v.Ordered(LockStrategyOrder, LockTraders))
}

func TestGuardTracksHeldLocks(t *testing.T) {
	v := Default()
	g := v.NewGuard()

	require.NoError(t, g.Acquire(LockTraders))
	require.NoError(t, g.Acquire(LockAccountant))
	assert.Equal(t, []LockName{LockTraders, LockAccountant}, g.Held())

	// Going back up the order is rejected while accountant is still held.
	err := g.Acquire(LockSignalCombiner)
	require.Error(t, err)

	g.Release(LockAccountant)
	require.NoError(t, g.Acquire(LockLedgerSymbol))
	g.Release(LockLedgerSymbol)
	g.Release(LockTraders)
	assert.Empty(t, g.Held())
}

func TestGuardReleaseUnheldPanics(t *testing.T) {
	g := Default().NewGuard()
	assert.Panics(t, func() { g.Release(LockTraders) })
}

func TestConcurrentValidation(t *testing.T) {
	v := Default()

	// The validator is read-only after construction; hammer it from many
	// goroutines with valid and invalid sequences.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if i%2 == 0 {
					assert.NoError(t, v.ValidateOrder([]LockName{LockTraders, LockAccountant, LockLedgerState}))
				} else {
					assert.Error(t, v.ValidateOrder([]LockName{LockLedgerState, LockTraders}))
				}
			}
		}(i)
	}
	wg.Wait()
}
