package engine

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

// nodeState is the per-node scheduling bookkeeping the engine keeps beside
// the graph: backoff, last failure and the persisted transfer counter.
type nodeState struct {
	failures     int
	backoffUntil uint64
	lastReason   string
	lastReasonAt uint64
	lastScan     uint64
	scanned      bool
	moved        int64
}

func (e *Engine) state(key model.NodeKey) *nodeState {
	st, ok := e.nodeStates[key]
	if !ok {
		st = &nodeState{}
		e.nodeStates[key] = st
	}
	return st
}

// backoffTicks doubles from the base per consecutive failure, capped at max.
func (e *Engine) backoffTicks(failures int) uint64 {
	base := max(1, e.tun.Backoff.BaseTicks)
	limit := max(base, e.tun.Backoff.MaxTicks)
	n := base
	for i := 1; i < failures && n < limit; i++ {
		n *= 2
	}
	return uint64(min(n, limit))
}

func (e *Engine) recordFailure(key model.NodeKey, reason string, tick uint64) {
	st := e.state(key)
	st.lastReason = reason
	st.lastReasonAt = tick
}

// settleNode applies the outcome of one tick's transfer attempts at a node.
func (e *Engine) settleNode(key model.NodeKey, ok, transient int, tick uint64) {
	st := e.state(key)
	switch {
	case ok > 0:
		st.failures = 0
		st.backoffUntil = 0
	case transient > 0:
		st.failures++
		st.backoffUntil = tick + e.backoffTicks(st.failures)
	}
}

// levelFor counts how many thresholds moved has reached.
func levelFor(levels []int64, moved int64) int {
	n := 0
	for _, t := range levels {
		if moved < t {
			break
		}
		n++
	}
	return n
}

// backoffExempt reasons are global conditions rather than a node's fault.
func backoffExempt(reason string) bool {
	switch reason {
	case model.ReasonTransferBudget, model.ReasonSearchBudget, model.ReasonSuspended, model.ReasonOK:
		return true
	}
	return false
}
