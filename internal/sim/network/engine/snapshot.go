package engine

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

// Diagnostics is a read-only copy of engine state published at the end of
// every tick. It is safe to read from any goroutine.
type Diagnostics struct {
	Tick   uint64  `json:"tick"`
	StepMS float64 `json:"step_ms"`

	Graph      linkgraph.GraphStats `json:"graph"`
	Jobs       int                  `json:"jobs"`
	JobsDirect int                  `json:"jobs_direct"`
	JobsDrift  int                  `json:"jobs_drift"`
	QueueDepth int                  `json:"queue_depth"`

	Reservations        int    `json:"reservations"`
	Suspended           bool   `json:"suspended"`
	ResumeAtTick        uint64 `json:"resume_at_tick,omitempty"`
	ConsecutiveOverruns int    `json:"consecutive_overruns"`

	LastTransfers map[string]int        `json:"last_transfers,omitempty"`
	Totals        Totals                `json:"totals"`
	Nodes         map[string]NodeStatus `json:"nodes"`
}

type NodeStatus struct {
	QueueDepth   int    `json:"queue_depth"`
	LastFailure  string `json:"last_failure,omitempty"`
	Level        int    `json:"level"`
	Moved        int64  `json:"moved"`
	BackoffUntil uint64 `json:"backoff_until,omitempty"`
}

// Snapshot returns the diagnostics published by the most recent tick.
func (e *Engine) Snapshot() Diagnostics {
	v := e.snapshot.Load()
	if v == nil {
		return Diagnostics{}
	}
	return v.(Diagnostics)
}

// Node looks a node up in the latest snapshot.
func (d Diagnostics) Node(key model.NodeKey) (NodeStatus, bool) {
	st, ok := d.Nodes[key.String()]
	return st, ok
}

func (e *Engine) publish(rep *TickReport) {
	direct, drift := e.jobs.CountByMode()
	d := Diagnostics{
		Tick:                rep.Tick,
		StepMS:              float64(rep.Duration.Microseconds()) / 1000.0,
		Graph:               e.graph.Stats(),
		Jobs:                direct + drift,
		JobsDirect:          direct,
		JobsDrift:           drift,
		QueueDepth:          e.queues.TotalDepth(),
		Reservations:        e.inv.Stats().Outstanding,
		Suspended:           e.breaker.suspended(rep.Tick),
		ConsecutiveOverruns: e.breaker.consecutive,
		Totals:              e.totals,
		Nodes:               make(map[string]NodeStatus, e.nodes.Len()),
	}
	if d.Suspended {
		d.ResumeAtTick = e.breaker.resumeAt
	}
	if len(rep.Transfers) > 0 {
		d.LastTransfers = make(map[string]int, len(rep.Transfers))
		for k, v := range rep.Transfers {
			d.LastTransfers[k] = v
		}
	}
	e.nodes.Scan(func(k model.NodeKey) bool {
		ns := NodeStatus{QueueDepth: e.queues.Depth(k)}
		if st, ok := e.nodeStates[k]; ok {
			ns.LastFailure = st.lastReason
			ns.Moved = st.moved
			ns.Level = levelFor(e.tun.Levels, st.moved)
			if st.backoffUntil > rep.Tick {
				ns.BackoffUntil = st.backoffUntil
			}
		}
		d.Nodes[k.String()] = ns
		return true
	})
	e.snapshot.Store(d)
}
