// Package engine owns every logistics registry and runs them as one ordered,
// budgeted pipeline per tick. All methods except Snapshot must be called from
// the goroutine that drives Tick.
package engine

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/store"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inflight"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inputqueue"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/vinv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"
)

type Options struct {
	Tuning tuning.Tuning
	World  model.World
	// Renderer builds and collapses beam spans. It defaults to World when the
	// world also implements model.Renderer. Edges only activate over built
	// spans, so an engine without one never routes.
	Renderer model.Renderer
	// Store is optional; nil disables persistence.
	Store   *store.Store
	Events  EventSink
	Metrics MetricsRecorder
	Logger  *log.Logger
	// Seed feeds destination picks and drift rolls.
	Seed int64
	// Now defaults to time.Now. Tests substitute a fake clock.
	Now func() time.Time
}

type Engine struct {
	tun     tuning.Tuning
	world   model.World
	graph   *linkgraph.Graph
	finder  *routing.Finder
	inv     *vinv.Manager
	queues  *inputqueue.Manager
	jobs    *inflight.Processor
	store   *store.Store
	events  EventSink
	metrics MetricsRecorder
	logger  *log.Logger
	now     func() time.Time

	tick    uint64
	breaker breaker

	// nodes orders the registry for the round-robin scan cursor.
	nodes      *btree.BTreeG[model.NodeKey]
	cursor     model.NodeKey
	hasCursor  bool
	nodeStates map[model.NodeKey]*nodeState

	lastRefresh   uint64
	lastReconcile uint64

	jobsDirty       bool
	countersDirty   bool
	lastJobSave     uint64
	lastCounterSave uint64

	totals   Totals
	snapshot atomic.Value
}

// Totals are cumulative counters since the engine started.
type Totals struct {
	Ticks            uint64 `json:"ticks"`
	SkippedTicks     uint64 `json:"skipped_ticks"`
	Overruns         uint64 `json:"overruns"`
	BreakerTrips     uint64 `json:"breaker_trips"`
	TransfersStarted uint64 `json:"transfers_started"`
	UnitsStarted     uint64 `json:"units_started"`
	UnitsDelivered   uint64 `json:"units_delivered"`
	UnitsDropped     uint64 `json:"units_dropped"`
	JobsDelivered    uint64 `json:"jobs_delivered"`
	JobsDropped      uint64 `json:"jobs_dropped"`
	Drifts           uint64 `json:"drifts"`
	Reroutes         uint64 `json:"reroutes"`
	EdgesRemoved     uint64 `json:"edges_removed"`
	LeaksRepaired    uint64 `json:"leaks_repaired"`
	PersistTrimmed   uint64 `json:"persist_trimmed"`
	PersistedBytes   uint64 `json:"persisted_bytes"`
}

func New(opts Options) (*Engine, error) {
	if opts.World == nil {
		return nil, fmt.Errorf("engine: world is required")
	}
	r := opts.Renderer
	if r == nil {
		wr, ok := opts.World.(model.Renderer)
		if !ok {
			return nil, fmt.Errorf("engine: no renderer and %T does not implement model.Renderer", opts.World)
		}
		r = wr
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tun := opts.Tuning
	e := &Engine{
		tun:        tun,
		world:      opts.World,
		store:      opts.Store,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        now,
		breaker:    breaker{cfg: tun.Tick},
		nodes:      btree.NewBTreeG[model.NodeKey](func(a, b model.NodeKey) bool { return a.Less(b) }),
		nodeStates: map[model.NodeKey]*nodeState{},
	}
	e.graph = linkgraph.New(linkgraph.Config{MaxSpan: tun.Graph.MaxSpan, BuildWindowTicks: tun.Graph.BuildWindowTicks}, opts.World, r)
	e.graph.OnEdgeRemoved = e.onEdgeRemoved
	e.finder = routing.NewFinder(e.graph, routing.Weights{
		Filter: tun.Routing.FilterWeight,
		Sink:   tun.Routing.SinkWeight,
		Base:   tun.Routing.BaseWeight,
	}, tun.Routing.MaxVisited, rand.New(rand.NewSource(opts.Seed)))
	e.inv = vinv.New(func(it model.ItemType) int { return tun.MaxStack(string(it)) }, tun.Transfer.SinkCapacity)
	e.queues = inputqueue.New(inputqueue.Config{
		TTLTicks:             tun.Queue.TTLTicks,
		MaxEntriesPerNode:    tun.Queue.MaxEntriesPerNode,
		RerouteAfterFailures: tun.Queue.RerouteAfterFailures,
	})
	e.jobs = inflight.NewProcessor(e.graph, e.finder, e.inv, opts.World, inflight.Config{
		Tuning: tun,
		Rand:   rand.New(rand.NewSource(opts.Seed + 1)),
		Hooks: inflight.Hooks{
			OnDelivered: e.onDelivered,
			OnDrift:     e.onDrift,
			OnDropped:   e.onDropped,
		},
		Matcher: e.matchFor,
	})
	e.snapshot.Store(Diagnostics{Nodes: map[string]NodeStatus{}})
	return e, nil
}

// OnNodePlaced registers a node the world reports at key. It returns false if
// the world has no node there.
func (e *Engine) OnNodePlaced(key model.NodeKey) bool {
	info, ok := e.world.NodeInfo(key)
	if !ok {
		return false
	}
	e.graph.AddNode(key, info)
	e.nodes.Set(key)
	e.state(key)
	return true
}

// OnNodeRemoved drops the node, its edges and every queue entry that starts
// or ends there. In-flight jobs notice on their next step.
func (e *Engine) OnNodeRemoved(key model.NodeKey) {
	e.graph.RemoveNode(key)
	e.queues.RemoveNode(key)
	e.queues.InvalidateDestination(key)
	e.nodes.Delete(key)
	if st, ok := e.nodeStates[key]; ok {
		if st.moved > 0 {
			e.countersDirty = true
		}
		delete(e.nodeStates, key)
	}
}

// OnSpanBroken is the event path for a broken conduit block.
func (e *Engine) OnSpanBroken(dim string, pos model.Vec3i) int {
	return e.graph.HandleSpanBroken(dim, pos)
}

// Restore loads persisted jobs and counters. It must run before the first Tick.
func (e *Engine) Restore() (int, error) {
	if e.store == nil {
		return 0, nil
	}
	res, err := e.store.Load()
	if err != nil {
		return 0, err
	}
	n := e.jobs.Restore(res.Jobs, e.tick)
	for k, v := range res.Counters {
		e.state(k).moved = v
	}
	skipped := res.SkippedJobs + res.SkippedCounters
	e.emit(Event{Kind: EventRestored, Count: n, Detail: fmt.Sprintf("counters=%d skipped=%d", len(res.Counters), skipped)})
	e.logger.Printf("restored %d jobs, %d counters (%d skipped)", n, len(res.Counters), skipped)
	return n, nil
}

// Flush saves jobs and counters now regardless of intervals.
func (e *Engine) Flush() (store.SaveReport, error) {
	if e.store == nil {
		return store.SaveReport{}, nil
	}
	rep, err := e.store.Save(e.jobs.Records(), e.counterMap())
	if err == nil {
		e.jobsDirty, e.countersDirty = false, false
		e.lastJobSave, e.lastCounterSave = e.tick, e.tick
	}
	return rep, err
}

func (e *Engine) counterMap() map[model.NodeKey]int64 {
	out := make(map[model.NodeKey]int64, len(e.nodeStates))
	for k, st := range e.nodeStates {
		if st.moved > 0 {
			out[k] = st.moved
		}
	}
	return out
}

func (e *Engine) GetGraphStats() linkgraph.GraphStats { return e.graph.Stats() }

func (e *Engine) GetJobCount() int { return e.jobs.Count() }

func (e *Engine) GetQueueDepth(key model.NodeKey) int { return e.queues.Depth(key) }

// GetLastFailureReason returns the most recent non-OK transfer reason at key.
func (e *Engine) GetLastFailureReason(key model.NodeKey) (string, bool) {
	st, ok := e.nodeStates[key]
	if !ok || st.lastReason == "" {
		return "", false
	}
	return st.lastReason, true
}

// Level maps a node's lifetime transfer counter onto the configured thresholds.
func (e *Engine) Level(key model.NodeKey) int {
	st, ok := e.nodeStates[key]
	if !ok {
		return 0
	}
	return levelFor(e.tun.Levels, st.moved)
}

func (e *Engine) Jobs() []inflight.Job { return e.jobs.Jobs() }

func (e *Engine) Reservations() vinv.Stats { return e.inv.Stats() }

// PendingInbound exposes the reservation ledger for a container.
func (e *Engine) PendingInbound(ck model.ContainerKey, item model.ItemType) int {
	return e.inv.Pending(ck, item)
}

func (e *Engine) CurrentTick() uint64 { return e.tick }

func (e *Engine) onEdgeRemoved(ed linkgraph.Edge, reason string) {
	e.totals.EdgesRemoved++
	e.emit(Event{Kind: EventEdgeRemoved, Node: ed.ID.String(), Reason: reason})
}

func (e *Engine) onDelivered(j inflight.Job, units int) {
	e.totals.UnitsDelivered += uint64(units)
	if j.Amount <= 0 {
		e.totals.JobsDelivered++
	}
	e.jobsDirty = true
}

func (e *Engine) onDrift(j inflight.Job, reason string) {
	e.totals.Drifts++
}

func (e *Engine) onDropped(j inflight.Job, reason string) {
	e.totals.JobsDropped++
	e.totals.UnitsDropped += uint64(j.Amount)
	e.jobsDirty = true
	at := j.At()
	if at.IsZero() {
		at = j.Source
	}
	e.emit(Event{Kind: EventItemDropped, Node: at.String(), Item: string(j.Item), Amount: j.Amount, Reason: reason})
	e.logger.Printf("job %d dropped %d %s at %s: %s", j.ID, j.Amount, j.Item, at, reason)
}

// matchFor builds the destination predicate for item leaving src.
func (e *Engine) matchFor(item model.ItemType, src model.NodeKey) routing.MatchFunc {
	refinable := e.tun.Refinable(string(item))
	return func(key model.NodeKey, info model.NodeInfo) (routing.Match, bool) {
		if key == src {
			return routing.Match{}, false
		}
		if info.Sink {
			if !refinable {
				return routing.Match{}, false
			}
			return routing.Match{Kind: routing.DestSink, Preference: routing.PreferSink}, true
		}
		if !info.Accepts(item) || len(e.world.AttachedContainers(key)) == 0 {
			return routing.Match{}, false
		}
		if info.FilterMatches(item) {
			return routing.Match{Kind: routing.DestContainer, Preference: routing.PreferFilter}, true
		}
		return routing.Match{Kind: routing.DestContainer}, true
	}
}

// refreshRegistry reconciles the node registry with what the world reports.
func (e *Engine) refreshRegistry() (added, removed int) {
	live := e.world.LiveNodes()
	seen := make(map[model.NodeKey]bool, len(live))
	for _, k := range live {
		seen[k] = true
		info, ok := e.world.NodeInfo(k)
		if !ok {
			continue
		}
		cur, known := e.graph.Node(k)
		if !known {
			e.OnNodePlaced(k)
			added++
			continue
		}
		if !sameInfo(cur, info) {
			e.graph.AddNode(k, info)
		}
	}
	var gone []model.NodeKey
	e.nodes.Scan(func(k model.NodeKey) bool {
		if !seen[k] {
			gone = append(gone, k)
		}
		return true
	})
	for _, k := range gone {
		e.OnNodeRemoved(k)
		removed++
	}
	return added, removed
}

func sameInfo(a, b model.NodeInfo) bool {
	if model.ClampTier(a.Tier) != model.ClampTier(b.Tier) || a.Sink != b.Sink || len(a.Filter) != len(b.Filter) {
		return false
	}
	x := append([]model.ItemType(nil), a.Filter...)
	y := append([]model.ItemType(nil), b.Filter...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
