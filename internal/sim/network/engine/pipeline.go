package engine

import (
	"time"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/store"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inflight"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inputqueue"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
)

// TickReport summarizes one call to Tick.
type TickReport struct {
	Tick      uint64        `json:"tick"`
	Skipped   bool          `json:"skipped,omitempty"`
	Suspended bool          `json:"suspended,omitempty"`
	Overrun   bool          `json:"overrun,omitempty"`
	Tripped   bool          `json:"tripped,omitempty"`
	Duration  time.Duration `json:"duration_ns"`

	RegistryAdded   int                      `json:"registry_added,omitempty"`
	RegistryRemoved int                      `json:"registry_removed,omitempty"`
	Rebuild         linkgraph.RebuildResult  `json:"rebuild"`
	Validate        linkgraph.ValidateResult `json:"validate"`
	NodesScanned    int                      `json:"nodes_scanned"`
	Enqueued        int                      `json:"enqueued"`
	Transfers       map[string]int           `json:"transfers,omitempty"`
	Spawned         int                      `json:"spawned"`
	Advance         inflight.AdvanceResult   `json:"advance"`
	Leaks           int                      `json:"leaks,omitempty"`
	Pruned          int                      `json:"pruned,omitempty"`
	Saved           bool                     `json:"saved,omitempty"`
	Save            store.SaveReport         `json:"save"`
}

func budgetOf(n int) model.Budget {
	if n <= 0 {
		return model.Unlimited()
	}
	return model.NewBudget(n)
}

func (e *Engine) newTickContext(tick uint64) *model.TickContext {
	start := e.now()
	b := e.tun.Budgets
	tc := &model.TickContext{
		Tick:        tick,
		Transfers:   budgetOf(b.MaxTransfersPerTick),
		Searches:    budgetOf(b.MaxSearchesPerTick),
		Rebuilds:    budgetOf(b.MaxEdgeRebuildsPerTick),
		Validations: budgetOf(b.MaxEdgeValidationsPerTick),
		Nodes:       budgetOf(b.MaxNodesScannedPerTick),
		Started:     start,
		Now:         e.now,
	}
	if ms := e.tun.Tick.SoftBudgetMs; ms > 0 {
		tc.Deadline = start.Add(time.Duration(ms) * time.Millisecond)
	}
	tc.TransfersSuspended = e.breaker.suspended(tick)
	return tc
}

// Tick runs one pipeline pass: guard, registry refresh, edge rebuild and
// validation, queue scan, transfer starts, job advancement, reservation
// reconcile, persistence. It is the single entry point the host calls per
// game tick.
func (e *Engine) Tick(nowTick uint64) TickReport {
	e.tick = nowTick
	rep := TickReport{Tick: nowTick}
	e.totals.Ticks++

	// Guard.
	if e.breaker.shouldSkip() {
		rep.Skipped = true
		e.totals.SkippedTicks++
		e.emit(Event{Kind: EventTickSkipped, Reason: model.ReasonTickOverrun, Count: e.breaker.consecutive})
		e.logger.Printf("tick %d skipped after %d consecutive overruns", nowTick, e.breaker.consecutive)
		e.finish(&rep, nil)
		return rep
	}
	if e.breaker.recovered(nowTick) {
		e.emit(Event{Kind: EventBreakerRecovered})
		e.logger.Printf("tick %d: transfers resumed", nowTick)
	}
	tc := e.newTickContext(nowTick)
	rep.Suspended = tc.TransfersSuspended

	// Registry refresh.
	if every := uint64(e.tun.Tick.RegistryRefreshTicks); e.lastRefresh == 0 || (every > 0 && nowTick-e.lastRefresh >= every) {
		rep.RegistryAdded, rep.RegistryRemoved = e.refreshRegistry()
		e.lastRefresh = max(nowTick, 1)
	}

	// Edges.
	rep.Rebuild = e.graph.RebuildDirty(&tc.Rebuilds, nowTick)
	rep.Validate = e.graph.ValidateEdges(&tc.Validations, nowTick)

	// Scan + transfers. Both are starts of new work and stop while suspended.
	if !tc.TransfersSuspended {
		visited := e.scanPhase(tc, &rep)
		e.transferPhase(tc, visited, &rep)
	}

	// In-flight.
	rep.Advance = e.jobs.Advance(tc)
	e.totals.Reroutes += uint64(rep.Advance.Rerouted)
	if rep.Advance.Stepped > 0 {
		e.jobsDirty = true
	}

	// Virtual state.
	if every := uint64(e.tun.Tick.VirtualReconcileTicks); every > 0 && nowTick-e.lastReconcile >= every {
		e.lastReconcile = nowTick
		for _, t := range e.inv.Reconcile(e.jobs.LiveTickets()) {
			rep.Leaks++
			e.emit(Event{Kind: EventReservationLeak, Node: t.Container.String(), Item: string(t.Item), Amount: t.Amount, Reason: model.ReasonReservationLeak})
		}
		if rep.Leaks > 0 {
			e.totals.LeaksRepaired += uint64(rep.Leaks)
			e.logger.Printf("tick %d: repaired %d leaked reservations", nowTick, rep.Leaks)
		}
		rep.Pruned = e.queues.Prune(nowTick)
	}

	// Persistence.
	e.persistPhase(tc, &rep)

	e.finish(&rep, tc)
	return rep
}

// scanPhase walks the node registry from the round-robin cursor, refreshing
// each node's queue from its attached containers. It returns the visited
// nodes that have queued work.
func (e *Engine) scanPhase(tc *model.TickContext, rep *TickReport) []model.NodeKey {
	var visited []model.NodeKey
	for _, key := range e.nextNodes(tc.Nodes.Remaining()) {
		if tc.OverDeadline() || !tc.Nodes.Take() {
			break
		}
		e.cursor, e.hasCursor = key, true
		rep.NodesScanned++
		st := e.state(key)
		if st.backoffUntil > tc.Tick {
			continue
		}
		info, ok := e.graph.Node(key)
		if !ok || info.Sink {
			continue
		}
		rescan := uint64(max(1, e.tun.Queue.RescanTicks))
		if !st.scanned || !e.queues.HasQueue(key) || tc.Tick-st.lastScan >= rescan {
			rep.Enqueued += e.scanNode(tc, key, info)
			st.scanned, st.lastScan = true, tc.Tick
		}
		if e.queues.HasQueue(key) {
			visited = append(visited, key)
		}
	}
	return visited
}

// nextNodes returns up to n registry keys after the cursor, wrapping around.
func (e *Engine) nextNodes(n int) []model.NodeKey {
	n = min(n, e.nodes.Len())
	if n <= 0 {
		return nil
	}
	out := make([]model.NodeKey, 0, n)
	collect := func(k model.NodeKey) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, k)
		return true
	}
	if !e.hasCursor {
		e.nodes.Scan(collect)
		return out
	}
	e.nodes.Ascend(e.cursor, func(k model.NodeKey) bool {
		if k == e.cursor {
			return true
		}
		return collect(k)
	})
	if len(out) < n {
		e.nodes.Scan(func(k model.NodeKey) bool {
			if e.cursor.Less(k) {
				return false
			}
			return collect(k)
		})
	}
	return out
}

// scanNode enqueues every extractable item type at key. Items a filtered node
// names are held there, not exported. New types get a route search while the
// search budget lasts.
func (e *Engine) scanNode(tc *model.TickContext, key model.NodeKey, info model.NodeInfo) int {
	var sources []inputqueue.Source
	for _, ck := range e.world.AttachedContainers(key) {
		inv, ok := model.ResolveInventory(e.world, ck)
		if !ok {
			e.queues.Invalidate(key, ck)
			continue
		}
		for slot := 0; slot < inv.Size(); slot++ {
			st, ok := inv.Get(slot)
			if !ok || st.Empty() {
				continue
			}
			if info.HasFilter() && info.FilterMatches(st.Type) {
				continue
			}
			sources = append(sources, inputqueue.Source{Container: ck, Slot: slot, Item: st.Type, Count: st.Count})
		}
	}
	if len(sources) == 0 {
		return 0
	}
	routes := map[model.ItemType]routing.Route{}
	for _, it := range e.queues.NewTypes(key, sources) {
		if tc.Searches.Exhausted() {
			break
		}
		if r, out := e.finder.FindRoute(key, e.matchFor(it, key), &tc.Searches); out == routing.Found {
			routes[it] = r
		}
	}
	res := e.queues.Enqueue(key, sources, routes, tc.Tick)
	return res.Added
}

// transferPhase starts jobs from the queues of visited nodes. Each node gets
// at most MaxItemsPerNodePerTick attempts and is cut off after
// MaxConsecutiveFailures failures in a row.
func (e *Engine) transferPhase(tc *model.TickContext, visited []model.NodeKey, rep *TickReport) {
	perNode := max(1, e.tun.Budgets.MaxItemsPerNodePerTick)
	cutoff := max(1, e.tun.Budgets.MaxConsecutiveFailures)
	for _, key := range visited {
		if tc.Transfers.Exhausted() || tc.OverDeadline() {
			break
		}
		exclude := map[model.ItemType]bool{}
		ok, transient, streak := 0, 0, 0
		for i := 0; i < perNode; i++ {
			entry, found := e.queues.GetNext(key, exclude, tc.Tick)
			if !found {
				break
			}
			exclude[entry.Item] = true
			res := e.AttemptTransfer(tc, key, entry)
			if rep.Transfers == nil {
				rep.Transfers = map[string]int{}
			}
			rep.Transfers[res.Reason]++
			if res.OK() {
				ok++
				streak = 0
				rep.Spawned++
				continue
			}
			e.recordFailure(key, res.Reason, tc.Tick)
			if !backoffExempt(res.Reason) {
				if model.Class(res.Reason) == model.ClassTransient {
					transient++
				}
				e.queues.MarkFailed(key, entry.Item)
			}
			if res.Reason == model.ReasonTransferBudget {
				break
			}
			streak++
			if streak >= cutoff {
				break
			}
		}
		e.settleNode(key, ok, transient, tc.Tick)
	}
}

// persistPhase saves jobs when the job set changed or the save interval has
// passed, and counters only when dirty and past their minimum interval.
func (e *Engine) persistPhase(tc *model.TickContext, rep *TickReport) {
	if e.store == nil || tc.OverDeadline() {
		return
	}
	p := e.tun.Persistence
	tick := tc.Tick
	jobEvery := uint64(max(1, p.JobSaveIntervalTicks))
	counterEvery := uint64(max(1, p.CounterMinIntervalTicks))

	saveJobs := e.jobsDirty && (rep.Spawned > 0 || rep.Advance.Delivered+rep.Advance.Settled+rep.Advance.Dropped > 0 || tick-e.lastJobSave >= jobEvery)
	if saveJobs {
		r, err := e.store.SaveJobs(e.jobs.Records())
		rep.Save.Jobs, rep.Saved = r, true
		if err != nil {
			e.persistFailed("jobs", err)
		} else {
			e.jobsDirty = false
			e.lastJobSave = tick
			e.afterSave("jobs", r)
		}
	}
	if e.countersDirty && tick-e.lastCounterSave >= counterEvery {
		r, err := e.store.SaveCounters(e.counterMap())
		rep.Save.Counters, rep.Saved = r, true
		if err != nil {
			e.persistFailed("counters", err)
		} else {
			e.countersDirty = false
			e.lastCounterSave = tick
			e.afterSave("counters", r)
		}
	}
}

func (e *Engine) afterSave(what string, r store.SectionReport) {
	e.totals.PersistedBytes += uint64(r.Bytes)
	if r.Trimmed == 0 {
		return
	}
	e.totals.PersistTrimmed += uint64(r.Trimmed)
	e.emit(Event{Kind: EventPersistTrimmed, Detail: what, Count: r.Trimmed})
	e.logger.Printf("persist %s: trimmed %d entries to fit %d bytes", what, r.Trimmed, r.Bytes)
}

func (e *Engine) persistFailed(what string, err error) {
	e.emit(Event{Kind: EventPersistFailed, Detail: what + ": " + err.Error()})
	e.logger.Printf("persist %s: %v", what, err)
}

// finish feeds the breaker, publishes the snapshot and reports metrics.
func (e *Engine) finish(rep *TickReport, tc *model.TickContext) {
	if tc != nil {
		rep.Duration = tc.Elapsed()
		ms := float64(rep.Duration.Microseconds()) / 1000.0
		rep.Overrun, rep.Tripped = e.breaker.observe(rep.Tick, ms)
		if rep.Overrun {
			e.totals.Overruns++
		}
		if rep.Tripped {
			e.totals.BreakerTrips++
			e.emit(Event{Kind: EventBreakerTripped, Reason: model.ReasonTickOverrun, Count: e.breaker.consecutive})
			e.logger.Printf("tick %d: %d consecutive overruns (%.1fms), suspending transfers until tick %d",
				rep.Tick, e.breaker.consecutive, ms, e.breaker.resumeAt)
		}
	}
	e.publish(rep)
	if e.metrics != nil {
		e.metrics.ObserveTick(*rep)
	}
}
