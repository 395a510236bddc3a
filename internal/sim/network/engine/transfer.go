package engine

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inflight"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inputqueue"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/vinv"
)

type TransferResult struct {
	Reason string
	Moved  int
	JobID  uint64
	Dest   model.NodeKey
}

func (r TransferResult) OK() bool { return r.Reason == model.ReasonOK }

func fail(reason string) TransferResult { return TransferResult{Reason: reason} }

// AttemptTransfer tries to start one job for a queue entry at node. Capacity
// is checked and reserved through the ledger before anything leaves the
// source; on any non-OK result no job exists and no reservation remains.
func (e *Engine) AttemptTransfer(tc *model.TickContext, node model.NodeKey, entry *inputqueue.Entry) TransferResult {
	if tc.TransfersSuspended {
		return fail(model.ReasonSuspended)
	}
	if tc.Transfers.Exhausted() {
		return fail(model.ReasonTransferBudget)
	}
	item := entry.Item
	srcInfo, ok := e.graph.Node(node)
	if !ok {
		return fail(model.ReasonNodeGone)
	}
	srcInv, ok := model.ResolveInventory(e.world, entry.Container)
	if !ok {
		e.queues.Invalidate(node, entry.Container)
		return fail(model.ReasonItemGone)
	}
	avail := e.inv.AvailableToExtract(entry.Container, item, srcInv)
	if avail <= 0 {
		e.queues.Remove(node, item)
		return fail(model.ReasonItemGone)
	}

	r, reason := e.routeFor(tc, node, entry)
	if reason != model.ReasonOK {
		return fail(reason)
	}
	destInfo, ok := e.graph.Node(r.Dest)
	if !ok {
		entry.ClearRoute()
		return fail(model.ReasonNoDestination)
	}

	var (
		ck       model.ContainerKey
		destInv  model.Inventory
		capacity int
	)
	if r.DestKind == routing.DestSink {
		capacity = e.inv.VirtualSinkCapacity(r.Dest, item)
	} else {
		if !destInfo.Accepts(item) {
			entry.ClearRoute()
			return fail(model.ReasonFiltered)
		}
		ck, destInv, capacity = e.destContainer(r.Dest, item, entry)
		if ck.IsZero() {
			entry.ClearRoute()
			return fail(model.ReasonNoDestination)
		}
	}
	if capacity <= 0 {
		// Another reachable destination may have room; pick again next time.
		entry.ClearRoute()
		return TransferResult{Reason: model.ReasonFull, Dest: r.Dest}
	}

	tierMax := max(1, e.tun.MaxTransfer(srcInfo.Tier))
	amount := min(avail, tierMax)
	if e.tun.Transfer.BalanceEnabled && r.DestKind == routing.DestContainer {
		have := model.CountItem(destInv, item) + e.inv.Pending(ck, item)
		n, ok := e.balanceAmount(avail, have, tierMax, destInfo.FilterMatches(item))
		if !ok {
			entry.ClearRoute()
			return TransferResult{Reason: model.ReasonBalanced, Dest: r.Dest}
		}
		amount = n
	}
	amount = min(amount, avail, capacity)
	if amount <= 0 {
		entry.ClearRoute()
		return TransferResult{Reason: model.ReasonFull, Dest: r.Dest}
	}

	key := ck
	if r.DestKind == routing.DestSink {
		key = vinv.SinkKey(r.Dest)
	}
	ticket := e.inv.Reserve(key, item, amount)
	taken, slot := model.Extract(srcInv, item, amount, entry.SlotHint)
	if taken <= 0 {
		e.inv.Release(ticket)
		e.queues.Remove(node, item)
		return fail(model.ReasonItemGone)
	}
	if taken < amount {
		e.inv.Release(ticket)
		ticket = e.inv.Reserve(key, item, taken)
	}
	tc.Transfers.Take()
	entry.SlotHint = slot

	job := e.jobs.Spawn(inflight.JobSpec{
		Item:          item,
		Amount:        taken,
		Route:         r,
		DestContainer: ck,
		Ticket:        ticket,
		Tier:          srcInfo.Tier,
		Source:        node,
	}, tc.Tick)
	e.queues.UpdateAfterTransfer(node, item, taken, model.CountItem(srcInv, item), tc.Tick)

	e.state(node).moved += int64(taken)
	e.countersDirty = true
	e.jobsDirty = true
	e.totals.TransfersStarted++
	e.totals.UnitsStarted += uint64(taken)
	return TransferResult{Reason: model.ReasonOK, Moved: taken, JobID: job.ID, Dest: r.Dest}
}

// routeFor reuses the entry's cached route while every edge on it is still
// current and it is younger than RouteRefreshTicks, otherwise searches and
// caches a fresh one.
func (e *Engine) routeFor(tc *model.TickContext, node model.NodeKey, entry *inputqueue.Entry) (routing.Route, string) {
	if entry.HasRoute {
		fresh := !entry.RouteStale(tc.Tick, uint64(max(0, e.tun.Queue.RouteRefreshTicks)))
		if fresh && routing.RouteValid(entry.Route, e.graph) && e.graph.HasNode(entry.Route.Dest) {
			return entry.Route, model.ReasonOK
		}
		entry.ClearRoute()
	}
	r, out := e.finder.FindRoute(node, e.matchFor(entry.Item, node), &tc.Searches)
	if out != routing.Found {
		return routing.Route{}, out.Reason()
	}
	e.queues.SetRoute(node, entry.Item, r, model.ContainerKey{}, tc.Tick)
	return r, model.ReasonOK
}

// destContainer returns the entry's cached container while it is still
// attached to dest and has room, otherwise picks one and caches it.
func (e *Engine) destContainer(dest model.NodeKey, item model.ItemType, entry *inputqueue.Entry) (model.ContainerKey, model.Inventory, int) {
	if ck := entry.DestContainer; !ck.IsZero() && e.attached(dest, ck) {
		if inv, ok := model.ResolveInventory(e.world, ck); ok {
			if c := e.inv.VirtualCapacity(ck, item, inv); c > 0 {
				return ck, inv, c
			}
		}
	}
	ck, inv, c := e.pickContainer(dest, item)
	entry.DestContainer = ck
	return ck, inv, c
}

func (e *Engine) attached(dest model.NodeKey, ck model.ContainerKey) bool {
	for _, c := range e.world.AttachedContainers(dest) {
		if c == ck {
			return true
		}
	}
	return false
}

// pickContainer chooses the attached container with the most virtual room.
func (e *Engine) pickContainer(dest model.NodeKey, item model.ItemType) (model.ContainerKey, model.Inventory, int) {
	var (
		best    model.ContainerKey
		bestInv model.Inventory
		bestCap = -1 << 31
	)
	for _, ck := range e.world.AttachedContainers(dest) {
		inv, ok := model.ResolveInventory(e.world, ck)
		if !ok {
			continue
		}
		if c := e.inv.VirtualCapacity(ck, item, inv); c > bestCap {
			best, bestInv, bestCap = ck, inv, c
		}
	}
	if best.IsZero() {
		return model.ContainerKey{}, nil, 0
	}
	return best, bestInv, bestCap
}

// balanceAmount moves half the difference between source and destination,
// clamped to [min, tierMax]. When that falls below min, a destination whose
// filter names the item still gets max(min, src*fallbackFraction); any other
// destination is considered balanced.
func (e *Engine) balanceAmount(src, dst, tierMax int, filterMatch bool) (int, bool) {
	lo := max(1, e.tun.Transfer.MinTransfer)
	half := (src - dst) / 2
	if half >= lo {
		return min(half, tierMax), true
	}
	if !filterMatch {
		return 0, false
	}
	fb := max(lo, int(float64(src)*e.tun.Transfer.BalanceFallbackFraction))
	return min(fb, tierMax), true
}
