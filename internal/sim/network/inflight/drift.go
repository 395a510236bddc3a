package inflight

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/vinv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"
)

// SettleChance is the probability a job settles at its current node:
// base + hops*hopGain + reroutes*rerouteGain, clamped to [0, max for mode].
func SettleChance(d tuning.Drift, hops, reroutes int, mode Mode) float64 {
	c := d.SettleBase + float64(hops)*d.HopGain + float64(reroutes)*d.RerouteGain
	ceiling := d.MaxChanceDrift
	if mode == ModeDirect {
		ceiling = d.MaxChanceDirect
	}
	if c < 0 {
		return 0
	}
	if c > ceiling {
		return ceiling
	}
	return c
}

// Cooldown is the wait after a failed settle: min(base + reroutes*perReroute, max).
func Cooldown(d tuning.Drift, reroutes int) int {
	c := d.CooldownBaseTicks + reroutes*d.CooldownPerReroute
	if c > d.CooldownMaxTicks {
		c = d.CooldownMaxTicks
	}
	if c < 0 {
		return 0
	}
	return c
}

// enterDrift hands a job to the drift router at its current node. Any ticket
// it still holds is released; drifting jobs own no reservation.
func (p *Processor) enterDrift(j *Job, tick uint64, reason string) {
	p.releaseTicket(j)
	cur := j.At()
	j.Mode = ModeDrift
	j.State = StateDrifting
	j.LastReason = reason
	j.Path = []model.NodeKey{cur}
	j.Edges = nil
	j.Lengths = nil
	j.Step = 0
	j.TicksUntilStep = 0
	j.CooldownUntil = tick + uint64(Cooldown(p.tun.Drift, j.Reroutes))
	if p.hooks.OnDrift != nil {
		p.hooks.OnDrift(*j, reason)
	}
}

// driftAtNode runs once a drifting job has arrived at a node: periodic route
// reacquire, a settle roll, and otherwise a hop to a random neighbor.
func (p *Processor) driftAtNode(tc *model.TickContext, j *Job, res *AdvanceResult) {
	cur := j.At()
	if !p.graph.HasNode(cur) {
		p.drop(j, model.ReasonNodeGone, res)
		return
	}
	if j.Hops > p.tun.Drift.MaxHops {
		p.drop(j, model.ReasonHopLimit, res)
		return
	}

	if every := p.tun.Drift.ReacquireEveryHops; every > 0 && j.Hops > 0 && j.Hops%every == 0 {
		if p.reacquire(tc, j) {
			res.Rerouted++
			return
		}
	}

	chance := SettleChance(p.tun.Drift, j.Hops, j.Reroutes, ModeDrift)
	if p.rng.Float64() < chance {
		if p.settle(j, cur, res) {
			return
		}
	}

	j.Reroutes++
	nb, ok := p.pickNeighbor(cur, j.Prev)
	j.CooldownUntil = tc.Tick + uint64(Cooldown(p.tun.Drift, j.Reroutes))
	if !ok {
		j.TicksUntilStep = 0
		return
	}
	j.Path = []model.NodeKey{cur, nb.Key}
	j.Edges = []linkgraph.EdgeRef{nb.Ref()}
	j.Lengths = []int{nb.Length}
	j.Step = 0
	j.TicksUntilStep = p.hopTicks(j, nb.Length)
}

// pickNeighbor chooses a random active neighbor, avoiding prev unless it is
// the only way out.
func (p *Processor) pickNeighbor(cur, prev model.NodeKey) (linkgraph.Neighbor, bool) {
	all := p.graph.Neighbors(cur, false)
	if len(all) == 0 {
		return linkgraph.Neighbor{}, false
	}
	opts := make([]linkgraph.Neighbor, 0, len(all))
	for _, nb := range all {
		if nb.Key != prev {
			opts = append(opts, nb)
		}
	}
	if len(opts) == 0 {
		opts = all
	}
	return opts[p.rng.Intn(len(opts))], true
}

// reacquire looks for a full route from the job's node to any accepting
// destination and, if found with capacity, returns the job to direct mode.
func (p *Processor) reacquire(tc *model.TickContext, j *Job) bool {
	if p.matcher == nil {
		return false
	}
	match := p.matcher(j.Item, j.At())
	r, out := p.finder.FindRoute(j.At(), match, &tc.Searches)
	if out != routing.Found {
		return false
	}
	ck, ticket, ok := p.reserveFor(r, j.Item, j.Amount)
	if !ok {
		return false
	}
	j.setRoute(r)
	j.DestContainer = ck
	j.Ticket = ticket
	j.Mode = ModeDirect
	j.State = StateRerouting
	j.Reroutes++
	j.CooldownUntil = 0
	if len(j.Lengths) > 0 {
		j.TicksUntilStep = p.hopTicks(j, j.Lengths[0])
	}
	return true
}

// reserveFor books room for amount at the route's destination. Containers must
// have virtual room for the full amount.
func (p *Processor) reserveFor(r routing.Route, item model.ItemType, amount int) (model.ContainerKey, vinv.Ticket, bool) {
	if r.DestKind == routing.DestSink {
		if p.inv.VirtualSinkCapacity(r.Dest, item) < amount {
			return model.ContainerKey{}, vinv.Ticket{}, false
		}
		return model.ContainerKey{}, p.inv.Reserve(vinv.SinkKey(r.Dest), item, amount), true
	}
	for _, ck := range p.world.AttachedContainers(r.Dest) {
		inv, ok := model.ResolveInventory(p.world, ck)
		if !ok {
			continue
		}
		if p.inv.VirtualCapacity(ck, item, inv) >= amount {
			return ck, p.inv.Reserve(ck, item, amount), true
		}
	}
	return model.ContainerKey{}, vinv.Ticket{}, false
}

// settle tries to place the job's payload at node. Room is whatever virtual
// capacity other jobs have not already booked.
func (p *Processor) settle(j *Job, node model.NodeKey, res *AdvanceResult) bool {
	info, ok := p.graph.Node(node)
	if !ok {
		return false
	}
	if info.Sink {
		if !p.tun.Refinable(string(j.Item)) {
			return false
		}
		room := min(j.Amount, p.inv.VirtualSinkCapacity(node, j.Item))
		if room <= 0 {
			return false
		}
		n := p.world.SinkAccept(node, model.ItemStack{Type: j.Item, Count: room})
		return p.settled(j, n, res)
	}
	if !info.Accepts(j.Item) {
		return false
	}
	for _, ck := range p.world.AttachedContainers(node) {
		inv, ok := model.ResolveInventory(p.world, ck)
		if !ok {
			continue
		}
		room := min(j.Amount, p.inv.VirtualCapacity(ck, j.Item, inv))
		if room <= 0 {
			continue
		}
		n := model.Insert(inv, model.ItemStack{Type: j.Item, Count: room}, p.tun.MaxStack(string(j.Item)))
		if p.settled(j, n, res) {
			return true
		}
	}
	return false
}

func (p *Processor) settled(j *Job, n int, res *AdvanceResult) bool {
	if n <= 0 {
		return false
	}
	j.Amount -= n
	res.UnitsDelivered += n
	if p.hooks.OnDelivered != nil {
		p.hooks.OnDelivered(*j, n)
	}
	if j.Amount > 0 {
		return false
	}
	j.State = StateDelivered
	res.Settled++
	return true
}
