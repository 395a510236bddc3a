package inflight

import (
	"math/rand"
	"sort"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/vinv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"
)

// Graph is the part of the link graph jobs travel over.
type Graph interface {
	Neighbors(key model.NodeKey, includePending bool) []linkgraph.Neighbor
	Node(key model.NodeKey) (model.NodeInfo, bool)
	HasNode(key model.NodeKey) bool
	EdgeValid(ref linkgraph.EdgeRef) bool
	CurrentEpoch(id linkgraph.EdgeID) (uint64, bool)
	DirtyCount() int
}

type RouteFinder interface {
	FindRoute(src model.NodeKey, match routing.MatchFunc, budget *model.Budget) (routing.Route, routing.Outcome)
}

type Hooks struct {
	OnDelivered func(j Job, units int)
	OnDrift     func(j Job, reason string)
	// OnDropped fires on the world-drop path, the only way a payload is lost.
	OnDropped func(j Job, reason string)
}

type Config struct {
	Tuning tuning.Tuning
	Rand   *rand.Rand
	Hooks  Hooks
	// Matcher builds the destination match a drifting job uses to look for a
	// fresh route from its current node.
	Matcher func(item model.ItemType, from model.NodeKey) routing.MatchFunc
}

type AdvanceResult struct {
	Active         int
	Stepped        int
	Delivered      int
	Settled        int
	Rerouted       int
	Drifted        int
	Dropped        int
	Waiting        int
	UnitsDelivered int
	UnitsDropped   int
}

type Processor struct {
	graph   Graph
	finder  RouteFinder
	inv     *vinv.Manager
	world   model.World
	tun     tuning.Tuning
	rng     *rand.Rand
	hooks   Hooks
	matcher func(item model.ItemType, from model.NodeKey) routing.MatchFunc

	jobs   []*Job
	nextID uint64
}

func NewProcessor(g Graph, f RouteFinder, inv *vinv.Manager, w model.World, cfg Config) *Processor {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Processor{
		graph:   g,
		finder:  f,
		inv:     inv,
		world:   w,
		tun:     cfg.Tuning,
		rng:     rng,
		hooks:   cfg.Hooks,
		matcher: cfg.Matcher,
	}
}

// Spawn starts a job on spec.Route. The job takes ownership of spec.Ticket.
func (p *Processor) Spawn(spec JobSpec, tick uint64) *Job {
	p.nextID++
	tier := model.ClampTier(spec.Tier)
	j := &Job{
		ID:            p.nextID,
		Item:          spec.Item,
		Amount:        spec.Amount,
		Tier:          tier,
		StepTicks:     p.tun.StepTicks(tier),
		DestContainer: spec.DestContainer,
		Ticket:        spec.Ticket,
		Source:        spec.Source,
		Mode:          ModeDirect,
		State:         StateSpawned,
		CreatedTick:   tick,
	}
	j.setRoute(spec.Route)
	if len(j.Lengths) > 0 {
		j.TicksUntilStep = p.hopTicks(j, j.Lengths[0])
	}
	p.jobs = append(p.jobs, j)
	return j
}

func (p *Processor) Count() int { return len(p.jobs) }

// Jobs returns copies of the live jobs in spawn order.
func (p *Processor) Jobs() []Job {
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, *j)
	}
	return out
}

// Records returns the persisted form of every live job, oldest first.
func (p *Processor) Records() []Record {
	out := make([]Record, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Record())
	}
	return out
}

// LiveTickets reports whether a ticket is owned by a live job.
func (p *Processor) LiveTickets() func(vinv.TicketID) bool {
	owned := make(map[vinv.TicketID]bool, len(p.jobs))
	for _, j := range p.jobs {
		if j.Ticket.Valid() {
			owned[j.Ticket.ID] = true
		}
	}
	return func(id vinv.TicketID) bool { return owned[id] }
}

// CountByMode returns the number of live direct and drifting jobs.
func (p *Processor) CountByMode() (direct, drift int) {
	for _, j := range p.jobs {
		if j.Mode == ModeDrift {
			drift++
		} else {
			direct++
		}
	}
	return direct, drift
}

// Advance moves every job whose timer has run out by one step.
func (p *Processor) Advance(tc *model.TickContext) AdvanceResult {
	var res AdvanceResult
	for _, j := range p.jobs {
		if j.State.Terminal() {
			continue
		}
		res.Active++
		if j.CooldownUntil > tc.Tick {
			res.Waiting++
			continue
		}
		if j.TicksUntilStep > 0 {
			j.TicksUntilStep--
			if j.TicksUntilStep > 0 {
				continue
			}
		}
		res.Stepped++
		p.step(tc, j, &res)
	}

	kept := p.jobs[:0]
	for _, j := range p.jobs {
		if !j.State.Terminal() {
			kept = append(kept, j)
		}
	}
	for i := len(kept); i < len(p.jobs); i++ {
		p.jobs[i] = nil
	}
	p.jobs = kept
	return res
}

func (p *Processor) step(tc *model.TickContext, j *Job, res *AdvanceResult) {
	j.TotalSteps++
	if limit := p.tun.Transfer.MaxJobSteps; limit > 0 && j.TotalSteps > limit {
		p.drop(j, model.ReasonStepLimit, res)
		return
	}
	if j.AtEnd() {
		if j.Mode == ModeDrift {
			p.driftAtNode(tc, j, res)
		} else {
			p.deliver(tc, j, res)
		}
		return
	}

	valid, wait := p.edgeUsable(j, j.Step)
	if wait {
		j.TicksUntilStep = 1
		return
	}
	if !valid {
		if j.Mode == ModeDrift {
			j.Path = []model.NodeKey{j.At()}
			j.Edges, j.Lengths, j.Step = nil, nil, 0
			p.driftAtNode(tc, j, res)
			return
		}
		p.handleStale(tc, j, res)
		return
	}

	j.Prev = j.At()
	j.Step++
	j.Hops++
	if j.Mode == ModeDrift {
		j.Path = []model.NodeKey{j.At()}
		j.Edges, j.Lengths, j.Step = nil, nil, 0
		p.driftAtNode(tc, j, res)
		return
	}
	j.State = StateStepping
	if j.AtEnd() {
		p.deliver(tc, j, res)
		return
	}
	j.TicksUntilStep = p.hopTicks(j, j.Lengths[j.Step])
}

// edgeUsable checks the edge leaving Path[i]. Restored jobs carry unbound
// edges that are bound to the live epoch on first use; while the graph is
// still rebuilding an unknown edge means wait rather than stale.
func (p *Processor) edgeUsable(j *Job, i int) (valid, wait bool) {
	if i < 0 || i >= len(j.Edges) {
		return false, false
	}
	if j.Edges[i].Epoch == 0 {
		if e, ok := p.graph.CurrentEpoch(j.Edges[i].ID); ok {
			j.Edges[i].Epoch = e
		} else if p.graph.DirtyCount() > 0 {
			return false, true
		} else {
			return false, false
		}
	}
	return p.graph.EdgeValid(j.Edges[i]), false
}

// handleStale reacts to a direct job whose next edge is gone: reroute to the
// same destination, else one settle roll where it stands, else drift.
func (p *Processor) handleStale(tc *model.TickContext, j *Job, res *AdvanceResult) {
	cur := j.At()
	if !p.graph.HasNode(cur) {
		p.drop(j, model.ReasonNodeGone, res)
		return
	}
	if cur != j.Dest {
		r, out := p.finder.FindRoute(cur, routing.MatchNode(j.Dest, j.DestKind), &tc.Searches)
		if out == routing.Found {
			j.setRoute(r)
			j.Reroutes++
			j.State = StateRerouting
			j.LastReason = model.ReasonRouteStale
			j.TicksUntilStep = p.hopTicks(j, j.Lengths[0])
			res.Rerouted++
			return
		}
	}
	p.releaseTicket(j)
	if p.rng.Float64() < SettleChance(p.tun.Drift, j.Hops, j.Reroutes, ModeDirect) && p.settle(j, cur, res) {
		return
	}
	p.enterDrift(j, tc.Tick, model.ReasonRouteStale)
	res.Drifted++
}

// deliver releases the job's reservation and inserts as much as the
// destination can take. Any remainder keeps flying in drift mode.
func (p *Processor) deliver(tc *model.TickContext, j *Job, res *AdvanceResult) {
	p.releaseTicket(j)
	dest := j.At()
	if !p.graph.HasNode(dest) {
		p.drop(j, model.ReasonNodeGone, res)
		return
	}

	n := 0
	if j.DestKind == routing.DestSink {
		if room := min(j.Amount, p.inv.VirtualSinkCapacity(dest, j.Item)); room > 0 {
			n = p.world.SinkAccept(dest, model.ItemStack{Type: j.Item, Count: room})
		}
	} else {
		n = p.insertAt(dest, j)
	}
	if n > 0 {
		j.Amount -= n
		res.UnitsDelivered += n
		if p.hooks.OnDelivered != nil {
			p.hooks.OnDelivered(*j, n)
		}
	}
	if j.Amount <= 0 {
		j.Amount = 0
		j.State = StateDelivered
		res.Delivered++
		return
	}
	p.enterDrift(j, tc.Tick, model.ReasonFull)
	res.Drifted++
}

// insertAt fills the job's destination container first, then any other
// container attached to the node.
func (p *Processor) insertAt(node model.NodeKey, j *Job) int {
	keys := []model.ContainerKey{}
	if !j.DestContainer.IsZero() {
		keys = append(keys, j.DestContainer)
	}
	for _, ck := range p.world.AttachedContainers(node) {
		if ck != j.DestContainer {
			keys = append(keys, ck)
		}
	}
	info, _ := p.graph.Node(node)
	total := 0
	for i, ck := range keys {
		if i > 0 && !info.Accepts(j.Item) {
			break
		}
		inv, ok := model.ResolveInventory(p.world, ck)
		if !ok {
			continue
		}
		room := min(j.Amount-total, p.inv.VirtualCapacity(ck, j.Item, inv))
		if room <= 0 {
			continue
		}
		total += model.Insert(inv, model.ItemStack{Type: j.Item, Count: room}, p.tun.MaxStack(string(j.Item)))
		if total >= j.Amount {
			break
		}
	}
	return total
}

func (p *Processor) drop(j *Job, reason string, res *AdvanceResult) {
	p.releaseTicket(j)
	at := j.At()
	if at.IsZero() {
		at = j.Source
	}
	p.world.DropItem(at.Dim, at.Pos(), j.Stack())
	res.Dropped++
	res.UnitsDropped += j.Amount
	j.State = StateDropped
	j.LastReason = reason
	if p.hooks.OnDropped != nil {
		p.hooks.OnDropped(*j, reason)
	}
}

func (p *Processor) releaseTicket(j *Job) {
	if !j.Ticket.Valid() {
		return
	}
	p.inv.Release(j.Ticket)
	j.Ticket = vinv.Ticket{}
}

// hopTicks is the travel time for one segment: stepTicks per BlocksPerStep blocks, at least 1.
func (p *Processor) hopTicks(j *Job, length int) int {
	st := j.StepTicks
	if st <= 0 {
		st = 1
	}
	bps := p.tun.Transfer.BlocksPerStep
	if bps <= 0 {
		bps = 1
	}
	if length < 1 {
		length = 1
	}
	return max(1, (st*length+bps-1)/bps)
}

// Restore rebuilds jobs from records. Direct jobs re-acquire their
// destination reservation; edges are bound lazily on first use.
func (p *Processor) Restore(records []Record, tick uint64) int {
	existing := map[uint64]bool{}
	for _, j := range p.jobs {
		existing[j.ID] = true
	}
	sort.Slice(records, func(a, b int) bool { return records[a].ID < records[b].ID })
	n := 0
	for _, r := range records {
		if r.Amount <= 0 || r.Item == "" || len(r.Path) == 0 || existing[r.ID] {
			continue
		}
		j := &Job{
			ID:             r.ID,
			Item:           r.Item,
			Amount:         r.Amount,
			Path:           append([]model.NodeKey(nil), r.Path...),
			Step:           r.Step,
			TicksUntilStep: r.TicksUntilStep,
			StepTicks:      r.StepTicks,
			Tier:           model.ClampTier(r.Tier),
			Dest:           r.Dest,
			DestKind:       r.DestKind,
			DestContainer:  r.DestContainer,
			Mode:           r.Mode,
			Hops:           r.Hops,
			Reroutes:       r.Reroutes,
			Source:         r.Source,
			Prev:           r.Prev,
			TotalSteps:     r.TotalSteps,
			CreatedTick:    r.CreatedTick,
		}
		if j.StepTicks <= 0 {
			j.StepTicks = p.tun.StepTicks(j.Tier)
		}
		if j.Step < 0 || j.Step >= len(j.Path) {
			j.Step = 0
		}
		segs := len(j.Path) - 1
		j.Edges = make([]linkgraph.EdgeRef, segs)
		j.Lengths = make([]int, segs)
		for i := 0; i < segs; i++ {
			j.Edges[i] = linkgraph.EdgeRef{ID: linkgraph.MakeEdgeID(j.Path[i], j.Path[i+1])}
			if i < len(r.Lengths) && r.Lengths[i] > 0 {
				j.Lengths[i] = r.Lengths[i]
			} else {
				j.Lengths[i] = model.Manhattan(j.Path[i].Pos(), j.Path[i+1].Pos())
			}
		}
		if j.Mode == ModeDirect {
			j.State = StateStepping
			ck := j.DestContainer
			if j.DestKind == routing.DestSink {
				ck = vinv.SinkKey(j.Dest)
			}
			j.Ticket = p.inv.Reserve(ck, j.Item, j.Amount)
		} else {
			j.State = StateDrifting
			j.CooldownUntil = tick
		}
		if j.ID > p.nextID {
			p.nextID = j.ID
		}
		p.jobs = append(p.jobs, j)
		existing[j.ID] = true
		n++
	}
	sort.SliceStable(p.jobs, func(a, b int) bool { return p.jobs[a].ID < p.jobs[b].ID })
	return n
}
