// Package inflight advances transfer jobs along their routes one waypoint at a
// time and falls back to neighbor drifting when a direct route is lost.
package inflight

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/vinv"
)

type Mode uint8

const (
	ModeDirect Mode = iota
	ModeDrift
)

func (m Mode) String() string {
	if m == ModeDrift {
		return "drift"
	}
	return "direct"
}

type State uint8

const (
	StateSpawned State = iota
	StateStepping
	StateRerouting
	StateDrifting
	StateDelivered
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateStepping:
		return "stepping"
	case StateRerouting:
		return "rerouting"
	case StateDrifting:
		return "drifting"
	case StateDelivered:
		return "delivered"
	default:
		return "dropped"
	}
}

func (s State) Terminal() bool { return s == StateDelivered || s == StateDropped }

type Job struct {
	ID     uint64
	Item   model.ItemType
	Amount int

	// Path[Step] is the node the job last reached. Edges[i] joins Path[i] and Path[i+1].
	Path    []model.NodeKey
	Edges   []linkgraph.EdgeRef
	Lengths []int
	Step    int

	TicksUntilStep int
	StepTicks      int
	Tier           int

	Dest          model.NodeKey
	DestKind      routing.DestKind
	DestContainer model.ContainerKey

	Mode     Mode
	State    State
	Hops     int
	Reroutes int
	Source   model.NodeKey
	Prev     model.NodeKey

	CooldownUntil uint64
	TotalSteps    int
	CreatedTick   uint64

	Ticket     vinv.Ticket
	LastReason string
}

// At is the node the job currently sits at or last departed from.
func (j *Job) At() model.NodeKey {
	if j.Step < 0 || j.Step >= len(j.Path) {
		return model.NodeKey{}
	}
	return j.Path[j.Step]
}

func (j *Job) AtEnd() bool { return j.Step >= len(j.Path)-1 }

func (j *Job) Stack() model.ItemStack { return model.ItemStack{Type: j.Item, Count: j.Amount} }

func (j *Job) setRoute(r routing.Route) {
	j.Path = r.Waypoints()
	j.Edges = make([]linkgraph.EdgeRef, len(r.Hops))
	j.Lengths = make([]int, len(r.Hops))
	for i, h := range r.Hops {
		j.Edges[i] = h.Edge
		j.Lengths[i] = h.Length
	}
	j.Step = 0
	j.Dest = r.Dest
	j.DestKind = r.DestKind
}

// JobSpec describes a job to spawn. The ticket must already be reserved.
type JobSpec struct {
	Item          model.ItemType
	Amount        int
	Route         routing.Route
	DestContainer model.ContainerKey
	Ticket        vinv.Ticket
	Tier          int
	Source        model.NodeKey
}

// Record is the trimmed form of a job that survives a restart. Edge epochs are
// not kept; they are rebound against the live graph after restore.
type Record struct {
	ID             uint64
	Item           model.ItemType
	Amount         int
	Path           []model.NodeKey
	Lengths        []int
	Step           int
	TicksUntilStep int
	StepTicks      int
	Tier           int
	Dest           model.NodeKey
	DestKind       routing.DestKind
	DestContainer  model.ContainerKey
	Mode           Mode
	Hops           int
	Reroutes       int
	Source         model.NodeKey
	Prev           model.NodeKey
	TotalSteps     int
	CreatedTick    uint64
}

func (j *Job) Record() Record {
	return Record{
		ID:             j.ID,
		Item:           j.Item,
		Amount:         j.Amount,
		Path:           append([]model.NodeKey(nil), j.Path...),
		Lengths:        append([]int(nil), j.Lengths...),
		Step:           j.Step,
		TicksUntilStep: j.TicksUntilStep,
		StepTicks:      j.StepTicks,
		Tier:           j.Tier,
		Dest:           j.Dest,
		DestKind:       j.DestKind,
		DestContainer:  j.DestContainer,
		Mode:           j.Mode,
		Hops:           j.Hops,
		Reroutes:       j.Reroutes,
		Source:         j.Source,
		Prev:           j.Prev,
		TotalSteps:     j.TotalSteps,
		CreatedTick:    j.CreatedTick,
	}
}
