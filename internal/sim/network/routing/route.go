package routing

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

type DestKind uint8

const (
	DestContainer DestKind = iota
	DestSink
)

func (k DestKind) String() string {
	if k == DestSink {
		return "sink"
	}
	return "container"
}

// Hop is one edge traversal ending at Node.
type Hop struct {
	Node   model.NodeKey
	Edge   linkgraph.EdgeRef
	Length int
}

type Route struct {
	Source   model.NodeKey
	Dest     model.NodeKey
	DestKind DestKind
	Hops     []Hop
}

func (r Route) Empty() bool { return len(r.Hops) == 0 }

// Waypoints lists the source followed by every hop node.
func (r Route) Waypoints() []model.NodeKey {
	out := make([]model.NodeKey, 0, len(r.Hops)+1)
	out = append(out, r.Source)
	for _, h := range r.Hops {
		out = append(out, h.Node)
	}
	return out
}

// Lengths returns the per-segment block lengths.
func (r Route) Lengths() []int {
	out := make([]int, len(r.Hops))
	for i, h := range r.Hops {
		out[i] = h.Length
	}
	return out
}

func (r Route) TotalLength() int {
	n := 0
	for _, h := range r.Hops {
		n += h.Length
	}
	return n
}

// Clone returns a route whose hop slice is not shared.
func (r Route) Clone() Route {
	r.Hops = append([]Hop(nil), r.Hops...)
	return r
}

// EdgeChecker is the part of the graph needed to revalidate a cached route.
type EdgeChecker interface {
	EdgeValid(ref linkgraph.EdgeRef) bool
}

// RouteValid reports whether every edge on the route is still live at the
// epoch it was planned with.
func RouteValid(r Route, g EdgeChecker) bool {
	if r.Empty() {
		return false
	}
	for _, h := range r.Hops {
		if !g.EdgeValid(h.Edge) {
			return false
		}
	}
	return true
}
