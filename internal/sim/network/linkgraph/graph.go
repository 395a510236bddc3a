// Package linkgraph keeps the node/edge connectivity of the transfer network.
//
// Edges are discovered by scanning straight spans between nodes, start out
// pending until the beam that represents them is built, and are removed the
// moment any span segment breaks. Every edge carries an epoch so holders of a
// stale reference can detect that the edge they planned over is gone.
package linkgraph

import (
	"sort"

	"github.com/tidwall/btree"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

type EdgeState uint8

const (
	EdgePending EdgeState = iota
	EdgeActive
	EdgeBroken
)

func (s EdgeState) String() string {
	switch s {
	case EdgePending:
		return "pending"
	case EdgeActive:
		return "active"
	default:
		return "broken"
	}
}

// EdgeID is the canonical unordered node pair, A < B.
type EdgeID struct {
	A model.NodeKey
	B model.NodeKey
}

func MakeEdgeID(a, b model.NodeKey) EdgeID {
	if b.Less(a) {
		a, b = b, a
	}
	return EdgeID{A: a, B: b}
}

func (id EdgeID) Other(k model.NodeKey) model.NodeKey {
	if k == id.A {
		return id.B
	}
	return id.A
}

func (id EdgeID) Has(k model.NodeKey) bool { return k == id.A || k == id.B }

func (id EdgeID) String() string { return id.A.String() + "|" + id.B.String() }

func edgeIDLess(x, y EdgeID) bool {
	if x.A != y.A {
		return x.A.Less(y.A)
	}
	return x.B.Less(y.B)
}

// EdgeRef pins an edge at a specific epoch.
type EdgeRef struct {
	ID    EdgeID
	Epoch uint64
}

type Edge struct {
	ID EdgeID
	// Dir points from ID.A to ID.B.
	Dir    model.Dir
	Length int
	Tier   int
	State  EdgeState
	Epoch  uint64

	CreatedTick       uint64
	ActivateAtTick    uint64
	LastValidatedTick uint64
}

func (e Edge) Ref() EdgeRef { return EdgeRef{ID: e.ID, Epoch: e.Epoch} }

// DirFrom is the direction of travel leaving k along this edge.
func (e Edge) DirFrom(k model.NodeKey) model.Dir {
	if k == e.ID.A {
		return e.Dir
	}
	return e.Dir.Opposite()
}

type Neighbor struct {
	Key    model.NodeKey
	Edge   EdgeID
	Dir    model.Dir
	Length int
	State  EdgeState
	Epoch  uint64
}

func (n Neighbor) Ref() EdgeRef { return EdgeRef{ID: n.Edge, Epoch: n.Epoch} }

type GraphStats struct {
	Nodes        int `json:"nodes"`
	Edges        int `json:"edges"`
	Pending      int `json:"pending"`
	Active       int `json:"active"`
	Dirty        int `json:"dirty"`
	SegmentIndex int `json:"segment_index"`
}

type Config struct {
	MaxSpan          int
	BuildWindowTicks int
}

type node struct {
	info  model.NodeInfo
	edges map[model.Dir]EdgeID
}

type segKey struct {
	Dim string
	Pos model.Vec3i
}

type Graph struct {
	cfg      Config
	world    model.World
	renderer model.Renderer

	nodes map[model.NodeKey]*node
	edges map[EdgeID]*Edge
	// epochs outlive edges so a recreated pair never reuses an epoch.
	epochs   map[EdgeID]uint64
	segments map[segKey]EdgeID

	dirty      map[model.NodeKey]struct{}
	dirtyOrder []model.NodeKey

	order     *btree.BTreeG[EdgeID]
	cursor    EdgeID
	hasCursor bool

	// OnEdgeRemoved, if set, observes every removal with its reason code.
	OnEdgeRemoved func(e Edge, reason string)
}

func New(cfg Config, w model.World, r model.Renderer) *Graph {
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = 16
	}
	if cfg.BuildWindowTicks < 0 {
		cfg.BuildWindowTicks = 0
	}
	if r == nil {
		r = model.NopRenderer{}
	}
	return &Graph{
		cfg:      cfg,
		world:    w,
		renderer: r,
		nodes:    map[model.NodeKey]*node{},
		edges:    map[EdgeID]*Edge{},
		epochs:   map[EdgeID]uint64{},
		segments: map[segKey]EdgeID{},
		dirty:    map[model.NodeKey]struct{}{},
		order:    btree.NewBTreeG[EdgeID](edgeIDLess),
	}
}

// AddNode registers a node and queues it for scanning. A node placed inside an
// existing span breaks that span.
func (g *Graph) AddNode(key model.NodeKey, info model.NodeInfo) {
	info.Tier = model.ClampTier(info.Tier)
	if n, ok := g.nodes[key]; ok {
		n.info = info
		g.MarkDirty(key)
		return
	}
	g.HandleSpanBroken(key.Dim, key.Pos())
	g.nodes[key] = &node{info: info, edges: map[model.Dir]EdgeID{}}
	g.MarkDirty(key)
}

// RemoveNode drops a node and every edge touching it. It returns the number of edges removed.
func (g *Graph) RemoveNode(key model.NodeKey) int {
	n, ok := g.nodes[key]
	if !ok {
		return 0
	}
	removed := 0
	for _, d := range model.Dirs {
		if id, ok := n.edges[d]; ok {
			other := id.Other(key)
			if g.removeEdge(id, model.ReasonNodeGone) {
				removed++
			}
			g.MarkDirty(other)
		}
	}
	delete(g.nodes, key)
	delete(g.dirty, key)
	return removed
}

func (g *Graph) HasNode(key model.NodeKey) bool {
	_, ok := g.nodes[key]
	return ok
}

func (g *Graph) Node(key model.NodeKey) (model.NodeInfo, bool) {
	n, ok := g.nodes[key]
	if !ok {
		return model.NodeInfo{}, false
	}
	return n.info, true
}

// Nodes returns registered node keys in key order.
func (g *Graph) Nodes() []model.NodeKey {
	out := make([]model.NodeKey, 0, len(g.nodes))
	for k := range g.nodes {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func (g *Graph) MarkDirty(key model.NodeKey) {
	if _, ok := g.nodes[key]; !ok {
		return
	}
	if _, ok := g.dirty[key]; ok {
		return
	}
	g.dirty[key] = struct{}{}
	g.dirtyOrder = append(g.dirtyOrder, key)
}

func (g *Graph) DirtyCount() int { return len(g.dirty) }

func (g *Graph) Edge(id EdgeID) (Edge, bool) {
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// EdgeValid reports whether ref still names a live edge at the same epoch.
func (g *Graph) EdgeValid(ref EdgeRef) bool {
	e, ok := g.edges[ref.ID]
	return ok && e.Epoch == ref.Epoch && e.State != EdgeBroken
}

// CurrentEpoch returns the live epoch of an edge, if it exists.
func (g *Graph) CurrentEpoch(id EdgeID) (uint64, bool) {
	e, ok := g.edges[id]
	if !ok {
		return 0, false
	}
	return e.Epoch, true
}

func (g *Graph) EdgesOf(key model.NodeKey) []Edge {
	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	var out []Edge
	for _, d := range model.Dirs {
		if id, ok := n.edges[d]; ok {
			if e := g.edges[id]; e != nil {
				out = append(out, *e)
			}
		}
	}
	return out
}

// Neighbors lists adjacent nodes in direction order. Pending edges are included on request.
func (g *Graph) Neighbors(key model.NodeKey, includePending bool) []Neighbor {
	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	out := make([]Neighbor, 0, len(n.edges))
	for _, d := range model.Dirs {
		id, ok := n.edges[d]
		if !ok {
			continue
		}
		e := g.edges[id]
		if e == nil || e.State == EdgeBroken {
			continue
		}
		if e.State == EdgePending && !includePending {
			continue
		}
		out = append(out, Neighbor{
			Key:    id.Other(key),
			Edge:   id,
			Dir:    d,
			Length: e.Length,
			State:  e.State,
			Epoch:  e.Epoch,
		})
	}
	return out
}

func (g *Graph) Stats() GraphStats {
	st := GraphStats{
		Nodes:        len(g.nodes),
		Edges:        len(g.edges),
		Dirty:        len(g.dirty),
		SegmentIndex: len(g.segments),
	}
	for _, e := range g.edges {
		switch e.State {
		case EdgePending:
			st.Pending++
		case EdgeActive:
			st.Active++
		}
	}
	return st
}

// HandleSpanBroken removes the edge whose span covers pos, if any, and queues
// its endpoints for rescanning. It returns the number of edges invalidated.
func (g *Graph) HandleSpanBroken(dim string, pos model.Vec3i) int {
	id, ok := g.segments[segKey{Dim: dim, Pos: pos}]
	if !ok {
		return 0
	}
	if !g.removeEdge(id, model.ReasonEdgeBroken) {
		return 0
	}
	g.MarkDirty(id.A)
	g.MarkDirty(id.B)
	return 1
}

func (g *Graph) addEdge(from, to model.NodeKey, d model.Dir, length, tier int, tick uint64) *Edge {
	id := MakeEdgeID(from, to)
	dir := d
	if id.A != from {
		dir = d.Opposite()
	}
	g.epochs[id]++
	e := &Edge{
		ID:             id,
		Dir:            dir,
		Length:         length,
		Tier:           model.ClampTier(tier),
		State:          EdgePending,
		Epoch:          g.epochs[id],
		CreatedTick:    tick,
		ActivateAtTick: tick + uint64(g.cfg.BuildWindowTicks),
	}
	g.edges[id] = e
	g.order.Set(id)
	g.nodes[id.A].edges[dir] = id
	g.nodes[id.B].edges[dir.Opposite()] = id
	for _, p := range spanPositions(id.A.Pos(), dir, length) {
		g.segments[segKey{Dim: id.A.Dim, Pos: p}] = id
	}
	g.renderer.BuildSpan(id.A.Dim, id.A.Pos(), dir, length, e.Tier)
	return e
}

func (g *Graph) removeEdge(id EdgeID, reason string) bool {
	e, ok := g.edges[id]
	if !ok {
		return false
	}
	e.State = EdgeBroken
	g.epochs[id]++
	e.Epoch = g.epochs[id]

	delete(g.edges, id)
	g.order.Delete(id)
	if n := g.nodes[id.A]; n != nil && n.edges[e.Dir] == id {
		delete(n.edges, e.Dir)
	}
	if n := g.nodes[id.B]; n != nil && n.edges[e.Dir.Opposite()] == id {
		delete(n.edges, e.Dir.Opposite())
	}
	for _, p := range spanPositions(id.A.Pos(), e.Dir, e.Length) {
		k := segKey{Dim: id.A.Dim, Pos: p}
		if g.segments[k] == id {
			delete(g.segments, k)
		}
	}
	g.renderer.CollapseSpan(id.A.Dim, id.A.Pos(), e.Dir, e.Length)
	if g.OnEdgeRemoved != nil {
		g.OnEdgeRemoved(*e, reason)
	}
	return true
}

// spanPositions lists the blocks strictly between the endpoints.
func spanPositions(from model.Vec3i, d model.Dir, length int) []model.Vec3i {
	if length <= 1 {
		return nil
	}
	out := make([]model.Vec3i, 0, length-1)
	for i := 1; i < length; i++ {
		out = append(out, from.Add(d.Offset().Scale(i)))
	}
	return out
}

func sortKeys(keys []model.NodeKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
