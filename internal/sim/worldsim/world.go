// Package worldsim is an in-memory block world that implements the collaborator
// interfaces the logistics engine consumes. It backs cmd/server and the tests.
package worldsim

import (
	"sort"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

// Chest is a slot inventory.
type Chest struct {
	Slots []model.ItemStack
}

func NewChest(size int) *Chest {
	if size <= 0 {
		size = 27
	}
	return &Chest{Slots: make([]model.ItemStack, size)}
}

func (c *Chest) Size() int { return len(c.Slots) }

func (c *Chest) Get(slot int) (model.ItemStack, bool) {
	if slot < 0 || slot >= len(c.Slots) {
		return model.ItemStack{}, false
	}
	s := c.Slots[slot]
	if s.Empty() {
		return model.ItemStack{}, false
	}
	return s, true
}

func (c *Chest) Set(slot int, stack model.ItemStack) {
	if slot < 0 || slot >= len(c.Slots) {
		return
	}
	if stack.Empty() {
		c.Slots[slot] = model.ItemStack{}
		return
	}
	c.Slots[slot] = stack
}

// Count sums all units of an item type.
func (c *Chest) Count(item model.ItemType) int {
	n := 0
	for _, s := range c.Slots {
		if s.Type == item {
			n += s.Count
		}
	}
	return n
}

type Drop struct {
	Dim   string
	Pos   model.Vec3i
	Stack model.ItemStack
}

type SpanOp struct {
	Build  bool
	Dim    string
	From   model.Vec3i
	Dir    model.Dir
	Length int
}

type dimPos struct {
	Dim string
	Pos model.Vec3i
}

// World keeps blocks sparse: anything not recorded is air.
type World struct {
	// InstantBuild makes BuildSpan place beam blocks immediately.
	InstantBuild bool

	solids     map[dimPos]struct{}
	beams      map[dimPos]model.Axis
	nodes      map[model.NodeKey]model.NodeInfo
	containers map[model.ContainerKey]*Chest
	sinks      map[model.NodeKey]map[model.ItemType]int
	sinkLimit  int

	Drops   []Drop
	SpanOps []SpanOp
}

func New() *World {
	return &World{
		InstantBuild: true,
		solids:       map[dimPos]struct{}{},
		beams:        map[dimPos]model.Axis{},
		nodes:        map[model.NodeKey]model.NodeInfo{},
		containers:   map[model.ContainerKey]*Chest{},
		sinks:        map[model.NodeKey]map[model.ItemType]int{},
	}
}

// SetSinkLimit caps the units any sink consumes per item type. Zero is unlimited.
func (w *World) SetSinkLimit(n int) { w.sinkLimit = n }

func (w *World) PlaceNode(key model.NodeKey, info model.NodeInfo) {
	info.Tier = model.ClampTier(info.Tier)
	p := dimPos{Dim: key.Dim, Pos: key.Pos()}
	delete(w.solids, p)
	delete(w.beams, p)
	w.nodes[key] = info
}

func (w *World) RemoveNode(key model.NodeKey) bool {
	if _, ok := w.nodes[key]; !ok {
		return false
	}
	delete(w.nodes, key)
	return true
}

func (w *World) PlaceChest(key model.ContainerKey, size int) *Chest {
	c := w.containers[key]
	if c == nil {
		c = NewChest(size)
		w.containers[key] = c
	}
	return c
}

func (w *World) RemoveChest(key model.ContainerKey) {
	delete(w.containers, key)
}

func (w *World) Chest(key model.ContainerKey) *Chest { return w.containers[key] }

func (w *World) SetSolid(dim string, pos model.Vec3i) {
	p := dimPos{Dim: dim, Pos: pos}
	delete(w.beams, p)
	w.solids[p] = struct{}{}
}

func (w *World) SetBeam(dim string, pos model.Vec3i, axis model.Axis) {
	p := dimPos{Dim: dim, Pos: pos}
	delete(w.solids, p)
	w.beams[p] = axis
}

// SetAir clears solids and beams at pos. Nodes and chests are removed through their own calls.
func (w *World) SetAir(dim string, pos model.Vec3i) {
	p := dimPos{Dim: dim, Pos: pos}
	delete(w.solids, p)
	delete(w.beams, p)
}

func (w *World) BlockAt(dim string, pos model.Vec3i) (model.BlockRef, bool) {
	if _, ok := w.nodes[model.NodeKeyAt(dim, pos)]; ok {
		return model.BlockRef{Kind: model.BlockNode}, true
	}
	if _, ok := w.containers[model.ContainerKeyAt(dim, pos)]; ok {
		return model.BlockRef{Kind: model.BlockSolid}, true
	}
	p := dimPos{Dim: dim, Pos: pos}
	if _, ok := w.solids[p]; ok {
		return model.BlockRef{Kind: model.BlockSolid}, true
	}
	if axis, ok := w.beams[p]; ok {
		return model.BlockRef{Kind: model.BlockBeam, Axis: axis}, true
	}
	return model.BlockRef{Kind: model.BlockAir}, true
}

func (w *World) NodeInfo(key model.NodeKey) (model.NodeInfo, bool) {
	info, ok := w.nodes[key]
	return info, ok
}

// AttachedContainers lists chests touching the node on any face, in direction order.
func (w *World) AttachedContainers(key model.NodeKey) []model.ContainerKey {
	if _, ok := w.nodes[key]; !ok {
		return nil
	}
	var out []model.ContainerKey
	for _, d := range model.Dirs {
		ck := model.ContainerKeyAt(key.Dim, key.Pos().Add(d.Offset()))
		if _, ok := w.containers[ck]; ok {
			out = append(out, ck)
		}
	}
	return out
}

func (w *World) Container(key model.ContainerKey) (model.Inventory, bool) {
	c := w.containers[key]
	if c == nil {
		return nil, false
	}
	return c, true
}

func (w *World) LiveNodes() []model.NodeKey {
	out := make([]model.NodeKey, 0, len(w.nodes))
	for k := range w.nodes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (w *World) DropItem(dim string, pos model.Vec3i, stack model.ItemStack) {
	if stack.Empty() {
		return
	}
	w.Drops = append(w.Drops, Drop{Dim: dim, Pos: pos, Stack: stack})
}

func (w *World) SinkAccept(key model.NodeKey, stack model.ItemStack) int {
	info, ok := w.nodes[key]
	if !ok || !info.Sink || stack.Empty() {
		return 0
	}
	m := w.sinks[key]
	if m == nil {
		m = map[model.ItemType]int{}
		w.sinks[key] = m
	}
	n := stack.Count
	if w.sinkLimit > 0 {
		room := w.sinkLimit - m[stack.Type]
		if room <= 0 {
			return 0
		}
		if n > room {
			n = room
		}
	}
	m[stack.Type] += n
	return n
}

// SinkConsumed reports how many units of item a sink has taken.
func (w *World) SinkConsumed(key model.NodeKey, item model.ItemType) int {
	return w.sinks[key][item]
}

// DroppedUnits sums every dropped unit.
func (w *World) DroppedUnits() int {
	n := 0
	for _, d := range w.Drops {
		n += d.Stack.Count
	}
	return n
}

// BuildSpan implements model.Renderer.
func (w *World) BuildSpan(dim string, from model.Vec3i, dir model.Dir, length, tier int) {
	w.SpanOps = append(w.SpanOps, SpanOp{Build: true, Dim: dim, From: from, Dir: dir, Length: length})
	if !w.InstantBuild {
		return
	}
	w.FillSpan(dim, from, dir, length)
}

// FillSpan places beams on every air block strictly between from and from+dir*length.
func (w *World) FillSpan(dim string, from model.Vec3i, dir model.Dir, length int) {
	for i := 1; i < length; i++ {
		p := from.Add(dir.Offset().Scale(i))
		b, _ := w.BlockAt(dim, p)
		if b.Kind == model.BlockAir {
			w.beams[dimPos{Dim: dim, Pos: p}] = dir.Axis()
		}
	}
}

// CollapseSpan implements model.Renderer.
func (w *World) CollapseSpan(dim string, from model.Vec3i, dir model.Dir, length int) {
	w.SpanOps = append(w.SpanOps, SpanOp{Build: false, Dim: dim, From: from, Dir: dir, Length: length})
	for i := 1; i < length; i++ {
		p := dimPos{Dim: dim, Pos: from.Add(dir.Offset().Scale(i))}
		if axis, ok := w.beams[p]; ok && axis == dir.Axis() {
			delete(w.beams, p)
		}
	}
}

// TotalUnits counts every unit of item across all chests, sinks and drops.
// Tests use it to check conservation.
func (w *World) TotalUnits(item model.ItemType) int {
	n := 0
	for _, c := range w.containers {
		n += c.Count(item)
	}
	for _, m := range w.sinks {
		n += m[item]
	}
	for _, d := range w.Drops {
		if d.Stack.Type == item {
			n += d.Stack.Count
		}
	}
	return n
}
