package model

type ItemType string

type ItemStack struct {
	Type  ItemType
	Count int
}

func (s ItemStack) Empty() bool { return s.Type == "" || s.Count <= 0 }

type BlockKind uint8

const (
	BlockAir BlockKind = iota
	// BlockBeam is the visual conduit occupying an edge span.
	BlockBeam
	BlockNode
	BlockSolid
)

func (k BlockKind) String() string {
	switch k {
	case BlockAir:
		return "AIR"
	case BlockBeam:
		return "BEAM"
	case BlockNode:
		return "NODE"
	default:
		return "SOLID"
	}
}

type BlockRef struct {
	Kind BlockKind
	// Axis is set for beams.
	Axis Axis
}

// NodeInfo is what the world reports about a live node block.
type NodeInfo struct {
	Tier   int
	Filter []ItemType
	Sink   bool
}

// HasFilter reports whether the node restricts the item types it accepts.
func (n NodeInfo) HasFilter() bool { return len(n.Filter) > 0 }

// FilterMatches reports an explicit allow-list hit.
func (n NodeInfo) FilterMatches(item ItemType) bool {
	for _, f := range n.Filter {
		if f == item {
			return true
		}
	}
	return false
}

// Accepts is true for unfiltered nodes and for explicit filter matches.
func (n NodeInfo) Accepts(item ItemType) bool {
	return !n.HasFilter() || n.FilterMatches(item)
}

func ClampTier(t int) int {
	if t < 1 {
		return 1
	}
	if t > 5 {
		return 5
	}
	return t
}

// Inventory is the capability view of a container. Set with an empty stack clears the slot.
type Inventory interface {
	Size() int
	Get(slot int) (ItemStack, bool)
	Set(slot int, stack ItemStack)
}

// World is the block/inventory collaborator the engine reads and mutates.
type World interface {
	BlockAt(dim string, pos Vec3i) (BlockRef, bool)
	NodeInfo(key NodeKey) (NodeInfo, bool)
	AttachedContainers(key NodeKey) []ContainerKey
	Container(key ContainerKey) (Inventory, bool)
	LiveNodes() []NodeKey
	// DropItem spills a payload into the world. It is the only sanctioned loss path.
	DropItem(dim string, pos Vec3i, stack ItemStack)
	// SinkAccept offers a stack to a sink node and returns how many units it consumed.
	SinkAccept(key NodeKey, stack ItemStack) int
}

// Renderer builds and collapses the visual beam for an edge span.
type Renderer interface {
	BuildSpan(dim string, from Vec3i, dir Dir, length, tier int)
	CollapseSpan(dim string, from Vec3i, dir Dir, length int)
}

// ResolveInventory is the single place container access is resolved. It never panics.
func ResolveInventory(w World, key ContainerKey) (Inventory, bool) {
	if w == nil || key.IsZero() {
		return nil, false
	}
	inv, ok := w.Container(key)
	if !ok || inv == nil || inv.Size() <= 0 {
		return nil, false
	}
	return inv, true
}

// NopRenderer ignores span instructions.
type NopRenderer struct{}

func (NopRenderer) BuildSpan(string, Vec3i, Dir, int, int) {}
func (NopRenderer) CollapseSpan(string, Vec3i, Dir, int)   {}
