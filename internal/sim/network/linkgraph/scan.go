package linkgraph

import "github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"

type RebuildResult struct {
	Processed int
	Remaining int
	// Mutations counts edges created or removed.
	Mutations int
}

// RebuildDirty rescans dirty nodes in the order they were marked, one budget
// unit per node. A node the world no longer reports is removed.
func (g *Graph) RebuildDirty(budget *model.Budget, tick uint64) RebuildResult {
	var res RebuildResult
	i := 0
	for ; i < len(g.dirtyOrder); i++ {
		key := g.dirtyOrder[i]
		if _, ok := g.dirty[key]; !ok {
			continue
		}
		if !budget.Take() {
			break
		}
		delete(g.dirty, key)
		res.Processed++
		res.Mutations += g.rebuildNode(key, tick)
	}
	g.dirtyOrder = append(g.dirtyOrder[:0], g.dirtyOrder[i:]...)
	res.Remaining = len(g.dirty)
	return res
}

func (g *Graph) rebuildNode(key model.NodeKey, tick uint64) int {
	n, ok := g.nodes[key]
	if !ok {
		return 0
	}
	info, live := g.world.NodeInfo(key)
	if !live {
		return g.RemoveNode(key)
	}
	info.Tier = model.ClampTier(info.Tier)
	n.info = info

	mutations := 0
	for _, d := range model.Dirs {
		other, length, found := g.scan(key, d)
		if cur, has := n.edges[d]; has {
			e := g.edges[cur]
			if found && e != nil && cur.Other(key) == other && e.Length == length {
				continue
			}
			if g.removeEdge(cur, model.ReasonRouteStale) {
				mutations++
			}
			g.MarkDirty(cur.Other(key))
		}
		if !found {
			continue
		}
		on := g.nodes[other]
		if prev, has := on.edges[d.Opposite()]; has {
			if g.removeEdge(prev, model.ReasonRouteStale) {
				mutations++
			}
			g.MarkDirty(prev.Other(other))
		}
		g.addEdge(key, other, d, length, info.Tier, tick)
		mutations++
	}
	return mutations
}

// scan walks from key along d until it reaches another registered node, an
// obstruction, or the span limit.
func (g *Graph) scan(key model.NodeKey, d model.Dir) (model.NodeKey, int, bool) {
	origin := key.Pos()
	step := d.Offset()
	for i := 1; i <= g.cfg.MaxSpan; i++ {
		p := origin.Add(step.Scale(i))
		b, ok := g.world.BlockAt(key.Dim, p)
		if !ok {
			return model.NodeKey{}, 0, false
		}
		switch b.Kind {
		case model.BlockAir:
			if id, taken := g.segments[segKey{Dim: key.Dim, Pos: p}]; taken {
				if e := g.edges[id]; e != nil && e.Dir.Axis() != d.Axis() {
					return model.NodeKey{}, 0, false
				}
			}
		case model.BlockBeam:
			if b.Axis != model.AxisNone && b.Axis != d.Axis() {
				return model.NodeKey{}, 0, false
			}
		case model.BlockNode:
			other := model.NodeKeyAt(key.Dim, p)
			if _, ok := g.nodes[other]; !ok {
				return model.NodeKey{}, 0, false
			}
			return other, i, true
		default:
			return model.NodeKey{}, 0, false
		}
	}
	return model.NodeKey{}, 0, false
}
