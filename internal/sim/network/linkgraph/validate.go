package linkgraph

import "github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"

type ValidateResult struct {
	Processed int
	Promoted  int
	Removed   int
}

// ValidateEdges checks the next budget-sized slice of edges, resuming after the
// edge checked last and wrapping at the end. It never sweeps more than the full
// edge set in one call.
func (g *Graph) ValidateEdges(budget *model.Budget, tick uint64) ValidateResult {
	var res ValidateResult
	total := g.order.Len()
	if total == 0 {
		g.hasCursor = false
		return res
	}
	limit := budget.Remaining()
	if limit > total {
		limit = total
	}
	if limit <= 0 {
		return res
	}

	batch := make([]EdgeID, 0, limit)
	collect := func(id EdgeID) bool {
		batch = append(batch, id)
		return len(batch) < limit
	}
	if g.hasCursor {
		g.order.Ascend(g.cursor, func(id EdgeID) bool {
			if id == g.cursor {
				return true
			}
			return collect(id)
		})
		if len(batch) < limit {
			// Wrap around, ending with the cursor edge itself.
			g.order.Scan(func(id EdgeID) bool {
				if edgeIDLess(g.cursor, id) {
					return false
				}
				return collect(id)
			})
		}
	} else {
		g.order.Scan(collect)
	}

	for _, id := range batch {
		if !budget.Take() {
			break
		}
		res.Processed++
		g.cursor, g.hasCursor = id, true
		e := g.edges[id]
		if e == nil {
			continue
		}
		switch g.validateEdge(e, tick) {
		case validatePromoted:
			res.Promoted++
		case validateRemoved:
			res.Removed++
		}
	}
	return res
}

type validateOutcome uint8

const (
	validateOK validateOutcome = iota
	validatePromoted
	validateRemoved
)

func (g *Graph) validateEdge(e *Edge, tick uint64) validateOutcome {
	e.LastValidatedTick = tick
	id := e.ID
	for _, k := range [2]model.NodeKey{id.A, id.B} {
		if _, ok := g.nodes[k]; !ok {
			g.removeEdge(id, model.ReasonNodeGone)
			return validateRemoved
		}
		if _, ok := g.world.NodeInfo(k); !ok {
			g.removeEdge(id, model.ReasonNodeGone)
			g.MarkDirty(id.Other(k))
			g.MarkDirty(k)
			return validateRemoved
		}
	}

	built := true
	for _, p := range spanPositions(id.A.Pos(), e.Dir, e.Length) {
		b, ok := g.world.BlockAt(id.A.Dim, p)
		if !ok {
			// Unloaded span: leave the edge alone until it can be read.
			return validateOK
		}
		switch {
		case b.Kind == model.BlockBeam && (b.Axis == model.AxisNone || b.Axis == e.Dir.Axis()):
		case b.Kind == model.BlockAir && e.State == EdgePending:
			built = false
		default:
			g.removeEdge(id, model.ReasonEdgeBroken)
			g.MarkDirty(id.A)
			g.MarkDirty(id.B)
			return validateRemoved
		}
	}

	if e.State == EdgePending && built && tick >= e.ActivateAtTick {
		e.State = EdgeActive
		return validatePromoted
	}
	return validateOK
}
