// Package routing finds routes across the link graph from a source node to
// any destination accepted by a match function.
package routing

import (
	"math/rand"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/linkgraph"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

type Outcome uint8

const (
	Found Outcome = iota
	NoRoute
	BudgetExhausted
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NoRoute:
		return "no_route"
	default:
		return "budget_exhausted"
	}
}

// Reason maps an outcome onto the engine reason codes.
func (o Outcome) Reason() string {
	switch o {
	case Found:
		return model.ReasonOK
	case NoRoute:
		return model.ReasonNoRoute
	default:
		return model.ReasonSearchBudget
	}
}

type Preference uint8

const (
	PreferNone Preference = iota
	// PreferFilter marks a destination whose filter names the item explicitly.
	PreferFilter
	// PreferSink marks a sink destination for a refinable item.
	PreferSink
)

type Match struct {
	Kind       DestKind
	Preference Preference
}

// MatchFunc decides whether a reached node is a destination candidate.
type MatchFunc func(key model.NodeKey, info model.NodeInfo) (Match, bool)

// MatchNode accepts exactly one destination.
func MatchNode(dest model.NodeKey, kind DestKind) MatchFunc {
	return func(key model.NodeKey, _ model.NodeInfo) (Match, bool) {
		if key != dest {
			return Match{}, false
		}
		return Match{Kind: kind}, true
	}
}

type Weights struct {
	Filter int
	Sink   int
	Base   int
}

func (w Weights) of(p Preference) int {
	var n int
	switch p {
	case PreferFilter:
		n = w.Filter
	case PreferSink:
		n = w.Sink
	default:
		n = w.Base
	}
	if n <= 0 {
		return 1
	}
	return n
}

// Graph is the read side of the link graph the finder walks.
type Graph interface {
	Neighbors(key model.NodeKey, includePending bool) []linkgraph.Neighbor
	Node(key model.NodeKey) (model.NodeInfo, bool)
}

type Finder struct {
	graph      Graph
	weights    Weights
	maxVisited int
	rng        *rand.Rand

	searches  uint64
	exhausted uint64
}

func NewFinder(g Graph, w Weights, maxVisited int, rng *rand.Rand) *Finder {
	if maxVisited <= 0 {
		maxVisited = 512
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Finder{graph: g, weights: w, maxVisited: maxVisited, rng: rng}
}

// FindRoute searches active edges only.
func (f *Finder) FindRoute(src model.NodeKey, match MatchFunc, budget *model.Budget) (Route, Outcome) {
	return f.find(src, match, budget, false)
}

// FindPreview also walks pending edges, for build previews.
func (f *Finder) FindPreview(src model.NodeKey, match MatchFunc, budget *model.Budget) (Route, Outcome) {
	return f.find(src, match, budget, true)
}

// Stats reports lifetime search and budget-exhaustion counts.
func (f *Finder) Stats() (searches, exhausted uint64) { return f.searches, f.exhausted }

type parent struct {
	prev model.NodeKey
	via  linkgraph.Neighbor
}

type candidate struct {
	key    model.NodeKey
	match  Match
	weight int
}

func (f *Finder) find(src model.NodeKey, match MatchFunc, budget *model.Budget, includePending bool) (Route, Outcome) {
	f.searches++
	if match == nil {
		return Route{}, NoRoute
	}
	if _, ok := f.graph.Node(src); !ok {
		return Route{}, NoRoute
	}

	parents := map[model.NodeKey]parent{}
	visited := map[model.NodeKey]bool{src: true}
	queue := []model.NodeKey{src}
	head := 0
	var cands []candidate

	for head < len(queue) && len(visited) < f.maxVisited {
		cur := queue[head]
		head++
		for _, nb := range f.graph.Neighbors(cur, includePending) {
			if !budget.Take() {
				f.exhausted++
				return Route{}, BudgetExhausted
			}
			if visited[nb.Key] {
				continue
			}
			visited[nb.Key] = true
			parents[nb.Key] = parent{prev: cur, via: nb}
			queue = append(queue, nb.Key)

			info, ok := f.graph.Node(nb.Key)
			if !ok {
				continue
			}
			if m, ok := match(nb.Key, info); ok {
				cands = append(cands, candidate{key: nb.Key, match: m, weight: f.weights.of(m.Preference)})
			}
		}
	}
	if len(cands) == 0 {
		return Route{}, NoRoute
	}

	pick := f.pick(cands)
	return buildRoute(src, pick, parents), Found
}

func (f *Finder) pick(cands []candidate) candidate {
	if len(cands) == 1 {
		return cands[0]
	}
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	n := f.rng.Intn(total)
	for _, c := range cands {
		if n < c.weight {
			return c
		}
		n -= c.weight
	}
	return cands[len(cands)-1]
}

func buildRoute(src model.NodeKey, c candidate, parents map[model.NodeKey]parent) Route {
	var rev []Hop
	for k := c.key; k != src; {
		p := parents[k]
		rev = append(rev, Hop{Node: k, Edge: p.via.Ref(), Length: p.via.Length})
		k = p.prev
	}
	hops := make([]Hop, len(rev))
	for i := range rev {
		hops[i] = rev[len(rev)-1-i]
	}
	return Route{Source: src, Dest: c.key, DestKind: c.match.Kind, Hops: hops}
}
