// Package inputqueue caches, per node, which item types are waiting to leave
// and where they were last routed, so route discovery runs once per item type
// instead of once per transfer.
package inputqueue

import (
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
)

// Source is one extractable stack seen while scanning a node's containers.
type Source struct {
	Container model.ContainerKey
	Slot      int
	Item      model.ItemType
	Count     int
}

type Entry struct {
	Node      model.NodeKey
	Item      model.ItemType
	Container model.ContainerKey
	SlotHint  int

	Route         routing.Route
	HasRoute      bool
	DestContainer model.ContainerKey

	EnqueuedTick      uint64
	LastValidatedTick uint64
	LastUsedTick      uint64

	Moved    int
	Failures int
}

// Dest is the cached destination, if a route is attached.
func (e *Entry) Dest() (model.NodeKey, bool) {
	if !e.HasRoute {
		return model.NodeKey{}, false
	}
	return e.Route.Dest, true
}

// RouteStale reports whether the cached route was picked at least maxAge
// ticks ago. A zero maxAge never expires.
func (e *Entry) RouteStale(tick, maxAge uint64) bool {
	return e.HasRoute && maxAge > 0 && tick >= e.LastValidatedTick+maxAge
}

func (e *Entry) ClearRoute() {
	e.Route = routing.Route{}
	e.HasRoute = false
	e.DestContainer = model.ContainerKey{}
}

type EnqueueResult struct {
	Added         int
	AlreadyQueued int
	Dropped       int
}

// AllQueued reports the zero-cost outcome where every scanned type was already queued.
func (r EnqueueResult) AllQueued() bool { return r.Added == 0 && r.AlreadyQueued > 0 }

type Config struct {
	TTLTicks          int
	MaxEntriesPerNode int
	// RerouteAfterFailures clears the cached route once an entry has failed
	// this many times in a row. Zero keeps the route until it goes invalid.
	RerouteAfterFailures int
}

type nodeQueue struct {
	entries []*Entry
	byItem  map[model.ItemType]*Entry
	cursor  int
}

type Manager struct {
	cfg    Config
	queues map[model.NodeKey]*nodeQueue
}

func New(cfg Config) *Manager {
	if cfg.TTLTicks <= 0 {
		cfg.TTLTicks = 600
	}
	if cfg.MaxEntriesPerNode <= 0 {
		cfg.MaxEntriesPerNode = 32
	}
	return &Manager{cfg: cfg, queues: map[model.NodeKey]*nodeQueue{}}
}

func (m *Manager) HasQueue(node model.NodeKey) bool {
	q := m.queues[node]
	return q != nil && len(q.entries) > 0
}

func (m *Manager) Depth(node model.NodeKey) int {
	if q := m.queues[node]; q != nil {
		return len(q.entries)
	}
	return 0
}

func (m *Manager) TotalDepth() int {
	n := 0
	for _, q := range m.queues {
		n += len(q.entries)
	}
	return n
}

// NewTypes returns the item types in sources that the node has not queued yet,
// in first-seen order.
func (m *Manager) NewTypes(node model.NodeKey, sources []Source) []model.ItemType {
	q := m.queues[node]
	seen := map[model.ItemType]bool{}
	var out []model.ItemType
	for _, s := range sources {
		if s.Item == "" || s.Count <= 0 || seen[s.Item] {
			continue
		}
		seen[s.Item] = true
		if q != nil && q.byItem[s.Item] != nil {
			continue
		}
		out = append(out, s.Item)
	}
	return out
}

// Enqueue adds one entry per new item type. Routes found for a type are
// cached on its entry.
func (m *Manager) Enqueue(node model.NodeKey, sources []Source, routes map[model.ItemType]routing.Route, tick uint64) EnqueueResult {
	var res EnqueueResult
	q := m.queues[node]
	if q == nil {
		q = &nodeQueue{byItem: map[model.ItemType]*Entry{}}
		m.queues[node] = q
	}
	seen := map[model.ItemType]bool{}
	for _, s := range sources {
		if s.Item == "" || s.Count <= 0 || seen[s.Item] {
			continue
		}
		seen[s.Item] = true
		if e := q.byItem[s.Item]; e != nil {
			res.AlreadyQueued++
			continue
		}
		if len(q.entries) >= m.cfg.MaxEntriesPerNode {
			res.Dropped++
			continue
		}
		e := &Entry{
			Node:              node,
			Item:              s.Item,
			Container:         s.Container,
			SlotHint:          s.Slot,
			EnqueuedTick:      tick,
			LastValidatedTick: tick,
			LastUsedTick:      tick,
		}
		if r, ok := routes[s.Item]; ok && !r.Empty() {
			e.Route = r
			e.HasRoute = true
		}
		q.entries = append(q.entries, e)
		q.byItem[s.Item] = e
		res.Added++
	}
	if len(q.entries) == 0 {
		delete(m.queues, node)
	}
	return res
}

// GetNext returns the next entry for node in round-robin order, skipping
// excluded item types and expired entries.
func (m *Manager) GetNext(node model.NodeKey, exclude map[model.ItemType]bool, tick uint64) (*Entry, bool) {
	q := m.queues[node]
	if q == nil {
		return nil, false
	}
	m.pruneQueue(node, q, tick)
	n := len(q.entries)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		e := q.entries[idx]
		if exclude[e.Item] {
			continue
		}
		q.cursor = (idx + 1) % n
		return e, true
	}
	return nil, false
}

// Lookup returns the entry for one item type.
func (m *Manager) Lookup(node model.NodeKey, item model.ItemType) (*Entry, bool) {
	q := m.queues[node]
	if q == nil {
		return nil, false
	}
	e := q.byItem[item]
	return e, e != nil
}

// SetRoute caches a freshly found route on an entry.
func (m *Manager) SetRoute(node model.NodeKey, item model.ItemType, r routing.Route, destContainer model.ContainerKey, tick uint64) bool {
	e, ok := m.Lookup(node, item)
	if !ok || r.Empty() {
		return false
	}
	e.Route = r
	e.HasRoute = true
	e.DestContainer = destContainer
	e.LastValidatedTick = tick
	return true
}

// Invalidate removes the node's entries sourced from container.
func (m *Manager) Invalidate(node model.NodeKey, container model.ContainerKey) int {
	q := m.queues[node]
	if q == nil {
		return 0
	}
	return m.removeWhere(node, q, func(e *Entry) bool { return e.Container == container })
}

// InvalidateDestination drops every cached route ending at dest. The entries stay queued.
func (m *Manager) InvalidateDestination(dest model.NodeKey) int {
	n := 0
	for _, q := range m.queues {
		for _, e := range q.entries {
			if e.HasRoute && e.Route.Dest == dest {
				e.ClearRoute()
				n++
			}
		}
	}
	return n
}

// Remove deletes the entry for one item type.
func (m *Manager) Remove(node model.NodeKey, item model.ItemType) bool {
	q := m.queues[node]
	if q == nil {
		return false
	}
	return m.removeWhere(node, q, func(e *Entry) bool { return e.Item == item }) > 0
}

// RemoveNode drops the node's queue and every cached route that ends at it.
func (m *Manager) RemoveNode(node model.NodeKey) int {
	n := 0
	if q := m.queues[node]; q != nil {
		n = len(q.entries)
		delete(m.queues, node)
	}
	m.InvalidateDestination(node)
	return n
}

// UpdateAfterTransfer records a completed extraction. An entry whose source
// has nothing left is removed.
func (m *Manager) UpdateAfterTransfer(node model.NodeKey, item model.ItemType, moved, remaining int, tick uint64) {
	e, ok := m.Lookup(node, item)
	if !ok {
		return
	}
	if remaining <= 0 {
		m.Remove(node, item)
		return
	}
	e.Moved += moved
	e.Failures = 0
	e.LastUsedTick = tick
}

// MarkFailed bumps the entry's failure count and returns it. Failures do not
// count as use, so an entry that never succeeds still expires by TTL.
func (m *Manager) MarkFailed(node model.NodeKey, item model.ItemType) int {
	e, ok := m.Lookup(node, item)
	if !ok {
		return 0
	}
	e.Failures++
	if n := m.cfg.RerouteAfterFailures; n > 0 && e.Failures%n == 0 {
		e.ClearRoute()
	}
	return e.Failures
}

// Prune expires idle entries across all nodes.
func (m *Manager) Prune(tick uint64) int {
	n := 0
	for node, q := range m.queues {
		n += m.pruneQueue(node, q, tick)
	}
	return n
}

func (m *Manager) pruneQueue(node model.NodeKey, q *nodeQueue, tick uint64) int {
	ttl := uint64(m.cfg.TTLTicks)
	return m.removeWhere(node, q, func(e *Entry) bool {
		return tick > e.LastUsedTick && tick-e.LastUsedTick > ttl
	})
}

func (m *Manager) removeWhere(node model.NodeKey, q *nodeQueue, drop func(*Entry) bool) int {
	kept := q.entries[:0]
	removed := 0
	for i, e := range q.entries {
		if drop(e) {
			delete(q.byItem, e.Item)
			removed++
			if i < q.cursor {
				q.cursor--
			}
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if len(q.entries) == 0 {
		delete(m.queues, node)
		return removed
	}
	if q.cursor >= len(q.entries) || q.cursor < 0 {
		q.cursor = 0
	}
	return removed
}
