// Package vinv is the reservation ledger that keeps scheduling decisions made
// in the same tick from promising the same container space twice.
package vinv

import (
	"sort"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

type TicketID uint64

// Ticket is the handle a job holds for one reservation. It must be released
// exactly once.
type Ticket struct {
	ID        TicketID
	Container model.ContainerKey
	Item      model.ItemType
	Amount    int
	Outbound  bool
}

func (t Ticket) Valid() bool { return t.ID != 0 }

type Stats struct {
	Reserves       uint64 `json:"reserves"`
	Releases       uint64 `json:"releases"`
	DoubleReleases uint64 `json:"double_releases"`
	Leaks          uint64 `json:"leaks"`
	Outstanding    int    `json:"outstanding"`
}

type slotKey struct {
	Container model.ContainerKey
	Item      model.ItemType
}

type Manager struct {
	maxStack     func(item model.ItemType) int
	sinkCapacity int

	inbound  map[slotKey]int
	outbound map[slotKey]int
	tickets  map[TicketID]Ticket
	next     TicketID

	stats Stats
}

// New builds an empty ledger. maxStack gives the per-slot stack size for an
// item; sinkCapacity bounds what a sink may have pending at once.
func New(maxStack func(item model.ItemType) int, sinkCapacity int) *Manager {
	if maxStack == nil {
		maxStack = func(model.ItemType) int { return 64 }
	}
	if sinkCapacity <= 0 {
		sinkCapacity = 256
	}
	return &Manager{
		maxStack:     maxStack,
		sinkCapacity: sinkCapacity,
		inbound:      map[slotKey]int{},
		outbound:     map[slotKey]int{},
		tickets:      map[TicketID]Ticket{},
	}
}

// SinkKey places a sink node in the container key space of the ledger.
func SinkKey(node model.NodeKey) model.ContainerKey {
	return model.ContainerKey{Dim: node.Dim, X: node.X, Y: node.Y, Z: node.Z}
}

// RealFreeCapacity is the number of units of item the inventory can still take.
func (m *Manager) RealFreeCapacity(inv model.Inventory, item model.ItemType) int {
	if inv == nil {
		return 0
	}
	stack := m.maxStack(item)
	free := 0
	for i := 0; i < inv.Size(); i++ {
		st, ok := inv.Get(i)
		switch {
		case !ok:
			free += stack
		case st.Type == item && st.Count < stack:
			free += stack - st.Count
		}
	}
	return free
}

// VirtualCapacity is real free space minus pending inbound reservations. It
// goes negative when a container fills up behind outstanding reservations.
func (m *Manager) VirtualCapacity(ck model.ContainerKey, item model.ItemType, inv model.Inventory) int {
	return m.RealFreeCapacity(inv, item) - m.Pending(ck, item)
}

func (m *Manager) VirtualSinkCapacity(node model.NodeKey, item model.ItemType) int {
	return m.sinkCapacity - m.Pending(SinkKey(node), item)
}

// AvailableToExtract is what a source can still hand out after outbound reservations.
func (m *Manager) AvailableToExtract(ck model.ContainerKey, item model.ItemType, inv model.Inventory) int {
	if inv == nil {
		return 0
	}
	n := 0
	for i := 0; i < inv.Size(); i++ {
		if st, ok := inv.Get(i); ok && st.Type == item {
			n += st.Count
		}
	}
	n -= m.outbound[slotKey{Container: ck, Item: item}]
	if n < 0 {
		return 0
	}
	return n
}

func (m *Manager) Pending(ck model.ContainerKey, item model.ItemType) int {
	return m.inbound[slotKey{Container: ck, Item: item}]
}

func (m *Manager) PendingOutbound(ck model.ContainerKey, item model.ItemType) int {
	return m.outbound[slotKey{Container: ck, Item: item}]
}

// Reserve books inbound space. A non-positive amount yields an invalid ticket.
func (m *Manager) Reserve(ck model.ContainerKey, item model.ItemType, amount int) Ticket {
	return m.reserve(ck, item, amount, false)
}

// ReserveOutbound books units that are about to leave a source.
func (m *Manager) ReserveOutbound(ck model.ContainerKey, item model.ItemType, amount int) Ticket {
	return m.reserve(ck, item, amount, true)
}

func (m *Manager) reserve(ck model.ContainerKey, item model.ItemType, amount int, outbound bool) Ticket {
	if amount <= 0 || ck.IsZero() || item == "" {
		return Ticket{}
	}
	m.next++
	t := Ticket{ID: m.next, Container: ck, Item: item, Amount: amount, Outbound: outbound}
	m.tickets[t.ID] = t
	k := slotKey{Container: ck, Item: item}
	if outbound {
		m.outbound[k] += amount
	} else {
		m.inbound[k] += amount
	}
	m.stats.Reserves++
	return t
}

// Release returns a ticket's reservation. A second release of the same ticket
// is refused and counted.
func (m *Manager) Release(t Ticket) bool {
	if !t.Valid() {
		return false
	}
	held, ok := m.tickets[t.ID]
	if !ok {
		if t.ID <= m.next {
			m.stats.DoubleReleases++
		}
		return false
	}
	delete(m.tickets, t.ID)
	m.unbook(held)
	m.stats.Releases++
	return true
}

// ReleaseOutbound is Release restricted to extraction tickets.
func (m *Manager) ReleaseOutbound(t Ticket) bool {
	if !t.Outbound {
		return false
	}
	return m.Release(t)
}

func (m *Manager) unbook(t Ticket) {
	k := slotKey{Container: t.Container, Item: t.Item}
	book := m.inbound
	if t.Outbound {
		book = m.outbound
	}
	book[k] -= t.Amount
	if book[k] <= 0 {
		delete(book, k)
	}
}

// Holds reports whether the ticket is still outstanding.
func (m *Manager) Holds(id TicketID) bool {
	_, ok := m.tickets[id]
	return ok
}

// Reconcile releases every outstanding ticket that live does not claim and
// returns the leaked tickets it repaired.
func (m *Manager) Reconcile(live func(TicketID) bool) []Ticket {
	var leaked []Ticket
	for id, t := range m.tickets {
		if live != nil && live(id) {
			continue
		}
		leaked = append(leaked, t)
	}
	sort.Slice(leaked, func(i, j int) bool { return leaked[i].ID < leaked[j].ID })
	for _, t := range leaked {
		delete(m.tickets, t.ID)
		m.unbook(t)
		m.stats.Leaks++
	}
	return leaked
}

// Outstanding lists held tickets in issue order.
func (m *Manager) Outstanding() []Ticket {
	out := make([]Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Stats() Stats {
	st := m.stats
	st.Outstanding = len(m.tickets)
	return st
}
