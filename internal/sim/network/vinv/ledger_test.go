package vinv

import (
	"testing"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/worldsim"
)

var chestKey = model.ContainerKey{Dim: "d", X: 1, Y: 2, Z: 3}

func stackOf(item model.ItemType) int {
	if item == "ENDER_PEARL" {
		return 16
	}
	return 64
}

func TestRealFreeCapacity(t *testing.T) {
	m := New(stackOf, 0)
	c := worldsim.NewChest(3)
	c.Set(0, model.ItemStack{Type: "COAL", Count: 60})
	c.Set(1, model.ItemStack{Type: "IRON", Count: 1})
	if got := m.RealFreeCapacity(c, "COAL"); got != 4+64 {
		t.Fatalf("coal free=%d want 68", got)
	}
	if got := m.RealFreeCapacity(c, "ENDER_PEARL"); got != 16 {
		t.Fatalf("pearl free=%d want 16", got)
	}
	if got := m.RealFreeCapacity(nil, "COAL"); got != 0 {
		t.Fatalf("nil inventory free=%d", got)
	}
}

func TestVirtualCapacityTracksPending(t *testing.T) {
	m := New(stackOf, 0)
	c := worldsim.NewChest(1)
	a := m.Reserve(chestKey, "COAL", 10)
	b := m.Reserve(chestKey, "COAL", 20)
	check := func() {
		t.Helper()
		free := m.RealFreeCapacity(c, "COAL")
		p := m.Pending(chestKey, "COAL")
		if p < 0 {
			t.Fatalf("pending=%d", p)
		}
		if v := m.VirtualCapacity(chestKey, "COAL", c); v != free-p {
			t.Fatalf("virtual=%d want %d-%d", v, free, p)
		}
	}
	check()
	if got := m.VirtualCapacity(chestKey, "COAL", c); got != 34 {
		t.Fatalf("virtual=%d want 34", got)
	}
	m.Release(a)
	check()
	m.Release(b)
	check()
	if p := m.Pending(chestKey, "COAL"); p != 0 {
		t.Fatalf("pending after releases=%d", p)
	}
	// A different item on the same container is independent.
	m.Reserve(chestKey, "IRON", 5)
	if got := m.Pending(chestKey, "COAL"); got != 0 {
		t.Fatalf("cross-item pending=%d", got)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	m := New(stackOf, 0)
	tk := m.Reserve(chestKey, "COAL", 8)
	if !tk.Valid() {
		t.Fatalf("invalid ticket")
	}
	if !m.Release(tk) {
		t.Fatalf("first release refused")
	}
	if m.Release(tk) {
		t.Fatalf("second release accepted")
	}
	st := m.Stats()
	if st.Reserves != 1 || st.Releases != 1 || st.DoubleReleases != 1 || st.Outstanding != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if m.Release(Ticket{}) {
		t.Fatalf("zero ticket released")
	}
	if z := m.Reserve(chestKey, "COAL", 0); z.Valid() {
		t.Fatalf("zero amount produced a ticket")
	}
}

func TestOutboundLimitsExtraction(t *testing.T) {
	m := New(stackOf, 0)
	c := worldsim.NewChest(2)
	c.Set(0, model.ItemStack{Type: "COAL", Count: 10})
	out := m.ReserveOutbound(chestKey, "COAL", 7)
	if got := m.AvailableToExtract(chestKey, "COAL", c); got != 3 {
		t.Fatalf("available=%d want 3", got)
	}
	if got := m.Pending(chestKey, "COAL"); got != 0 {
		t.Fatalf("outbound leaked into inbound pending: %d", got)
	}
	if m.ReleaseOutbound(m.Reserve(chestKey, "COAL", 1)) {
		t.Fatalf("inbound ticket released as outbound")
	}
	if !m.ReleaseOutbound(out) {
		t.Fatalf("outbound release refused")
	}
	if got := m.AvailableToExtract(chestKey, "COAL", c); got != 10 {
		t.Fatalf("available after release=%d", got)
	}
}

func TestSinkCapacity(t *testing.T) {
	m := New(stackOf, 100)
	sink := model.NodeKey{Dim: "d", X: 9}
	m.Reserve(SinkKey(sink), "RAW_IRON", 40)
	if got := m.VirtualSinkCapacity(sink, "RAW_IRON"); got != 60 {
		t.Fatalf("sink capacity=%d want 60", got)
	}
}

func TestReconcileReleasesLeakedTickets(t *testing.T) {
	m := New(stackOf, 0)
	keep := m.Reserve(chestKey, "COAL", 4)
	lost := m.Reserve(chestKey, "COAL", 6)
	leaked := m.Reconcile(func(id TicketID) bool { return id == keep.ID })
	if len(leaked) != 1 || leaked[0].ID != lost.ID {
		t.Fatalf("leaked=%+v", leaked)
	}
	if got := m.Pending(chestKey, "COAL"); got != 4 {
		t.Fatalf("pending=%d want 4", got)
	}
	if !m.Holds(keep.ID) || m.Holds(lost.ID) {
		t.Fatalf("holds mismatch")
	}
	// The owner of a reconciled ticket releasing late is a double release.
	if m.Release(lost) {
		t.Fatalf("reconciled ticket released again")
	}
	if st := m.Stats(); st.Leaks != 1 || st.DoubleReleases != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
