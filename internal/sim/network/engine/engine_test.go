package engine

import (
	"testing"
	"time"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/kv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/store"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/worldsim"
)

const dim = "overworld"

func at(x int) model.NodeKey { return model.NodeKey{Dim: dim, X: x, Y: 64} }

func chestAt(x int) model.ContainerKey { return model.ContainerKey{Dim: dim, X: x, Y: 63} }

type fakeClock struct {
	cur  time.Time
	step time.Duration
}

// Now advances by step on every call.
func (c *fakeClock) Now() time.Time {
	c.cur = c.cur.Add(c.step)
	return c.cur
}

type recordSink struct {
	events []Event
}

func (s *recordSink) WriteEvent(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordSink) count(kind string) int {
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	w      *worldsim.World
	e      *Engine
	clock  *fakeClock
	events *recordSink
	tick   uint64
}

func testTuning() tuning.Tuning {
	tun := tuning.Defaults()
	tun.Drift.SettleBase = 0
	tun.Drift.HopGain = 0
	tun.Drift.RerouteGain = 0
	return tun
}

func newFixture(t *testing.T, tun tuning.Tuning, w *worldsim.World, st *store.Store) *fixture {
	t.Helper()
	return newSeededFixture(t, tun, w, st, 11)
}

func newSeededFixture(t *testing.T, tun tuning.Tuning, w *worldsim.World, st *store.Store, seed int64) *fixture {
	t.Helper()
	fx := &fixture{
		w:      w,
		clock:  &fakeClock{cur: time.Unix(1700000000, 0)},
		events: &recordSink{},
	}
	e, err := New(Options{
		Tuning:   tun,
		World:    w,
		Renderer: w,
		Store:    st,
		Events:   fx.events,
		Seed:     seed,
		Now:      fx.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.e = e
	return fx
}

func (fx *fixture) step() TickReport {
	fx.tick++
	return fx.e.Tick(fx.tick)
}

func (fx *fixture) runUntil(t *testing.T, limit int, done func() bool) {
	t.Helper()
	for i := 0; i < limit; i++ {
		if done() {
			return
		}
		fx.step()
	}
	if !done() {
		t.Fatalf("condition not reached in %d ticks", limit)
	}
}

func placeNode(w *worldsim.World, x, tier int, filter ...model.ItemType) {
	w.PlaceNode(at(x), model.NodeInfo{Tier: tier, Filter: filter})
}

func fill(c *worldsim.Chest, item model.ItemType, counts ...int) {
	for i, n := range counts {
		c.Set(i, model.ItemStack{Type: item, Count: n})
	}
}

func TestFullDestinationCreatesNoJob(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 2)
	placeNode(w, 4, 2, "COAL")
	src := w.PlaceChest(chestAt(0), 27)
	fill(src, "COAL", 10)
	fill(w.PlaceChest(chestAt(4), 1), "COAL", 64)

	fx := newFixture(t, testTuning(), w, nil)
	fx.runUntil(t, 40, func() bool {
		r, _ := fx.e.GetLastFailureReason(at(0))
		return r == model.ReasonFull
	})

	if n := fx.e.GetJobCount(); n != 0 {
		t.Fatalf("jobs=%d want 0", n)
	}
	if st := fx.e.Reservations(); st.Outstanding != 0 {
		t.Fatalf("outstanding=%d want 0", st.Outstanding)
	}
	if src.Count("COAL") != 10 {
		t.Fatalf("source=%d want 10", src.Count("COAL"))
	}
	if st := fx.e.nodeStates[at(0)]; st.backoffUntil <= fx.tick {
		t.Fatalf("backoffUntil=%d tick=%d", st.backoffUntil, fx.tick)
	}
	ns, ok := fx.e.Snapshot().Node(at(0))
	if !ok || ns.LastFailure != model.ReasonFull || ns.QueueDepth != 1 {
		t.Fatalf("snapshot node=%+v ok=%v", ns, ok)
	}
}

func TestBalanceMovesHalfToFilteredDestination(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 2)
	placeNode(w, 4, 2, "COAL")
	src := w.PlaceChest(chestAt(0), 27)
	fill(src, "COAL", 10)
	w.PlaceChest(chestAt(4), 27)

	fx := newFixture(t, testTuning(), w, nil)
	fx.runUntil(t, 40, func() bool { return fx.e.GetJobCount() > 0 })

	jobs := fx.e.Jobs()
	if len(jobs) != 1 || jobs[0].Amount != 5 {
		t.Fatalf("jobs=%+v want one job of 5", jobs)
	}
	if src.Count("COAL") != 5 {
		t.Fatalf("source=%d want 5", src.Count("COAL"))
	}
	if got := fx.e.PendingInbound(chestAt(4), "COAL"); got != 5 {
		t.Fatalf("pending=%d want 5", got)
	}
	if d := fx.e.Snapshot(); d.Reservations != 1 || d.Reservations != fx.e.Reservations().Outstanding {
		t.Fatalf("snapshot reservations=%d want 1", d.Reservations)
	}
}

func TestBalanceAmount(t *testing.T) {
	e := &Engine{tun: tuning.Defaults()}
	cases := []struct {
		src, dst, tierMax int
		filter            bool
		want              int
		ok                bool
	}{
		{10, 0, 8, false, 5, true},
		{40, 0, 8, false, 8, true},
		{5, 5, 8, false, 0, false},
		{5, 5, 8, true, 1, true},
		{20, 30, 8, true, 5, true},
		{100, 200, 16, true, 16, true},
	}
	for _, c := range cases {
		got, ok := e.balanceAmount(c.src, c.dst, c.tierMax, c.filter)
		if got != c.want || ok != c.ok {
			t.Fatalf("balanceAmount(%d,%d,%d,%v)=%d,%v want %d,%v", c.src, c.dst, c.tierMax, c.filter, got, ok, c.want, c.ok)
		}
	}
}

func TestBreakerSuspendsForCooldown(t *testing.T) {
	tun := testTuning()
	tun.Tick.EmergencyConsecutive = 3
	tun.Tick.SuspendCooldownTicks = 5
	tun.Tick.SkipAfterOverruns = 0
	w := worldsim.New()
	placeNode(w, 0, 2)
	fx := newFixture(t, tun, w, nil)

	fx.clock.step = 50 * time.Millisecond
	var reps []TickReport
	for i := 0; i < 3; i++ {
		reps = append(reps, fx.step())
	}
	if !reps[0].Overrun || reps[0].Tripped || !reps[2].Tripped {
		t.Fatalf("reports=%+v", reps)
	}
	if fx.events.count(EventBreakerTripped) != 1 {
		t.Fatalf("trip events=%d want 1", fx.events.count(EventBreakerTripped))
	}

	fx.clock.step = 0
	suspended := 0
	for i := 0; i < 5; i++ {
		if fx.step().Suspended {
			suspended++
		}
	}
	if suspended != 5 {
		t.Fatalf("suspended ticks=%d want 5", suspended)
	}
	if !fx.e.Snapshot().Suspended {
		t.Fatalf("snapshot should still report suspended before the resume tick")
	}
	rep := fx.step()
	if rep.Suspended {
		t.Fatalf("tick %d still suspended", rep.Tick)
	}
	if fx.events.count(EventBreakerRecovered) != 1 {
		t.Fatalf("recover events=%d want 1", fx.events.count(EventBreakerRecovered))
	}
	if fx.e.totals.BreakerTrips != 1 || fx.e.totals.Overruns != 3 {
		t.Fatalf("totals=%+v", fx.e.totals)
	}
}

func TestSuspendedTransferAttemptFails(t *testing.T) {
	fx := newFixture(t, testTuning(), worldsim.New(), nil)
	tc := &model.TickContext{TransfersSuspended: true}
	if res := fx.e.AttemptTransfer(tc, at(0), nil); res.Reason != model.ReasonSuspended {
		t.Fatalf("reason=%s want %s", res.Reason, model.ReasonSuspended)
	}
	tc = &model.TickContext{Transfers: model.NewBudget(0)}
	if res := fx.e.AttemptTransfer(tc, at(0), nil); res.Reason != model.ReasonTransferBudget {
		t.Fatalf("reason=%s want %s", res.Reason, model.ReasonTransferBudget)
	}
}

func TestSkipNeverTwiceInARow(t *testing.T) {
	tun := testTuning()
	tun.Tick.EmergencyConsecutive = 100
	tun.Tick.SkipAfterOverruns = 2
	fx := newFixture(t, tun, worldsim.New(), nil)
	fx.clock.step = 50 * time.Millisecond

	var skipped []bool
	for i := 0; i < 6; i++ {
		skipped = append(skipped, fx.step().Skipped)
	}
	want := []bool{false, false, true, false, true, false}
	for i := range want {
		if skipped[i] != want[i] {
			t.Fatalf("skipped=%v want %v", skipped, want)
		}
	}
}

func TestScanCursorRoundRobin(t *testing.T) {
	tun := testTuning()
	tun.Budgets.MaxNodesScannedPerTick = 2
	w := worldsim.New()
	for _, x := range []int{0, 4, 8, 12, 16} {
		placeNode(w, x, 1)
	}
	fx := newFixture(t, tun, w, nil)

	want := []int{4, 12, 0, 8, 16}
	for i, x := range want {
		rep := fx.step()
		if rep.NodesScanned != 2 {
			t.Fatalf("tick %d scanned=%d want 2", rep.Tick, rep.NodesScanned)
		}
		if fx.e.cursor != at(x) {
			t.Fatalf("step %d cursor=%v want %v", i, fx.e.cursor, at(x))
		}
	}
}

func TestNodeRemovalClearsQueuesAndGraph(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 2)
	placeNode(w, 4, 2, "COAL")
	fill(w.PlaceChest(chestAt(0), 27), "COAL", 10)
	fill(w.PlaceChest(chestAt(4), 1), "COAL", 64)

	fx := newFixture(t, testTuning(), w, nil)
	fx.runUntil(t, 20, func() bool { return fx.e.GetQueueDepth(at(0)) > 0 })

	w.RemoveNode(at(0))
	fx.e.OnNodeRemoved(at(0))
	if d := fx.e.GetQueueDepth(at(0)); d != 0 {
		t.Fatalf("queue depth=%d want 0", d)
	}
	if st := fx.e.GetGraphStats(); st.Nodes != 1 || st.Edges != 0 {
		t.Fatalf("graph=%+v", st)
	}
	if _, ok := fx.e.GetLastFailureReason(at(0)); ok {
		t.Fatalf("removed node kept its failure reason")
	}
	rep := fx.step()
	if rep.NodesScanned != 1 {
		t.Fatalf("scanned=%d want 1", rep.NodesScanned)
	}
}

func TestRegistryRefreshFindsNewNodes(t *testing.T) {
	tun := testTuning()
	tun.Tick.RegistryRefreshTicks = 5
	w := worldsim.New()
	placeNode(w, 0, 1)
	fx := newFixture(t, tun, w, nil)

	if rep := fx.step(); rep.RegistryAdded != 1 {
		t.Fatalf("added=%d want 1", rep.RegistryAdded)
	}
	placeNode(w, 4, 1)
	for i := 0; i < 3; i++ {
		fx.step()
	}
	if n := fx.e.GetGraphStats().Nodes; n != 1 {
		t.Fatalf("nodes=%d before refresh want 1", n)
	}
	fx.runUntil(t, 5, func() bool { return fx.e.GetGraphStats().Nodes == 2 })
}

func TestLevelThresholds(t *testing.T) {
	levels := []int64{64, 512, 4096}
	cases := map[int64]int{0: 0, 63: 0, 64: 1, 600: 2, 5000: 3}
	for moved, want := range cases {
		if got := levelFor(levels, moved); got != want {
			t.Fatalf("levelFor(%d)=%d want %d", moved, got, want)
		}
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	e := &Engine{tun: tuning.Defaults()}
	want := []uint64{5, 10, 20, 40, 80, 160, 200, 200}
	for i, w := range want {
		if got := e.backoffTicks(i + 1); got != w {
			t.Fatalf("backoffTicks(%d)=%d want %d", i+1, got, w)
		}
	}
}

func TestScenarioDeliversEverything(t *testing.T) {
	w, _, err := worldsim.LoadScenario("../../../../configs/scenario.yaml")
	if err != nil {
		t.Fatal(err)
	}
	tun := testTuning()
	tun.Normalize()
	fx := newFixture(t, tun, w, nil)

	origin := w.Chest(model.ContainerKey{Dim: dim, X: 0, Y: 63, Z: 0})
	storage := w.Chest(model.ContainerKey{Dim: dim, X: 6, Y: 63, Z: 8})
	smelter := model.NodeKey{Dim: dim, X: 12, Y: 64, Z: 0}
	fx.runUntil(t, 5000, func() bool {
		return origin.Count("COAL")+origin.Count("IRON_INGOT")+origin.Count("RAW_IRON") == 0 && fx.e.GetJobCount() == 0
	})

	if storage.Count("COAL") != 40 || storage.Count("IRON_INGOT") != 20 {
		t.Fatalf("storage coal=%d iron=%d", storage.Count("COAL"), storage.Count("IRON_INGOT"))
	}
	if got := w.SinkConsumed(smelter, "RAW_IRON"); got != 12 {
		t.Fatalf("smelted=%d want 12", got)
	}
	if w.DroppedUnits() != 0 {
		t.Fatalf("dropped=%d", w.DroppedUnits())
	}
	st := fx.e.Reservations()
	if st.Outstanding != 0 || st.DoubleReleases != 0 {
		t.Fatalf("ledger=%+v", st)
	}
	if fx.e.Level(model.NodeKey{Dim: dim, X: 0, Y: 64, Z: 0}) != 1 {
		t.Fatalf("origin level=%d want 1", fx.e.Level(model.NodeKey{Dim: dim, X: 0, Y: 64, Z: 0}))
	}
}

func TestUnitsConservedWhileInFlight(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 1)
	placeNode(w, 8, 1)
	placeNode(w, 16, 1, "COAL")
	fill(w.PlaceChest(chestAt(0), 27), "COAL", 30)
	w.PlaceChest(chestAt(16), 27)

	fx := newFixture(t, testTuning(), w, nil)
	for i := 0; i < 300; i++ {
		fx.step()
		inFlight := 0
		for _, j := range fx.e.Jobs() {
			inFlight += j.Amount
		}
		if got := w.TotalUnits("COAL") + inFlight; got != 30 {
			t.Fatalf("tick %d: units=%d want 30", fx.tick, got)
		}
	}
}

func TestPersistAndRestore(t *testing.T) {
	mem := kv.NewMemory(0)
	tun := testTuning()
	newStore := func() *store.Store {
		return store.New(mem, store.Config{KeyPrefix: "logistics:", MaxJobEntries: 64, MaxValueBytes: 32 * 1024, Compress: true})
	}

	w := worldsim.New()
	placeNode(w, 0, 1)
	placeNode(w, 12, 1, "COAL")
	fill(w.PlaceChest(chestAt(0), 27), "COAL", 8)
	w.PlaceChest(chestAt(12), 27)

	fx := newFixture(t, tun, w, newStore())
	fx.runUntil(t, 40, func() bool { return fx.e.GetJobCount() > 0 })
	if mem.Writes() == 0 {
		t.Fatalf("spawning a job should have saved the job set")
	}
	if _, err := fx.e.Flush(); err != nil {
		t.Fatal(err)
	}
	before := fx.e.Jobs()

	fx2 := newFixture(t, tun, w, newStore())
	n, err := fx2.e.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if n != len(before) || fx2.e.GetJobCount() != len(before) {
		t.Fatalf("restored=%d count=%d want %d", n, fx2.e.GetJobCount(), len(before))
	}
	if got, want := fx2.e.PendingInbound(chestAt(12), "COAL"), fx.e.PendingInbound(chestAt(12), "COAL"); got != want {
		t.Fatalf("pending after restore=%d want %d", got, want)
	}
	if got := fx2.e.nodeStates[at(0)].moved; got != fx.e.nodeStates[at(0)].moved {
		t.Fatalf("counter=%d want %d", got, fx.e.nodeStates[at(0)].moved)
	}
	if fx2.events.count(EventRestored) != 1 {
		t.Fatalf("restore events=%d", fx2.events.count(EventRestored))
	}
}

func TestMissingStoreIsANoop(t *testing.T) {
	fx := newFixture(t, testTuning(), worldsim.New(), nil)
	if n, err := fx.e.Restore(); n != 0 || err != nil {
		t.Fatalf("restore=%d,%v", n, err)
	}
	if _, err := fx.e.Flush(); err != nil {
		t.Fatal(err)
	}
}

type worldOnly struct{ model.World }

func TestNewUsesWorldAsRenderer(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 1)
	placeNode(w, 8, 1, "COAL")
	fill(w.PlaceChest(chestAt(0), 27), "COAL", 6)
	dest := w.PlaceChest(chestAt(8), 27)

	e, err := New(Options{Tuning: testTuning(), World: w, Seed: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for tick := uint64(1); tick <= 200 && dest.Count("COAL") == 0; tick++ {
		e.Tick(tick)
	}
	if dest.Count("COAL") == 0 {
		t.Fatalf("nothing delivered; graph=%+v", e.GetGraphStats())
	}

	if _, err := New(Options{Tuning: testTuning(), World: worldOnly{w}}); err == nil {
		t.Fatalf("world without a renderer accepted")
	}
	if _, err := New(Options{Tuning: testTuning()}); err == nil {
		t.Fatalf("nil world accepted")
	}
}

func TestFullDestinationIsRepicked(t *testing.T) {
	tun := testTuning()
	tun.Backoff.MaxTicks = 10
	for seed := int64(0); seed < 8; seed++ {
		w := worldsim.New()
		placeNode(w, 0, 2)
		placeNode(w, 4, 2, "COAL")
		placeNode(w, -4, 2, "COAL")
		fill(w.PlaceChest(chestAt(0), 27), "COAL", 10)
		full := w.PlaceChest(chestAt(4), 1)
		fill(full, "COAL", 64)
		empty := w.PlaceChest(chestAt(-4), 27)

		fx := newSeededFixture(t, tun, w, nil, seed)
		for i := 0; i < 400 && empty.Count("COAL") == 0; i++ {
			fx.step()
		}
		if empty.Count("COAL") == 0 {
			r, _ := fx.e.GetLastFailureReason(at(0))
			t.Fatalf("seed %d: empty chest never chosen, last=%s", seed, r)
		}
		if full.Count("COAL") != 64 {
			t.Fatalf("seed %d: full chest=%d want 64", seed, full.Count("COAL"))
		}
	}
}

func TestSpanBrokenUnderInflightJob(t *testing.T) {
	w := worldsim.New()
	placeNode(w, 0, 1)
	placeNode(w, 8, 1)
	placeNode(w, 16, 1, "COAL")
	fill(w.PlaceChest(chestAt(0), 27), "COAL", 10)
	w.PlaceChest(chestAt(16), 27)

	fx := newFixture(t, testTuning(), w, nil)
	fx.runUntil(t, 40, func() bool { return fx.e.GetJobCount() > 0 })

	mid := model.Vec3i{X: 12, Y: 64}
	w.SetAir(dim, mid)
	if n := fx.e.OnSpanBroken(dim, mid); n != 1 {
		t.Fatalf("edges broken=%d want 1", n)
	}
	if st := fx.e.GetGraphStats(); st.Edges != 1 {
		t.Fatalf("graph after break=%+v want 1 edge", st)
	}

	fx.runUntil(t, 600, func() bool {
		inFlight := 0
		for _, j := range fx.e.Jobs() {
			inFlight += j.Amount
		}
		if got := w.TotalUnits("COAL") + inFlight; got != 10 {
			t.Fatalf("tick %d: units=%d want 10", fx.tick, got)
		}
		return fx.e.GetJobCount() == 0 && fx.e.GetGraphStats().Active == 2
	})
	if fx.e.totals.Drifts+fx.e.totals.Reroutes == 0 {
		t.Fatalf("job never noticed the broken span: %+v", fx.e.totals)
	}
	if st := fx.e.Reservations(); st.Outstanding != 0 || st.DoubleReleases != 0 {
		t.Fatalf("reservations=%+v", st)
	}
}
