package worldsim

import (
	"testing"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

func TestWorld_BlocksAndAttachedContainers(t *testing.T) {
	w := New()
	n := model.NodeKey{Dim: "overworld", X: 0, Y: 64, Z: 0}
	w.PlaceNode(n, model.NodeInfo{Tier: 9})
	w.PlaceChest(model.ContainerKey{Dim: "overworld", X: 0, Y: 63, Z: 0}, 9)
	w.PlaceChest(model.ContainerKey{Dim: "overworld", X: 2, Y: 64, Z: 0}, 9)

	if b, _ := w.BlockAt("overworld", n.Pos()); b.Kind != model.BlockNode {
		t.Fatalf("node block kind=%s", b.Kind)
	}
	if b, _ := w.BlockAt("overworld", model.Vec3i{X: 0, Y: 63}); b.Kind != model.BlockSolid {
		t.Fatalf("chest block kind=%s", b.Kind)
	}
	if b, _ := w.BlockAt("nether", n.Pos()); b.Kind != model.BlockAir {
		t.Fatalf("other dimension should be air, got %s", b.Kind)
	}
	info, _ := w.NodeInfo(n)
	if info.Tier != 5 {
		t.Fatalf("tier not clamped: %d", info.Tier)
	}
	att := w.AttachedContainers(n)
	if len(att) != 1 || att[0].Y != 63 {
		t.Fatalf("attached=%v", att)
	}
	if _, ok := model.ResolveInventory(w, model.ContainerKey{Dim: "overworld", X: 9}); ok {
		t.Fatalf("resolved a missing container")
	}
}

func TestWorld_SpanBuildAndCollapse(t *testing.T) {
	w := New()
	from := model.Vec3i{}
	w.SetSolid("d", model.Vec3i{X: 3})
	w.BuildSpan("d", from, model.DirPosX, 5, 1)
	for i := 1; i < 5; i++ {
		b, _ := w.BlockAt("d", model.Vec3i{X: i})
		want := model.BlockBeam
		if i == 3 {
			want = model.BlockSolid
		}
		if b.Kind != want {
			t.Fatalf("x=%d kind=%s want %s", i, b.Kind, want)
		}
	}
	w.CollapseSpan("d", from, model.DirPosX, 5)
	if b, _ := w.BlockAt("d", model.Vec3i{X: 2}); b.Kind != model.BlockAir {
		t.Fatalf("beam survived collapse: %s", b.Kind)
	}
	if b, _ := w.BlockAt("d", model.Vec3i{X: 3}); b.Kind != model.BlockSolid {
		t.Fatalf("collapse removed a solid block")
	}
	if len(w.SpanOps) != 2 || !w.SpanOps[0].Build || w.SpanOps[1].Build {
		t.Fatalf("span ops=%+v", w.SpanOps)
	}
}

func TestWorld_SinkLimitAndConservation(t *testing.T) {
	w := New()
	sink := model.NodeKey{Dim: "d", X: 1}
	w.PlaceNode(sink, model.NodeInfo{Tier: 1, Sink: true})
	w.SetSinkLimit(10)
	if got := w.SinkAccept(sink, model.ItemStack{Type: "RAW_IRON", Count: 7}); got != 7 {
		t.Fatalf("first accept=%d", got)
	}
	if got := w.SinkAccept(sink, model.ItemStack{Type: "RAW_IRON", Count: 7}); got != 3 {
		t.Fatalf("second accept=%d want 3", got)
	}
	w.DropItem("d", model.Vec3i{}, model.ItemStack{Type: "RAW_IRON", Count: 4})
	if got := w.TotalUnits("RAW_IRON"); got != 14 {
		t.Fatalf("total=%d want 14", got)
	}
	if got := w.SinkAccept(model.NodeKey{Dim: "d", X: 5}, model.ItemStack{Type: "RAW_IRON", Count: 1}); got != 0 {
		t.Fatalf("non-sink accepted %d", got)
	}
}

func TestLoadScenario(t *testing.T) {
	w, sc, err := LoadScenario("../../../configs/scenario.yaml")
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if len(w.LiveNodes()) != len(sc.Nodes) {
		t.Fatalf("live nodes=%d want %d", len(w.LiveNodes()), len(sc.Nodes))
	}
	src := w.Chest(model.ContainerKey{Dim: "overworld", X: 0, Y: 63, Z: 0})
	if src == nil || src.Count("COAL") != 40 || src.Count("RAW_IRON") != 12 {
		t.Fatalf("source chest not stocked: %+v", src)
	}
	nodes := w.LiveNodes()
	for i := 1; i < len(nodes); i++ {
		if !nodes[i-1].Less(nodes[i]) {
			t.Fatalf("LiveNodes not sorted: %v", nodes)
		}
	}
}

func TestScenarioBuild_RejectsBadInput(t *testing.T) {
	sc := Scenario{Nodes: []ScenarioNode{{Pos: [3]int{0, 0, 0}, Tier: 0}}}
	if _, err := sc.Build(); err == nil {
		t.Fatalf("expected tier error")
	}
	sc = Scenario{Beams: []ScenarioBeam{{From: [3]int{0, 0, 0}, To: [3]int{1, 1, 0}}}}
	if _, err := sc.Build(); err == nil {
		t.Fatalf("expected beam alignment error")
	}
}
