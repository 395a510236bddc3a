package worldsim

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

type Scenario struct {
	Dim          string          `yaml:"dim"`
	InstantBuild *bool           `yaml:"instant_build"`
	SinkLimit    int             `yaml:"sink_limit"`
	Nodes        []ScenarioNode  `yaml:"nodes"`
	Chests       []ScenarioChest `yaml:"chests"`
	Beams        []ScenarioBeam  `yaml:"beams"`
	Solids       [][3]int        `yaml:"solids"`
}

type ScenarioNode struct {
	Pos    [3]int   `yaml:"pos"`
	Tier   int      `yaml:"tier"`
	Filter []string `yaml:"filter"`
	Sink   bool     `yaml:"sink"`
}

type ScenarioChest struct {
	Pos   [3]int         `yaml:"pos"`
	Size  int            `yaml:"size"`
	Items map[string]int `yaml:"items"`
}

// ScenarioBeam pre-builds a beam run between two positions on one axis.
type ScenarioBeam struct {
	From [3]int `yaml:"from"`
	To   [3]int `yaml:"to"`
}

func LoadScenario(path string) (*World, Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Scenario{}, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, Scenario{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	w, err := sc.Build()
	if err != nil {
		return nil, sc, fmt.Errorf("scenario %s: %w", path, err)
	}
	return w, sc, nil
}

// Build materializes the scenario into a fresh World.
func (sc Scenario) Build() (*World, error) {
	dim := strings.TrimSpace(sc.Dim)
	if dim == "" {
		dim = "overworld"
	}
	w := New()
	if sc.InstantBuild != nil {
		w.InstantBuild = *sc.InstantBuild
	}
	w.SetSinkLimit(sc.SinkLimit)
	for _, s := range sc.Solids {
		w.SetSolid(dim, vec(s))
	}
	for i, n := range sc.Nodes {
		if n.Tier < 1 || n.Tier > 5 {
			return nil, fmt.Errorf("nodes[%d]: tier %d out of range", i, n.Tier)
		}
		info := model.NodeInfo{Tier: n.Tier, Sink: n.Sink}
		for _, f := range n.Filter {
			info.Filter = append(info.Filter, model.ItemType(f))
		}
		w.PlaceNode(model.NodeKeyAt(dim, vec(n.Pos)), info)
	}
	for i, c := range sc.Chests {
		ck := model.ContainerKeyAt(dim, vec(c.Pos))
		if b, _ := w.BlockAt(dim, ck.Pos()); b.Kind == model.BlockNode {
			return nil, fmt.Errorf("chests[%d]: position occupied by a node", i)
		}
		chest := w.PlaceChest(ck, c.Size)
		slot := 0
		for _, item := range sortedItems(c.Items) {
			n := c.Items[item]
			for n > 0 {
				if slot >= chest.Size() {
					return nil, fmt.Errorf("chests[%d]: items overflow %d slots", i, chest.Size())
				}
				take := n
				if take > 64 {
					take = 64
				}
				chest.Set(slot, model.ItemStack{Type: model.ItemType(item), Count: take})
				slot++
				n -= take
			}
		}
	}
	for i, b := range sc.Beams {
		from, to := vec(b.From), vec(b.To)
		dir, length, ok := lineBetween(from, to)
		if !ok {
			return nil, fmt.Errorf("beams[%d]: endpoints are not axis aligned", i)
		}
		for step := 0; step <= length; step++ {
			p := from.Add(dir.Offset().Scale(step))
			if blk, _ := w.BlockAt(dim, p); blk.Kind == model.BlockAir {
				w.SetBeam(dim, p, dir.Axis())
			}
		}
	}
	return w, nil
}

func vec(a [3]int) model.Vec3i { return model.Vec3i{X: a[0], Y: a[1], Z: a[2]} }

func lineBetween(a, b model.Vec3i) (model.Dir, int, bool) {
	for _, d := range model.Dirs {
		off := d.Offset()
		n := model.Manhattan(a, b)
		if n == 0 {
			return d, 0, true
		}
		if a.Add(off.Scale(n)) == b {
			return d, n, true
		}
	}
	return 0, 0, false
}

func sortedItems(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
