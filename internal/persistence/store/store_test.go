package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/kv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inflight"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
)

func nk(x int) model.NodeKey { return model.NodeKey{Dim: "overworld", X: x, Y: 64} }

func sampleJobs(n int) []inflight.Record {
	out := make([]inflight.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, inflight.Record{
			ID:             uint64(i),
			Item:           "IRON_INGOT",
			Amount:         i,
			Path:           []model.NodeKey{nk(0), nk(4), nk(8)},
			Lengths:        []int{4, 4},
			Step:           i % 2,
			TicksUntilStep: 3,
			StepTicks:      6,
			Tier:           2,
			Dest:           nk(8),
			DestContainer:  model.ContainerKey{Dim: "overworld", X: 8, Y: 63},
			Source:         nk(0),
			CreatedTick:    uint64(100 + i),
		})
	}
	return out
}

type tuple struct {
	item   model.ItemType
	amount int
	at     model.NodeKey
}

func tuples(rs []inflight.Record) []tuple {
	out := make([]tuple, len(rs))
	for i, r := range rs {
		out[i] = tuple{r.Item, r.Amount, r.Path[r.Step]}
	}
	return out
}

func TestJobsRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			mem := kv.NewMemory(0)
			s := New(mem, Config{MaxJobEntries: 100, MaxValueBytes: 1 << 20, Compress: compress})
			jobs := sampleJobs(5)
			jobs[4].Mode = inflight.ModeDrift
			jobs[4].Path = []model.NodeKey{nk(4)}
			jobs[4].Step = 0
			jobs[3].DestKind = routing.DestSink

			rep, err := s.Save(jobs, map[model.NodeKey]int64{nk(0): 12})
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if rep.Jobs.Entries != 5 || rep.Jobs.Trimmed != 0 || rep.Counters.Entries != 1 {
				t.Fatalf("report=%+v", rep)
			}
			raw, _, _ := mem.Get("logistics:jobs")
			wantPrefix := prefixJSON
			if compress {
				wantPrefix = prefixZstd
			}
			if !strings.HasPrefix(raw, wantPrefix) {
				t.Fatalf("value prefix=%q want %q", raw[:3], wantPrefix)
			}

			got, err := s.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.SkippedJobs != 0 || len(got.Jobs) != 5 {
				t.Fatalf("loaded %d jobs, skipped %d", len(got.Jobs), got.SkippedJobs)
			}
			want, have := tuples(jobs), tuples(got.Jobs)
			for i := range want {
				if want[i] != have[i] {
					t.Fatalf("job %d=%+v want %+v", i, have[i], want[i])
				}
			}
			if got.Jobs[4].Mode != inflight.ModeDrift || got.Jobs[3].DestKind != routing.DestSink {
				t.Fatalf("mode/kind lost: %+v %+v", got.Jobs[4], got.Jobs[3])
			}
			if got.Jobs[0].DestContainer != jobs[0].DestContainer || got.Jobs[0].CreatedTick != 101 {
				t.Fatalf("fields lost: %+v", got.Jobs[0])
			}
			if got.Counters[nk(0)] != 12 {
				t.Fatalf("counters=%v", got.Counters)
			}
		})
	}
}

func TestSaveJobsCapsEntries(t *testing.T) {
	s := New(kv.NewMemory(0), Config{MaxJobEntries: 3, MaxValueBytes: 1 << 20})
	rep, err := s.SaveJobs(sampleJobs(10))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rep.Entries != 3 || rep.Trimmed != 7 {
		t.Fatalf("report=%+v", rep)
	}
	got, _ := s.Load()
	if len(got.Jobs) != 3 || got.Jobs[2].ID != 3 {
		t.Fatalf("kept %d jobs, last id %d", len(got.Jobs), got.Jobs[len(got.Jobs)-1].ID)
	}
}

func TestSaveJobsTrimsTailToByteCeiling(t *testing.T) {
	mem := kv.NewMemory(0)
	full, _ := encodeValue(func() []jobDoc {
		var d []jobDoc
		for _, r := range sampleJobs(40) {
			d = append(d, toJobDoc(r))
		}
		return d
	}(), false)
	limit := len(full) / 2
	s := New(mem, Config{MaxJobEntries: 100, MaxValueBytes: limit})

	rep, err := s.SaveJobs(sampleJobs(40))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rep.Trimmed == 0 || rep.Entries+rep.Trimmed != 40 {
		t.Fatalf("report=%+v", rep)
	}
	if rep.Bytes > limit {
		t.Fatalf("bytes=%d over limit %d", rep.Bytes, limit)
	}
	got, _ := s.Load()
	if len(got.Jobs) != rep.Entries {
		t.Fatalf("loaded=%d reported=%d", len(got.Jobs), rep.Entries)
	}
	for i, r := range got.Jobs {
		if r.ID != uint64(i+1) {
			t.Fatalf("kept job %d has id %d; trimming must drop the tail", i, r.ID)
		}
	}
}

func TestSaveUsesBackendCeiling(t *testing.T) {
	mem := kv.NewMemory(300)
	s := New(mem, Config{MaxJobEntries: 100, MaxValueBytes: 1 << 20})
	rep, err := s.SaveJobs(sampleJobs(20))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rep.Bytes > 300 || rep.Trimmed == 0 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestSaveCountersDropsLowestFirst(t *testing.T) {
	counters := map[model.NodeKey]int64{}
	for i := 0; i < 50; i++ {
		counters[nk(i)] = int64(i * 10)
	}
	s := New(kv.NewMemory(0), Config{MaxValueBytes: 400})
	rep, err := s.SaveCounters(counters)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rep.Trimmed == 0 {
		t.Fatalf("expected trimming: %+v", rep)
	}
	got, _ := s.Load()
	if len(got.Counters) != rep.Entries {
		t.Fatalf("loaded=%d reported=%d", len(got.Counters), rep.Entries)
	}
	if got.Counters[nk(49)] != 490 {
		t.Fatalf("highest counter lost")
	}
	if _, ok := got.Counters[nk(0)]; ok {
		t.Fatalf("lowest counter kept while higher ones were trimmed")
	}
}

func TestLoadSkipsInvalidEntries(t *testing.T) {
	mem := kv.NewMemory(0)
	_ = mem.Set("logistics:jobs", `j1:[
		{"id":1,"item":"COAL","amount":3,"path":["overworld@0,64,0","overworld@4,64,0"],"step":0,"tier":1,"dest":"overworld@4,64,0","dest_kind":"container","mode":"direct"},
		{"id":2,"item":"COAL","amount":0,"path":["overworld@0,64,0"],"mode":"direct"},
		{"id":3,"item":"COAL","amount":2,"path":["nowhere"],"mode":"drift"},
		{"id":4,"item":"COAL","amount":2,"path":["overworld@0,64,0"],"mode":"direct"},
		{"id":5,"item":"COAL","amount":2,"path":["overworld@0,64,0"],"tier":1,"mode":"drift"}
	]`)
	_ = mem.Set("logistics:counters", `[{"node":"overworld@0,64,0","value":5},{"node":"overworld@1,64,0","value":-1}]`)

	got, err := New(mem, Config{}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Jobs) != 2 || got.SkippedJobs != 3 {
		t.Fatalf("jobs=%d skipped=%d", len(got.Jobs), got.SkippedJobs)
	}
	if got.Jobs[0].ID != 1 || got.Jobs[1].ID != 5 {
		t.Fatalf("kept ids %d,%d", got.Jobs[0].ID, got.Jobs[1].ID)
	}
	if len(got.Counters) != 1 || got.SkippedCounters != 1 {
		t.Fatalf("counters=%v skipped=%d", got.Counters, got.SkippedCounters)
	}
}

func TestLoadMissingIsEmptyAndCorruptIsError(t *testing.T) {
	mem := kv.NewMemory(0)
	s := New(mem, Config{})
	got, err := s.Load()
	if err != nil || len(got.Jobs) != 0 || len(got.Counters) != 0 {
		t.Fatalf("empty load=%+v err=%v", got, err)
	}
	_ = mem.Set("logistics:jobs", "z1:!!notbase64")
	if _, err := s.Load(); err == nil {
		t.Fatalf("corrupt value loaded without error")
	}
}

type failingKV struct {
	*kv.Memory
	failKey string
}

func (f failingKV) Set(key, value string) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.Memory.Set(key, value)
}

func TestSaveSectionsAreIndependent(t *testing.T) {
	mem := kv.NewMemory(0)
	s := New(failingKV{Memory: mem, failKey: "logistics:jobs"}, Config{})
	_, err := s.Save(sampleJobs(2), map[model.NodeKey]int64{nk(1): 4})
	if err == nil {
		t.Fatalf("jobs failure not reported")
	}
	if _, ok, _ := mem.Get("logistics:counters"); !ok {
		t.Fatalf("counters not saved after jobs failed")
	}
}
