package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
)

func TestEventLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)
	want := []engine.Event{
		{Tick: 3, Kind: engine.EventItemDropped, Node: "overworld@0,64,0", Item: "COAL", Amount: 4, Reason: "E_STEP_LIMIT"},
		{Tick: 9, Kind: engine.EventBreakerTripped, Count: 3},
	}
	for _, ev := range want {
		if err := l.WriteEvent(ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	got, err := ReadEvents(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("events=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d=%+v want %+v", i, got[i], want[i])
		}
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	cur := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return cur }

	if err := w.Write(engine.Event{Tick: 1, Kind: engine.EventRestored}); err != nil {
		t.Fatal(err)
	}
	cur = cur.Add(2 * time.Minute)
	if err := w.Write(engine.Event{Tick: 2, Kind: engine.EventRestored}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := Files(dir, "events")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file=%s", files[0])
	}
}

func TestReopenAppendsFrames(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "events")
		w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
		if err := w.Write(engine.Event{Tick: uint64(i + 1), Kind: engine.EventRestored}); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	files, _ := Files(dir, "events")
	if len(files) != 1 {
		t.Fatalf("files=%v want 1", files)
	}
	got, err := ReadEvents(files[0])
	if err != nil || len(got) != 2 || got[1].Tick != 2 {
		t.Fatalf("events=%+v err=%v", got, err)
	}
}
