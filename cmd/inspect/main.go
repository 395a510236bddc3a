package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/kv"
	persistlog "github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/log"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/store"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	stateCmd(os.Args[1:])
}

// stateCmd dumps the persisted jobs and counters for one world.
func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	_ = fs.Parse(args)

	path := filepath.Join(*dataDir, "kv", "logistics.sqlite")
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := kv.OpenSQLite(path, *worldID, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	res, err := store.New(db, store.Config{KeyPrefix: "logistics:"}).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}

	if *asJSON {
		counters := make(map[string]int64, len(res.Counters))
		for k, v := range res.Counters {
			counters[k.String()] = v
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"jobs":             res.Jobs,
			"counters":         counters,
			"skipped_jobs":     res.SkippedJobs,
			"skipped_counters": res.SkippedCounters,
		})
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "JOB\tITEM\tAMOUNT\tMODE\tAT\tDEST\tHOPS\n")
	for _, j := range res.Jobs {
		at := ""
		if j.Step >= 0 && j.Step < len(j.Path) {
			at = j.Path[j.Step].String()
		}
		dest := "-"
		if !j.Dest.IsZero() {
			dest = j.Dest.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%d\n", j.ID, j.Item, j.Amount, j.Mode, at, dest, j.Hops)
	}
	_ = tw.Flush()

	keys := make([]model.NodeKey, 0, len(res.Counters))
	for k := range res.Counters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return res.Counters[keys[a]] > res.Counters[keys[b]] })
	fmt.Println()
	fmt.Fprintf(tw, "NODE\tMOVED\n")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k, res.Counters[k])
	}
	_ = tw.Flush()
	if res.SkippedJobs+res.SkippedCounters > 0 {
		fmt.Printf("\nskipped %d jobs, %d counters that failed validation\n", res.SkippedJobs, res.SkippedCounters)
	}
}

// eventsCmd prints the diagnostic event log, optionally filtered by kind.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", "", "only print events of this kind (e.g. ITEM_DROPPED)")
	_ = fs.Parse(args)

	files, err := persistlog.Files(filepath.Join(*dataDir, "events"), "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	want := strings.ToUpper(strings.TrimSpace(*kind))
	counts := map[string]int{}
	for _, f := range files {
		evs, err := persistlog.ReadEvents(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(f), err)
			continue
		}
		for _, ev := range evs {
			counts[ev.Kind]++
			if want != "" && ev.Kind != want {
				continue
			}
			b, _ := json.Marshal(ev)
			fmt.Println(string(b))
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(os.Stderr, "%s=%d\n", k, counts[k])
	}
}
