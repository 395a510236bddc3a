// Package store persists in-flight jobs and per-node counters as two
// independent size-bounded values in a kv.Store.
package store

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/kv"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/inflight"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/model"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/routing"
)

var (
	//go:embed schemas/job.schema.json
	jobSchemaJSON string
	//go:embed schemas/counter.schema.json
	counterSchemaJSON string

	jobSchema     = jsonschema.MustCompileString("job.schema.json", jobSchemaJSON)
	counterSchema = jsonschema.MustCompileString("counter.schema.json", counterSchemaJSON)
)

type Config struct {
	// KeyPrefix namespaces the two values, e.g. "logistics:" gives
	// "logistics:jobs" and "logistics:counters".
	KeyPrefix     string
	MaxJobEntries int
	MaxValueBytes int
	Compress      bool
}

func (c Config) jobsKey() string     { return c.KeyPrefix + "jobs" }
func (c Config) countersKey() string { return c.KeyPrefix + "counters" }

// SectionReport describes one saved value. Trimmed > 0 means entries were
// left out to fit; it is a recoverable condition, not an error.
type SectionReport struct {
	Entries int `json:"entries"`
	Trimmed int `json:"trimmed"`
	Bytes   int `json:"bytes"`
}

type SaveReport struct {
	Jobs     SectionReport `json:"jobs"`
	Counters SectionReport `json:"counters"`
}

type LoadResult struct {
	Jobs            []inflight.Record
	Counters        map[model.NodeKey]int64
	SkippedJobs     int
	SkippedCounters int
}

type Store struct {
	kv  kv.Store
	cfg Config
}

func New(s kv.Store, cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "logistics:"
	}
	return &Store{kv: s, cfg: cfg}
}

// maxBytes is the tighter of the configured ceiling and the backend's.
func (s *Store) maxBytes() int {
	limit := s.cfg.MaxValueBytes
	if b := s.kv.MaxValueBytes(); b > 0 && (limit <= 0 || b < limit) {
		limit = b
	}
	return limit
}

// Save writes both values. A failure in one does not stop the other.
func (s *Store) Save(jobs []inflight.Record, counters map[model.NodeKey]int64) (SaveReport, error) {
	var rep SaveReport
	var errJobs, errCounters error
	rep.Jobs, errJobs = s.SaveJobs(jobs)
	rep.Counters, errCounters = s.SaveCounters(counters)
	return rep, errors.Join(errJobs, errCounters)
}

// SaveJobs keeps at most MaxJobEntries records in order, then drops from the
// tail until the encoded value fits under the byte ceiling.
func (s *Store) SaveJobs(jobs []inflight.Record) (SectionReport, error) {
	docs := make([]jobDoc, 0, len(jobs))
	for _, r := range jobs {
		docs = append(docs, toJobDoc(r))
	}
	keep := len(docs)
	if s.cfg.MaxJobEntries > 0 && keep > s.cfg.MaxJobEntries {
		keep = s.cfg.MaxJobEntries
	}
	val, keep, err := fitPrefix(keep, s.maxBytes(), func(n int) (string, error) {
		return encodeValue(docs[:n], s.cfg.Compress)
	})
	if err != nil {
		return SectionReport{}, fmt.Errorf("encode jobs: %w", err)
	}
	rep := SectionReport{Entries: keep, Trimmed: len(docs) - keep, Bytes: len(val)}
	if err := s.kv.Set(s.cfg.jobsKey(), val); err != nil {
		return rep, fmt.Errorf("save jobs: %w", err)
	}
	return rep, nil
}

// SaveCounters writes counters highest value first, dropping the lowest
// values when the encoded form is too large.
func (s *Store) SaveCounters(counters map[model.NodeKey]int64) (SectionReport, error) {
	docs := make([]counterDoc, 0, len(counters))
	for k, v := range counters {
		if v < 0 {
			v = 0
		}
		docs = append(docs, counterDoc{Node: k.String(), Value: v})
	}
	sort.Slice(docs, func(a, b int) bool {
		if docs[a].Value != docs[b].Value {
			return docs[a].Value > docs[b].Value
		}
		return docs[a].Node < docs[b].Node
	})
	val, keep, err := fitPrefix(len(docs), s.maxBytes(), func(n int) (string, error) {
		return encodeValue(docs[:n], s.cfg.Compress)
	})
	if err != nil {
		return SectionReport{}, fmt.Errorf("encode counters: %w", err)
	}
	rep := SectionReport{Entries: keep, Trimmed: len(docs) - keep, Bytes: len(val)}
	if err := s.kv.Set(s.cfg.countersKey(), val); err != nil {
		return rep, fmt.Errorf("save counters: %w", err)
	}
	return rep, nil
}

// fitPrefix finds the longest prefix of n entries whose encoding fits limit.
// Encoded size grows with n, so a binary search narrows it and a short linear
// walk absorbs compression noise.
func fitPrefix(n, limit int, enc func(int) (string, error)) (string, int, error) {
	val, err := enc(n)
	if err != nil || limit <= 0 || len(val) <= limit {
		return val, n, err
	}
	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		v, err := enc(mid)
		if err != nil {
			return "", 0, err
		}
		if len(v) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for k := lo; k >= 0; k-- {
		v, err := enc(k)
		if err != nil {
			return "", 0, err
		}
		if len(v) <= limit || k == 0 {
			return v, k, nil
		}
	}
	return "", 0, nil
}

// Load reads both values. Missing values are empty, not errors. Entries that
// fail schema validation or key parsing are skipped and counted.
func (s *Store) Load() (LoadResult, error) {
	res := LoadResult{Counters: map[model.NodeKey]int64{}}

	raw, err := s.loadArray(s.cfg.jobsKey())
	if err != nil {
		return res, fmt.Errorf("load jobs: %w", err)
	}
	for _, msg := range raw {
		r, ok := decodeJob(msg)
		if !ok {
			res.SkippedJobs++
			continue
		}
		res.Jobs = append(res.Jobs, r)
	}

	raw, err = s.loadArray(s.cfg.countersKey())
	if err != nil {
		return res, fmt.Errorf("load counters: %w", err)
	}
	for _, msg := range raw {
		k, v, ok := decodeCounter(msg)
		if !ok {
			res.SkippedCounters++
			continue
		}
		res.Counters[k] = v
	}
	return res, nil
}

func (s *Store) loadArray(key string) ([]json.RawMessage, error) {
	val, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	b, err := decodeValue(val)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validate(schema *jsonschema.Schema, msg json.RawMessage) bool {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	return schema.Validate(v) == nil
}

type jobDoc struct {
	ID             uint64   `json:"id"`
	Item           string   `json:"item"`
	Amount         int      `json:"amount"`
	Path           []string `json:"path"`
	Lengths        []int    `json:"lengths,omitempty"`
	Step           int      `json:"step"`
	TicksUntilStep int      `json:"ticks_until_step"`
	StepTicks      int      `json:"step_ticks,omitempty"`
	Tier           int      `json:"tier"`
	Dest           string   `json:"dest,omitempty"`
	DestKind       string   `json:"dest_kind"`
	DestContainer  string   `json:"dest_container,omitempty"`
	Mode           string   `json:"mode"`
	Hops           int      `json:"hops"`
	Reroutes       int      `json:"reroutes"`
	Source         string   `json:"source,omitempty"`
	Prev           string   `json:"prev,omitempty"`
	TotalSteps     int      `json:"total_steps"`
	CreatedTick    uint64   `json:"created_tick"`
}

type counterDoc struct {
	Node  string `json:"node"`
	Value int64  `json:"value"`
}

func keyString(k model.NodeKey) string {
	if k.IsZero() {
		return ""
	}
	return k.String()
}

func toJobDoc(r inflight.Record) jobDoc {
	path := make([]string, len(r.Path))
	for i, k := range r.Path {
		path[i] = k.String()
	}
	d := jobDoc{
		ID:             r.ID,
		Item:           string(r.Item),
		Amount:         r.Amount,
		Path:           path,
		Lengths:        r.Lengths,
		Step:           r.Step,
		TicksUntilStep: r.TicksUntilStep,
		StepTicks:      r.StepTicks,
		Tier:           r.Tier,
		Dest:           keyString(r.Dest),
		DestKind:       r.DestKind.String(),
		Mode:           r.Mode.String(),
		Hops:           r.Hops,
		Reroutes:       r.Reroutes,
		Source:         keyString(r.Source),
		Prev:           keyString(r.Prev),
		TotalSteps:     r.TotalSteps,
		CreatedTick:    r.CreatedTick,
	}
	if !r.DestContainer.IsZero() {
		d.DestContainer = r.DestContainer.String()
	}
	return d
}

func decodeJob(msg json.RawMessage) (inflight.Record, bool) {
	if !validate(jobSchema, msg) {
		return inflight.Record{}, false
	}
	var d jobDoc
	if err := json.Unmarshal(msg, &d); err != nil {
		return inflight.Record{}, false
	}
	r := inflight.Record{
		ID:             d.ID,
		Item:           model.ItemType(d.Item),
		Amount:         d.Amount,
		Lengths:        d.Lengths,
		Step:           d.Step,
		TicksUntilStep: d.TicksUntilStep,
		StepTicks:      d.StepTicks,
		Tier:           d.Tier,
		Hops:           d.Hops,
		Reroutes:       d.Reroutes,
		TotalSteps:     d.TotalSteps,
		CreatedTick:    d.CreatedTick,
	}
	for _, s := range d.Path {
		k, ok := model.ParseNodeKey(s)
		if !ok {
			return inflight.Record{}, false
		}
		r.Path = append(r.Path, k)
	}
	var ok bool
	if r.Dest, ok = optionalKey(d.Dest); !ok {
		return inflight.Record{}, false
	}
	if r.Source, ok = optionalKey(d.Source); !ok {
		return inflight.Record{}, false
	}
	if r.Prev, ok = optionalKey(d.Prev); !ok {
		return inflight.Record{}, false
	}
	if d.DestContainer != "" {
		if r.DestContainer, ok = model.ParseContainerKey(d.DestContainer); !ok {
			return inflight.Record{}, false
		}
	}
	if d.DestKind == "sink" {
		r.DestKind = routing.DestSink
	}
	if d.Mode == "drift" {
		r.Mode = inflight.ModeDrift
	}
	// A direct job must know where it is going.
	if r.Mode == inflight.ModeDirect && r.Dest.IsZero() {
		return inflight.Record{}, false
	}
	return r, true
}

func optionalKey(s string) (model.NodeKey, bool) {
	if s == "" {
		return model.NodeKey{}, true
	}
	return model.ParseNodeKey(s)
}

func decodeCounter(msg json.RawMessage) (model.NodeKey, int64, bool) {
	if !validate(counterSchema, msg) {
		return model.NodeKey{}, 0, false
	}
	var d counterDoc
	if err := json.Unmarshal(msg, &d); err != nil {
		return model.NodeKey{}, 0, false
	}
	k, ok := model.ParseNodeKey(d.Node)
	return k, d.Value, ok
}
