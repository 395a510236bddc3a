package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Tick        Tick        `yaml:"tick"`
	Budgets     Budgets     `yaml:"budgets"`
	Graph       Graph       `yaml:"graph"`
	Routing     Routing     `yaml:"routing"`
	Transfer    Transfer    `yaml:"transfer"`
	Drift       Drift       `yaml:"drift"`
	Queue       Queue       `yaml:"queue"`
	Backoff     Backoff     `yaml:"backoff"`
	Persistence Persistence `yaml:"persistence"`
	Levels      []int64     `yaml:"levels"`
}

type Tick struct {
	RateHz                int `yaml:"rate_hz"`
	SoftBudgetMs          int `yaml:"soft_budget_ms"`
	EmergencyThresholdMs  int `yaml:"emergency_threshold_ms"`
	EmergencyConsecutive  int `yaml:"emergency_consecutive"`
	SuspendCooldownTicks  int `yaml:"suspend_cooldown_ticks"`
	SkipAfterOverruns     int `yaml:"skip_after_overruns"`
	RegistryRefreshTicks  int `yaml:"registry_refresh_ticks"`
	VirtualReconcileTicks int `yaml:"virtual_reconcile_ticks"`
}

type Budgets struct {
	MaxTransfersPerTick       int `yaml:"max_transfers_per_tick"`
	MaxSearchesPerTick        int `yaml:"max_searches_per_tick"`
	MaxEdgeRebuildsPerTick    int `yaml:"max_edge_rebuilds_per_tick"`
	MaxEdgeValidationsPerTick int `yaml:"max_edge_validations_per_tick"`
	MaxNodesScannedPerTick    int `yaml:"max_nodes_scanned_per_tick"`
	MaxItemsPerNodePerTick    int `yaml:"max_items_per_node_per_tick"`
	MaxConsecutiveFailures    int `yaml:"max_consecutive_failures"`
}

type Graph struct {
	MaxSpan          int `yaml:"max_span"`
	BuildWindowTicks int `yaml:"build_window_ticks"`
}

type Routing struct {
	MaxVisited   int `yaml:"max_visited"`
	FilterWeight int `yaml:"filter_weight"`
	SinkWeight   int `yaml:"sink_weight"`
	BaseWeight   int `yaml:"base_weight"`
}

type Transfer struct {
	StepTicksByTier         []int          `yaml:"step_ticks_by_tier"`
	MaxTransferByTier       []int          `yaml:"max_transfer_by_tier"`
	BlocksPerStep           int            `yaml:"blocks_per_step"`
	MinTransfer             int            `yaml:"min_transfer"`
	BalanceEnabled          bool           `yaml:"balance_enabled"`
	BalanceFallbackFraction float64        `yaml:"balance_fallback_fraction"`
	RefinableItems          []string       `yaml:"refinable_items"`
	SinkCapacity            int            `yaml:"sink_capacity"`
	DefaultMaxStack         int            `yaml:"default_max_stack"`
	MaxStacks               map[string]int `yaml:"max_stacks"`
	MaxJobSteps             int            `yaml:"max_job_steps"`
}

type Drift struct {
	SettleBase         float64 `yaml:"settle_base"`
	HopGain            float64 `yaml:"hop_gain"`
	RerouteGain        float64 `yaml:"reroute_gain"`
	MaxChanceDirect    float64 `yaml:"max_chance_direct"`
	MaxChanceDrift     float64 `yaml:"max_chance_drift"`
	CooldownBaseTicks  int     `yaml:"cooldown_base_ticks"`
	CooldownPerReroute int     `yaml:"cooldown_per_reroute"`
	CooldownMaxTicks   int     `yaml:"cooldown_max_ticks"`
	MaxHops            int     `yaml:"max_hops"`
	ReacquireEveryHops int     `yaml:"reacquire_every_hops"`
}

type Queue struct {
	TTLTicks             int `yaml:"ttl_ticks"`
	MaxEntriesPerNode    int `yaml:"max_entries_per_node"`
	RescanTicks          int `yaml:"rescan_ticks"`
	// RouteRefreshTicks is how long a cached route is trusted before the
	// destination is picked again.
	RouteRefreshTicks    int `yaml:"route_refresh_ticks"`
	// RerouteAfterFailures drops an entry's cached route after this many
	// failed attempts in a row.
	RerouteAfterFailures int `yaml:"reroute_after_failures"`
}

type Backoff struct {
	BaseTicks int `yaml:"base_ticks"`
	MaxTicks  int `yaml:"max_ticks"`
}

type Persistence struct {
	MaxJobEntries           int  `yaml:"max_job_entries"`
	MaxValueBytes           int  `yaml:"max_value_bytes"`
	JobSaveIntervalTicks    int  `yaml:"job_save_interval_ticks"`
	CounterMinIntervalTicks int  `yaml:"counter_min_interval_ticks"`
	Compress                bool `yaml:"compress"`
}

func Defaults() Tuning {
	return Tuning{
		Tick: Tick{
			RateHz:                20,
			SoftBudgetMs:          8,
			EmergencyThresholdMs:  40,
			EmergencyConsecutive:  3,
			SuspendCooldownTicks:  100,
			SkipAfterOverruns:     6,
			RegistryRefreshTicks:  200,
			VirtualReconcileTicks: 20,
		},
		Budgets: Budgets{
			MaxTransfersPerTick:       8,
			MaxSearchesPerTick:        256,
			MaxEdgeRebuildsPerTick:    16,
			MaxEdgeValidationsPerTick: 32,
			MaxNodesScannedPerTick:    8,
			MaxItemsPerNodePerTick:    4,
			MaxConsecutiveFailures:    3,
		},
		Graph: Graph{
			MaxSpan:          16,
			BuildWindowTicks: 4,
		},
		Routing: Routing{
			MaxVisited:   512,
			FilterWeight: 10,
			SinkWeight:   8,
			BaseWeight:   1,
		},
		Transfer: Transfer{
			StepTicksByTier:         []int{8, 6, 4, 3, 2},
			MaxTransferByTier:       []int{4, 8, 16, 32, 64},
			BlocksPerStep:           4,
			MinTransfer:             1,
			BalanceEnabled:          true,
			BalanceFallbackFraction: 0.25,
			RefinableItems:          []string{"RAW_IRON", "RAW_GOLD", "RAW_COPPER"},
			SinkCapacity:            256,
			DefaultMaxStack:         64,
			MaxJobSteps:             400,
		},
		Drift: Drift{
			SettleBase:         0.15,
			HopGain:            0.05,
			RerouteGain:        0.10,
			MaxChanceDirect:    0.95,
			MaxChanceDrift:     0.85,
			CooldownBaseTicks:  4,
			CooldownPerReroute: 4,
			CooldownMaxTicks:   60,
			MaxHops:            48,
			ReacquireEveryHops: 4,
		},
		Queue: Queue{
			TTLTicks:             600,
			MaxEntriesPerNode:    32,
			RescanTicks:          40,
			RouteRefreshTicks:    200,
			RerouteAfterFailures: 3,
		},
		Backoff: Backoff{
			BaseTicks: 5,
			MaxTicks:  200,
		},
		Persistence: Persistence{
			MaxJobEntries:           512,
			MaxValueBytes:           32 * 1024,
			JobSaveIntervalTicks:    100,
			CounterMinIntervalTicks: 200,
			Compress:                true,
		},
		Levels: []int64{64, 512, 4096, 32768},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("logistics.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("logistics.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values from Defaults and pads per-tier tables to five entries.
func (t *Tuning) Normalize() {
	d := Defaults()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&t.Tick.RateHz, d.Tick.RateHz)
	setInt(&t.Tick.SoftBudgetMs, d.Tick.SoftBudgetMs)
	setInt(&t.Tick.EmergencyThresholdMs, d.Tick.EmergencyThresholdMs)
	setInt(&t.Tick.EmergencyConsecutive, d.Tick.EmergencyConsecutive)
	setInt(&t.Tick.SuspendCooldownTicks, d.Tick.SuspendCooldownTicks)
	setInt(&t.Tick.SkipAfterOverruns, d.Tick.SkipAfterOverruns)
	setInt(&t.Tick.RegistryRefreshTicks, d.Tick.RegistryRefreshTicks)
	setInt(&t.Tick.VirtualReconcileTicks, d.Tick.VirtualReconcileTicks)

	setInt(&t.Budgets.MaxTransfersPerTick, d.Budgets.MaxTransfersPerTick)
	setInt(&t.Budgets.MaxSearchesPerTick, d.Budgets.MaxSearchesPerTick)
	setInt(&t.Budgets.MaxEdgeRebuildsPerTick, d.Budgets.MaxEdgeRebuildsPerTick)
	setInt(&t.Budgets.MaxEdgeValidationsPerTick, d.Budgets.MaxEdgeValidationsPerTick)
	setInt(&t.Budgets.MaxNodesScannedPerTick, d.Budgets.MaxNodesScannedPerTick)
	setInt(&t.Budgets.MaxItemsPerNodePerTick, d.Budgets.MaxItemsPerNodePerTick)
	setInt(&t.Budgets.MaxConsecutiveFailures, d.Budgets.MaxConsecutiveFailures)

	setInt(&t.Graph.MaxSpan, d.Graph.MaxSpan)
	if t.Graph.BuildWindowTicks < 0 {
		t.Graph.BuildWindowTicks = 0
	}

	setInt(&t.Routing.MaxVisited, d.Routing.MaxVisited)
	setInt(&t.Routing.FilterWeight, d.Routing.FilterWeight)
	setInt(&t.Routing.SinkWeight, d.Routing.SinkWeight)
	setInt(&t.Routing.BaseWeight, d.Routing.BaseWeight)

	t.Transfer.StepTicksByTier = padTiers(t.Transfer.StepTicksByTier, d.Transfer.StepTicksByTier)
	t.Transfer.MaxTransferByTier = padTiers(t.Transfer.MaxTransferByTier, d.Transfer.MaxTransferByTier)
	setInt(&t.Transfer.BlocksPerStep, d.Transfer.BlocksPerStep)
	setInt(&t.Transfer.MinTransfer, d.Transfer.MinTransfer)
	if t.Transfer.BalanceFallbackFraction <= 0 || t.Transfer.BalanceFallbackFraction > 1 {
		t.Transfer.BalanceFallbackFraction = d.Transfer.BalanceFallbackFraction
	}
	setInt(&t.Transfer.SinkCapacity, d.Transfer.SinkCapacity)
	setInt(&t.Transfer.DefaultMaxStack, d.Transfer.DefaultMaxStack)
	setInt(&t.Transfer.MaxJobSteps, d.Transfer.MaxJobSteps)

	if t.Drift.SettleBase <= 0 {
		t.Drift.SettleBase = d.Drift.SettleBase
	}
	if t.Drift.MaxChanceDirect <= 0 || t.Drift.MaxChanceDirect > 1 {
		t.Drift.MaxChanceDirect = d.Drift.MaxChanceDirect
	}
	if t.Drift.MaxChanceDrift <= 0 || t.Drift.MaxChanceDrift > 1 {
		t.Drift.MaxChanceDrift = d.Drift.MaxChanceDrift
	}
	setInt(&t.Drift.CooldownBaseTicks, d.Drift.CooldownBaseTicks)
	setInt(&t.Drift.CooldownMaxTicks, d.Drift.CooldownMaxTicks)
	setInt(&t.Drift.MaxHops, d.Drift.MaxHops)
	setInt(&t.Drift.ReacquireEveryHops, d.Drift.ReacquireEveryHops)

	setInt(&t.Queue.TTLTicks, d.Queue.TTLTicks)
	setInt(&t.Queue.MaxEntriesPerNode, d.Queue.MaxEntriesPerNode)
	setInt(&t.Queue.RescanTicks, d.Queue.RescanTicks)
	setInt(&t.Queue.RouteRefreshTicks, d.Queue.RouteRefreshTicks)
	setInt(&t.Queue.RerouteAfterFailures, d.Queue.RerouteAfterFailures)

	setInt(&t.Backoff.BaseTicks, d.Backoff.BaseTicks)
	setInt(&t.Backoff.MaxTicks, d.Backoff.MaxTicks)

	setInt(&t.Persistence.MaxJobEntries, d.Persistence.MaxJobEntries)
	setInt(&t.Persistence.MaxValueBytes, d.Persistence.MaxValueBytes)
	setInt(&t.Persistence.JobSaveIntervalTicks, d.Persistence.JobSaveIntervalTicks)
	setInt(&t.Persistence.CounterMinIntervalTicks, d.Persistence.CounterMinIntervalTicks)

	if len(t.Levels) == 0 {
		t.Levels = d.Levels
	}
}

func (t Tuning) Validate() error {
	if t.Tick.EmergencyThresholdMs < t.Tick.SoftBudgetMs {
		return fmt.Errorf("tick.emergency_threshold_ms (%d) must be >= tick.soft_budget_ms (%d)", t.Tick.EmergencyThresholdMs, t.Tick.SoftBudgetMs)
	}
	if t.Graph.MaxSpan > 64 {
		return fmt.Errorf("graph.max_span must be <= 64, got %d", t.Graph.MaxSpan)
	}
	for i, v := range t.Transfer.StepTicksByTier {
		if v <= 0 {
			return fmt.Errorf("transfer.step_ticks_by_tier[%d] must be > 0", i)
		}
	}
	for i, v := range t.Transfer.MaxTransferByTier {
		if v < t.Transfer.MinTransfer {
			return fmt.Errorf("transfer.max_transfer_by_tier[%d]=%d below min_transfer=%d", i, v, t.Transfer.MinTransfer)
		}
	}
	if t.Drift.HopGain < 0 || t.Drift.RerouteGain < 0 {
		return fmt.Errorf("drift gains must be >= 0")
	}
	if t.Persistence.MaxValueBytes < 256 {
		return fmt.Errorf("persistence.max_value_bytes must be >= 256, got %d", t.Persistence.MaxValueBytes)
	}
	for i := 1; i < len(t.Levels); i++ {
		if t.Levels[i] <= t.Levels[i-1] {
			return fmt.Errorf("levels must be strictly increasing")
		}
	}
	return nil
}

// StepTicks is the per-waypoint step duration for a tier.
func (t Tuning) StepTicks(tier int) int { return tierValue(t.Transfer.StepTicksByTier, tier, 1) }

// MaxTransfer is the per-hop throughput for a tier.
func (t Tuning) MaxTransfer(tier int) int { return tierValue(t.Transfer.MaxTransferByTier, tier, 1) }

func (t Tuning) MaxStack(item string) int {
	if n, ok := t.Transfer.MaxStacks[item]; ok && n > 0 {
		return n
	}
	if t.Transfer.DefaultMaxStack > 0 {
		return t.Transfer.DefaultMaxStack
	}
	return 64
}

func (t Tuning) Refinable(item string) bool {
	for _, r := range t.Transfer.RefinableItems {
		if r == item {
			return true
		}
	}
	return false
}

func tierValue(tbl []int, tier, def int) int {
	if len(tbl) == 0 {
		return def
	}
	i := tier - 1
	if i < 0 {
		i = 0
	}
	if i >= len(tbl) {
		i = len(tbl) - 1
	}
	return tbl[i]
}

func padTiers(v, def []int) []int {
	if len(v) == 0 {
		return append([]int(nil), def...)
	}
	out := append([]int(nil), v...)
	for len(out) < 5 {
		out = append(out, out[len(out)-1])
	}
	return out[:5]
}
