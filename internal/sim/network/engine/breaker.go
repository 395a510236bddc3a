package engine

import "github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"

// breaker is the emergency circuit breaker. A tick whose wall-clock time
// exceeds the emergency threshold is an overrun. Enough consecutive overruns
// suspend new transfers for a fixed window; a longer streak also skips whole
// ticks, never two in a row.
type breaker struct {
	cfg tuning.Tick

	consecutive int
	// resumeAt is the first tick on which transfers may start again.
	resumeAt    uint64
	tripped     bool
	skippedLast bool

	trips    uint64
	skips    uint64
	overruns uint64
}

func (b *breaker) suspended(tick uint64) bool { return b.tripped && tick < b.resumeAt }

// shouldSkip is consulted at the start of a tick.
func (b *breaker) shouldSkip() bool {
	if b.skippedLast {
		b.skippedLast = false
		return false
	}
	if b.cfg.SkipAfterOverruns > 0 && b.consecutive >= b.cfg.SkipAfterOverruns {
		b.skippedLast = true
		b.skips++
		return true
	}
	return false
}

// recovered reports, once, that a suspension window has ended at tick.
func (b *breaker) recovered(tick uint64) bool {
	if b.tripped && tick >= b.resumeAt {
		b.tripped = false
		return true
	}
	return false
}

// observe records the duration of a finished tick and reports whether it
// tripped the breaker.
func (b *breaker) observe(tick uint64, elapsedMs float64) (overrun, tripped bool) {
	if b.cfg.EmergencyThresholdMs <= 0 || elapsedMs <= float64(b.cfg.EmergencyThresholdMs) {
		b.consecutive = 0
		return false, false
	}
	b.overruns++
	b.consecutive++
	need := max(1, b.cfg.EmergencyConsecutive)
	if b.consecutive%need != 0 {
		return true, false
	}
	b.tripped = true
	b.resumeAt = tick + 1 + uint64(max(0, b.cfg.SuspendCooldownTicks))
	b.trips++
	return true, true
}
