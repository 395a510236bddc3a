package engine

const (
	EventItemDropped      = "ITEM_DROPPED"
	EventBreakerTripped   = "BREAKER_TRIPPED"
	EventBreakerRecovered = "BREAKER_RECOVERED"
	EventTickSkipped      = "TICK_SKIPPED"
	EventPersistTrimmed   = "PERSIST_TRIMMED"
	EventPersistFailed    = "PERSIST_FAILED"
	EventReservationLeak  = "RESERVATION_LEAK"
	EventEdgeRemoved      = "EDGE_REMOVED"
	EventRestored         = "RESTORED"
)

// Event is one structured diagnostic record. Fields that do not apply to a
// kind are left empty.
type Event struct {
	Tick   uint64 `json:"tick"`
	Kind   string `json:"kind"`
	Node   string `json:"node,omitempty"`
	Item   string `json:"item,omitempty"`
	Amount int    `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
	Count  int    `json:"count,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// EventSink receives diagnostic events. Implemented in internal/persistence/log.
type EventSink interface {
	WriteEvent(e Event) error
}

// MetricsRecorder observes every finished tick. Implemented in internal/observability.
type MetricsRecorder interface {
	ObserveTick(r TickReport)
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	if ev.Tick == 0 {
		ev.Tick = e.tick
	}
	if err := e.events.WriteEvent(ev); err != nil {
		e.logger.Printf("event %s: %v", ev.Kind, err)
	}
}
