package model

const (
	ReasonOK = "OK"

	// Transient: retried later under per-node backoff.
	ReasonFull            = "E_FULL"
	ReasonNoRoute         = "E_NO_ROUTE"
	ReasonSearchBudget    = "E_SEARCH_BUDGET"
	ReasonTransferBudget  = "E_TRANSFER_BUDGET"
	ReasonBalanced        = "E_BALANCED"
	ReasonFiltered        = "E_FILTERED"
	ReasonNoSource        = "E_NO_SOURCE"
	ReasonBackoff         = "E_BACKOFF"
	ReasonAllQueued       = "E_ALL_QUEUED"
	ReasonSuspended       = "E_SUSPENDED"
	ReasonNoDestination   = "E_NO_DEST"
	ReasonItemGone        = "E_ITEM_GONE"
	ReasonRouteStale      = "E_ROUTE_STALE"
	ReasonEdgeBroken      = "E_EDGE_BROKEN"
	ReasonNodeGone        = "E_NODE_GONE"
	ReasonTickOverrun     = "E_TICK_OVERRUN"
	ReasonStepLimit       = "E_STEP_LIMIT"
	ReasonHopLimit        = "E_HOP_LIMIT"
	ReasonReservationLeak = "E_RESERVATION_LEAK"
)

type ReasonClass uint8

const (
	ClassNone ReasonClass = iota
	ClassTransient
	ClassStructural
	ClassResource
	ClassFatal
)

func (c ReasonClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	case ClassResource:
		return "resource"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

var reasonClasses = map[string]ReasonClass{
	ReasonOK:              ClassNone,
	ReasonAllQueued:       ClassNone,
	ReasonFull:            ClassTransient,
	ReasonNoRoute:         ClassTransient,
	ReasonSearchBudget:    ClassTransient,
	ReasonTransferBudget:  ClassTransient,
	ReasonBalanced:        ClassTransient,
	ReasonFiltered:        ClassTransient,
	ReasonNoSource:        ClassTransient,
	ReasonBackoff:         ClassTransient,
	ReasonNoDestination:   ClassTransient,
	ReasonItemGone:        ClassStructural,
	ReasonRouteStale:      ClassStructural,
	ReasonEdgeBroken:      ClassStructural,
	ReasonNodeGone:        ClassStructural,
	ReasonReservationLeak: ClassStructural,
	ReasonSuspended:       ClassResource,
	ReasonTickOverrun:     ClassResource,
	ReasonStepLimit:       ClassFatal,
	ReasonHopLimit:        ClassFatal,
}

func IsKnownReason(r string) bool {
	_, ok := reasonClasses[r]
	return ok
}

// Class maps a reason code onto the error taxonomy. Unknown codes are transient.
func Class(r string) ReasonClass {
	if c, ok := reasonClasses[r]; ok {
		return c
	}
	return ClassTransient
}
