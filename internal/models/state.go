package models

import "slices"

// ProcessingState is the lifecycle position of a [CatalogItem].
type ProcessingState string

const (
	StateDiscovered       ProcessingState = "discovered"
	StateLocked           ProcessingState = "locked"
	StateProcessing       ProcessingState = "processing"
	StateComplete         ProcessingState = "complete"
	StateSkippedDuplicate ProcessingState = "skipped_duplicate"
	StateFailed           ProcessingState = "failed"
)

// States lists every state in lifecycle order.
var States = []ProcessingState{
	StateDiscovered, StateLocked, StateProcessing, StateComplete, StateSkippedDuplicate, StateFailed,
}

// transitions lists the allowed moves out of each state.
//
// Processing -> Discovered is the transient retry path (and the stale-lock sweep);
// Complete -> Processing reopens an item whose artifacts disappeared.
var transitions = map[ProcessingState][]ProcessingState{
	StateDiscovered:       {StateLocked, StateProcessing, StateSkippedDuplicate, StateFailed},
	StateLocked:           {StateDiscovered, StateProcessing, StateSkippedDuplicate, StateFailed},
	StateProcessing:       {StateDiscovered, StateComplete, StateSkippedDuplicate, StateFailed},
	StateComplete:         {StateProcessing},
	StateSkippedDuplicate: {},
	StateFailed:           {},
}

// Valid reports whether s is a known state.
func (s ProcessingState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a final state.
func (s ProcessingState) Terminal() bool {
	switch s {
	case StateComplete, StateSkippedDuplicate, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an item may move from one state to another.
// Rewriting the same non-terminal state is allowed.
func CanTransition(from, to ProcessingState) bool {
	if from == to {
		return from.Valid() && !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// ParseState converts a stored string back into a [ProcessingState]; the empty string reads as discovered.
func ParseState(s string) (ProcessingState, bool) {
	if s == "" {
		return StateDiscovered, true
	}
	state := ProcessingState(s)
	return state, state.Valid()
}

// ErrorCategory is the failure taxonomy persisted on items.
type ErrorCategory string

const (
	CategoryLockConflict      ErrorCategory = "LockConflict"
	CategoryTransientRemote   ErrorCategory = "TransientRemoteError"
	CategoryPermanentSource   ErrorCategory = "PermanentSourceError"
	CategoryPipelineFailure   ErrorCategory = "PipelineFailure"
	CategoryCoordinationWrite ErrorCategory = "CoordinationWriteFailure"
)

// Reasons refine [CategoryPermanentSource] and [CategoryTransientRemote].
const (
	ReasonNotFound      = "NotFound"
	ReasonGeoBlocked    = "GeoBlocked"
	ReasonUnavailable   = "Unavailable"
	ReasonInvalidSource = "InvalidSource"
	ReasonRateLimited   = "RateLimited"
	ReasonTimeout       = "Timeout"
)
