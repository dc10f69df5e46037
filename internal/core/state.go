package core

// Task states. Retryable is internal only: it is observed between
// attempts and never reported as a terminal outcome. Callers see exactly
// succeeded, failed, or cancelled as terminal states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateRetryable = "retryable"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[string][]string{
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateSucceeded, StateRetryable, StateFailed, StateCancelled},
	StateRetryable: {StatePending, StateCancelled},
	StateSucceeded: {},
	StateFailed:    {},
	StateCancelled: {},
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminalState returns true if the state is terminal (no further transitions).
func IsTerminalState(state string) bool {
	return state == StateSucceeded || state == StateFailed || state == StateCancelled
}

// IsCancellableState returns true if the task can be cancelled from this state.
// Cancelling a running task is best-effort: the in-flight attempt may still
// finish and its result is reconciled against the idempotency ledger.
func IsCancellableState(state string) bool {
	return state == StatePending || state == StateRunning || state == StateRetryable
}
