package core

// DefaultMaxAttempts is the attempt ceiling applied when neither the
// retry policy nor the task specifies one.
const DefaultMaxAttempts = 5

// Exhaustion behaviors for tasks that run out of attempts.
const (
	ExhaustionDiscard    = "discard"
	ExhaustionDeadLetter = "dead_letter"
)

// RetryPolicy defines how failed tasks are retried. Intervals are
// ISO 8601 durations on the wire (PT1S, PT5M).
type RetryPolicy struct {
	MaxAttempts  int    `json:"max_attempts"`
	BaseInterval string `json:"base_interval,omitempty"`
	JitterMax    string `json:"jitter_max,omitempty"`
	MaxInterval  string `json:"max_interval,omitempty"`
	OnExhaustion string `json:"on_exhaustion,omitempty"` // "discard" or "dead_letter"
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseInterval: "PT1S",
		JitterMax:    "PT0.5S",
		MaxInterval:  "PT5M",
		OnExhaustion: ExhaustionDiscard,
	}
}
