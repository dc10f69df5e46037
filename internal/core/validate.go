package core

import (
	"fmt"
	"regexp"
	"time"
)

var (
	kindPattern  = regexp.MustCompile(`^[a-z][a-z0-9_\-]*(\.[a-z][a-z0-9_\-]*)*$`)
	queuePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-\.]*$`)
)

// ValidateSubmitRequest validates a task submission.
func ValidateSubmitRequest(req *SubmitRequest) *Error {
	if req.Kind == "" {
		return NewInvalidRequestError("The 'kind' field is required.", map[string]any{
			"field":      "kind",
			"validation": "required",
		})
	}

	if !kindPattern.MatchString(req.Kind) {
		return NewInvalidRequestError(
			fmt.Sprintf("The 'kind' field must match pattern '^[a-z][a-z0-9_]*(\\.[a-z][a-z0-9_]*)*$'. Got: %q", req.Kind),
			map[string]any{
				"field":    "kind",
				"received": req.Kind,
			},
		)
	}

	if req.ID != "" && !IsTimeOrderedID(req.ID) {
		return NewInvalidRequestError(
			fmt.Sprintf("The 'id' field must be a valid UUIDv7. Got: %q", req.ID),
			map[string]any{
				"field":    "id",
				"expected": "UUIDv7",
				"received": req.ID,
			},
		)
	}

	if err := ValidateParams(req.Kind, req.Params); err != nil {
		return err
	}

	if req.Options != nil {
		if err := validateOptions(req.Options); err != nil {
			return err
		}
	}

	return nil
}

// ValidateBatchRequest validates a fan-out batch dispatch.
func ValidateBatchRequest(req *BatchRequest) *Error {
	if len(req.Items) == 0 {
		return NewInvalidRequestError("The 'items' field is required and must not be empty.", map[string]any{
			"field":      "items",
			"validation": "required",
		})
	}

	for i, item := range req.Items {
		sub := SubmitRequest{Kind: item.Kind, Params: item.Params, Options: item.Options}
		if err := ValidateSubmitRequest(&sub); err != nil {
			err.Message = fmt.Sprintf("Batch validation failed: item at index %d - %s", i, err.Message)
			if err.Details == nil {
				err.Details = make(map[string]any)
			}
			err.Details["index"] = i
			return err
		}
	}

	if req.Callbacks != nil {
		for name, cb := range map[string]*BatchCallback{
			"on_complete": req.Callbacks.OnComplete,
			"on_success":  req.Callbacks.OnSuccess,
			"on_failure":  req.Callbacks.OnFailure,
		} {
			if cb == nil {
				continue
			}
			sub := SubmitRequest{Kind: cb.Kind, Params: cb.Params, Options: cb.Options}
			if err := ValidateSubmitRequest(&sub); err != nil {
				err.Message = fmt.Sprintf("Batch validation failed: callback %q - %s", name, err.Message)
				return err
			}
		}
	}

	return nil
}

func validateOptions(opts *SubmitOptions) *Error {
	if opts.Queue != "" && !queuePattern.MatchString(opts.Queue) {
		return NewInvalidRequestError(
			fmt.Sprintf("The 'queue' field must match pattern '^[a-z0-9][a-z0-9\\-\\.]*$'. Got: %q", opts.Queue),
			map[string]any{
				"field":    "queue",
				"received": opts.Queue,
			},
		)
	}

	if opts.TimeoutMs != nil && *opts.TimeoutMs <= 0 {
		return NewValidationError(
			fmt.Sprintf("The 'timeout_ms' field must be positive. Got: %d", *opts.TimeoutMs),
			map[string]any{
				"field":    "timeout_ms",
				"expected": "> 0",
				"received": *opts.TimeoutMs,
			},
		)
	}

	if opts.ScheduledAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.ScheduledAt); err != nil {
			return NewInvalidRequestError(
				fmt.Sprintf("The 'scheduled_at' field must be an RFC 3339 timestamp. Got: %q", opts.ScheduledAt),
				map[string]any{
					"field":    "scheduled_at",
					"received": opts.ScheduledAt,
				},
			)
		}
	}

	if opts.Retry != nil {
		if err := ValidateRetryPolicy(opts.Retry); err != nil {
			return err
		}
	}

	return nil
}

// ValidateRetryPolicy validates retry policy fields.
func ValidateRetryPolicy(r *RetryPolicy) *Error {
	if r.MaxAttempts < 0 {
		return NewValidationError(
			fmt.Sprintf("The 'retry.max_attempts' field must be non-negative. Got: %d", r.MaxAttempts),
			map[string]any{
				"field":    "retry.max_attempts",
				"expected": ">= 0",
				"received": r.MaxAttempts,
			},
		)
	}

	for field, val := range map[string]string{
		"retry.base_interval": r.BaseInterval,
		"retry.jitter_max":    r.JitterMax,
		"retry.max_interval":  r.MaxInterval,
	} {
		if val == "" {
			continue
		}
		if _, err := ParseInterval(val); err != nil {
			return NewValidationError(
				fmt.Sprintf("The '%s' field must be an ISO 8601 duration. Got: %q", field, val),
				map[string]any{
					"field":    field,
					"received": val,
				},
			)
		}
	}

	switch r.OnExhaustion {
	case "", ExhaustionDiscard, ExhaustionDeadLetter:
	default:
		return NewValidationError(
			fmt.Sprintf("The 'retry.on_exhaustion' field must be 'discard' or 'dead_letter'. Got: %q", r.OnExhaustion),
			map[string]any{
				"field":    "retry.on_exhaustion",
				"received": r.OnExhaustion,
			},
		)
	}

	return nil
}
