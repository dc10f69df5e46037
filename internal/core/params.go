package core

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Task kinds understood by this server. Each kind carries its own typed
// parameter struct, validated at the API boundary.
const (
	KindWebhook = "webhook"
	KindNoop    = "noop"
)

// KnownKinds lists the registered task kinds.
var KnownKinds = []string{KindWebhook, KindNoop}

// IsKnownKind returns true if the kind has a registered handler.
func IsKnownKind(kind string) bool {
	for _, k := range KnownKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// WebhookParams configures a webhook delivery task: the payload is sent
// to URL and the response status decides retryable vs fatal failure.
type WebhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ParseWebhookParams decodes and validates webhook task parameters.
func ParseWebhookParams(raw json.RawMessage) (*WebhookParams, *Error) {
	var p WebhookParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewInvalidRequestError("The 'params' field must be a webhook parameter object.", map[string]any{
			"field": "params",
			"kind":  KindWebhook,
		})
	}

	if p.URL == "" {
		return nil, NewInvalidRequestError("The 'params.url' field is required for webhook tasks.", map[string]any{
			"field":      "params.url",
			"validation": "required",
		})
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, NewInvalidRequestError(
			fmt.Sprintf("The 'params.url' field must be an absolute http(s) URL. Got: %q", p.URL),
			map[string]any{
				"field":    "params.url",
				"received": p.URL,
			},
		)
	}

	switch p.Method {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return nil, NewInvalidRequestError(
			fmt.Sprintf("The 'params.method' field must be a standard HTTP method. Got: %q", p.Method),
			map[string]any{
				"field":    "params.method",
				"received": p.Method,
			},
		)
	}

	return &p, nil
}

// NoopParams configures a noop task; it carries an optional result that
// the task reports on success.
type NoopParams struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// ParseNoopParams decodes noop task parameters. An empty params object
// is valid.
func ParseNoopParams(raw json.RawMessage) (*NoopParams, *Error) {
	var p NoopParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewInvalidRequestError("The 'params' field must be a noop parameter object.", map[string]any{
				"field": "params",
				"kind":  KindNoop,
			})
		}
	}
	return &p, nil
}

// ValidateParams validates kind-specific task parameters.
func ValidateParams(kind string, raw json.RawMessage) *Error {
	switch kind {
	case KindWebhook:
		_, err := ParseWebhookParams(raw)
		if err != nil {
			return err
		}
		return nil
	case KindNoop:
		_, err := ParseNoopParams(raw)
		if err != nil {
			return err
		}
		return nil
	default:
		return NewInvalidRequestError(
			fmt.Sprintf("Unknown task kind %q.", kind),
			map[string]any{
				"field":    "kind",
				"received": kind,
				"known":    KnownKinds,
			},
		)
	}
}
