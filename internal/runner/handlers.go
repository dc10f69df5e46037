package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskrelay/taskrelay/internal/core"
)

// webhookClient delivers webhook tasks. The timeout is a transport
// floor; per-task timeouts arrive through the context.
var webhookClient = &http.Client{Timeout: 30 * time.Second}

func (r *Runner) registerBuiltins() {
	r.Register(core.KindWebhook, WebhookHandler(webhookClient))
	r.Register(core.KindNoop, NoopHandler)
}

// WebhookHandler returns a handler that delivers the task payload to an
// HTTP endpoint. Classification follows standard delivery semantics:
// 2xx succeeds, 429 and 5xx are retryable, other 4xx are fatal, and
// transport failures are retryable.
func WebhookHandler(client *http.Client) Handler {
	return func(ctx context.Context, task *core.Task) (json.RawMessage, error) {
		params, perr := core.ParseWebhookParams(task.Params)
		if perr != nil {
			return nil, core.FatalError("invalid webhook params: %s", perr.Message)
		}

		method := params.Method
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if len(params.Body) > 0 {
			body = bytes.NewReader(params.Body)
		}

		req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
		if err != nil {
			return nil, core.FatalError("build webhook request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "taskrelay/"+core.Version)
		for name, value := range params.Headers {
			req.Header.Set(name, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, core.RetryableError("webhook delivery failed: %v", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result, _ := json.Marshal(map[string]any{
				"status_code": resp.StatusCode,
				"body":        string(respBody),
			})
			return result, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, core.RetryableError("webhook returned %d", resp.StatusCode)
		default:
			return nil, core.FatalError("webhook returned %d", resp.StatusCode)
		}
	}
}

// NoopHandler succeeds immediately, echoing the configured result. It
// exists for testing pipelines and as a batch callback target.
func NoopHandler(ctx context.Context, task *core.Task) (json.RawMessage, error) {
	params, perr := core.ParseNoopParams(task.Params)
	if perr != nil {
		return nil, core.FatalError("invalid noop params: %s", perr.Message)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("noop interrupted: %w", err)
	}
	if params.Result != nil {
		return params.Result, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}
