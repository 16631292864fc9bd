package kinds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// HTTPParams configures the http kind.
//
// Example:
//
//	{"url": "https://example.org/hook", "method": "POST", "body": {"a": 1},
//	 "timeout": "10s", "callback": "https://example.org/done"}
type HTTPParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	// Callback receives a POST once the run has committed.
	Callback string `json:"callback,omitempty"`
}

// CallbackPayload is posted to HTTPParams.Callback.
type CallbackPayload struct {
	TaskID  int64  `json:"task_id"`
	UID     string `json:"uid,omitempty"`
	Attempt int    `json:"attempt"`
	Status  int    `json:"status"`
}

// HTTP calls a URL. 4xx responses are permanent failures, except 429 which
// is retried after the server's Retry-After hint. 5xx and transport errors
// are retried with the usual backoff.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &HTTP{client: client}
}

func (h *HTTP) Run(ctx context.Context, rc *task.RunContext) task.Result {
	var p HTTPParams
	if err := rc.Decode(&p); err != nil {
		return task.Fail(engine.NoRetry(err))
	}
	if strings.TrimSpace(p.URL) == "" {
		return task.Fail(engine.NoRetry(errors.New("http task: url required")))
	}
	timeout, err := config.ParseDurationField("timeout", p.Timeout)
	if err != nil {
		return task.Fail(engine.NoRetry(err))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
		if len(p.Body) > 0 {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return task.Fail(engine.NoRetry(fmt.Errorf("build request: %w", err)))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return task.Fail(fmt.Errorf("%s %s: %w", method, p.URL, err))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	rc.Log.Debug("http task response", logx.String("url", p.URL), logx.Int("status", resp.StatusCode))
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		err := fmt.Errorf("%s %s: status %d", method, p.URL, code)
		if d := retryAfter(resp.Header.Get("Retry-After"), rc.Now()); d > 0 {
			err = engine.RetryAfter(err, d)
		}
		return task.Fail(err)
	case code >= 400 && code < 500:
		return task.Fail(engine.NoRetry(fmt.Errorf("%s %s: status %d", method, p.URL, code)))
	case code >= 500:
		return task.Fail(fmt.Errorf("%s %s: status %d", method, p.URL, code))
	}

	if p.Callback != "" {
		payload := CallbackPayload{TaskID: rc.Task.ID, UID: rc.Task.UID, Attempt: rc.Attempt, Status: resp.StatusCode}
		rc.Defer("callback", func(ctx context.Context) error { return h.callback(ctx, p.Callback, payload) })
	}
	return task.Done()
}

func (h *HTTP) callback(ctx context.Context, url string, payload CallbackPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback returned status: %d", resp.StatusCode)
	}
	return nil
}

// retryAfter reads a Retry-After header in either of its forms. Zero means
// no usable hint was given.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
