package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// HTTPConfig tunes the HTTP executor.
type HTTPConfig struct {
	Enabled bool
	// Timeout bounds one request. Default 30s.
	Timeout time.Duration
	// MaxBody caps how much of the response body is kept. Default 1 MiB.
	MaxBody   int64
	UserAgent string
}

type httpParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// HTTPResult is the JSON result of an HTTP task. Body is embedded as JSON
// when the response is valid JSON, otherwise as a string.
type HTTPResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	TookMS int64           `json:"took_ms"`
}

// HTTP performs one request per attempt. Network errors, 408, 429 and 5xx
// are retryable (429/503 honour Retry-After); other 4xx are fatal.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "taskd/1"
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (h *HTTP) Execute(ctx context.Context, d task.Descriptor) (json.RawMessage, error) {
	var p httpParams
	if err := json.Unmarshal(d.Params, &p); err != nil {
		return nil, task.Fatal(fmt.Errorf("http params: %w", err))
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return nil, task.Fatal(fmt.Errorf("http params: url %q must be http(s)", p.URL))
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	contentType := ""
	if len(p.Body) > 0 && string(p.Body) != "null" {
		var s string
		if json.Unmarshal(p.Body, &s) == nil {
			body = strings.NewReader(s)
			contentType = "text/plain; charset=utf-8"
		} else {
			body = bytes.NewReader(p.Body)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, task.Fatal(err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, p.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBody))
	if err != nil {
		return nil, fmt.Errorf("http read body: %w", err)
	}
	res := HTTPResult{Status: resp.StatusCode, TookMS: time.Since(start).Milliseconds()}
	if len(raw) > 0 {
		if json.Valid(raw) {
			res.Body = raw
		} else {
			res.Body, _ = json.Marshal(string(raw))
		}
	}
	h.log.Debug("http task finished", logx.String("task", d.Name), logx.Int("status", resp.StatusCode), logx.Int64("took_ms", res.TookMS))

	if err := statusError(resp, raw); err != nil {
		return nil, err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, task.Fatal(err)
	}
	return out, nil
}

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("http status %d: %s", e.Code, e.Body) }

func statusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}
	var err error = &StatusError{Code: code, Body: tail(string(body), 200)}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return task.RetryAfter(err, d)
		}
		return err
	case code == http.StatusRequestTimeout || code >= 500:
		return err
	default:
		return task.Fatal(err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}
