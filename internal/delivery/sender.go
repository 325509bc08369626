package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseBody = 1024

	userAgent = "HarborRelay/1.0"
)

// Result is the outcome of a single outbound call. Err is set only for
// transport failures (dial, TLS, timeout); any HTTP response leaves it nil.
type Result struct {
	StatusCode int
	Err        error
	Latency    time.Duration
}

// Sender performs the outbound HTTP call for a task
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose calls are bounded by timeout
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// NewSenderWithClient uses a caller-provided client
func NewSenderWithClient(c *http.Client) *Sender {
	return &Sender{client: c}
}

// Send delivers the task payload to its destination once
func (s *Sender) Send(ctx context.Context, t Task, extra map[string]string) Result {
	method := strings.ToUpper(strings.TrimSpace(t.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(t.Payload) > 0 {
		body = bytes.NewReader(t.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	// destination headers win, including Content-Type
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return Result{StatusCode: resp.StatusCode, Latency: latency}
}
