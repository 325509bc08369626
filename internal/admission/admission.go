package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const (
	DefaultLimit  = 5
	DefaultWindow = time.Second

	TokenHeader = "cl-x-token"
)

// Decision is the result of one admission check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Controller admits at most limit requests per caller key in each fixed window
type Controller struct {
	store  CounterStore
	limit  int
	window time.Duration
}

func NewController(store CounterStore, limit int, window time.Duration) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window < time.Millisecond {
		window = DefaultWindow
	}
	return &Controller{store: store, limit: limit, window: window}
}

// Allow counts one request for key at now. When the counter store fails the
// request is admitted and the error is returned alongside the decision.
func (c *Controller) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	wms := c.window.Milliseconds()
	idx := now.UnixMilli() / wms
	d := Decision{
		Allowed:   true,
		Limit:     c.limit,
		Remaining: c.limit,
		ResetAt:   time.UnixMilli((idx + 1) * wms),
	}

	n, err := c.store.Increment(ctx, fmt.Sprintf("rl:%s:%d", key, idx), c.window)
	if err != nil {
		return d, fmt.Errorf("admission counter: %w", err)
	}
	d.Allowed = n <= int64(c.limit)
	d.Remaining = max(c.limit-int(n), 0)
	return d, nil
}

// CallerKey identifies the caller by its token header, or by remote IP when
// the header is absent.
func CallerKey(r *http.Request) string {
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects over-limit callers with 429 before the wrapped handler
// runs.
func Middleware(c *Controller, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			key := CallerKey(r)
			d, err := c.Allow(r.Context(), key, now)
			if err != nil {
				metrics.RecordAdmissionError()
				logger.WithContext(r.Context()).WithError(err).
					WithField("caller", key).
					Warn("admission check failed, admitting request")
			}

			reset := secondsUntil(d.ResetAt, now)
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(reset))

			if !d.Allowed {
				metrics.RecordIngress("rate_limited")
				h.Set("Retry-After", strconv.Itoa(reset))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"message": "Rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secondsUntil(t, now time.Time) int {
	s := int(math.Ceil(t.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
