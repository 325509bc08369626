package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/logging"
)

// Pinger is satisfied by *pgxpool.Pool, the directory and the redis store
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Checker pings every registered dependency
type Checker struct {
	names   []string
	pingers map[string]Pinger
	timeout time.Duration
}

func NewChecker() *Checker {
	return &Checker{pingers: make(map[string]Pinger), timeout: time.Second}
}

// Add registers a dependency under name. Nil pingers are ignored.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p == nil {
		return c
	}
	if _, ok := c.pingers[name]; !ok {
		c.names = append(c.names, name)
	}
	c.pingers[name] = p
	return c
}

// Check pings all dependencies and reports the combined result
func (c *Checker) Check(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok"}
	if len(c.names) == 0 {
		return st
	}
	st.Checks = make(map[string]bool, len(c.names))
	for _, name := range c.names {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.pingers[name].Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch mirrors the checker's result into the gRPC health server until ctx is
// cancelled.
func Watch(ctx context.Context, c *Checker, hs *grpc_health.Server, interval time.Duration, logger *logging.Logger) {
	update := func() {
		st := c.Check(ctx)
		serving := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Plain().WithField("checks", st.Checks).Warn(st.Message)
		}
		hs.SetServingStatus("", serving)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
