package main

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// receiver is a destination for local runs. It answers every delivery with a
// fixed status after an optional delay, failing the first N with 500.
type receiver struct {
	status     int
	delay      time.Duration
	failFirstN int64
	count      atomic.Int64
	logger     *logging.Logger
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	status := cfg.ResponseCode
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	return &receiver{
		status:     status,
		delay:      cfg.ResponseDelay,
		failFirstN: int64(cfg.FailFirstN),
		logger:     logger,
	}
}

func main() {
	cfg := config.Load()
	logger := logging.New("fake-receiver")
	rcv := newReceiver(cfg.FakeReceiver, logger)

	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeReceiver.Port,
		"status":       rcv.status,
		"delay":        rcv.delay.String(),
		"fail_first_n": rcv.failFirstN,
	}).Info("fake-receiver listening")

	srv := &http.Server{Addr: cfg.FakeReceiver.Port, Handler: rcv.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	entry := rc.logger.Plain().WithFields(map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"headers": len(r.Header),
		"trace":   r.Header.Get("X-Trace-Id"),
		"body":    truncate(string(b), 160),
	})

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		entry.Warnf("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("status", rc.status).Info("fake-receiver answered")
	w.WriteHeader(rc.status)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
