package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/eventlog"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// StatusWriter records terminal delivery outcomes. Every method must be safe
// to repeat with the same arguments.
type StatusWriter interface {
	RecordAttempt(ctx context.Context, a eventlog.Attempt) error
	MarkSucceeded(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, at time.Time, reason string) error
}

// Worker performs one delivery attempt per task and records the outcome
type Worker struct {
	sender *Sender
	store  StatusWriter
	logger *logging.Logger
	now    func() time.Time
}

func NewWorker(sender *Sender, store StatusWriter, logger *logging.Logger) *Worker {
	return &Worker{
		sender: sender,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleTask satisfies queue.Handler
func (w *Worker) HandleTask(ctx context.Context, t Task) {
	w.Process(ctx, t)
}

// Process sends the task once. A transport error or timeout marks the event
// failed; any HTTP response, whatever its status, marks it succeeded. Write
// errors are logged and counted, never returned.
func (w *Worker) Process(ctx context.Context, t Task) eventlog.Attempt {
	ctx = tracing.ExtractTaskHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("event_id", t.EventID),
		attribute.String("account_id", t.AccountID),
		attribute.Int64("destination_id", t.DestinationID),
		attribute.String("destination_url", t.URL),
	)
	defer span.End()

	var extra map[string]string
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		extra = map[string]string{"X-Trace-Id": traceID}
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	res := w.sender.Send(ctx, t, extra)

	at := w.now()
	attempt := eventlog.Attempt{
		EventID:       t.EventID,
		DestinationID: t.DestinationID,
		HTTPStatus:    res.StatusCode,
		LatencyMS:     int(res.Latency.Milliseconds()),
		AttemptedAt:   at,
	}
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
	)

	log := w.logger.WithContext(ctx).
		WithAccount(t.AccountID).
		WithEvent(t.EventID).
		WithDestination(t.DestinationID)

	if res.Err != nil {
		attempt.Status = eventlog.StatusFailed
		attempt.ErrorMessage = res.Err.Error()
		reason := classifyFailure(res.Err)
		span.SetAttributes(attribute.String("failure_reason", reason))
		tracing.SetSpanError(ctx, res.Err)
		log.WithError(res.Err).WithField("reason", reason).Warn("delivery failed")
	} else {
		attempt.Status = eventlog.StatusSuccess
		metrics.RecordHTTPStatus(res.StatusCode)
		log.WithField("http_status", res.StatusCode).
			WithField("latency_ms", attempt.LatencyMS).
			Info("delivered")
	}
	metrics.RecordDelivery(string(attempt.Status), res.Latency)

	w.record(ctx, log, attempt)
	return attempt
}

// FailTask records a task that could not be attempted at all, such as one
// that arrived without a destination URL.
func (w *Worker) FailTask(ctx context.Context, t Task, cause error) {
	ctx = tracing.ExtractTaskHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.reject",
		attribute.String("event_id", t.EventID),
		attribute.Int64("destination_id", t.DestinationID),
	)
	defer span.End()
	tracing.SetSpanError(ctx, cause)

	log := w.logger.WithContext(ctx).WithAccount(t.AccountID).WithEvent(t.EventID).WithDestination(t.DestinationID)
	log.WithError(cause).Warn("task rejected")
	metrics.RecordDelivery(string(eventlog.StatusFailed), 0)

	w.record(ctx, log, eventlog.Attempt{
		EventID:       t.EventID,
		DestinationID: t.DestinationID,
		Status:        eventlog.StatusFailed,
		ErrorMessage:  cause.Error(),
		AttemptedAt:   w.now(),
	})
}

func (w *Worker) record(ctx context.Context, log *logging.LogEntry, a eventlog.Attempt) {
	tracing.AddSpanEvent(ctx, "db.record_attempt")
	if err := w.store.RecordAttempt(ctx, a); err != nil {
		metrics.RecordStatusWriteError()
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("record attempt failed")
	}

	var err error
	if a.Status == eventlog.StatusSuccess {
		err = w.store.MarkSucceeded(ctx, a.EventID, a.AttemptedAt)
	} else {
		err = w.store.MarkFailed(ctx, a.EventID, a.AttemptedAt, a.ErrorMessage)
	}
	if err != nil {
		metrics.RecordStatusWriteError()
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("event status update failed")
	}
}

// classifyFailure buckets a transport error for logs and traces
func classifyFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	default:
		return "network"
	}
}
