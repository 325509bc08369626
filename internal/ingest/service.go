package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/directory"
	"github.com/austindbirch/harbor_relay/internal/eventlog"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

var (
	ErrMissingFields  = errors.New("ingest: token and event id are required")
	ErrInvalidToken   = errors.New("ingest: invalid token")
	ErrDuplicateEvent = errors.New("ingest: duplicate event id")
	ErrEventNotFound  = errors.New("ingest: event not found")
)

type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (directory.Account, error)
}

type DestinationDirectory interface {
	ListDestinations(ctx context.Context, accountID string) ([]directory.Destination, error)
}

type EventStore interface {
	CreateEvent(ctx context.Context, e eventlog.Event) error
	GetEvent(ctx context.Context, accountID, eventID string) (eventlog.Event, error)
	ListAttempts(ctx context.Context, eventID string) ([]eventlog.Attempt, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t delivery.Task) error
}

type Request struct {
	Token   string
	EventID string
	Payload json.RawMessage
}

// Result describes an accepted event. FanoutFailed counts tasks that could not
// be enqueued; the event stays logged either way.
type Result struct {
	EventID      string
	AccountID    string
	Destinations int
	Enqueued     int
	FanoutFailed int
}

// Degraded reports whether some destinations will never see this event
func (r Result) Degraded() bool { return r.FanoutFailed > 0 }

// EventStatus is the status API view of an event
type EventStatus struct {
	Event     eventlog.Event     `json:"event"`
	Attempts  []eventlog.Attempt `json:"attempts"`
	Aggregate eventlog.Status    `json:"aggregate_status"`
}

type Service struct {
	accounts     IdentityResolver
	destinations DestinationDirectory
	events       EventStore
	queue        Enqueuer
	logger       *logging.Logger
	now          func() time.Time
}

func NewService(accounts IdentityResolver, destinations DestinationDirectory, events EventStore, queue Enqueuer, logger *logging.Logger) *Service {
	return &Service{
		accounts:     accounts,
		destinations: destinations,
		events:       events,
		queue:        queue,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Ingest logs the event as pending and enqueues one task per destination.
// The row is written before any task so a worker never sees an unknown id.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Ingest",
		attribute.String("event_id", req.EventID),
	)
	defer span.End()

	if req.Token == "" || req.EventID == "" {
		return Result{}, ErrMissingFields
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tracing.AddSpanEvent(ctx, "db.resolve_token")
	acct, err := s.accounts.ResolveToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, directory.ErrAccountNotFound) {
			return Result{}, ErrInvalidToken
		}
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("account_id", acct.AccountID))

	tracing.AddSpanEvent(ctx, "db.list_destinations")
	dests, err := s.destinations.ListDestinations(ctx, acct.AccountID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	now := s.now()
	tracing.AddSpanEvent(ctx, "db.create_event")
	err = s.events.CreateEvent(ctx, eventlog.Event{
		EventID:          req.EventID,
		AccountID:        acct.AccountID,
		Payload:          string(payload),
		DestinationCount: len(dests),
		Status:           eventlog.StatusPending,
		ReceivedAt:       now,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrDuplicateEvent) {
			return Result{}, fmt.Errorf("%w: %w", ErrDuplicateEvent, err)
		}
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	metrics.RecordEventAccepted(acct.AccountID)

	res := Result{EventID: req.EventID, AccountID: acct.AccountID, Destinations: len(dests)}
	log := s.logger.WithContext(ctx).WithAccount(acct.AccountID).WithEvent(req.EventID)

	traceHeaders := tracing.InjectTaskHeaders(ctx)
	publishedAt := now.Format(time.RFC3339)
	for _, d := range dests {
		headers, herr := directory.ResolveHeaders(d.Headers)
		if herr != nil {
			log.WithDestination(d.ID).WithError(herr).Warn("ignoring undecodable destination headers")
		}
		task := delivery.Task{
			EventID:       req.EventID,
			AccountID:     acct.AccountID,
			DestinationID: d.ID,
			URL:           d.URL,
			Method:        d.Method,
			Headers:       headers,
			Payload:       payload,
			PublishedAt:   publishedAt,
			TraceHeaders:  traceHeaders,
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			res.FanoutFailed++
			log.WithDestination(d.ID).WithError(err).Warn("enqueue failed")
			continue
		}
		res.Enqueued++
	}
	metrics.RecordFanout(res.Enqueued, res.FanoutFailed)

	tracing.AddSpanEvent(ctx, "nsq.published_tasks",
		attribute.Int("task_count", res.Enqueued),
		attribute.Int("failed_count", res.FanoutFailed),
	)
	span.SetAttributes(attribute.Int("fanout_count", res.Enqueued))
	if res.Degraded() {
		log.WithFields(map[string]any{
			"enqueued": res.Enqueued,
			"failed":   res.FanoutFailed,
		}).Warn("fan-out degraded")
	}
	return res, nil
}

// EventStatus returns an event owned by accountID with its per-destination
// attempts.
func (s *Service) EventStatus(ctx context.Context, accountID, eventID string) (EventStatus, error) {
	e, err := s.events.GetEvent(ctx, accountID, eventID)
	if err != nil {
		if errors.Is(err, eventlog.ErrEventNotFound) {
			return EventStatus{}, ErrEventNotFound
		}
		return EventStatus{}, err
	}
	attempts, err := s.events.ListAttempts(ctx, eventID)
	if err != nil {
		return EventStatus{}, err
	}
	if attempts == nil {
		attempts = []eventlog.Attempt{}
	}
	return EventStatus{
		Event:     e,
		Attempts:  attempts,
		Aggregate: eventlog.AggregateStatus(e.DestinationCount, attempts),
	}, nil
}
