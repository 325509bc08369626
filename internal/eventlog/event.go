package eventlog

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an event row or of a single attempt
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	// ErrDuplicateEvent is returned when the event id already exists for any account
	ErrDuplicateEvent = errors.New("eventlog: duplicate event id")
	// ErrEventNotFound is returned when no row matches the event id
	ErrEventNotFound = errors.New("eventlog: event not found")
)

// Event is one accepted inbound payload.
//
// Status is a single column shared by every destination of the event, so the
// last delivery to finish decides its value. Attempts hold the per-destination
// truth.
type Event struct {
	EventID          string     `json:"event_id"`
	AccountID        string     `json:"account_id"`
	Payload          string     `json:"payload"`
	DestinationCount int        `json:"destination_count"`
	Status           Status     `json:"status"`
	ReceivedAt       time.Time  `json:"received_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Attempt is the terminal outcome of delivering one event to one destination
type Attempt struct {
	EventID       string    `json:"event_id"`
	DestinationID int64     `json:"destination_id"`
	Status        Status    `json:"status"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	LatencyMS     int       `json:"latency_ms"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// AggregateStatus derives an event's status from its per-destination
// attempts: failed if any attempt failed, success once every destination has
// a successful attempt, pending otherwise.
func AggregateStatus(destinationCount int, attempts []Attempt) Status {
	succeeded := 0
	for _, a := range attempts {
		switch a.Status {
		case StatusFailed:
			return StatusFailed
		case StatusSuccess:
			succeeded++
		}
	}
	if destinationCount > 0 && succeeded >= destinationCount {
		return StatusSuccess
	}
	return StatusPending
}
