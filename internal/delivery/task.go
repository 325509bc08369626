package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIncompleteTask marks a task that parsed but cannot be delivered
var ErrIncompleteTask = errors.New("incomplete task")

// Task is one unit of delivery work: a single event bound for a single
// destination. Payload carries the inbound JSON body verbatim.
type Task struct {
	EventID       string            `json:"event_id"`
	AccountID     string            `json:"account_id"`
	DestinationID int64             `json:"destination_id"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	PublishedAt   string            `json:"published_at"`            // RFC3339
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// DecodeTask parses a queued message body. A task that parses but lacks an
// event id or URL is returned alongside ErrIncompleteTask so the caller can
// still attribute the failure to its event.
func DecodeTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.EventID == "" || t.URL == "" {
		return t, fmt.Errorf("decode task: %w: missing event_id or url", ErrIncompleteTask)
	}
	return t, nil
}
