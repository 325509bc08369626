package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/harbor_relay/internal/eventlog"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

type key struct {
	eventID string
	destID  int64
}

// memStore mimics the keyed upsert/update semantics of eventlog.Store
type memStore struct {
	mu         sync.Mutex
	attempts   map[key]eventlog.Attempt
	status     map[string]eventlog.Status
	reasons    map[string]string
	statusErr  error
	attemptErr error
	writes     int
}

func newMemStore() *memStore {
	return &memStore{
		attempts: make(map[key]eventlog.Attempt),
		status:   make(map[string]eventlog.Status),
		reasons:  make(map[string]string),
	}
}

func (m *memStore) RecordAttempt(_ context.Context, a eventlog.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptErr != nil {
		return m.attemptErr
	}
	m.attempts[key{a.EventID, a.DestinationID}] = a
	return nil
}

func (m *memStore) MarkSucceeded(_ context.Context, eventID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.statusErr != nil {
		return m.statusErr
	}
	m.status[eventID] = eventlog.StatusSuccess
	delete(m.reasons, eventID)
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, eventID string, _ time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.statusErr != nil {
		return m.statusErr
	}
	m.status[eventID] = eventlog.StatusFailed
	m.reasons[eventID] = reason
	return nil
}

func quietLogger() *logging.Logger {
	l := logging.New("delivery-test")
	l.SetOutput(io.Discard)
	return l
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr + "/hook"
}

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "complete task",
			body: `{"event_id":"E1","account_id":"A1","destination_id":7,"url":"http://d1","method":"POST","headers":{"X":"y"},"payload":{"k":"v"},"published_at":"2024-01-01T00:00:00Z"}`,
		},
		{name: "minimal task", body: `{"event_id":"E1","url":"http://d1"}`},
		{name: "not json", body: `not json`, wantErr: true},
		{name: "missing url", body: `{"event_id":"E1"}`, wantErr: true},
		{name: "missing event id", body: `{"url":"http://d1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := DecodeTask([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeTask() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && task.EventID != "E1" {
				t.Errorf("EventID = %q", task.EventID)
			}
		})
	}
}

func TestTask_PayloadIsEmbeddedVerbatim(t *testing.T) {
	task := Task{EventID: "E1", URL: "http://d1", Payload: json.RawMessage(`{"k":"v"}`)}
	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"payload":{"k":"v"}`) {
		t.Errorf("payload not embedded as JSON: %s", b)
	}
}

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name        string
		task        Task
		status      int
		wantMethod  string
		wantCT      string
		wantHeaders map[string]string
	}{
		{
			name:       "defaults to POST with json content type",
			task:       Task{Payload: json.RawMessage(`{"k":"v"}`)},
			status:     http.StatusOK,
			wantMethod: http.MethodPost,
			wantCT:     "application/json",
		},
		{
			name:       "destination method is honoured",
			task:       Task{Method: "put", Payload: json.RawMessage(`{}`)},
			status:     http.StatusAccepted,
			wantMethod: http.MethodPut,
			wantCT:     "application/json",
		},
		{
			name: "destination headers override content type",
			task: Task{
				Payload: json.RawMessage(`{}`),
				Headers: map[string]string{"Content-Type": "text/plain", "X-Sig": "abc"},
			},
			status:      http.StatusOK,
			wantMethod:  http.MethodPost,
			wantCT:      "text/plain",
			wantHeaders: map[string]string{"X-Sig": "abc"},
		},
		{
			name:       "server error is still a response",
			task:       Task{Payload: json.RawMessage(`{}`)},
			status:     http.StatusInternalServerError,
			wantMethod: http.MethodPost,
			wantCT:     "application/json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *http.Request
			var gotBody []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r
				gotBody, _ = io.ReadAll(r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
			}))
			defer srv.Close()

			tt.task.URL = srv.URL
			res := NewSender(time.Second).Send(context.Background(), tt.task, nil)

			if res.Err != nil {
				t.Fatalf("Send() error: %v", res.Err)
			}
			if res.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
			if got.Method != tt.wantMethod {
				t.Errorf("method = %s, want %s", got.Method, tt.wantMethod)
			}
			if ct := got.Header.Get("Content-Type"); ct != tt.wantCT {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantCT)
			}
			for k, v := range tt.wantHeaders {
				if got.Header.Get(k) != v {
					t.Errorf("header %s = %q, want %q", k, got.Header.Get(k), v)
				}
			}
			if string(gotBody) != string(tt.task.Payload) {
				t.Errorf("body = %s, want %s", gotBody, tt.task.Payload)
			}
		})
	}
}

func TestSender_TransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		res := NewSender(time.Second).Send(context.Background(), Task{URL: closedURL(t)}, nil)
		if res.Err == nil {
			t.Fatal("expected transport error")
		}
		if res.StatusCode != 0 {
			t.Errorf("StatusCode = %d, want 0", res.StatusCode)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		res := NewSender(50*time.Millisecond).Send(context.Background(), Task{URL: srv.URL}, nil)
		if res.Err == nil {
			t.Fatal("expected timeout error")
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		res := NewSender(time.Second).Send(context.Background(), Task{URL: "://bad"}, nil)
		if res.Err == nil {
			t.Fatal("expected request construction error")
		}
	})
}

func TestWorker_Process(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		unreach    bool
		wantStatus eventlog.Status
	}{
		{name: "2xx is success", status: http.StatusOK, wantStatus: eventlog.StatusSuccess},
		{name: "4xx is success", status: http.StatusNotFound, wantStatus: eventlog.StatusSuccess},
		{name: "5xx is success", status: http.StatusInternalServerError, wantStatus: eventlog.StatusSuccess},
		{name: "unreachable is failed", unreach: true, wantStatus: eventlog.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := closedURL(t)
			if !tt.unreach {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
				}))
				defer srv.Close()
				url = srv.URL
			}

			store := newMemStore()
			// a stale failure must be cleared by a later success
			store.status["E1"] = eventlog.StatusFailed
			store.reasons["E1"] = "old"

			w := NewWorker(NewSender(time.Second), store, quietLogger())
			got := w.Process(context.Background(), Task{EventID: "E1", AccountID: "A1", DestinationID: 7, URL: url})

			if got.Status != tt.wantStatus {
				t.Errorf("attempt status = %s, want %s", got.Status, tt.wantStatus)
			}
			if store.status["E1"] != tt.wantStatus {
				t.Errorf("event status = %s, want %s", store.status["E1"], tt.wantStatus)
			}
			a, ok := store.attempts[key{"E1", 7}]
			if !ok {
				t.Fatal("attempt row not recorded")
			}

			switch tt.wantStatus {
			case eventlog.StatusSuccess:
				if _, ok := store.reasons["E1"]; ok {
					t.Error("error message not cleared on success")
				}
				if a.HTTPStatus != tt.status {
					t.Errorf("recorded http status = %d, want %d", a.HTTPStatus, tt.status)
				}
			case eventlog.StatusFailed:
				if store.reasons["E1"] == "" || a.ErrorMessage == "" {
					t.Error("failure recorded without an error message")
				}
			}
		})
	}
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	store := newMemStore()
	w := NewWorker(NewSender(time.Second), store, quietLogger())
	task := Task{EventID: "E1", DestinationID: 1, URL: srv.URL}

	w.HandleTask(context.Background(), task)
	w.HandleTask(context.Background(), task)

	if len(store.attempts) != 1 {
		t.Errorf("attempt rows = %d, want 1", len(store.attempts))
	}
	if store.status["E1"] != eventlog.StatusSuccess {
		t.Errorf("status = %s, want success", store.status["E1"])
	}
}

func TestWorker_LastWriterWinsAcrossDestinations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	store := newMemStore()
	w := NewWorker(NewSender(time.Second), store, quietLogger())

	w.Process(context.Background(), Task{EventID: "E1", DestinationID: 1, URL: closedURL(t)})
	w.Process(context.Background(), Task{EventID: "E1", DestinationID: 2, URL: srv.URL})

	if store.status["E1"] != eventlog.StatusSuccess {
		t.Errorf("shared status = %s, want success from the last writer", store.status["E1"])
	}
	got := eventlog.AggregateStatus(2, []eventlog.Attempt{store.attempts[key{"E1", 1}], store.attempts[key{"E1", 2}]})
	if got != eventlog.StatusFailed {
		t.Errorf("aggregate = %s, want failed", got)
	}
}

func TestWorker_FailTask(t *testing.T) {
	_, err := DecodeTask([]byte(`{"event_id":"E1","destination_id":4}`))
	if !errors.Is(err, ErrIncompleteTask) {
		t.Fatalf("DecodeTask() error = %v, want ErrIncompleteTask", err)
	}

	store := newMemStore()
	w := NewWorker(NewSender(time.Second), store, quietLogger())
	w.FailTask(context.Background(), Task{EventID: "E1", DestinationID: 4}, err)

	if store.status["E1"] != eventlog.StatusFailed || store.reasons["E1"] == "" {
		t.Errorf("status = %s reason = %q, want failed with a reason", store.status["E1"], store.reasons["E1"])
	}
	if a := store.attempts[key{"E1", 4}]; a.Status != eventlog.StatusFailed || a.HTTPStatus != 0 {
		t.Errorf("attempt = %+v", a)
	}
}

func TestWorker_StoreErrorsAreSwallowed(t *testing.T) {
	metrics.StatusWriteErrorsTotal.Add(0)
	before := testutil.ToFloat64(metrics.StatusWriteErrorsTotal)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	store := newMemStore()
	store.attemptErr = errors.New("db down")
	store.statusErr = errors.New("db down")

	w := NewWorker(NewSender(time.Second), store, quietLogger())
	got := w.Process(context.Background(), Task{EventID: "E1", DestinationID: 1, URL: srv.URL})

	if got.Status != eventlog.StatusSuccess {
		t.Errorf("attempt status = %s, want success", got.Status)
	}
	if store.writes != 1 {
		t.Errorf("status writes = %d, want 1", store.writes)
	}
	if diff := testutil.ToFloat64(metrics.StatusWriteErrorsTotal) - before; diff != 2 {
		t.Errorf("status write errors += %v, want 2", diff)
	}
}

func TestWorker_ContinuesTaskTrace(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var traceHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceHeader = r.Header.Get("X-Trace-Id")
	}))
	defer srv.Close()

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	task := Task{
		EventID:       "E1",
		DestinationID: 1,
		URL:           srv.URL,
		TraceHeaders:  map[string]string{"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01"},
	}
	NewWorker(NewSender(time.Second), newMemStore(), quietLogger()).Process(context.Background(), task)

	if traceHeader != traceID {
		t.Errorf("X-Trace-Id = %q, want %q", traceHeader, traceID)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "worker.delivery" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].SpanContext.TraceID().String() != traceID {
		t.Errorf("span trace id = %s, want %s", spans[0].SpanContext.TraceID(), traceID)
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: context.DeadlineExceeded, want: "timeout"},
		{err: errors.New("Client.Timeout exceeded while awaiting headers"), want: "timeout"},
		{err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: "connection_refused"},
		{err: errors.New("dial tcp: lookup nope.invalid: no such host"), want: "dns_error"},
		{err: errors.New("EOF"), want: "network"},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.err.Error(), func(t *testing.T) {
			if got := classifyFailure(tt.err); got != tt.want {
				t.Errorf("classifyFailure(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
