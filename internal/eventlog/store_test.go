package eventlog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execTag  pgconn.CommandTag
	execErr  error
	execs    []execCall
	row      pgx.Row
	queryErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.execTag, f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return f.row
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, f.queryErr
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestCreateEvent(t *testing.T) {
	tests := []struct {
		name    string
		execErr error
		wantErr error
		wrapped bool
	}{
		{name: "inserted"},
		{name: "duplicate event id", execErr: &pgconn.PgError{Code: "23505"}, wantErr: ErrDuplicateEvent},
		{name: "other database error", execErr: &pgconn.PgError{Code: "23503"}, wrapped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{execErr: tt.execErr}
			s := NewStore(db)

			err := s.CreateEvent(context.Background(), Event{
				EventID:          "E1",
				AccountID:        "A1",
				Payload:          `{"k":"v"}`,
				DestinationCount: 2,
			})

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CreateEvent() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wrapped:
				if err == nil || errors.Is(err, ErrDuplicateEvent) {
					t.Fatalf("CreateEvent() error = %v, want wrapped database error", err)
				}
			default:
				if err != nil {
					t.Fatalf("CreateEvent() unexpected error: %v", err)
				}
			}

			if len(db.execs) != 1 {
				t.Fatalf("exec calls = %d, want 1", len(db.execs))
			}
			args := db.execs[0].args
			if args[0] != "E1" || args[1] != "A1" || args[3] != 2 {
				t.Errorf("unexpected insert args: %v", args)
			}
			if ts, ok := args[4].(time.Time); !ok || ts.IsZero() {
				t.Errorf("received timestamp not defaulted: %v", args[4])
			}
		})
	}
}

func TestMarkTerminal(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("success updates one row", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
		if err := NewStore(db).MarkSucceeded(context.Background(), "E1", at); err != nil {
			t.Fatalf("MarkSucceeded() error: %v", err)
		}
		if !strings.Contains(db.execs[0].sql, "status = 'success'") {
			t.Errorf("unexpected sql: %s", db.execs[0].sql)
		}
	})

	t.Run("failed records reason", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
		if err := NewStore(db).MarkFailed(context.Background(), "E1", at, "connection refused"); err != nil {
			t.Fatalf("MarkFailed() error: %v", err)
		}
		if got := db.execs[0].args[2]; got != "connection refused" {
			t.Errorf("reason arg = %v", got)
		}
	})

	t.Run("repeated writes are accepted", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
		s := NewStore(db)
		for i := 0; i < 3; i++ {
			if err := s.MarkSucceeded(context.Background(), "E1", at); err != nil {
				t.Fatalf("MarkSucceeded() #%d error: %v", i, err)
			}
		}
	})

	t.Run("missing event", func(t *testing.T) {
		db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
		err := NewStore(db).MarkFailed(context.Background(), "nope", at, "x")
		if !errors.Is(err, ErrEventNotFound) {
			t.Fatalf("MarkFailed() error = %v, want ErrEventNotFound", err)
		}
	})
}

func TestRecordAttempt(t *testing.T) {
	tests := []struct {
		name        string
		attempt     Attempt
		wantStatus  any
		wantErrNull bool
	}{
		{
			name:        "success with status code",
			attempt:     Attempt{EventID: "E1", DestinationID: 7, Status: StatusSuccess, HTTPStatus: 500, LatencyMS: 12},
			wantErrNull: true,
		},
		{
			name:    "transport failure without status code",
			attempt: Attempt{EventID: "E1", DestinationID: 8, Status: StatusFailed, ErrorMessage: "dial tcp: refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{}
			if err := NewStore(db).RecordAttempt(context.Background(), tt.attempt); err != nil {
				t.Fatalf("RecordAttempt() error: %v", err)
			}
			call := db.execs[0]
			if !strings.Contains(call.sql, "ON CONFLICT (event_id, destination_id) DO UPDATE") {
				t.Errorf("attempt write is not an upsert")
			}
			if call.args[2] != string(tt.attempt.Status) {
				t.Errorf("status arg = %v", call.args[2])
			}
			code, _ := call.args[3].(*int)
			if tt.attempt.HTTPStatus == 0 && code != nil {
				t.Errorf("http_status should be NULL, got %d", *code)
			}
			if tt.attempt.HTTPStatus != 0 && (code == nil || *code != tt.attempt.HTTPStatus) {
				t.Errorf("http_status arg = %v", call.args[3])
			}
			msg, _ := call.args[4].(*string)
			if tt.wantErrNull != (msg == nil) {
				t.Errorf("error_message arg = %v", call.args[4])
			}
		})
	}
}

func TestGetEvent(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		db := &fakeDB{row: rowFunc(func(...any) error { return pgx.ErrNoRows })}
		_, err := NewStore(db).GetEvent(context.Background(), "A1", "E1")
		if !errors.Is(err, ErrEventNotFound) {
			t.Fatalf("GetEvent() error = %v, want ErrEventNotFound", err)
		}
	})

	t.Run("found", func(t *testing.T) {
		received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		reason := "timeout"
		db := &fakeDB{row: rowFunc(func(dest ...any) error {
			*dest[0].(*string) = "E1"
			*dest[1].(*string) = "A1"
			*dest[2].(*string) = `{"k":"v"}`
			*dest[3].(*int) = 2
			*dest[4].(*string) = "failed"
			*dest[5].(*time.Time) = received
			*dest[6].(**time.Time) = &received
			*dest[7].(**string) = &reason
			return nil
		})}

		e, err := NewStore(db).GetEvent(context.Background(), "A1", "E1")
		if err != nil {
			t.Fatalf("GetEvent() error: %v", err)
		}
		if e.Status != StatusFailed || e.ErrorMessage != "timeout" || e.DestinationCount != 2 {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.ProcessedAt == nil || !e.ProcessedAt.Equal(received) {
			t.Errorf("processed_at = %v", e.ProcessedAt)
		}
	})
}

func TestListAttempts_QueryError(t *testing.T) {
	db := &fakeDB{queryErr: errors.New("connection reset")}
	if _, err := NewStore(db).ListAttempts(context.Background(), "E1"); err == nil {
		t.Fatal("ListAttempts() expected error")
	}
}

func TestAggregateStatus(t *testing.T) {
	ok := Attempt{Status: StatusSuccess}
	bad := Attempt{Status: StatusFailed}

	tests := []struct {
		name     string
		count    int
		attempts []Attempt
		want     Status
	}{
		{name: "no destinations", count: 0, want: StatusPending},
		{name: "nothing attempted yet", count: 2, want: StatusPending},
		{name: "partially delivered", count: 2, attempts: []Attempt{ok}, want: StatusPending},
		{name: "all delivered", count: 2, attempts: []Attempt{ok, ok}, want: StatusSuccess},
		{name: "one failed", count: 2, attempts: []Attempt{ok, bad}, want: StatusFailed},
		{name: "failed before others finish", count: 3, attempts: []Attempt{bad}, want: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.count, tt.attempts); got != tt.want {
				t.Errorf("AggregateStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
