package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrAccountNotFound is returned when no account owns the presented token
var ErrAccountNotFound = errors.New("directory: account not found")

// Account is a tenant identified by its secret ingress token
type Account struct {
	AccountID   string
	AccountName string
	Website     string
}

// Destination is an outbound endpoint registered by an account.
// Headers holds the raw JSON object as stored.
type Destination struct {
	ID        int64
	AccountID string
	URL       string
	Method    string
	Headers   string
}

// DBTX is the subset of *pgxpool.Pool the directory uses
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres resolves tokens and lists destinations from the accounts and
// destinations tables.
type Postgres struct {
	db DBTX
}

func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// ResolveToken maps a secret token to its account
func (p *Postgres) ResolveToken(ctx context.Context, token string) (Account, error) {
	if token == "" {
		return Account{}, ErrAccountNotFound
	}
	var (
		a       Account
		website *string
	)
	err := p.db.QueryRow(ctx, `
		SELECT account_id, account_name, website
		FROM accounts
		WHERE app_secret_token = $1
	`, token).Scan(&a.AccountID, &a.AccountName, &website)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("resolve token: %w", err)
	}
	if website != nil {
		a.Website = *website
	}
	return a, nil
}

// ListDestinations returns the account's destinations ordered by id. The set
// is read fresh on every call.
func (p *Postgres) ListDestinations(ctx context.Context, accountID string) ([]Destination, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, account_id, url, method, headers
		FROM destinations
		WHERE account_id = $1
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list destinations for %s: %w", accountID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Destination, error) {
		var d Destination
		err := row.Scan(&d.ID, &d.AccountID, &d.URL, &d.Method, &d.Headers)
		return d, err
	})
}

// Ping checks connectivity for health reporting
func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// ResolveHeaders decodes a stored header blob into a flat map. Non-string
// values are kept as their JSON text. A blob that is not a JSON object yields
// an empty set and an error the caller may log.
func ResolveHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]string{}, fmt.Errorf("decode destination headers: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}
