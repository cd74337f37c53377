package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strconv"
	"strings"
	"time"

	fees "feesync/internal/fees/domain"
)

//go:embed schema.sql
var schemaSQL string

var errNilDB = errors.New("fee store: nil db")

// EnsureSchema creates the fee tables when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errNilDB
	}
	_, err := db.ExecContext(ctx, schemaSQL)
	return classify(err)
}

// Store persists fee events, aggregates, snapshots and the sync status in Postgres.
type Store struct {
	db    *sql.DB
	clock fees.Clock
}

var _ fees.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the clock used when the status row is first created.
func WithClock(clock fees.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs a store.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: fees.SystemClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	return nil
}

// inTx runs fn in a transaction and classifies the resulting error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	return classify(tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func categoryStrings(categories []fees.Category) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		out = append(out, string(c))
	}
	return out
}

// where accumulates positional conditions.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}
