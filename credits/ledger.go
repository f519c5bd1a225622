package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ledger stores the first outcome per idempotency key.
type Ledger interface {
	// Get returns the stored outcome for key, if any.
	Get(ctx context.Context, key string) (Outcome, bool, error)
	// PutIfAbsent stores o unless key already has an outcome, and returns the
	// outcome that is stored afterwards.
	PutIfAbsent(ctx context.Context, key string, o Outcome) (Outcome, error)
	// Confirm marks the approved outcome for key as deducted and reports
	// whether this call did so. Keys without an outcome fail with
	// ErrChargeNotFound and other outcomes with ErrNotApproved.
	Confirm(ctx context.Context, key string) (bool, error)
}

// MemoryLedger keeps outcomes in process memory. It suits tests and single
// instance deployments that accept losing the ledger on restart.
type MemoryLedger struct {
	mu        sync.RWMutex
	outcomes  map[string]Outcome
	confirmed map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		outcomes:  make(map[string]Outcome),
		confirmed: make(map[string]struct{}),
	}
}

func (l *MemoryLedger) Get(_ context.Context, key string) (Outcome, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.outcomes[key]
	return o, ok, nil
}

func (l *MemoryLedger) PutIfAbsent(_ context.Context, key string, o Outcome) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stored, ok := l.outcomes[key]; ok {
		return stored, nil
	}
	l.outcomes[key] = o
	return o, nil
}

func (l *MemoryLedger) Confirm(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrChargeNotFound, key)
	}
	if !o.Approved() {
		return false, fmt.Errorf("%w: %s is %s", ErrNotApproved, key, o.Kind)
	}
	if _, done := l.confirmed[key]; done {
		return false, nil
	}
	l.confirmed[key] = struct{}{}
	return true, nil
}

// Confirmed reports whether the outcome for key was confirmed.
func (l *MemoryLedger) Confirmed(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.confirmed[key]
	return ok
}

// Len returns the number of stored outcomes.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.outcomes)
}

// PostgresSchema creates the table used by PostgresLedger.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS credits_ledger (
    idempotency_key TEXT PRIMARY KEY,
    outcome         SMALLINT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    credits         BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    confirmed_at    TIMESTAMPTZ
);`

// postgresConfirmedColumn upgrades tables created before confirmations.
const postgresConfirmedColumn = `ALTER TABLE credits_ledger ADD COLUMN IF NOT EXISTS confirmed_at TIMESTAMPTZ;`

const (
	qLedgerGet = `SELECT outcome, reason, credits
FROM credits_ledger
WHERE idempotency_key = $1;`

	qLedgerInsert = `INSERT INTO credits_ledger (idempotency_key, outcome, reason, credits)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING;`

	qLedgerConfirm = `UPDATE credits_ledger
SET confirmed_at = now()
WHERE idempotency_key = $1 AND outcome = $2 AND confirmed_at IS NULL;`
)

// DB is the subset of *pgxpool.Pool and *pgx.Conn used by PostgresLedger.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger keeps outcomes in the credits_ledger table. Concurrent
// writers for one key race on the primary key and the first insert wins.
type PostgresLedger struct {
	db DB
}

func NewPostgresLedger(db DB) *PostgresLedger { return &PostgresLedger{db: db} }

// Migrate creates the ledger table when it does not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	for _, stmt := range []string{PostgresSchema, postgresConfirmedColumn} {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("credits ledger: migrate: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, key string) (Outcome, bool, error) {
	var (
		kind    int16
		reason  string
		credits int64
	)
	err := l.db.QueryRow(ctx, qLedgerGet, key).Scan(&kind, &reason, &credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("credits ledger: get %s: %w", key, err)
	}
	return Outcome{Kind: OutcomeKind(kind), Reason: reason, Credits: uint64(credits)}, true, nil
}

func (l *PostgresLedger) PutIfAbsent(ctx context.Context, key string, o Outcome) (Outcome, error) {
	if _, err := l.db.Exec(ctx, qLedgerInsert, key, int16(o.Kind), o.Reason, int64(o.Credits)); err != nil {
		return Outcome{}, fmt.Errorf("credits ledger: put %s: %w", key, err)
	}
	stored, ok, err := l.Get(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("credits ledger: put %s: row missing after insert", key)
	}
	return stored, nil
}

// Confirm sets confirmed_at once. When no row changes the stored outcome is
// read to tell a repeat from a missing or unapproved charge.
func (l *PostgresLedger) Confirm(ctx context.Context, key string) (bool, error) {
	tag, err := l.db.Exec(ctx, qLedgerConfirm, key, int16(OutcomeApproved))
	if err != nil {
		return false, fmt.Errorf("credits ledger: confirm %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	stored, ok, err := l.Get(ctx, key)
	switch {
	case err != nil:
		return false, err
	case !ok:
		return false, fmt.Errorf("%w: %s", ErrChargeNotFound, key)
	case !stored.Approved():
		return false, fmt.Errorf("%w: %s is %s", ErrNotApproved, key, stored.Kind)
	}
	return false, nil
}
