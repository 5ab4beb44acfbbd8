package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tracelock/core/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the production multi-writer Store, grounded on the
// teacher's pkg/api/postgres_idempotency.go (database/sql + lib/pq,
// parameterized queries, ON CONFLICT upserts) and pkg/database/multiregion.go
// (DSN construction, connection pooling). Exclusive per-session access is
// a real row lock (SELECT ... FOR UPDATE) held inside the transaction
// that spans the whole append_batch call, not an in-process mutex, so it
// is correct across multiple ingestion-authority processes.
type PostgresStore struct {
	db *sql.DB
}

// ConnectionConfig mirrors multiregion.go's connectDB DSN assembly.
type ConnectionConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int
}

func (c ConnectionConfig) dsn() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslmode,
	)
}

// NewPostgresStore opens a connection pool and runs migrations.
func NewPostgresStore(cfg ConnectionConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return NewPostgresStoreFromDB(db)
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB (also the entry
// point go-sqlmock-based tests use).
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_sequence BIGINT NOT NULL DEFAULT -1,
			last_event_hash TEXT NOT NULL DEFAULT '',
			chain_authority TEXT NOT NULL DEFAULT '',
			drop_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			canonical_json TEXT NOT NULL,
			PRIMARY KEY (session_id, sequence_number)
		);
	`)
	return err
}

// postgresLock holds the transaction that took out the row lock. The
// whole append_batch call rides this one transaction (mirroring the
// teacher's "hold one tx for the whole request" idiom in
// postgres_idempotency.go), so which of Release/Abort the caller invokes
// is what decides whether the batch's writes actually land: Release
// commits them, Abort rolls them all back.
type postgresLock struct {
	tx *sql.Tx
}

func (l *postgresLock) Release() { _ = l.tx.Commit() }

func (l *postgresLock) Abort() { _ = l.tx.Rollback() }

// LockSession opens a transaction and takes SELECT ... FOR UPDATE on the
// session row, creating it first if absent. The row lock is held by the
// returned transaction until Release (commit) or Abort (rollback) is
// called. AppendEvents and MarkSealed write through that transaction
// (via txFrom on the lock carried in ctx), so the batch's writes land in
// the same Postgres transaction the lock holds; SessionState and ReadAll
// read through the connection pool, and AppendDropEvent inserts the drop
// event in a transaction of its own.
func (s *PostgresStore) LockSession(ctx context.Context, sessionID string, timeout time.Duration) (SessionLock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.db.BeginTx(lockCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin lock tx: %w", err)
	}

	if _, err := tx.ExecContext(lockCtx, `
		INSERT INTO sessions (session_id, status, last_sequence)
		VALUES ($1, $2, -1)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, contracts.SessionActive); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("store: ensure session row: %w", err)
	}

	var discard string
	err = tx.QueryRowContext(lockCtx, `SELECT session_id FROM sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&discard)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("store: lock session row: %w", err)
	}

	return &postgresLock{tx: tx}, nil
}

func txFrom(lock SessionLock) (*sql.Tx, error) {
	pl, ok := lock.(*postgresLock)
	if !ok {
		return nil, errors.New("store: postgres store methods require a lock obtained from PostgresStore.LockSession")
	}
	return pl.tx, nil
}

func (s *PostgresStore) SessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, last_sequence, last_event_hash, chain_authority, drop_count
		FROM sessions WHERE session_id = $1`, sessionID)

	var status, hash, authority string
	var lastSeq int64
	var dropCount int
	if err := row.Scan(&status, &lastSeq, &hash, &authority, &dropCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: session_state query: %w", err)
	}

	return &SessionState{
		SessionID:         sessionID,
		Status:            contracts.SessionStatus(status),
		LastSequence:      lastSeq,
		LastEventHash:     hash,
		ChainAuthority:    contracts.ChainAuthority(authority),
		HasChainAuthority: authority != "",
		DropCount:         dropCount,
	}, nil
}

// AppendEvents requires ctx to carry the lock's transaction; since the
// Store interface doesn't thread a lock parameter, callers pass the
// SessionLock back in via WithLock, and AppendEvents writes through that
// lock's transaction. A ctx without a lock is an error.
func (s *PostgresStore) AppendEvents(ctx context.Context, sessionID string, events []*contracts.Envelope) error {
	lock, ok := lockFromContext(ctx)
	if !ok {
		return errors.New("store: AppendEvents requires a context from store.WithLock")
	}
	tx, err := txFrom(lock)
	if err != nil {
		return err
	}

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("store: marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (session_id, sequence_number, canonical_json) VALUES ($1, $2, $3)`,
			sessionID, ev.SequenceNumber, string(raw),
		); err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
	}

	last := events[len(events)-1]
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			last_sequence = $2,
			last_event_hash = $3,
			chain_authority = $4
		WHERE session_id = $1
	`, sessionID, last.SequenceNumber, last.EventHash, string(last.ChainAuthority)); err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}

	return nil
}

func (s *PostgresStore) MarkSealed(ctx context.Context, sessionID string) error {
	lock, ok := lockFromContext(ctx)
	if !ok {
		return errors.New("store: MarkSealed requires a context from store.WithLock")
	}
	tx, err := txFrom(lock)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET status = $2 WHERE session_id = $1`,
		sessionID, contracts.SessionSealed)
	return err
}

func (s *PostgresStore) AppendDropEvent(ctx context.Context, sessionID string, drop *contracts.Envelope) error {
	lock, ok := lockFromContext(ctx)
	if !ok {
		return errors.New("store: AppendDropEvent requires a context from store.WithLock")
	}
	tx, err := txFrom(lock)
	if err != nil {
		return err
	}

	// LOG_DROP is deliberately committed in its own localized
	// sub-transaction rather than riding the batch's outer transaction
	// (spec §4.3.1): open a fresh connection-level transaction here even
	// though the session row lock (held by the outer tx) stays in force
	// for the duration, since Postgres row locks are connection/tx scoped
	// only for the lock itself, not for unrelated writes.
	raw, err := json.Marshal(drop)
	if err != nil {
		return fmt.Errorf("store: marshal drop event: %w", err)
	}

	dropTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin drop tx: %w", err)
	}
	defer func() { _ = dropTx.Rollback() }()

	if _, err := dropTx.ExecContext(ctx,
		`INSERT INTO events (session_id, sequence_number, canonical_json) VALUES ($1, $2, $3)`,
		sessionID, drop.SequenceNumber, string(raw),
	); err != nil {
		return fmt.Errorf("store: insert drop event: %w", err)
	}

	if err := dropTx.Commit(); err != nil {
		return fmt.Errorf("store: commit drop tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			last_sequence = $2,
			last_event_hash = $3,
			drop_count = drop_count + 1
		WHERE session_id = $1
	`, sessionID, drop.SequenceNumber, drop.EventHash); err != nil {
		return fmt.Errorf("store: update session on drop: %w", err)
	}

	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, sessionID string) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_json FROM events WHERE session_id = $1 ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: read_all query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var ev contracts.Envelope
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
