package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tracelock/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite database file. It is
// the CLI and offline-fixture backend, grounded on the teacher's
// pkg/store/receipt_store_sqlite.go migrate-on-open pattern.
//
// SQLite has no row-level locking primitive that survives a single
// process, so per-session exclusive access is provided by an in-process
// mutex keyed by session_id, same as MemoryStore — this is appropriate
// because SQLite itself only supports one writer at a time regardless,
// so there is no concurrency to exploit by skipping it.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewSQLiteStore wraps an already-open *sql.DB and runs migrations
// (CREATE TABLE IF NOT EXISTS) on it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_sequence INTEGER NOT NULL DEFAULT -1,
			last_event_hash TEXT NOT NULL DEFAULT '',
			chain_authority TEXT NOT NULL DEFAULT '',
			drop_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			canonical_json TEXT NOT NULL,
			PRIMARY KEY (session_id, sequence_number)
		);
	`)
	return err
}

func (s *SQLiteStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	return m
}

type sqliteLock struct{ m *sync.Mutex }

func (l *sqliteLock) Release() { l.m.Unlock() }

// Abort is equivalent to Release for SQLiteStore: each AppendEvents/
// AppendDropEvent call commits its own transaction immediately, so by
// the time a caller can detect a later failure there is no pending
// write left to discard.
func (l *sqliteLock) Abort() { l.m.Unlock() }

func (s *SQLiteStore) LockSession(ctx context.Context, sessionID string, timeout time.Duration) (SessionLock, error) {
	m := s.lockFor(sessionID)
	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()
	select {
	case <-done:
		return &sqliteLock{m: m}, nil
	case <-time.After(timeout):
		go func() { <-done; m.Unlock() }()
		return nil, ErrLockTimeout
	case <-ctx.Done():
		go func() { <-done; m.Unlock() }()
		return nil, ctx.Err()
	}
}

func (s *SQLiteStore) SessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, last_sequence, last_event_hash, chain_authority, drop_count
		FROM sessions WHERE session_id = ?`, sessionID)

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

func (s *SQLiteStore) AppendEvents(ctx context.Context, sessionID string, events []*contracts.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("store: marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (session_id, sequence_number, canonical_json) VALUES (?, ?, ?)`,
			sessionID, ev.SequenceNumber, string(raw),
		); err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
	}

	last := events[len(events)-1]
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, last_sequence, last_event_hash, chain_authority, drop_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(session_id) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			last_event_hash = excluded.last_event_hash,
			chain_authority = excluded.chain_authority,
			status = CASE WHEN sessions.status = 'SEALED' THEN sessions.status ELSE excluded.status END
	`, sessionID, contracts.SessionActive, last.SequenceNumber, last.EventHash, string(last.ChainAuthority)); err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) MarkSealed(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`,
		contracts.SessionSealed, sessionID)
	return err
}

func (s *SQLiteStore) AppendDropEvent(ctx context.Context, sessionID string, drop *contracts.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin drop tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	raw, err := json.Marshal(drop)
	if err != nil {
		return fmt.Errorf("store: marshal drop event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, sequence_number, canonical_json) VALUES (?, ?, ?)`,
		sessionID, drop.SequenceNumber, string(raw),
	); err != nil {
		return fmt.Errorf("store: insert drop event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, last_sequence, last_event_hash, chain_authority, drop_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			last_event_hash = excluded.last_event_hash,
			drop_count = sessions.drop_count + 1
	`, sessionID, contracts.SessionActive, drop.SequenceNumber, drop.EventHash, string(drop.ChainAuthority)); err != nil {
		return fmt.Errorf("store: upsert session on drop: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ReadAll(ctx context.Context, sessionID string) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_json FROM events WHERE session_id = ? ORDER BY sequence_number ASC`, sessionID)
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
