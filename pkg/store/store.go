// Package store defines the append-only persistence contract the
// ingestion authority requires (spec §4.4) and provides three
// implementations: an in-memory store for unit tests, a SQLite-backed
// store for the CLI/offline path, and a Postgres-backed store for
// production multi-writer deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tracelock/core/pkg/contracts"
)

// ErrSessionNotFound is returned by SessionState when a session has
// never been created.
var ErrSessionNotFound = errors.New("store: session not found")

// ErrLockTimeout is returned when acquiring a session's exclusive lock
// exceeds the caller-supplied timeout (spec §5: "lock timeout is a
// configurable bounded duration... maps to a retriable error").
var ErrLockTimeout = errors.New("store: session lock acquisition timed out")

// SessionState is the durable state the ingestion authority needs to
// make acceptance decisions: status, last committed sequence number and
// event hash, and the authority that has been committing to this
// session so far.
type SessionState struct {
	SessionID           string
	Status              contracts.SessionStatus
	LastSequence        int64 // -1 if no events committed yet
	LastEventHash       string
	ChainAuthority      contracts.ChainAuthority
	HasChainAuthority   bool
	DropCount           int
}

// SessionLock is held for the duration of one append_batch call (spec
// §4.3: "all steps executed under a per-session exclusive lock held for
// the entire operation"). Exactly one of Release or Abort MUST be called
// before the lock is dropped, never both.
type SessionLock interface {
	// Release finalizes the writes made under this lock and lets the
	// next caller acquire it. Call this once append_batch has fully
	// succeeded, or after a forensic LOG_DROP has been committed for a
	// rejected batch — for a backend that spans the whole batch in one
	// transaction (PostgresStore), this is the commit.
	Release()

	// Abort discards the writes made under this lock where the backend
	// is able to (PostgresStore rolls back its transaction instead of
	// committing it) and releases the lock. Backends that commit each
	// write as it happens (MemoryStore, SQLiteStore) have nothing left
	// to discard by the time Abort is called — spec §4.3/§5 atomicity
	// for those is instead guaranteed by never invoking AppendEvents
	// until every precondition that can still fail has been checked.
	Abort()
}

// Store is the append-only persistence contract spec §4.4 requires of
// any backing technology:
//   - per-event insert with an authoritative primary key (session_id, sequence_number)
//   - per-session exclusive locking for the duration of a batch
//   - no update/delete on committed events, enforced at the interface level
//   - byte-exact readback of committed canonical bytes
type Store interface {
	// LockSession acquires the per-session exclusive lock, bounded by
	// timeout. Returns ErrLockTimeout if the bound is exceeded.
	LockSession(ctx context.Context, sessionID string, timeout time.Duration) (SessionLock, error)

	// SessionState reads the current durable state of a session under
	// the caller's held lock. Returns ErrSessionNotFound if the session
	// has never had an event committed.
	SessionState(ctx context.Context, sessionID string) (*SessionState, error)

	// AppendEvents inserts events in one atomic transaction. The caller
	// must hold the session's lock. No partial writes: either all events
	// are committed or none are.
	AppendEvents(ctx context.Context, sessionID string, events []*contracts.Envelope) error

	// MarkSealed transitions a session to SEALED. It is a separate call
	// made after the CHAIN_SEAL event's AppendEvents. PostgresStore runs
	// it in the lock's transaction, so it commits together with the seal
	// insert; MemoryStore and SQLiteStore apply it as a separate write
	// after the seal insert has been committed, so the two are not
	// atomic there. The interface exposes it distinctly so the semantics
	// (append-only: this is the only state mutation the store permits
	// outside of inserting new rows) are explicit in the contract.
	MarkSealed(ctx context.Context, sessionID string) error

	// AppendDropEvent commits exactly one LOG_DROP event in its own
	// transaction (spec §4.3.1 — the one intentional deviation from
	// per-batch atomicity). The caller must still hold the session
	// lock; this is not a separate lock acquisition.
	AppendDropEvent(ctx context.Context, sessionID string, drop *contracts.Envelope) error

	// ReadAll returns every committed event for a session, in sequence
	// order, as exactly the canonical bytes that were written (spec
	// §4.4: "byte-exact readback").
	ReadAll(ctx context.Context, sessionID string) ([]*contracts.Envelope, error)
}
