package store

import (
	"context"
	"sync"
	"time"

	"github.com/tracelock/core/pkg/contracts"
)

// MemoryStore is an in-process Store, used by ingestion unit tests and
// by evidence-ingestd when STORE_DRIVER=memory. Locking is a single per-session mutex
// rather than a database row lock, but the semantics (exclusive,
// held for the whole batch, bounded by timeout) match the interface
// contract exactly.
//
// Grounded on the teacher's pkg/store/audit_store.go: a single
// package-level mutex protecting parallel maps keyed by id and by hash,
// generalized here to one mutex per session rather than one global
// mutex, since spec §5 requires cross-session concurrency with no
// shared ordering.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu     sync.Mutex
	state  SessionState
	events []*contracts.Envelope
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) sessionFor(id string) *memorySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{state: SessionState{SessionID: id, LastSequence: -1}}
		s.sessions[id] = sess
	}
	return sess
}

type memoryLock struct {
	sess *memorySession
}

func (l *memoryLock) Release() { l.sess.mu.Unlock() }

// Abort is equivalent to Release for MemoryStore: AppendEvents commits
// each call directly to sess.events with no pending transaction to
// discard, so there is nothing left to roll back by the time a caller
// can detect failure.
func (l *memoryLock) Abort() { l.sess.mu.Unlock() }

// LockSession acquires the in-process mutex for this session, bounded
// by timeout: a goroutine blocks on the mutex while the caller waits on
// it, the timeout and ctx (sync.Mutex has no native timed lock; this
// mirrors what a real DB row lock's statement_timeout achieves). When
// the caller gives up, that goroutine releases the mutex as soon as it
// obtains it, so an abandoned attempt never keeps the session locked.
func (s *MemoryStore) LockSession(ctx context.Context, sessionID string, timeout time.Duration) (SessionLock, error) {
	sess := s.sessionFor(sessionID)

	done := make(chan struct{})
	go func() {
		sess.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return &memoryLock{sess: sess}, nil
	case <-time.After(timeout):
		go func() { <-done; sess.mu.Unlock() }()
		return nil, ErrLockTimeout
	case <-ctx.Done():
		go func() { <-done; sess.mu.Unlock() }()
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) SessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	sess := s.sessionFor(sessionID)
	if sess.state.LastSequence < 0 && sess.state.Status == "" {
		return nil, ErrSessionNotFound
	}
	st := sess.state
	return &st, nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, sessionID string, events []*contracts.Envelope) error {
	sess := s.sessionFor(sessionID)
	// Atomic: copy-then-commit, no partial writes visible to readers.
	newEvents := make([]*contracts.Envelope, 0, len(events))
	newEvents = append(newEvents, sess.events...)
	newEvents = append(newEvents, events...)

	last := events[len(events)-1]
	sess.events = newEvents
	sess.state.LastSequence = int64(last.SequenceNumber)
	sess.state.LastEventHash = last.EventHash
	sess.state.ChainAuthority = last.ChainAuthority
	sess.state.HasChainAuthority = true
	if sess.state.Status == "" {
		sess.state.Status = contracts.SessionActive
	}
	return nil
}

func (s *MemoryStore) MarkSealed(ctx context.Context, sessionID string) error {
	sess := s.sessionFor(sessionID)
	sess.state.Status = contracts.SessionSealed
	return nil
}

func (s *MemoryStore) AppendDropEvent(ctx context.Context, sessionID string, drop *contracts.Envelope) error {
	sess := s.sessionFor(sessionID)
	sess.events = append(sess.events, drop)
	sess.state.LastSequence = int64(drop.SequenceNumber)
	sess.state.LastEventHash = drop.EventHash
	sess.state.DropCount++
	if sess.state.Status == "" {
		sess.state.Status = contracts.SessionActive
	}
	return nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, sessionID string) ([]*contracts.Envelope, error) {
	sess := s.sessionFor(sessionID)
	out := make([]*contracts.Envelope, len(sess.events))
	copy(out, sess.events)
	return out, nil
}
