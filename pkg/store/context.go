package store

import "context"

// lockContextKey is unexported so WithLock/lockFromContext is the only
// way to thread a SessionLock through a context.Context.
type lockContextKey struct{}

// WithLock attaches a SessionLock obtained from LockSession to ctx. The
// ingestion authority calls this once right after a successful
// LockSession and passes the resulting context to every subsequent Store
// call in that append_batch — PostgresStore uses the attached lock to
// find the transaction the row lock lives in; MemoryStore and
// SQLiteStore ignore it, since their locking is mutex-based and already
// enforced by the caller holding the lock.
func WithLock(ctx context.Context, lock SessionLock) context.Context {
	return context.WithValue(ctx, lockContextKey{}, lock)
}

func lockFromContext(ctx context.Context) (SessionLock, bool) {
	lock, ok := ctx.Value(lockContextKey{}).(SessionLock)
	return lock, ok
}
