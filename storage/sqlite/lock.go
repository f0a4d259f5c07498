package sqlite

import (
	"context"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/locking"
)

const opTryLock syncErrors.Operation = "sqlite.TryAcquire"

// DefaultLockLease bounds how long a crashed holder can keep a lock row
// orphaned. A live holder releases long before the lease runs out.
const DefaultLockLease = 30 * time.Second

// Locker implements locking.Locker on advisory-lock rows in the store's
// database, giving cross-process (and cross-tab, when tabs share the DB
// file) mutual exclusion. Acquisition is a single INSERT racing on the
// primary key, so exactly one contender wins.
type Locker struct {
	store  *Store
	holder string
	lease  time.Duration
}

var _ locking.Locker = (*Locker)(nil)

// NewLocker creates an advisory locker on store. Each Locker has its own
// holder id, so a process re-acquiring its own expired lease is treated like
// any other contender.
func NewLocker(store *Store) *Locker {
	return &Locker{
		store:  store,
		holder: uuid.NewString(),
		lease:  DefaultLockLease,
	}
}

// TryAcquire implements locking.Locker. held=false means another holder owns
// an unexpired lease on key.
func (l *Locker) TryAcquire(ctx context.Context, key string) (locking.Release, bool, error) {
	if err := l.store.checkOpen(); err != nil {
		return nil, false, err
	}

	now := l.store.now()
	nowMs := now.UnixMilli()
	expiresMs := now.Add(l.lease).UnixMilli()

	// Insert wins the lock; on conflict, take over only an expired lease.
	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO sync_locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at <= ?`,
		key, l.holder, nowMs, expiresMs, nowMs)
	if err != nil {
		return nil, false, syncErrors.WrapOpComponent(err, opTryLock, "storage/sqlite")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, syncErrors.WrapOpComponent(err, opTryLock, "storage/sqlite")
	}
	if affected == 0 {
		return nil, false, nil
	}

	var once stdSync.Once
	release := func() {
		once.Do(func() {
			// Delete only our own row: if the lease expired and someone
			// else took over, their lock must survive our release.
			if _, err := l.store.db.Exec(
				`DELETE FROM sync_locks WHERE key = ? AND holder = ?`, key, l.holder); err != nil {
				l.store.logger.Warn("advisory lock release failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	return release, true, nil
}
