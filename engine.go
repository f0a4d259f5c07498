package studysync

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizlight/studysync/cursor"
	"github.com/quizlight/studysync/identity"
	"github.com/quizlight/studysync/locking"
	"github.com/quizlight/studysync/logging"
	"github.com/quizlight/studysync/record"
	"github.com/quizlight/studysync/storage/sqlite"
)

// LocalStore is the embedded datastore surface the engine needs: the dirty
// index for push candidates, point lookups for merges, and atomic batch
// writes.
type LocalStore interface {
	DirtyRecords(ctx context.Context, entity record.Entity, identityID string) ([]record.Record, error)
	Get(ctx context.Context, entity record.Entity, id, identityID string) (record.Record, bool, error)
	MarkSynced(ctx context.Context, entity record.Entity, identityID string, ids []string) error
	ApplyRemote(ctx context.Context, entity record.Entity, records []record.Record) error
}

// CursorStore persists pull progress per (entity, identity).
type CursorStore interface {
	GetCursor(ctx context.Context, entity record.Entity, identityID string) (cursor.Cursor, error)
	SetCursor(ctx context.Context, entity record.Entity, identityID string, c cursor.Cursor) error
}

// BlockStore persists the circuit-breaker flag per (entity, identity).
type BlockStore interface {
	GetBlock(ctx context.Context, entity record.Entity, identityID string) (sqlite.BlockState, bool, error)
	SetBlock(ctx context.Context, entity record.Entity, identityID, reason string, ttl time.Duration) error
	ClearBlock(ctx context.Context, entity record.Entity, identityID string) error
}

// Gateway is the remote backend surface: batch upsert with per-record
// acceptance and the keyset-paginated change feed.
type Gateway interface {
	BatchUpsert(ctx context.Context, entity record.Entity, records []record.Record) (accepted []string, err error)
	PullPage(ctx context.Context, entity record.Entity, identityID string, after cursor.Cursor, limit int) ([]record.FeedItem, error)
}

// Engine owns push and pull for one entity collection.
type Engine struct {
	desc    record.Descriptor
	local   LocalStore
	cursors CursorStore
	blocks  BlockStore
	gateway Gateway
	locks   locking.Locker
	ids     identity.Provider
	opts    Options
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine creates the sync engine for one collection.
func NewEngine(desc record.Descriptor, local LocalStore, cursors CursorStore, blocks BlockStore, gateway Gateway, locks locking.Locker, ids identity.Provider, opts Options) *Engine {
	return &Engine{
		desc:    desc,
		local:   local,
		cursors: cursors,
		blocks:  blocks,
		gateway: gateway,
		locks:   locks,
		ids:     ids,
		opts:    opts.Normalize(),
		logger:  logging.WithComponent("engine").WithEntity(logging.Entity(desc.Entity)),
		now:     time.Now,
	}
}

// Run executes one push+pull cycle for identityID. Expected failure modes
// (lock contention, active block, deadline, backend errors) fold into
// Incomplete; Run never returns an error for them.
func (e *Engine) Run(ctx context.Context, identityID string) (result EngineResult) {
	start := e.now()
	deadline := start.Add(e.opts.Budget)
	result.Entity = e.desc.Entity
	// Named result: the defer must reach the value the caller receives.
	defer func() {
		result.Duration = e.now().Sub(start)
	}()

	release, held, err := e.locks.TryAcquire(ctx, locking.Key(string(e.desc.Entity), identityID))
	if err != nil {
		e.logger.LogError(ctx, err, "advisory lock acquisition failed")
		result.Incomplete = true
		result.Reason = ReasonLockHeld
		return result
	}
	if !held {
		// Another process or tab is syncing this pair. Benign; no log noise.
		result.Incomplete = true
		result.Reason = ReasonLockHeld
		return result
	}
	defer release()

	// A fast account switch can leave a scheduled run holding a stale
	// identity. Refuse to sync under the wrong account.
	active := e.ids.ActiveIdentity(ctx)
	if !active.Valid || active.ID != identityID {
		e.logger.Warn("identity mismatch, aborting run",
			slog.String("requested", identityID),
			slog.String("active", active.ID),
			slog.Bool("active_valid", active.Valid),
			slog.Bool("security_relevant", true),
		)
		result.Incomplete = true
		result.Reason = ReasonIdentityMismatch
		return result
	}

	if block, active, err := e.blocks.GetBlock(ctx, e.desc.Entity, identityID); err != nil {
		e.logger.LogError(ctx, err, "block state lookup failed")
		result.Incomplete = true
		result.Reason = ReasonBlocked
		return result
	} else if active {
		e.logger.Info("sync blocked, skipping run",
			slog.String("reason", block.Reason),
			slog.Time("blocked_at", block.BlockedAt),
			slog.Duration("ttl", block.TTL),
		)
		result.Incomplete = true
		result.Reason = ReasonBlocked
		return result
	}

	e.push(ctx, identityID, deadline, &result)

	// Push precedes pull so freshly-pushed state is reflected remotely
	// before we read the feed back; otherwise this run would re-download
	// its own uploads as if they were foreign.
	if !e.now().After(deadline) {
		e.pull(ctx, identityID, deadline, &result)
	} else if !result.Incomplete {
		result.Incomplete = true
		result.Reason = ReasonDeadline
	}

	e.logger.Info("engine run finished",
		slog.String("identity", identityID),
		slog.Bool("incomplete", result.Incomplete),
		slog.String("reason", string(result.Reason)),
		slog.Int("pushed", result.Pushed),
		slog.Int("pulled", result.Pulled),
		slog.Int("rejected", result.Rejected),
		slog.Int("invalid", result.Invalid),
		slog.Duration("duration", e.now().Sub(start)),
	)
	return result
}
