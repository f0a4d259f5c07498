package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/record"
)

const (
	opGetBlock   syncErrors.Operation = "sqlite.GetBlock"
	opSetBlock   syncErrors.Operation = "sqlite.SetBlock"
	opClearBlock syncErrors.Operation = "sqlite.ClearBlock"
)

// BlockReasonSchemaDrift is set when consecutive fully-invalid pull pages
// cross the drift threshold. It does not self-heal without intervention, so
// it is the one block reason surfaced to the user in detail.
const BlockReasonSchemaDrift = "schema_drift"

// BlockState is the circuit-breaker flag for one (entity, identity) pair.
// While unexpired, no sync attempt may run for that pair.
type BlockState struct {
	Reason    string
	BlockedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the cooldown has elapsed at time now.
func (b BlockState) Expired(now time.Time) bool {
	return !now.Before(b.BlockedAt.Add(b.TTL))
}

// GetBlock returns the active block for (entity, identity). Expiry is
// computed lazily against the current clock; an expired row is reported as
// absent but never evicted.
func (s *Store) GetBlock(ctx context.Context, entity record.Entity, identityID string) (BlockState, bool, error) {
	if err := s.checkOpen(); err != nil {
		return BlockState{}, false, err
	}

	var reason string
	var blockedAt, ttlMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT reason, blocked_at, ttl_ms FROM sync_blocks WHERE entity = ? AND identity = ?`,
		string(entity), identityID).Scan(&reason, &blockedAt, &ttlMs)
	if stderrors.Is(err, sql.ErrNoRows) {
		return BlockState{}, false, nil
	}
	if err != nil {
		return BlockState{}, false, syncErrors.WrapOpComponent(err, opGetBlock, "storage/sqlite")
	}

	block := BlockState{
		Reason:    reason,
		BlockedAt: time.UnixMilli(blockedAt),
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}
	if block.Expired(s.now()) {
		return BlockState{}, false, nil
	}
	return block, true, nil
}

// SetBlock persists a circuit-breaker block for (entity, identity),
// replacing any previous block for the pair.
func (s *Store) SetBlock(ctx context.Context, entity record.Entity, identityID, reason string, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	blockedAt := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_blocks (entity, identity, reason, blocked_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity, identity) DO UPDATE SET
			reason = excluded.reason,
			blocked_at = excluded.blocked_at,
			ttl_ms = excluded.ttl_ms`,
		string(entity), identityID, reason, blockedAt, ttl.Milliseconds())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSetBlock, "storage/sqlite")
	}

	s.logger.Warn("sync blocked",
		slog.String("entity", string(entity)),
		slog.String("identity", identityID),
		slog.String("reason", reason),
		slog.Duration("ttl", ttl),
	)
	return nil
}

// ClearBlock removes any block for (entity, identity). This is the recovery
// path for schema-drift blocks, typically driven by an app refresh.
func (s *Store) ClearBlock(ctx context.Context, entity record.Entity, identityID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_blocks WHERE entity = ? AND identity = ?`,
		string(entity), identityID)
	return syncErrors.WrapOpComponent(err, opClearBlock, "storage/sqlite")
}
