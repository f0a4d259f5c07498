package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"

	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/cursor"
	"github.com/quizlight/studysync/record"
)

const (
	opGetCursor syncErrors.Operation = "sqlite.GetCursor"
	opSetCursor syncErrors.Operation = "sqlite.SetCursor"
)

// GetCursor returns the stored pull cursor for (entity, identity), or the
// zero cursor when no pull has completed yet.
func (s *Store) GetCursor(ctx context.Context, entity record.Entity, identityID string) (cursor.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return cursor.Cursor{}, err
	}

	var c cursor.Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT position, tiebreak_id FROM sync_cursors WHERE entity = ? AND identity = ?`,
		string(entity), identityID).Scan(&c.Position, &c.TiebreakID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return cursor.Zero(), nil
	}
	if err != nil {
		return cursor.Cursor{}, syncErrors.WrapOpComponent(err, opGetCursor, "storage/sqlite")
	}

	// Stored state predating the ULID check is normalized on read.
	c, substituted := cursor.Normalize(c)
	if substituted {
		s.logger.Warn("stored cursor tiebreak was malformed, substituted sentinel",
			slog.String("entity", string(entity)),
			slog.String("identity", identityID),
		)
	}
	return c, nil
}

// SetCursor persists c for (entity, identity). The cursor only moves forward:
// a candidate at or behind the stored cursor is a no-op, so re-applying a
// cursor after a crash or a repeated page cannot rewind pull progress. A
// malformed tiebreak id is replaced with the sentinel rather than persisted.
func (s *Store) SetCursor(ctx context.Context, entity record.Entity, identityID string, c cursor.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	c, substituted := cursor.Normalize(c)
	if substituted {
		s.logger.Warn("cursor tiebreak id malformed, substituted sentinel",
			slog.String("entity", string(entity)),
			slog.String("identity", identityID),
			slog.Int64("position", c.Position),
		)
	}

	current, err := s.GetCursor(ctx, entity, identityID)
	if err != nil {
		return err
	}
	if !c.After(current) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity, identity, position, tiebreak_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity, identity) DO UPDATE SET
			position = excluded.position,
			tiebreak_id = excluded.tiebreak_id`,
		string(entity), identityID, c.Position, c.TiebreakID)
	return syncErrors.WrapOpComponent(err, opSetCursor, "storage/sqlite")
}
