package studysync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizlight/studysync/cursor"
	"github.com/quizlight/studysync/record"
	"github.com/quizlight/studysync/resolve"
	"github.com/quizlight/studysync/storage/sqlite"
)

// pull walks the remote change feed from the persisted cursor, merging each
// page into the local store with LWW resolution. The cursor advances after
// every page, including pages where every record failed validation, so a
// poison page can never wedge the feed. A run of fully-invalid pages trips
// the schema-drift circuit breaker instead.
func (e *Engine) pull(ctx context.Context, identityID string, deadline time.Time, result *EngineResult) {
	after, err := e.cursors.GetCursor(ctx, e.desc.Entity, identityID)
	if err != nil {
		e.logger.LogError(ctx, err, "cursor lookup failed")
		result.Incomplete = true
		if result.Reason == ReasonNone {
			result.Reason = ReasonPullError
		}
		return
	}

	invalidPages := 0
	for {
		// Pages are the cancellation unit, same as push batches: an
		// in-flight page finishes and persists before the deadline is
		// honored.
		if e.now().After(deadline) {
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonDeadline
			}
			return
		}

		items, err := e.gateway.PullPage(ctx, e.desc.Entity, identityID, after, e.opts.BatchSize)
		if err != nil {
			e.logger.LogError(ctx, err, "pull page failed",
				slog.Int64("after_position", after.Position),
				slog.String("after_id", after.TiebreakID),
			)
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPullError
			}
			return
		}
		if len(items) == 0 {
			return
		}

		valid := 0
		toApply, err := e.mergePage(ctx, identityID, items, &valid, result)
		if err != nil {
			// The page is abandoned before the cursor moves so every record
			// on it is re-fetched next run; advancing here would lose the
			// failed record forever.
			e.logger.LogError(ctx, err, "merging pulled page failed")
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPullError
			}
			return
		}

		if err := e.local.ApplyRemote(ctx, e.desc.Entity, toApply); err != nil {
			e.logger.LogError(ctx, err, "applying pulled records failed")
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPullError
			}
			return
		}
		result.Pulled += len(toApply)

		// The cursor comes from the feed envelope of the last item, never
		// from a decoded body, so even a fully-invalid page moves it
		// forward.
		last := items[len(items)-1]
		next, substituted := cursor.Normalize(cursor.Cursor{Position: last.Position, TiebreakID: last.ID})
		if substituted {
			e.logger.Warn("feed item carried malformed tiebreak id, cursor uses sentinel",
				slog.Int64("position", last.Position),
				slog.String("raw_id", last.ID),
			)
		}
		if err := e.cursors.SetCursor(ctx, e.desc.Entity, identityID, next); err != nil {
			e.logger.LogError(ctx, err, "persisting cursor failed")
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPullError
			}
			return
		}
		after = next

		if valid == 0 {
			invalidPages++
			e.logger.Warn("pull page contained no valid records",
				slog.Int("page_size", len(items)),
				slog.Int("consecutive_invalid_pages", invalidPages),
			)
			if invalidPages >= e.opts.DriftThreshold {
				// Sustained total invalidity means the server schema moved
				// ahead of this client. Stop burning quota until the block
				// expires or the app is updated.
				if err := e.blocks.SetBlock(ctx, e.desc.Entity, identityID, sqlite.BlockReasonSchemaDrift, e.opts.BlockTTL); err != nil {
					e.logger.LogError(ctx, err, "persisting schema-drift block failed")
				}
				result.Incomplete = true
				result.Reason = ReasonSchemaDrift
				return
			}
		} else {
			invalidPages = 0
		}

		if len(items) < e.opts.BatchSize {
			return
		}
	}
}

// mergePage validates and resolves one feed page, returning the remote
// records that won their conflicts and should be written locally. valid
// counts items that passed schema validation, whether or not they won. A
// local-store failure aborts the whole page: the caller must not advance
// the cursor past records that were never merged.
func (e *Engine) mergePage(ctx context.Context, identityID string, items []record.FeedItem, valid *int, result *EngineResult) ([]record.Record, error) {
	toApply := make([]record.Record, 0, len(items))
	for _, item := range items {
		remote, err := e.desc.Decode(item)
		if err != nil {
			// A record this client cannot understand is skipped, not fatal:
			// the envelope still advances the cursor, and the drift counter
			// decides whether this is noise or a schema break.
			result.Invalid++
			e.logger.Debug("skipping invalid pulled record",
				slog.String("id", item.ID),
				slog.Int64("position", item.Position),
				slog.String("error", err.Error()),
			)
			continue
		}
		*valid++

		if remote.Identity != identityID {
			// The feed is identity-scoped server-side; a foreign record here
			// is a server bug. Never write another account's data locally.
			result.Invalid++
			e.logger.Warn("pulled record belongs to another identity, skipping",
				slog.String("id", remote.ID),
				slog.Bool("security_relevant", true),
			)
			continue
		}

		local, found, err := e.local.Get(ctx, e.desc.Entity, remote.ID, identityID)
		if err != nil {
			return nil, fmt.Errorf("local lookup for record %s: %w", remote.ID, err)
		}
		if !found {
			toApply = append(toApply, remote)
			continue
		}

		decision := resolve.Resolve(e.desc, local, remote)
		if decision.Winner == resolve.WinnerRemote {
			toApply = append(toApply, decision.Merged)
		}
		// A winning local copy is left untouched; if it is dirty the next
		// push uploads it and the server resolves the same way.
	}
	return toApply, nil
}
