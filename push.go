package studysync

import (
	"context"
	"log/slog"
	"time"

	syncErrors "github.com/quizlight/studysync/errors"
)

// push uploads locally-dirty records in fixed-size batches. The server
// performs LWW resolution and reports per-record acceptance: only confirmed
// ids are marked synced, rejected records stay dirty so the pull phase
// reconciles them against the server's newer copy.
func (e *Engine) push(ctx context.Context, identityID string, deadline time.Time, result *EngineResult) {
	dirty, err := e.local.DirtyRecords(ctx, e.desc.Entity, identityID)
	if err != nil {
		e.logger.LogError(ctx, err, "loading push candidates failed")
		result.Incomplete = true
		result.Reason = ReasonPushError
		return
	}
	if len(dirty) == 0 {
		return
	}

	batchSize := e.opts.BatchSize
	for i := 0; i < len(dirty); i += batchSize {
		// Batches are the cancellation unit: the deadline is checked here,
		// never mid-batch, so already-confirmed batches always persist.
		if e.now().After(deadline) {
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonDeadline
			}
			return
		}

		end := i + batchSize
		if end > len(dirty) {
			end = len(dirty)
		}
		batch := dirty[i:end]

		accepted, err := e.gateway.BatchUpsert(ctx, e.desc.Entity, batch)
		if err != nil {
			// Critical backend failures (auth, rate limit, server error,
			// malformed request) abort the remaining batches with no
			// in-run retry; the next scheduled run retries.
			e.logger.LogError(ctx, err, "push batch failed",
				slog.Int("batch_start", i),
				slog.Int("batch_size", len(batch)),
				slog.Bool("critical", syncErrors.IsCritical(err)),
			)
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPushError
			}
			return
		}

		// One transaction per batch: a crash cannot leave server
		// acceptance half-recorded.
		if err := e.local.MarkSynced(ctx, e.desc.Entity, identityID, accepted); err != nil {
			e.logger.LogError(ctx, err, "marking accepted records synced failed")
			result.Incomplete = true
			if result.Reason == ReasonNone {
				result.Reason = ReasonPushError
			}
			return
		}

		result.Pushed += len(accepted)
		if rejected := len(batch) - len(accepted); rejected > 0 {
			result.Rejected += rejected
			e.logger.Debug("server rejected records in batch",
				slog.Int("rejected", rejected),
				slog.Int("accepted", len(accepted)),
			)
		}
	}
}
