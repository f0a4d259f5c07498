package studysync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quizlight/studysync/identity"
	"github.com/quizlight/studysync/locking"
	"github.com/quizlight/studysync/logging"
	"github.com/quizlight/studysync/record"
	"github.com/quizlight/studysync/storage/sqlite"
)

// Deps bundles the collaborators the orchestrator wires into each entity
// engine.
type Deps struct {
	Local    LocalStore
	Cursors  CursorStore
	Blocks   BlockStore
	Gateway  Gateway
	Locks    locking.Locker
	Identity identity.Provider
}

// Orchestrator coordinates one engine per entity collection. At most one
// Synchronize runs at a time per orchestrator; concurrent calls are refused,
// not queued.
type Orchestrator struct {
	engines []*Engine
	blocks  BlockStore
	ids     identity.Provider
	opts    Options
	logger  *logging.Logger
	now     func() time.Time

	running atomic.Bool

	mu        sync.Mutex
	listeners []func(Outcome)
	autoStop  context.CancelFunc
	autoDone  chan struct{}
}

// New builds an orchestrator covering every known entity collection.
func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.Normalize()
	descs := record.Descriptors()
	engines := make([]*Engine, 0, len(descs))
	for _, d := range descs {
		engines = append(engines, NewEngine(d, deps.Local, deps.Cursors, deps.Blocks, deps.Gateway, deps.Locks, deps.Identity, opts))
	}
	return &Orchestrator{
		engines: engines,
		blocks:  deps.Blocks,
		ids:     deps.Identity,
		opts:    opts,
		logger:  logging.WithComponent("orchestrator"),
		now:     time.Now,
	}
}

// Synchronize runs one full push+pull cycle for identityID across all entity
// collections concurrently. Engines are independent: one collection failing
// or being blocked never stops the others.
func (o *Orchestrator) Synchronize(ctx context.Context, identityID string) Outcome {
	start := o.now()
	out := Outcome{
		PerEntity: make(map[record.Entity]EngineResult, len(o.engines)),
		StartTime: start,
	}

	if identityID == "" {
		o.logger.Warn("synchronize called without an identity")
		out.Status = StatusFailed
		out.Duration = o.now().Sub(start)
		return out
	}

	if !o.running.CompareAndSwap(false, true) {
		out.Status = StatusAlreadyRunning
		out.Duration = o.now().Sub(start)
		return out
	}
	defer o.running.Store(false)

	logger := o.logger.WithRun(uuid.NewString())

	logger.Info("synchronize started",
		slog.String("identity", identityID),
		slog.Int("entities", len(o.engines)),
	)

	results := make([]EngineResult, len(o.engines))
	g, gctx := errgroup.WithContext(ctx)
	for i, eng := range o.engines {
		g.Go(func() (err error) {
			// Run folds every expected failure into its result; a panic is
			// the only way an engine run can fail unexpectedly.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("engine %s panicked: %v\n%s", eng.desc.Entity, r, debug.Stack())
				}
			}()
			results[i] = eng.Run(gctx, identityID)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.LogError(ctx, err, "synchronize failed unexpectedly")
		out.Status = StatusFailed
	} else {
		out.Status = StatusSuccess
		for _, r := range results {
			if r.Incomplete {
				out.Status = StatusPartial
				break
			}
		}
	}
	for _, r := range results {
		if r.Entity != "" {
			out.PerEntity[r.Entity] = r
		}
	}
	out.Duration = o.now().Sub(start)

	logger.Info("synchronize finished",
		slog.String("identity", identityID),
		slog.String("status", string(out.Status)),
		slog.Duration("duration", out.Duration),
	)

	o.notify(out)
	return out
}

// Subscribe registers fn to be called with the outcome of every Synchronize.
// Callbacks run synchronously at the end of the cycle, on the caller's
// goroutine.
func (o *Orchestrator) Subscribe(fn func(Outcome)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) notify(out Outcome) {
	o.mu.Lock()
	listeners := make([]func(Outcome), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(out)
	}
}

// SyncState reports the coarse sync status for identityID, plus per-entity
// block detail when blocked. Only schema-drift blocks surface here: they
// need user-visible intervention, unlike transient failures which the next
// run absorbs.
func (o *Orchestrator) SyncState(ctx context.Context, identityID string) (SyncState, map[record.Entity]sqlite.BlockState) {
	if o.running.Load() {
		return StateSyncing, nil
	}
	blocked := make(map[record.Entity]sqlite.BlockState)
	for _, eng := range o.engines {
		block, active, err := o.blocks.GetBlock(ctx, eng.desc.Entity, identityID)
		if err != nil {
			o.logger.LogError(ctx, err, "block state lookup failed",
				slog.String("entity", string(eng.desc.Entity)),
			)
			continue
		}
		if active {
			blocked[eng.desc.Entity] = block
		}
	}
	if len(blocked) > 0 {
		return StateBlocked, blocked
	}
	return StateIdle, nil
}

// ClearBlock removes a persisted block for one entity, typically after an
// app update fixes the schema mismatch that tripped it.
func (o *Orchestrator) ClearBlock(ctx context.Context, entity record.Entity, identityID string) error {
	return o.blocks.ClearBlock(ctx, entity, identityID)
}

// StartAutoSync launches a background loop that calls Synchronize every
// AutoSyncInterval until StopAutoSync or ctx cancellation. Ticks that land
// while a sync is still running are absorbed by the already-running guard.
func (o *Orchestrator) StartAutoSync(ctx context.Context, identityID string) error {
	if o.opts.AutoSyncInterval <= 0 {
		return fmt.Errorf("auto sync disabled: interval is %v", o.opts.AutoSyncInterval)
	}

	o.mu.Lock()
	if o.autoStop != nil {
		o.mu.Unlock()
		return fmt.Errorf("auto sync already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.autoStop = cancel
	o.autoDone = done
	o.mu.Unlock()

	o.logger.Info("auto sync started",
		slog.String("identity", identityID),
		slog.Duration("interval", o.opts.AutoSyncInterval),
	)

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.opts.AutoSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				o.Synchronize(loopCtx, identityID)
			}
		}
	}()
	return nil
}

// StopAutoSync stops the background loop and waits for it to exit. Safe to
// call when the loop was never started.
func (o *Orchestrator) StopAutoSync() {
	o.mu.Lock()
	cancel, done := o.autoStop, o.autoDone
	o.autoStop, o.autoDone = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.logger.Info("auto sync stopped")
}
