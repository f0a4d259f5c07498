package studysync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizlight/studysync/cursor"
	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/identity"
	"github.com/quizlight/studysync/locking"
	"github.com/quizlight/studysync/record"
	"github.com/quizlight/studysync/storage/sqlite"
)

// fakeGateway is an in-memory backend: a sorted change feed per entity and
// configurable per-record push acceptance.
type fakeGateway struct {
	mu        sync.Mutex
	feed      map[record.Entity][]record.FeedItem
	reject    map[string]bool
	pushErr   error
	pullErr   error
	pullDelay time.Duration
	pullGate  chan struct{}
	entered   sync.Once
	enteredCh chan struct{}
	upserts   int
	pulls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		feed:      make(map[record.Entity][]record.FeedItem),
		reject:    make(map[string]bool),
		enteredCh: make(chan struct{}),
	}
}

func (g *fakeGateway) serve(entity record.Entity, recs ...record.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range recs {
		body, err := json.Marshal(r)
		if err != nil {
			panic(err)
		}
		g.feed[entity] = append(g.feed[entity], record.FeedItem{Position: r.UpdatedAt, ID: r.ID, Body: body})
	}
	g.sortFeed(entity)
}

func (g *fakeGateway) serveRaw(entity record.Entity, items ...record.FeedItem) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feed[entity] = append(g.feed[entity], items...)
	g.sortFeed(entity)
}

func (g *fakeGateway) sortFeed(entity record.Entity) {
	sort.Slice(g.feed[entity], func(i, j int) bool {
		a, b := g.feed[entity][i], g.feed[entity][j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

func (g *fakeGateway) BatchUpsert(_ context.Context, _ record.Entity, records []record.Record) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserts++
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	accepted := make([]string, 0, len(records))
	for _, r := range records {
		if !g.reject[r.ID] {
			accepted = append(accepted, r.ID)
		}
	}
	return accepted, nil
}

func (g *fakeGateway) PullPage(_ context.Context, entity record.Entity, _ string, after cursor.Cursor, limit int) ([]record.FeedItem, error) {
	g.entered.Do(func() { close(g.enteredCh) })
	if g.pullGate != nil {
		<-g.pullGate
	}
	if g.pullDelay > 0 {
		time.Sleep(g.pullDelay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pulls++
	if g.pullErr != nil {
		return nil, g.pullErr
	}
	var out []record.FeedItem
	for _, it := range g.feed[entity] {
		pos := cursor.Cursor{Position: it.Position, TiebreakID: it.ID}
		if !pos.After(after) {
			continue
		}
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ Gateway = (*fakeGateway)(nil)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewWithDataSource(filepath.Join(t.TempDir(), "studysync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *sqlite.Store, gw Gateway, opts Options) *Engine {
	t.Helper()
	desc, err := record.DescriptorFor(record.EntityStudySets)
	require.NoError(t, err)
	return NewEngine(desc, store, store, store, gw, locking.NewMutex(), identity.Static("u1"), opts)
}

func studySet(id, identityID string, version int64, updatedAt int64, synced bool) record.Record {
	return record.Record{
		ID:        id,
		Identity:  identityID,
		Version:   version,
		UpdatedAt: updatedAt,
		Synced:    synced,
		Payload:   json.RawMessage(fmt.Sprintf(`{"title":"set %s","term_count":4}`, id)),
	}
}

func TestEngineRun_PushMarksOnlyAcceptedSynced(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = record.NewID()
		require.NoError(t, store.Put(ctx, record.EntityStudySets, studySet(ids[i], "u1", 1, int64(1000+i), false)))
	}
	gw.reject[ids[1]] = true
	gw.reject[ids[3]] = true

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, 2, res.Rejected)

	dirty, err := store.DirtyRecords(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	require.Len(t, dirty, 2, "rejected records stay dirty")
	assert.ElementsMatch(t, []string{ids[1], ids[3]}, []string{dirty[0].ID, dirty[1].ID})
}

func TestEngineRun_PushErrorAbortsRemainingBatches(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	gw.pushErr = syncErrors.E(syncErrors.KindServer, errors.New("upstream exploded"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record.EntityStudySets, studySet(record.NewID(), "u1", 1, 1000, false)))

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonPushError, res.Reason)
	assert.Equal(t, 0, res.Pushed)
	assert.Equal(t, 1, gw.upserts, "no in-run retry after a critical failure")
}

func TestEngineRun_PullAppliesAndAdvancesCursor(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	remote := []record.Record{
		studySet(record.NewID(), "u1", 1, 2000, true),
		studySet(record.NewID(), "u1", 1, 2001, true),
		studySet(record.NewID(), "u1", 1, 2002, true),
	}
	gw.serve(record.EntityStudySets, remote...)

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete)
	assert.Equal(t, 3, res.Pulled)
	for _, r := range remote {
		got, ok, err := store.Get(ctx, record.EntityStudySets, r.ID, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Synced, "pulled records land clean")
	}

	c, err := store.GetCursor(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	last := gw.feed[record.EntityStudySets][2]
	assert.Equal(t, cursor.Cursor{Position: last.Position, TiebreakID: last.ID}, c)

	// A second run resumes from the cursor and finds nothing new.
	res = eng.Run(ctx, "u1")
	assert.False(t, res.Incomplete)
	assert.Equal(t, 0, res.Pulled)
}

func TestEngineRun_PullPaginates(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	var remote []record.Record
	for i := 0; i < 5; i++ {
		remote = append(remote, studySet(record.NewID(), "u1", 1, int64(3000+i), true))
	}
	gw.serve(record.EntityStudySets, remote...)

	eng := newTestEngine(t, store, gw, Options{BatchSize: 2})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete)
	assert.Equal(t, 5, res.Pulled)
	assert.Equal(t, 3, gw.pulls, "two full pages plus the short final page")
}

func TestEngineRun_LocalWinnerSurvivesPull(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	id := record.NewID()
	local := studySet(id, "u1", 3, 5000, false)
	require.NoError(t, store.Put(ctx, record.EntityStudySets, local))
	gw.reject[id] = true // server keeps its copy; client must not clobber local either

	stale := studySet(id, "u1", 2, 4000, true)
	gw.serve(record.EntityStudySets, stale)

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete)
	got, ok, err := store.Get(ctx, record.EntityStudySets, id, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version, "higher local version survives")
	assert.False(t, got.Synced, "local edit stays dirty for the next push")
}

func TestEngineRun_RemoteWinnerReplacesLocal(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	id := record.NewID()
	require.NoError(t, store.Put(ctx, record.EntityStudySets, studySet(id, "u1", 1, 4000, true)))

	newer := studySet(id, "u1", 5, 6000, true)
	gw.serve(record.EntityStudySets, newer)

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.Equal(t, 1, res.Pulled)
	got, _, err := store.Get(ctx, record.EntityStudySets, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
}

func TestEngineRun_RemoteTombstoneDeletesLocal(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	id := record.NewID()
	require.NoError(t, store.Put(ctx, record.EntityStudySets, studySet(id, "u1", 1, 4000, true)))

	deletedAt := int64(7000)
	tomb := record.Record{ID: id, Identity: "u1", Version: 2, UpdatedAt: 7000, DeletedAt: &deletedAt}
	gw.serve(record.EntityStudySets, tomb)

	eng := newTestEngine(t, store, gw, Options{})
	eng.Run(ctx, "u1")

	got, ok, err := store.Get(ctx, record.EntityStudySets, id, "u1")
	require.NoError(t, err)
	require.True(t, ok, "tombstones are kept, not physically removed")
	assert.True(t, got.Deleted())
}

func TestEngineRun_InvalidRecordsSkippedCursorStillAdvances(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	good := studySet(record.NewID(), "u1", 1, 8001, true)
	gw.serve(record.EntityStudySets, good)
	badID := record.NewID()
	gw.serveRaw(record.EntityStudySets, record.FeedItem{
		Position: 8002, ID: badID, Body: json.RawMessage(`{"id":"` + badID + `","unexpected`),
	})

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Invalid)

	c, err := store.GetCursor(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.Equal(t, cursor.Cursor{Position: 8002, TiebreakID: badID}, c, "cursor moves past the invalid tail item")
}

func TestEngineRun_ConsecutiveInvalidPagesTripBlock(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	// Six undecodable items; with a page size of two that is three fully
	// invalid pages in a row.
	for i := 0; i < 6; i++ {
		id := record.NewID()
		gw.serveRaw(record.EntityStudySets, record.FeedItem{
			Position: int64(9000 + i), ID: id, Body: json.RawMessage(`"not an object"`),
		})
	}

	eng := newTestEngine(t, store, gw, Options{BatchSize: 2, DriftThreshold: 3, BlockTTL: time.Hour})
	res := eng.Run(ctx, "u1")

	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonSchemaDrift, res.Reason)
	assert.Equal(t, 6, res.Invalid)

	block, active, err := store.GetBlock(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	require.True(t, active)
	assert.Equal(t, sqlite.BlockReasonSchemaDrift, block.Reason)

	c, err := store.GetCursor(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9005), c.Position, "poison pages never wedge the feed")

	// While the block is active further runs refuse to touch the network.
	pullsBefore := gw.pulls
	res = eng.Run(ctx, "u1")
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Equal(t, pullsBefore, gw.pulls)
}

func TestEngineRun_ValidRecordResetsDriftCounter(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	addInvalid := func(pos int64) {
		gw.serveRaw(record.EntityStudySets, record.FeedItem{
			Position: pos, ID: record.NewID(), Body: json.RawMessage(`[]`),
		})
	}
	addInvalid(100)
	addInvalid(101)
	addInvalid(102)
	gw.serve(record.EntityStudySets, studySet(record.NewID(), "u1", 1, 103, true))
	addInvalid(104)
	addInvalid(105)

	eng := newTestEngine(t, store, gw, Options{BatchSize: 2, DriftThreshold: 3, BlockTTL: time.Hour})
	res := eng.Run(ctx, "u1")

	assert.False(t, res.Incomplete, "a valid record midway breaks the invalid streak")
	_, active, err := store.GetBlock(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 5, res.Invalid)
}

func TestEngineRun_ForeignIdentityRecordsNeverApplied(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	ctx := context.Background()

	leaked := studySet(record.NewID(), "someone-else", 1, 1234, true)
	gw.serve(record.EntityStudySets, leaked)

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(ctx, "u1")

	assert.Equal(t, 0, res.Pulled)
	assert.Equal(t, 1, res.Invalid)
	_, ok, err := store.Get(ctx, record.EntityStudySets, leaked.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineRun_LockContention(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	locks := locking.NewMutex()
	ctx := context.Background()

	desc, err := record.DescriptorFor(record.EntityStudySets)
	require.NoError(t, err)
	eng := NewEngine(desc, store, store, store, gw, locks, identity.Static("u1"), Options{})

	release, held, err := locks.TryAcquire(ctx, locking.Key(string(record.EntityStudySets), "u1"))
	require.NoError(t, err)
	require.True(t, held)

	res := eng.Run(ctx, "u1")
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonLockHeld, res.Reason)

	release()
	res = eng.Run(ctx, "u1")
	assert.False(t, res.Incomplete)
}

func TestEngineRun_IdentityMismatch(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	gw.serve(record.EntityStudySets, studySet(record.NewID(), "u1", 1, 1000, true))

	desc, err := record.DescriptorFor(record.EntityStudySets)
	require.NoError(t, err)
	eng := NewEngine(desc, store, store, store, gw, locking.NewMutex(), identity.Static("other-account"), Options{})

	res := eng.Run(context.Background(), "u1")
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonIdentityMismatch, res.Reason)
	assert.Equal(t, 0, gw.pulls, "no network traffic under the wrong account")
}

func TestEngineRun_DeadlineStopsBetweenPages(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	gw.pullDelay = 60 * time.Millisecond
	ctx := context.Background()

	var remote []record.Record
	for i := 0; i < 4; i++ {
		remote = append(remote, studySet(record.NewID(), "u1", 1, int64(1000+i), true))
	}
	gw.serve(record.EntityStudySets, remote...)

	eng := newTestEngine(t, store, gw, Options{BatchSize: 2, Budget: 30 * time.Millisecond})
	res := eng.Run(ctx, "u1")

	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonDeadline, res.Reason)
	assert.Equal(t, 2, res.Pulled, "the in-flight page completes and persists")
	assert.Equal(t, 1, gw.pulls, "no further page starts past the deadline")

	c, err := store.GetCursor(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), c.Position)
}

func TestEngineRun_ReportsDuration(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	gw.pullDelay = 5 * time.Millisecond

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(context.Background(), "u1")

	assert.False(t, res.Incomplete)
	assert.Greater(t, res.Duration, time.Duration(0))
}

// flakyGetStore fails a fixed number of point lookups before delegating.
type flakyGetStore struct {
	*sqlite.Store
	failGets int
}

func (s *flakyGetStore) Get(ctx context.Context, entity record.Entity, id, identityID string) (record.Record, bool, error) {
	if s.failGets > 0 {
		s.failGets--
		return record.Record{}, false, errors.New("database is locked")
	}
	return s.Store.Get(ctx, entity, id, identityID)
}

func TestEngineRun_LocalLookupFailureKeepsCursor(t *testing.T) {
	store := newTestStore(t)
	flaky := &flakyGetStore{Store: store, failGets: 1}
	gw := newFakeGateway()
	ctx := context.Background()

	remote := studySet(record.NewID(), "u1", 1, 4200, true)
	gw.serve(record.EntityStudySets, remote)

	desc, err := record.DescriptorFor(record.EntityStudySets)
	require.NoError(t, err)
	eng := NewEngine(desc, flaky, store, store, gw, locking.NewMutex(), identity.Static("u1"), Options{})

	res := eng.Run(ctx, "u1")
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonPullError, res.Reason)
	assert.Equal(t, 0, res.Pulled)

	c, err := store.GetCursor(ctx, record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.True(t, c.IsZero(), "cursor must not advance past an unmerged record")

	// Once the store recovers the record is re-fetched and applied.
	res = eng.Run(ctx, "u1")
	assert.False(t, res.Incomplete)
	assert.Equal(t, 1, res.Pulled)
	_, ok, err := store.Get(ctx, record.EntityStudySets, remote.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineRun_PullErrorKeepsCursor(t *testing.T) {
	store := newTestStore(t)
	gw := newFakeGateway()
	gw.pullErr = syncErrors.NewTransient("pull", errors.New("network blip"))

	eng := newTestEngine(t, store, gw, Options{})
	res := eng.Run(context.Background(), "u1")

	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonPullError, res.Reason)

	c, err := store.GetCursor(context.Background(), record.EntityStudySets, "u1")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}
