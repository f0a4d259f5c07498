package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizlight/studysync/record"
)

func descriptor(t *testing.T, e record.Entity) record.Descriptor {
	t.Helper()
	d, err := record.DescriptorFor(e)
	require.NoError(t, err)
	return d
}

func TestResolve_VersionedHigherVersionWins(t *testing.T) {
	d := descriptor(t, record.EntityStudySets)

	// Remote carries a higher version but an older wall-clock timestamp:
	// the version counter, not the timestamp, decides.
	local := record.Record{ID: "a", Version: 2, UpdatedAt: 2000}
	remote := record.Record{ID: "a", Version: 3, UpdatedAt: 1000}

	got := Resolve(d, local, remote)
	assert.Equal(t, WinnerRemote, got.Winner)
	assert.Equal(t, remote, got.Merged)

	// Convergence: swapping which side holds the higher version flips the
	// winner but picks the same record.
	got = Resolve(d, remote, local)
	assert.Equal(t, WinnerLocal, got.Winner)
	assert.Equal(t, remote, got.Merged)
}

func TestResolve_DeletionCarriedByWinner(t *testing.T) {
	d := descriptor(t, record.EntityStudySets)
	deletedAt := int64(1500)

	// A deletion at version 3 beats a live edit at version 2.
	local := record.Record{ID: "a", Version: 2, UpdatedAt: 2000}
	remote := record.Record{ID: "a", Version: 3, UpdatedAt: 1500, DeletedAt: &deletedAt}
	got := Resolve(d, local, remote)
	assert.Equal(t, WinnerRemote, got.Winner)
	assert.True(t, got.Merged.Deleted())

	// A stale deletion at version 2 loses to a live edit at version 3: the
	// tombstone gets no implicit priority.
	local = record.Record{ID: "a", Version: 2, UpdatedAt: 2000, DeletedAt: &deletedAt}
	remote = record.Record{ID: "a", Version: 3, UpdatedAt: 2500}
	got = Resolve(d, local, remote)
	assert.Equal(t, WinnerRemote, got.Winner)
	assert.False(t, got.Merged.Deleted())
}

func TestResolve_TimestampEntities(t *testing.T) {
	d := descriptor(t, record.EntityReviews)

	local := record.Record{ID: "r", UpdatedAt: 1000}
	remote := record.Record{ID: "r", UpdatedAt: 2000}
	assert.Equal(t, WinnerRemote, Resolve(d, local, remote).Winner)

	local = record.Record{ID: "r", UpdatedAt: 3000}
	remote = record.Record{ID: "r", UpdatedAt: 2000}
	assert.Equal(t, WinnerLocal, Resolve(d, local, remote).Winner)
}

func TestResolve_TimestampTiebreak(t *testing.T) {
	d := descriptor(t, record.EntitySessions)

	// Equal timestamps, local still dirty: local wins, the in-flight edit
	// must not be clobbered.
	local := record.Record{ID: "s", UpdatedAt: 2000, Synced: false}
	remote := record.Record{ID: "s", UpdatedAt: 2000}
	got := Resolve(d, local, remote)
	assert.Equal(t, WinnerLocal, got.Winner)

	// Equal timestamps, local already confirmed: remote wins.
	local.Synced = true
	got = Resolve(d, local, remote)
	assert.Equal(t, WinnerRemote, got.Winner)
}

func TestResolve_VersionTieUsesSyncedTiebreak(t *testing.T) {
	d := descriptor(t, record.EntityStudySets)

	local := record.Record{ID: "a", Version: 4, UpdatedAt: 100, Synced: false}
	remote := record.Record{ID: "a", Version: 4, UpdatedAt: 100}
	assert.Equal(t, WinnerLocal, Resolve(d, local, remote).Winner)

	local.Synced = true
	assert.Equal(t, WinnerRemote, Resolve(d, local, remote).Winner)
}

func TestResolve_Deterministic(t *testing.T) {
	d := descriptor(t, record.EntityReviews)
	local := record.Record{ID: "r", UpdatedAt: 123, Synced: true}
	remote := record.Record{ID: "r", UpdatedAt: 123}
	first := Resolve(d, local, remote)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Resolve(d, local, remote))
	}
}
