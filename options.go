package studysync

import (
	"time"
)

// Options configures the sync engines. The zero value is usable; Normalize
// fills in defaults.
type Options struct {
	// BatchSize is the record count per push batch and per pull page.
	BatchSize int

	// Budget is the shared wall-clock deadline for one engine run. It is
	// checked before each phase, batch, and page; an already-in-flight
	// network call may overrun it.
	Budget time.Duration

	// DriftThreshold is the number of consecutive fully-invalid pull pages
	// that trips the schema-drift circuit breaker.
	DriftThreshold int

	// BlockTTL is the cooldown persisted with a schema-drift block.
	BlockTTL time.Duration

	// AutoSyncInterval drives the periodic background sync when
	// StartAutoSync is used. Zero disables it.
	AutoSyncInterval time.Duration
}

// Normalize returns opts with defaults applied.
func (o Options) Normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Budget <= 0 {
		o.Budget = 5 * time.Second
	}
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = 3
	}
	if o.BlockTTL <= 0 {
		o.BlockTTL = 15 * time.Minute
	}
	return o
}
