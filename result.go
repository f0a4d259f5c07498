package studysync

import (
	"time"

	"github.com/quizlight/studysync/record"
)

// Status is the aggregate outcome of one Synchronize call.
type Status string

const (
	// StatusSuccess means every engine completed its run.
	StatusSuccess Status = "success"

	// StatusPartial means at least one engine reported incomplete. The
	// next scheduled run picks up where the incomplete engines left off.
	StatusPartial Status = "partial"

	// StatusFailed means the orchestrator itself could not start, or an
	// engine failed in a genuinely unexpected way.
	StatusFailed Status = "failed"

	// StatusAlreadyRunning means another Synchronize call was in flight on
	// this orchestrator. The second call does nothing; it is not queued.
	StatusAlreadyRunning Status = "already_running"
)

// Reason tags why an engine run ended incomplete.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonLockHeld         Reason = "lock_held"
	ReasonIdentityMismatch Reason = "identity_mismatch"
	ReasonBlocked          Reason = "blocked"
	ReasonDeadline         Reason = "deadline"
	ReasonPushError        Reason = "push_error"
	ReasonPullError        Reason = "pull_error"
	ReasonSchemaDrift      Reason = "schema_drift"
)

// EngineResult is the outcome of one entity engine run. Expected failure
// modes never surface as errors; they fold into Incomplete plus a Reason.
type EngineResult struct {
	Entity     record.Entity
	Incomplete bool
	Reason     Reason

	// Pushed counts records the server confirmed accepted.
	Pushed int
	// Pulled counts remote records written locally.
	Pulled int
	// Rejected counts pushed records the server declined; they stay dirty
	// for the pull phase to reconcile.
	Rejected int
	// Invalid counts pulled records that failed schema validation and
	// were skipped.
	Invalid int

	Duration time.Duration
}

// Outcome is the aggregate of one Synchronize call.
type Outcome struct {
	Status    Status
	PerEntity map[record.Entity]EngineResult
	StartTime time.Time
	Duration  time.Duration
}

// SyncState is the coarse user-visible sync status.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	// StateBlocked is reported only for schema-drift blocks: they do not
	// self-heal without intervention, so they are the one failure surfaced
	// in detail.
	StateBlocked SyncState = "blocked"
)
