// Package record defines the syncable data model shared by the local store,
// the remote gateway, and the sync engine: a generic sync envelope plus the
// typed payloads of the three synced collections.
package record

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

// Entity names a synced collection.
type Entity string

const (
	EntityStudySets Entity = "study_sets"
	EntitySessions  Entity = "sessions"
	EntityReviews   Entity = "reviews"
)

// Entities lists all synced collections in no particular order; the engine
// gives no cross-entity ordering guarantee.
func Entities() []Entity {
	return []Entity{EntityStudySets, EntitySessions, EntityReviews}
}

// Record is the sync envelope every collection shares. Timestamps are Unix
// milliseconds. Deletion is a tombstone (DeletedAt set), never a physical
// removal, so deletions travel through the same change feed as updates.
type Record struct {
	// ID is the record ULID.
	ID string `json:"id"`

	// Identity is the owning principal.
	Identity string `json:"identity"`

	// Version is the monotonically increasing write counter for
	// version-bearing entities. Zero for timestamp-LWW entities.
	Version int64 `json:"version,omitempty"`

	// UpdatedAt is the logical write timestamp and the LWW key for
	// timestamp entities.
	UpdatedAt int64 `json:"updated_at"`

	// DeletedAt is the tombstone timestamp, nil for live records.
	DeletedAt *int64 `json:"deleted_at,omitempty"`

	// Synced is the local dirty flag: false until the remote confirms the
	// write. Never serialized to the wire.
	Synced bool `json:"-"`

	// Payload is the entity-specific body.
	Payload json.RawMessage `json:"payload"`
}

// Deleted reports whether r is a tombstone.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// UpdatedTime returns UpdatedAt as a time.Time.
func (r Record) UpdatedTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Descriptor describes how the engine handles one collection.
type Descriptor struct {
	// Entity is the collection name, also the gateway path segment.
	Entity Entity

	// Versioned selects the conflict rule: version counter vs. domain
	// timestamp.
	Versioned bool

	// decode parses and validates the entity payload.
	decode func(json.RawMessage) error
}

// Descriptors returns the descriptors of all synced collections.
func Descriptors() []Descriptor {
	return []Descriptor{
		{Entity: EntityStudySets, Versioned: true, decode: decodeAs[StudySetPayload]},
		{Entity: EntitySessions, Versioned: false, decode: decodeAs[SessionPayload]},
		{Entity: EntityReviews, Versioned: false, decode: decodeAs[ReviewPayload]},
	}
}

// DescriptorFor returns the descriptor for entity.
func DescriptorFor(entity Entity) (Descriptor, error) {
	for _, d := range Descriptors() {
		if d.Entity == entity {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("unknown entity %q", entity)
}

// Validate checks the envelope and the typed payload of r. It returns an
// error for a single bad record and never panics, so one unparseable record
// cannot take down a page.
func (d Descriptor) Validate(r Record) error {
	if _, err := ulid.ParseStrict(r.ID); err != nil {
		return fmt.Errorf("record id %q is not a ULID: %w", r.ID, err)
	}
	if r.Identity == "" {
		return fmt.Errorf("record %s has empty identity", r.ID)
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("record %s has invalid updated_at %d", r.ID, r.UpdatedAt)
	}
	if d.Versioned && r.Version <= 0 {
		return fmt.Errorf("record %s of versioned entity %s has version %d", r.ID, d.Entity, r.Version)
	}
	if r.DeletedAt != nil && *r.DeletedAt <= 0 {
		return fmt.Errorf("record %s has invalid deleted_at %d", r.ID, *r.DeletedAt)
	}
	// Tombstones may carry an empty payload.
	if r.Deleted() && len(r.Payload) == 0 {
		return nil
	}
	if err := d.decode(r.Payload); err != nil {
		return fmt.Errorf("record %s payload: %w", r.ID, err)
	}
	return nil
}

type validator interface {
	validate() error
}

func decodeAs[T any](raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if v, ok := any(&p).(validator); ok {
		return v.validate()
	}
	return nil
}

// StudySetPayload is the body of a study-set definition. Study sets carry a
// version counter.
type StudySetPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TermCount   int    `json:"term_count"`
	FolderID    string `json:"folder_id,omitempty"`
}

func (p *StudySetPayload) validate() error {
	if p.Title == "" {
		return fmt.Errorf("study set title is required")
	}
	if p.TermCount < 0 {
		return fmt.Errorf("term_count %d is negative", p.TermCount)
	}
	return nil
}

// SessionPayload is the body of a completed-session record. Sessions use the
// envelope UpdatedAt directly as the LWW key.
type SessionPayload struct {
	StudySetID    string `json:"study_set_id"`
	Mode          string `json:"mode"`
	StartedAt     int64  `json:"started_at"`
	EndedAt       int64  `json:"ended_at"`
	CardsReviewed int    `json:"cards_reviewed"`
	CorrectCount  int    `json:"correct_count"`
}

func (p *SessionPayload) validate() error {
	if p.StudySetID == "" {
		return fmt.Errorf("session study_set_id is required")
	}
	if p.StartedAt <= 0 || p.EndedAt < p.StartedAt {
		return fmt.Errorf("session time range [%d, %d] is invalid", p.StartedAt, p.EndedAt)
	}
	if p.CorrectCount < 0 || p.CardsReviewed < p.CorrectCount {
		return fmt.Errorf("session counts reviewed=%d correct=%d are inconsistent", p.CardsReviewed, p.CorrectCount)
	}
	return nil
}

// ReviewPayload is the spaced-repetition state of one card. Reviews use the
// envelope UpdatedAt directly as the LWW key.
type ReviewPayload struct {
	CardID       string  `json:"card_id"`
	StudySetID   string  `json:"study_set_id"`
	IntervalDays int     `json:"interval_days"`
	EaseFactor   float64 `json:"ease_factor"`
	Repetitions  int     `json:"repetitions"`
	LapseCount   int     `json:"lapse_count"`
	DueAt        int64   `json:"due_at"`
}

func (p *ReviewPayload) validate() error {
	if p.CardID == "" {
		return fmt.Errorf("review card_id is required")
	}
	if p.IntervalDays < 0 {
		return fmt.Errorf("interval_days %d is negative", p.IntervalDays)
	}
	if p.EaseFactor != 0 && p.EaseFactor < 1.3 {
		return fmt.Errorf("ease_factor %v below SM-2 floor", p.EaseFactor)
	}
	if p.Repetitions < 0 || p.LapseCount < 0 {
		return fmt.Errorf("repetition counters must be non-negative")
	}
	return nil
}

// NewID returns a fresh record ULID.
func NewID() string {
	return ulid.Make().String()
}
