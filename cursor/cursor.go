// Package cursor implements the keyset pagination cursor used to track pull
// progress through the remote change feed. A cursor is a (position, tiebreak)
// pair: position is the change-stream timestamp in Unix milliseconds, the
// tiebreak is the record ULID, so ordering stays stable under concurrent
// inserts sharing a timestamp.
package cursor

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

// SentinelTiebreak is the neutral minimum tiebreak id: the zero ULID. It
// sorts before every valid ULID, so a cursor holding it never skips records.
const SentinelTiebreak = "00000000000000000000000000"

// Cursor is a position in the remote change stream. The zero value means
// "from the beginning".
type Cursor struct {
	// Position is the ordering key: change timestamp in Unix milliseconds.
	Position int64 `json:"position"`

	// TiebreakID breaks ties between records sharing a Position. Always a
	// valid ULID or the sentinel.
	TiebreakID string `json:"tiebreak_id"`
}

// Zero returns the beginning-of-stream cursor.
func Zero() Cursor {
	return Cursor{Position: 0, TiebreakID: SentinelTiebreak}
}

// IsZero reports whether c is at the beginning of the stream.
func (c Cursor) IsZero() bool {
	return c.Position == 0 && (c.TiebreakID == "" || c.TiebreakID == SentinelTiebreak)
}

// Compare returns -1, 0, or 1 ordering c against other by (position, tiebreak).
func (c Cursor) Compare(other Cursor) int {
	if c.Position != other.Position {
		if c.Position < other.Position {
			return -1
		}
		return 1
	}
	if c.TiebreakID == other.TiebreakID {
		return 0
	}
	if c.TiebreakID < other.TiebreakID {
		return -1
	}
	return 1
}

// After reports whether c is strictly after other.
func (c Cursor) After(other Cursor) bool {
	return c.Compare(other) > 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%s", c.Position, c.TiebreakID)
}

// ValidTiebreak reports whether id is a well-formed ULID (the sentinel
// included).
func ValidTiebreak(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Normalize returns c with a malformed tiebreak id replaced by the sentinel.
// It reports whether a substitution happened so the caller can log it.
// Persisting a corrupt tiebreak would poison every future keyset comparison,
// so the store never writes one.
func Normalize(c Cursor) (Cursor, bool) {
	if c.TiebreakID == "" || !ValidTiebreak(c.TiebreakID) {
		c.TiebreakID = SentinelTiebreak
		return c, true
	}
	return c, false
}

// MarshalWire encodes c for transport or persistence.
func MarshalWire(c Cursor) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalWire decodes a wire cursor, normalizing a malformed tiebreak.
func UnmarshalWire(data []byte) (Cursor, error) {
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode wire cursor: %w", err)
	}
	c, _ = Normalize(c)
	return c, nil
}
