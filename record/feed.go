package record

import (
	"fmt"

	"github.com/goccy/go-json"
)

// FeedItem is one entry of the remote change feed. The envelope fields
// (Position, ID) are delivered separately from the record body so the pull
// loop can advance its cursor past an item even when the body fails to
// decode.
type FeedItem struct {
	// Position is the item's ordering key in the change stream, Unix
	// milliseconds.
	Position int64 `json:"position"`

	// ID is the record ULID, the keyset tiebreak.
	ID string `json:"id"`

	// Body is the wire-encoded Record.
	Body json.RawMessage `json:"record"`
}

// Decode parses and validates item's body for the descriptor's entity. The
// decoded record's envelope must agree with the feed envelope, so a body
// smuggling a different id cannot corrupt keyset state.
func (d Descriptor) Decode(item FeedItem) (Record, error) {
	var rec Record
	if err := json.Unmarshal(item.Body, &rec); err != nil {
		return Record{}, fmt.Errorf("feed item %s: decode body: %w", item.ID, err)
	}
	if rec.ID != item.ID {
		return Record{}, fmt.Errorf("feed item %s: body carries id %s", item.ID, rec.ID)
	}
	if err := d.Validate(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
