package dto

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// CursorEntry remembers the last merged record a page ended on so the next
// page can resume the merge filter precisely.
type CursorEntry struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	SortKey int64  `json:"sortKey"`
	TieKey  string `json:"tieKey"`
}

// StateCursor is the structured page cursor for the merged state feed.
// StateCursor (the field) is the id of the last automatic counter row
// consumed, used to resume the counter fetch efficiently. Legacy cursors
// were that bare id alone; DecodeStateCursor normalizes both forms.
type StateCursor struct {
	StateCursor string       `json:"stateCursor,omitempty"`
	LastEntry   *CursorEntry `json:"lastEntry,omitempty"`
}

func (c *StateCursor) Encode() string {
	raw, err := sonic.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeStateCursor accepts the structured base64-JSON form and, for
// compatibility with bookmarked pages, falls back to treating anything
// malformed as a legacy automatic-only cursor string.
func DecodeStateCursor(raw string) *StateCursor {
	if raw == "" {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return &StateCursor{StateCursor: raw}
	}

	var cur StateCursor
	if err := sonic.Unmarshal(decoded, &cur); err != nil {
		return &StateCursor{StateCursor: raw}
	}
	if cur.StateCursor == "" && cur.LastEntry == nil {
		return &StateCursor{StateCursor: raw}
	}
	return &cur
}

// EventCursor resumes the event listing after a (createdAt, id) position.
type EventCursor struct {
	CreatedAtMs int64  `json:"createdAtMs"`
	ID          string `json:"id"`
}

func (c *EventCursor) Encode() string {
	raw, err := sonic.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeEventCursor(raw string) *EventCursor {
	if raw == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var cur EventCursor
	if err := sonic.Unmarshal(decoded, &cur); err != nil {
		return nil
	}
	if cur.ID == "" {
		return nil
	}
	return &cur
}
