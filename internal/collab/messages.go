package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manpreetbhatti/cellsync/internal/presence"
)

const (
	ActionJoined     = "joined"
	ActionLeft       = "left"
	ActionCursorMove = "cursor_move"
)

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   string
	Username string
}

// Session is one connected client instance. Identity is nil when the
// transport could not authenticate the connection.
type Session struct {
	ID       string
	Identity *Identity
}

// UserPresenceMessage is broadcast on joined, left and cursor_move.
// Presence is nil for left.
type UserPresenceMessage struct {
	Action   string             `json:"action"`
	Username string             `json:"username"`
	Presence *presence.Presence `json:"presence"`
}

// CursorMove is the inbound cursor payload.
type CursorMove struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// CellUpdateMessage is both the inbound edit and the broadcast. Username
// and Timestamp are always assigned by the server.
type CellUpdateMessage struct {
	SheetID   DocumentRef `json:"sheetId"`
	Row       int         `json:"row"`
	Col       int         `json:"col"`
	Value     string      `json:"value"`
	Formula   string      `json:"formula,omitempty"`
	Username  string      `json:"username"`
	Timestamp int64       `json:"timestamp"`
}

// DocumentRef is a document id that clients may send as a JSON number or
// string. It always encodes as a string.
type DocumentRef string

func (d *DocumentRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = DocumentRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("document ref: %w", err)
	}
	*d = DocumentRef(n.String())
	return nil
}

// CellEdit is what the router hands to the audit sink after a broadcast.
type CellEdit struct {
	DocumentID string
	UserID     string
	Row        int
	Col        int
	NewValue   string
	Formula    string
	At         time.Time
}
