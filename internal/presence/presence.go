// Package presence tracks which sessions are currently looking at which
// document. Nothing here is persisted: a restart empties every room.
package presence

// Presence is the live state of one connected session on a document.
// Cursor coordinates start at (0, 0) until the session moves its cursor.
type Presence struct {
	Username  string `json:"username"`
	UserID    string `json:"userId"`
	CursorRow int    `json:"cursorRow"`
	CursorCol int    `json:"cursorCol"`
	Color     string `json:"color"`
}
