// Package collab routes live collaboration events: joins, cursor moves,
// cell edits and disconnects. It keeps presence in a presence.Store and
// publishes the resulting events through a transport-supplied Publisher.
package collab

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/metrics"
	"github.com/manpreetbhatti/cellsync/internal/presence"
	"github.com/manpreetbhatti/cellsync/internal/protocol"
)

const (
	kindJoin       = "join"
	kindCursor     = "cursor"
	kindCell       = "cell"
	kindDisconnect = "disconnect"
)

// Publisher delivers router output. Both calls must return without waiting
// on any client's network I/O.
type Publisher interface {
	// Publish fans payload out on a public per-document topic.
	Publish(topic protocol.Topic, documentID string, payload any)

	// SendToUser delivers payload privately to the identity's sessions on
	// the document.
	SendToUser(userID, documentID string, payload any)
}

// ColorAllocator hands out a display color for a newly joined session.
type ColorAllocator interface {
	Pick() string
}

// AuditSink accepts committed cell edits for best-effort persistence.
// Record must not block.
type AuditSink interface {
	Record(edit CellEdit)
}

// What a session told us when it joined. Disconnect relies on it alone.
type joinedSession struct {
	documentID string
	username   string
}

type Router struct {
	store  *presence.Store
	colors ColorAllocator
	pub    Publisher
	audit  AuditSink

	// sessionID -> joinedSession
	sessions sync.Map

	now func() time.Time
}

func NewRouter(store *presence.Store, colors ColorAllocator, pub Publisher, audit AuditSink) *Router {
	return &Router{
		store:  store,
		colors: colors,
		pub:    pub,
		audit:  audit,
		now:    time.Now,
	}
}

// Join places the session on a document, privately sends it the current
// room and announces it to everyone else. A session already on another
// document leaves that one first.
func (r *Router) Join(sess Session, documentID string) {
	if sess.Identity == nil {
		log.Debug().Str("session", sess.ID).Str("document", documentID).Msg("Dropping join from unauthenticated session")
		metrics.RecordEvent(kindJoin, metrics.OutcomeDropped)
		return
	}

	if prev, ok := r.sessions.Load(sess.ID); ok && prev.(joinedSession).documentID != documentID {
		r.Disconnect(sess.ID)
	}

	p := presence.Presence{
		Username: sess.Identity.Username,
		UserID:   sess.Identity.UserID,
		Color:    r.colors.Pick(),
	}

	r.store.Add(documentID, sess.ID, p)
	r.sessions.Store(sess.ID, joinedSession{documentID: documentID, username: p.Username})
	r.syncGauges()

	// The snapshot is the joiner's only view of who was already here.
	snapshot := r.store.Get(documentID)
	delete(snapshot, sess.ID)
	r.pub.SendToUser(p.UserID, documentID, snapshot)

	r.pub.Publish(protocol.TopicPresence, documentID, UserPresenceMessage{
		Action:   ActionJoined,
		Username: p.Username,
		Presence: &p,
	})

	metrics.RecordEvent(kindJoin, metrics.OutcomeAccepted)
	log.Info().
		Str("user", p.Username).
		Str("session", sess.ID).
		Str("document", documentID).
		Int("present", len(snapshot)+1).
		Msg("User joined document")
}

// MoveCursor updates the session's cursor and broadcasts its full presence.
// Moves from sessions that never joined the document are dropped.
func (r *Router) MoveCursor(sess Session, documentID string, move CursorMove) {
	if sess.Identity == nil {
		metrics.RecordEvent(kindCursor, metrics.OutcomeDropped)
		return
	}

	p, ok := r.store.UpdateCursor(documentID, sess.ID, move.Row, move.Col)
	if !ok {
		log.Debug().Str("session", sess.ID).Str("document", documentID).Msg("Dropping cursor move for unknown session")
		metrics.RecordEvent(kindCursor, metrics.OutcomeDropped)
		return
	}

	r.pub.Publish(protocol.TopicCursors, documentID, UserPresenceMessage{
		Action:   ActionCursorMove,
		Username: sess.Identity.Username,
		Presence: &p,
	})
	metrics.RecordEvent(kindCursor, metrics.OutcomeAccepted)
}

// EditCell stamps the edit with the caller's name and the current time,
// broadcasts it, then queues it for the change log. The broadcast never
// depends on the audit outcome.
func (r *Router) EditCell(sess Session, documentID string, msg CellUpdateMessage) {
	if sess.Identity == nil {
		metrics.RecordEvent(kindCell, metrics.OutcomeDropped)
		return
	}

	now := r.now()
	msg.SheetID = DocumentRef(documentID)
	msg.Username = sess.Identity.Username
	msg.Timestamp = now.UnixMilli()

	r.pub.Publish(protocol.TopicCells, documentID, msg)
	metrics.RecordEvent(kindCell, metrics.OutcomeAccepted)

	log.Debug().
		Str("document", documentID).
		Int("row", msg.Row).
		Int("col", msg.Col).
		Str("value", msg.Value).
		Msg("Cell update")

	if r.audit == nil {
		return
	}
	// TODO: carry the previous cell value once the edit payload includes it;
	// the change log currently records new values only.
	r.audit.Record(CellEdit{
		DocumentID: documentID,
		UserID:     sess.Identity.UserID,
		Row:        msg.Row,
		Col:        msg.Col,
		NewValue:   msg.Value,
		Formula:    msg.Formula,
		At:         now,
	})
}

// Disconnect tears down whatever the session joined. It is safe to call
// more than once and for sessions that never joined.
func (r *Router) Disconnect(sessionID string) {
	v, ok := r.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	js := v.(joinedSession)

	r.store.Remove(js.documentID, sessionID)
	r.syncGauges()

	r.pub.Publish(protocol.TopicPresence, js.documentID, UserPresenceMessage{
		Action:   ActionLeft,
		Username: js.username,
	})

	metrics.RecordEvent(kindDisconnect, metrics.OutcomeAccepted)
	log.Info().
		Str("user", js.username).
		Str("session", sessionID).
		Str("document", js.documentID).
		Msg("User left document")
}

// documentOf returns the document the session is currently joined to.
func (r *Router) documentOf(sessionID string) (string, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return "", false
	}
	return v.(joinedSession).documentID, true
}

func (r *Router) syncGauges() {
	metrics.SetPresence(r.store.Documents(), r.store.Sessions())
}
