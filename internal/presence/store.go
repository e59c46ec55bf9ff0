package presence

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// A document room: every session currently present on one document
type room struct {
	mu       sync.Mutex
	sessions map[string]Presence

	// Set once the last session leaves. A closed room is never reused;
	// the next join for the document installs a fresh one.
	closed atomic.Bool
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Store maps (document, session) to Presence. Documents are spread over
// independently locked shards and each room carries its own lock, so work
// on one document never waits on another document's mutations.
type Store struct {
	shards [shardCount]shard

	documents atomic.Int64
	sessions  atomic.Int64
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].rooms = make(map[string]*room)
	}
	return s
}

func (s *Store) shardFor(documentID string) *shard {
	return &s.shards[xxhash.Sum64String(documentID)%shardCount]
}

func (sh *shard) get(documentID string) *room {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.rooms[documentID]
}

// Returns the live room for documentID, creating it if needed.
// The bool reports whether a new document entry was added.
func (sh *shard) getOrCreate(documentID string) (*room, bool) {
	sh.mu.RLock()
	r, ok := sh.rooms[documentID]
	sh.mu.RUnlock()
	if ok && !r.closed.Load() {
		return r, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok = sh.rooms[documentID]
	if ok && !r.closed.Load() {
		return r, false
	}

	// A closed room still in the map is replaced in place; its remover
	// will see the pointer changed and leave the document count alone.
	r = &room{sessions: make(map[string]Presence)}
	sh.rooms[documentID] = r
	return r, !ok
}

// Add registers (or replaces) the presence for a session on a document.
func (s *Store) Add(documentID, sessionID string, p Presence) {
	sh := s.shardFor(documentID)
	for {
		r, created := sh.getOrCreate(documentID)
		if created {
			s.documents.Add(1)
		}

		r.mu.Lock()
		if r.closed.Load() {
			// Lost a race with the last leaver; retry against a new room.
			r.mu.Unlock()
			continue
		}
		if _, exists := r.sessions[sessionID]; !exists {
			s.sessions.Add(1)
		}
		r.sessions[sessionID] = p
		r.mu.Unlock()
		return
	}
}

// Remove drops a session from a document. Removing an absent session is a
// no-op. When the last session leaves, the document entry is deleted.
func (s *Store) Remove(documentID, sessionID string) bool {
	sh := s.shardFor(documentID)
	r := sh.get(documentID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	s.sessions.Add(-1)
	empty := len(r.sessions) == 0
	if empty {
		r.closed.Store(true)
	}
	r.mu.Unlock()

	if empty {
		sh.mu.Lock()
		if sh.rooms[documentID] == r {
			delete(sh.rooms, documentID)
			s.documents.Add(-1)
		}
		sh.mu.Unlock()
	}
	return true
}

// Get returns a point-in-time copy of the document's sessions. The map is
// owned by the caller.
func (s *Store) Get(documentID string) map[string]Presence {
	r := s.shardFor(documentID).get(documentID)
	if r == nil {
		return map[string]Presence{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]Presence, len(r.sessions))
	for id, p := range r.sessions {
		snapshot[id] = p
	}
	return snapshot
}

// UpdateCursor moves a session's cursor in place and returns the updated
// presence. It reports false when the session is not on the document.
func (s *Store) UpdateCursor(documentID, sessionID string, row, col int) (Presence, bool) {
	r := s.shardFor(documentID).get(documentID)
	if r == nil {
		return Presence{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[sessionID]
	if !ok {
		return Presence{}, false
	}
	p.CursorRow = row
	p.CursorCol = col
	r.sessions[sessionID] = p
	return p, true
}

// Documents returns the number of documents with at least one session.
func (s *Store) Documents() int {
	return int(s.documents.Load())
}

// Sessions returns the number of sessions across all documents.
func (s *Store) Sessions() int {
	return int(s.sessions.Load())
}

// ActiveDocuments returns the session count for every live document.
func (s *Store) ActiveDocuments() map[string]int {
	result := make(map[string]int)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		rooms := make(map[string]*room, len(sh.rooms))
		for id, r := range sh.rooms {
			rooms[id] = r
		}
		sh.mu.RUnlock()

		for id, r := range rooms {
			r.mu.Lock()
			if n := len(r.sessions); n > 0 {
				result[id] = n
			}
			r.mu.Unlock()
		}
	}
	return result
}
