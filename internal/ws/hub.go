package ws

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/metrics"
	"github.com/manpreetbhatti/cellsync/internal/protocol"
)

// Forwarder receives every public frame published on this node, e.g. to
// relay it to other nodes.
type Forwarder interface {
	Forward(topic protocol.Topic, documentID string, frame []byte)
}

// The set of connected clients and the documents they are subscribed to
type Hub struct {
	// Every connected client
	clients map[*Client]struct{}

	// Subscribers by document
	documents map[string]map[*Client]struct{}

	forwarder Forwarder

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		documents: make(map[string]map[*Client]struct{}),
	}
}

// SetForwarder must be called before the hub starts serving clients.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarder = f
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.SetClients(n)
	log.Debug().Str("session", c.session.ID).Int("clients", n).Msg("Client connected")
}

// Removes the client and closes its send channel. Safe to call twice.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.detach(c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	metrics.SetClients(n)
	log.Debug().Str("session", c.session.ID).Int("clients", n).Msg("Client disconnected")
}

// Points the client's subscription at documentID, leaving any previous one.
func (h *Hub) subscribe(c *Client, documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	if c.document == documentID {
		return
	}
	h.detach(c)

	subs, ok := h.documents[documentID]
	if !ok {
		subs = make(map[*Client]struct{})
		h.documents[documentID] = subs
	}
	subs[c] = struct{}{}
	c.document = documentID
}

// Caller holds h.mu.
func (h *Hub) detach(c *Client) {
	if c.document == "" {
		return
	}
	if subs, ok := h.documents[c.document]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.documents, c.document)
		}
	}
	c.document = ""
}

// Publish encodes payload once and sends it to every local subscriber of
// the document, then hands it to the forwarder.
func (h *Hub) Publish(topic protocol.Topic, documentID string, payload any) {
	frame, err := protocol.EncodeFrame(topic, documentID, payload)
	if err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Str("document", documentID).Msg("Failed to encode frame")
		return
	}

	h.deliver(documentID, frame, nil)

	h.mu.RLock()
	f := h.forwarder
	h.mu.RUnlock()
	if f != nil && topic.Public() {
		f.Forward(topic, documentID, frame)
	}
}

// SendToUser delivers payload to the user's sessions subscribed to the
// document. It never leaves this node.
func (h *Hub) SendToUser(userID, documentID string, payload any) {
	frame, err := protocol.EncodeFrame(protocol.TopicUsers, documentID, payload)
	if err != nil {
		log.Error().Err(err).Str("document", documentID).Msg("Failed to encode snapshot")
		return
	}

	h.deliver(documentID, frame, func(c *Client) bool {
		return c.session.Identity != nil && c.session.Identity.UserID == userID
	})
}

// Deliver fans an already encoded frame out to local subscribers only.
func (h *Hub) Deliver(topic protocol.Topic, documentID string, frame []byte) {
	h.deliver(documentID, frame, nil)
}

func (h *Hub) deliver(documentID string, frame []byte, match func(*Client) bool) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.documents[documentID] {
		if match != nil && !match(c) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Closing send makes the write pump hang up, which in turn runs the
	// client's disconnect path.
	for _, c := range slow {
		log.Warn().Str("session", c.session.ID).Str("document", documentID).Msg("Dropping slow client")
		h.unregister(c)
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms returns subscriber counts by document.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]int, len(h.documents))
	for id, subs := range h.documents {
		rooms[id] = len(subs)
	}
	return rooms
}
