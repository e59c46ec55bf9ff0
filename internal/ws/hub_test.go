package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/cellsync/internal/collab"
	"github.com/manpreetbhatti/cellsync/internal/protocol"
)

// A client with no connection behind it, for exercising the hub directly
func newTestClient(hub *Hub, sessionID, userID string, buffer int) *Client {
	var identity *collab.Identity
	if userID != "" {
		identity = &collab.Identity{UserID: userID, Username: "name-" + userID}
	}
	return &Client{
		hub:     hub,
		send:    make(chan []byte, buffer),
		session: collab.Session{ID: sessionID, Identity: identity},
	}
}

func drain(c *Client) []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return frames
			}
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

type recordingForwarder struct {
	mu     sync.Mutex
	topics []protocol.Topic
}

func (r *recordingForwarder) Forward(topic protocol.Topic, documentID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.documents)
	assert.Equal(t, 0, hub.GetClientCount())
	assert.Empty(t, hub.GetActiveRooms())
}

func TestHubPublishReachesDocumentSubscribers(t *testing.T) {
	hub := NewHub()
	a := newTestClient(hub, "a", "u1", 8)
	b := newTestClient(hub, "b", "u2", 8)
	other := newTestClient(hub, "c", "u3", 8)
	for _, c := range []*Client{a, b, other} {
		hub.register(c)
	}
	hub.subscribe(a, "42")
	hub.subscribe(b, "42")
	hub.subscribe(other, "7")

	hub.Publish(protocol.TopicCells, "42", map[string]string{"value": "x"})

	for _, c := range []*Client{a, b} {
		frames := drain(c)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.TopicCells, frames[0].Topic)
		assert.Equal(t, "42", frames[0].Document)
	}
	assert.Empty(t, drain(other))
	assert.Equal(t, map[string]int{"42": 2, "7": 1}, hub.GetActiveRooms())
}

func TestHubSendToUserIsPrivate(t *testing.T) {
	hub := NewHub()
	tab1 := newTestClient(hub, "t1", "u1", 8)
	tab2 := newTestClient(hub, "t2", "u1", 8)
	elsewhere := newTestClient(hub, "t3", "u1", 8)
	peer := newTestClient(hub, "p", "u2", 8)
	anon := newTestClient(hub, "x", "", 8)
	for _, c := range []*Client{tab1, tab2, elsewhere, peer, anon} {
		hub.register(c)
	}
	hub.subscribe(tab1, "42")
	hub.subscribe(tab2, "42")
	hub.subscribe(elsewhere, "7")
	hub.subscribe(peer, "42")
	hub.subscribe(anon, "42")

	hub.SendToUser("u1", "42", map[string]any{})

	assert.Len(t, drain(tab1), 1)
	assert.Len(t, drain(tab2), 1)
	assert.Empty(t, drain(elsewhere))
	assert.Empty(t, drain(peer))
	assert.Empty(t, drain(anon))
}

func TestHubSubscribeMovesClient(t *testing.T) {
	hub := NewHub()
	c := newTestClient(hub, "a", "u1", 8)
	hub.register(c)

	hub.subscribe(c, "one")
	hub.subscribe(c, "two")

	assert.Equal(t, map[string]int{"two": 1}, hub.GetActiveRooms())

	hub.Publish(protocol.TopicPresence, "one", "ignored")
	assert.Empty(t, drain(c))
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := newTestClient(hub, "a", "u1", 8)
	hub.register(c)
	hub.subscribe(c, "42")

	hub.unregister(c)
	assert.NotPanics(t, func() { hub.unregister(c) })

	assert.Equal(t, 0, hub.GetClientCount())
	assert.Empty(t, hub.GetActiveRooms())

	_, open := <-c.send
	assert.False(t, open)

	// Subscribing a gone client must not resurrect it.
	hub.subscribe(c, "42")
	assert.Empty(t, hub.GetActiveRooms())
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub()
	slow := newTestClient(hub, "slow", "u1", 1)
	fast := newTestClient(hub, "fast", "u2", 8)
	hub.register(slow)
	hub.register(fast)
	hub.subscribe(slow, "42")
	hub.subscribe(fast, "42")

	hub.Publish(protocol.TopicCells, "42", "first")
	hub.Publish(protocol.TopicCells, "42", "second")

	assert.Equal(t, 1, hub.GetClientCount())
	assert.Len(t, drain(fast), 2)
	assert.Len(t, drain(slow), 1)
}

func TestHubForwardsPublicTopicsOnly(t *testing.T) {
	hub := NewHub()
	fwd := &recordingForwarder{}
	hub.SetForwarder(fwd)

	hub.Publish(protocol.TopicPresence, "42", "p")
	hub.Publish(protocol.TopicCursors, "42", "c")
	hub.SendToUser("u1", "42", "snapshot")

	assert.Equal(t, []protocol.Topic{protocol.TopicPresence, protocol.TopicCursors}, fwd.topics)
}

func TestHubDeliverDoesNotForward(t *testing.T) {
	hub := NewHub()
	fwd := &recordingForwarder{}
	hub.SetForwarder(fwd)
	c := newTestClient(hub, "a", "u1", 8)
	hub.register(c)
	hub.subscribe(c, "42")

	hub.Deliver(protocol.TopicCells, "42", []byte(`{"topic":"cells","document":"42","payload":null}`))

	assert.Len(t, drain(c), 1)
	assert.Empty(t, fwd.topics)
}

func TestHubConcurrentPublish(t *testing.T) {
	hub := NewHub()
	c := newTestClient(hub, "a", "u1", 1024)
	hub.register(c)
	hub.subscribe(c, "42")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(protocol.TopicCursors, "42", "move")
		}()
	}
	wg.Wait()

	assert.Len(t, drain(c), 100)
}
