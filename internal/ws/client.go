package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/collab"
	"github.com/manpreetbhatti/cellsync/internal/protocol"
	"github.com/manpreetbhatti/cellsync/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	maxRateLimitViolations = 1000
)

// Handler consumes the collaboration events read off a connection.
// Disconnect is called exactly once per connection, after the last event.
type Handler interface {
	Join(sess collab.Session, documentID string)
	MoveCursor(sess collab.Session, documentID string, move collab.CursorMove)
	EditCell(sess collab.Session, documentID string, msg collab.CellUpdateMessage)
	Disconnect(sessionID string)
}

// IdentityResolver authenticates the upgrade request. A nil identity
// still connects, but its events are ignored downstream.
type IdentityResolver interface {
	Resolve(r *http.Request) *collab.Identity
}

type Config struct {
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Server upgrades HTTP requests into collaboration sessions.
type Server struct {
	hub        *Hub
	handler    Handler
	identities IdentityResolver
	config     Config
	upgrader   websocket.Upgrader
}

func NewServer(hub *Hub, handler Handler, identities IdentityResolver, config Config) *Server {
	s := &Server{
		hub:        hub,
		handler:    handler,
		identities: identities,
		config:     config,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type Client struct {
	hub     *Hub
	handler Handler
	conn    *websocket.Conn
	send    chan []byte
	session collab.Session
	limiter *ratelimit.Limiter

	// Document the client is subscribed to; guarded by hub.mu
	document string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *collab.Identity
	if s.identities != nil {
		identity = s.identities.Resolve(r)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Upgrade error")
		return
	}

	client := &Client{
		hub:     s.hub,
		handler: s.handler,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		session: collab.Session{ID: uuid.NewString(), Identity: identity},
		limiter: ratelimit.NewLimiter(s.config.MessagesPerSecond, s.config.MessageBurst),
	}

	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// Events from one connection are handled one at a time, in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.handler.Disconnect(c.session.ID)
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session", c.session.ID).Msg("WebSocket error")
			}
			return
		}

		if !c.limiter.Allow() {
			violations := c.limiter.Violations()
			if violations%100 == 1 {
				log.Warn().Str("session", c.session.ID).Int("violations", violations).Msg("Rate limit exceeded")
			}
			if violations > maxRateLimitViolations {
				log.Warn().Str("session", c.session.ID).Msg("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		req, err := protocol.ParseRequest(message)
		if err != nil {
			log.Debug().Err(err).Str("session", c.session.ID).Msg("Invalid frame")
			continue
		}
		c.dispatch(req)
	}
}

func (c *Client) dispatch(req protocol.Request) {
	switch req.Type {
	case protocol.RequestJoin:
		if c.session.Identity != nil {
			c.hub.subscribe(c, req.Document)
		}
		c.handler.Join(c.session, req.Document)

	case protocol.RequestCursor:
		var move collab.CursorMove
		if err := req.DecodePayload(&move); err != nil {
			log.Debug().Err(err).Str("session", c.session.ID).Msg("Invalid cursor payload")
			return
		}
		c.handler.MoveCursor(c.session, req.Document, move)

	case protocol.RequestCell:
		var msg collab.CellUpdateMessage
		if err := req.DecodePayload(&msg); err != nil {
			log.Debug().Err(err).Str("session", c.session.ID).Msg("Invalid cell payload")
			return
		}
		c.handler.EditCell(c.session, req.Document, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
