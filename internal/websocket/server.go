// Package websocket streams flight lifecycle events to browser clients
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Message types
const (
	MessageTypeFlightEvent  = "flight_event"
	MessageTypeFilterUpdate = "filter_update" // client sets device and event filters
	MessageTypeFilterAck    = "filter_ack"    // server confirms the filters in effect
	MessageTypeError        = "error"
)

const writeWait = 10 * time.Second

// Message is a WebSocket message. DeviceID and EventType are used for
// filtering and are not sent.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	DeviceID  string `json:"-"`
	EventType string `json:"-"`
}

// MessageHandler handles client message types the server does not handle itself
type MessageHandler interface {
	HandleMessage(client *Client, messageType string, data json.RawMessage) error
}

// ClientFilters restrict what a client receives. Empty sets match everything.
type ClientFilters struct {
	Devices    map[string]bool `json:"devices,omitempty"`
	EventTypes map[string]bool `json:"event_types,omitempty"`
}

type filterUpdate struct {
	Devices    []string `json:"devices"`
	EventTypes []string `json:"event_types"`
}

// Client is one WebSocket connection
type Client struct {
	conn    *websocket.Conn
	send    chan *Message
	server  *Server
	mu      sync.Mutex
	closed  bool
	filters *ClientFilters
}

// Server fans messages out to connected clients
type Server struct {
	clients        map[*Client]bool
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *Message
	done           chan struct{}
	upgrader       websocket.Upgrader
	logger         *logger.Logger
	mu             sync.RWMutex
	messageHandler MessageHandler
}

// NewServer creates a new WebSocket server
func NewServer(log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.Named("web-socket"),
	}
}

// SetMessageHandler sets the handler for client message types other than filter updates
func (s *Server) SetMessageHandler(handler MessageHandler) {
	s.messageHandler = handler
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run runs the hub until ctx is done, then disconnects every client
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket server")
	defer close(s.done)

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			s.remove(client)
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client unregistered", logger.Int("client_count", clientCount))

		case message := <-s.broadcast:
			s.fanOut(message)

		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				s.remove(client)
			}
			s.mu.Unlock()
			s.logger.Info("WebSocket server stopped")
			return
		}
	}
}

// remove drops a client and closes its send channel; s.mu must be held
func (s *Server) remove(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	client.mu.Unlock()
}

func (s *Server) fanOut(message *Message) {
	var slow []*Client

	s.mu.RLock()
	for client := range s.clients {
		if !client.Matches(message) {
			continue
		}
		if !client.SendMessage(message) {
			slow = append(slow, client)
		}
	}
	s.mu.RUnlock()

	if len(slow) > 0 {
		s.mu.Lock()
		for _, client := range slow {
			s.remove(client)
		}
		s.mu.Unlock()
		s.logger.Warn("Dropped slow clients", logger.Int("count", len(slow)))
	}
}

// HandleConnection upgrades the request and starts the client pumps
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	s.logger.Debug("Client connected",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("user_agent", r.UserAgent()))

	client := &Client{
		conn:   conn,
		send:   make(chan *Message, 256),
		server: s,
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for every matching client. It never blocks;
// when the hub is backed up the message is dropped.
func (s *Server) Broadcast(message *Message) {
	select {
	case s.broadcast <- message:
	default:
		s.logger.Warn("Broadcast queue full, dropping message",
			logger.String("message_type", message.Type))
	}
}

// Name implements events.Sink
func (s *Server) Name() string { return "websocket" }

// Send implements events.Sink by broadcasting the event
func (s *Server) Send(_ context.Context, e tracker.Event) error {
	s.Broadcast(&Message{
		Type:      MessageTypeFlightEvent,
		Data:      e,
		DeviceID:  e.DeviceID,
		EventType: string(e.Type),
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}

		var message struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.server.logger.Debug("Failed to parse WebSocket message", logger.Error(err))
			c.SendMessage(&Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message"}})
			continue
		}

		if err := c.handle(message.Type, message.Data); err != nil {
			c.server.logger.Debug("Failed to handle WebSocket message",
				logger.Error(err),
				logger.String("type", message.Type))
			c.SendMessage(&Message{Type: MessageTypeError, Data: map[string]string{"error": err.Error()}})
		}
	}
}

func (c *Client) handle(messageType string, data json.RawMessage) error {
	if messageType == MessageTypeFilterUpdate {
		var upd filterUpdate
		if len(data) > 0 {
			if err := json.Unmarshal(data, &upd); err != nil {
				return err
			}
		}
		f := &ClientFilters{}
		if len(upd.Devices) > 0 {
			f.Devices = make(map[string]bool, len(upd.Devices))
			for _, d := range upd.Devices {
				f.Devices[d] = true
			}
		}
		if len(upd.EventTypes) > 0 {
			f.EventTypes = make(map[string]bool, len(upd.EventTypes))
			for _, t := range upd.EventTypes {
				f.EventTypes[t] = true
			}
		}
		c.UpdateFilters(f)
		c.SendMessage(&Message{Type: MessageTypeFilterAck, Data: f})
		return nil
	}
	if c.server.messageHandler != nil {
		return c.server.messageHandler.HandleMessage(c, messageType, data)
	}
	return nil
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// SendMessage queues a message for this client; false means the client is
// closed or its queue is full
func (c *Client) SendMessage(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// UpdateFilters replaces the client's filters
func (c *Client) UpdateFilters(filters *ClientFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
}

// Matches reports whether a message passes the client's filters. Messages
// not tied to a device or event type always pass.
func (c *Client) Matches(m *Message) bool {
	c.mu.Lock()
	f := c.filters
	c.mu.Unlock()
	if f == nil {
		return true
	}
	if len(f.Devices) > 0 && m.DeviceID != "" && !f.Devices[m.DeviceID] {
		return false
	}
	if len(f.EventTypes) > 0 && m.EventType != "" && !f.EventTypes[m.EventType] {
		return false
	}
	return true
}
