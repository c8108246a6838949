// File: internal/monitor/hub.go
package monitor

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
	// CancelReply aborts the task when sent as an ask_user reply.
	CancelReply = ":cancel"
)

// Event types pushed to clients.
const (
	EventStep     = "step"
	EventFinish   = "finish"
	EventQuestion = "question"
	EventAnswer   = "answer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitor binds to an operator-chosen address and carries no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message on the /ws stream.
type Event struct {
	Type      string                  `json:"type"`
	TaskID    string                  `json:"task_id,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
	Text      string                  `json:"text,omitempty"`
	Step      *schemas.TrajectoryStep `json:"step,omitempty"`
	Summary   *schemas.Summary        `json:"summary,omitempty"`
	Time      time.Time               `json:"time"`
}

// InteractionRequest is what a client sends to answer an ask_user question.
type InteractionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Reply     string `json:"reply"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump forwards client replies to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}
		var req InteractionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Warn("Ignoring malformed client message", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		c.hub.deliver(req, c.id)
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
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

// pendingQuestion is an ask_user waiting for a websocket reply.
type pendingQuestion struct {
	id    string
	reply chan string
}

// Hub fans task events out to websocket clients and collects ask_user
// replies from them. It implements agent.EventSink and schemas.PromptHandler.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	connected atomic.Int32

	mu      sync.Mutex
	pending *pendingQuestion
}

// NewHub creates a Hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger.Named("monitor"),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run serves client registration and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("Monitor hub started.")
	defer func() {
		close(h.done)
		h.logger.Debug("Monitor hub stopped.")
	}()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.connected.Store(0)
			return
		case client := <-h.register:
			h.clients[client] = true
			h.connected.Store(int32(len(h.clients)))
			h.logger.Info("Monitor client connected.", zap.String("client_id", client.id))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.connected.Store(int32(len(h.clients)))
				h.logger.Info("Monitor client disconnected.", zap.String("client_id", client.id))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.connected.Store(int32(len(h.clients)))
		}
	}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Publish queues an event for every connected client. It never blocks; when
// the queue is full the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal monitor event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Monitor queue full, dropping event", zap.String("type", ev.Type))
	}
}

// OnStep publishes a recorded step.
func (h *Hub) OnStep(taskID string, step schemas.TrajectoryStep) {
	h.Publish(Event{Type: EventStep, TaskID: taskID, Step: &step})
}

// OnFinish publishes the task summary.
func (h *Hub) OnFinish(summary schemas.Summary) {
	h.Publish(Event{Type: EventFinish, TaskID: summary.TaskID, Summary: &summary})
}

// PromptUser publishes the question and waits for the first client reply.
func (h *Hub) PromptUser(ctx context.Context, question string) (string, error) {
	q := &pendingQuestion{id: uuid.New().String(), reply: make(chan string, 1)}
	h.mu.Lock()
	h.pending = q
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.pending == q {
			h.pending = nil
		}
		h.mu.Unlock()
	}()

	h.Publish(Event{Type: EventQuestion, RequestID: q.id, Text: question})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text := <-q.reply:
		if strings.TrimSpace(text) == CancelReply {
			return "", schemas.ErrUserCancelled
		}
		return text, nil
	}
}

// Notify publishes an answer for the user.
func (h *Hub) Notify(_ context.Context, text string) error {
	h.Publish(Event{Type: EventAnswer, Text: text})
	return nil
}

// deliver hands a client reply to the waiting question, if any.
func (h *Hub) deliver(req InteractionRequest, clientID string) {
	h.mu.Lock()
	q := h.pending
	h.mu.Unlock()
	if q == nil || (req.RequestID != "" && req.RequestID != q.id) {
		h.logger.Debug("Ignoring reply with no matching question",
			zap.String("client_id", clientID),
			zap.String("request_id", req.RequestID))
		return
	}
	select {
	case q.reply <- req.Reply:
		h.logger.Info("Received reply via WebSocket.", zap.String("client_id", clientID), zap.String("request_id", q.id))
	default:
	}
}

// HandleWS upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "monitor stopped", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
