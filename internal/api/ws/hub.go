// Package ws streams per-event progress counters to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/observability"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/pkg/dto"
)

const (
	DefaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
	sendBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // attendee pages are served from other origins
	},
}

// Source is where the hub reads events and progress from.
type Source interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetProgress(ctx context.Context, eventID uuid.UUID) (models.ProgressCounters, error)
	SubscribeProgress(ctx context.Context, eventID uuid.UUID) (<-chan progress.Update, error)
}

type frame struct {
	data  []byte
	final bool
}

type message struct {
	eventID uuid.UUID
	frame   frame
}

// Client is one connected progress viewer.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan frame
	eventID uuid.UUID
}

// room holds the clients of one event and the tracker subscription feeding them.
type room struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

// Hub fans tracker updates out to the clients watching each event. One
// subscription is held per event while at least one client is connected.
type Hub struct {
	source    Source
	heartbeat time.Duration

	rooms      map[uuid.UUID]*room
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(source Source, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		source:     source,
		heartbeat:  heartbeat,
		rooms:      make(map[uuid.UUID]*room),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop and returns when ctx is done. Call this in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, r := range h.rooms {
				r.cancel()
				for client := range r.clients {
					close(client.send)
				}
				delete(h.rooms, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			observability.WSConnections.Inc()
			h.mu.Lock()
			r, ok := h.rooms[client.eventID]
			if !ok {
				var err error
				r, err = h.openRoom(ctx, client.eventID)
				if err != nil {
					h.mu.Unlock()
					slog.Error("subscribe progress", "event_id", client.eventID, "error", err)
					close(client.send)
					continue
				}
				h.rooms[client.eventID] = r
			}
			r.clients[client] = true
			h.mu.Unlock()
			slog.Debug("ws client connected", "event_id", client.eventID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			observability.WSConnections.Dec()
			slog.Debug("ws client disconnected", "event_id", client.eventID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			if r, ok := h.rooms[msg.eventID]; ok {
				for client := range r.clients {
					select {
					case client.send <- msg.frame:
					default:
						// Client buffer full, disconnect it.
						h.drop(client)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes the client and closes the room once it is empty. h.mu must be held.
func (h *Hub) drop(client *Client) {
	r, ok := h.rooms[client.eventID]
	if !ok {
		return
	}
	if _, ok := r.clients[client]; !ok {
		return
	}
	delete(r.clients, client)
	close(client.send)
	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, client.eventID)
	}
}

func (h *Hub) openRoom(ctx context.Context, eventID uuid.UUID) (*room, error) {
	subCtx, cancel := context.WithCancel(ctx)
	updates, err := h.source.SubscribeProgress(subCtx, eventID)
	if err != nil {
		cancel()
		return nil, err
	}
	go h.forward(subCtx, eventID, updates)
	return &room{clients: make(map[*Client]bool), cancel: cancel}, nil
}

func (h *Hub) forward(ctx context.Context, eventID uuid.UUID, updates <-chan progress.Update) {
	for u := range updates {
		typ := dto.WSTypeProgress
		if u.Counters.Finished() {
			typ = dto.WSTypeComplete
		}
		f, err := encode(typ, eventID, u.Counters)
		if err != nil {
			slog.Error("marshal ws message", "error", err)
			continue
		}
		select {
		case h.broadcast <- message{eventID: eventID, frame: f}:
		case <-ctx.Done():
			return
		}
	}
}

// Rooms returns the number of events with connected clients.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func encode(typ string, eventID uuid.UUID, c models.ProgressCounters) (frame, error) {
	msg := dto.WSMessage{Type: typ, EventID: eventID}
	if typ != dto.WSTypeHeartbeat || c != (models.ProgressCounters{}) {
		p := dto.NewProgressResponse(eventID, c)
		msg.Progress = &p
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return frame{}, err
	}
	return frame{data: data, final: typ == dto.WSTypeComplete}, nil
}

// HandleProgress upgrades the request and streams the progress of the event
// in the :id path parameter: a snapshot first, then every change, and a
// heartbeat carrying the current counters. The stream ends after the
// complete message.
func (h *Hub) HandleProgress(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.source.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counters, err := h.source.GetProgress(ctx, eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan frame, sendBuffer),
		eventID: eventID,
	}

	snap, _ := encode(dto.WSTypeSnapshot, eventID, counters)
	client.send <- snap
	if counters.Finished() {
		done, _ := encode(dto.WSTypeComplete, eventID, counters)
		client.send <- done
		close(client.send)
		go client.writePump()
		go client.drain()
		return
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

func (c *Client) write(f frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
		return err
	}
	if f.final {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"))
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(f); err != nil || f.final {
				return
			}
		case <-ticker.C:
			f, err := c.heartbeatFrame()
			if err != nil {
				slog.Warn("ws heartbeat", "event_id", c.eventID, "error", err)
				continue
			}
			if err := c.write(f); err != nil || f.final {
				return
			}
		}
	}
}

// heartbeatFrame re-reads the counters so a client that missed the final
// update still learns the batch is complete.
func (c *Client) heartbeatFrame() (frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	counters, err := c.hub.source.GetProgress(ctx, c.eventID)
	if err != nil {
		return encode(dto.WSTypeHeartbeat, c.eventID, models.ProgressCounters{})
	}
	if counters.Finished() {
		return encode(dto.WSTypeComplete, c.eventID, counters)
	}
	return encode(dto.WSTypeHeartbeat, c.eventID, counters)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.drain()
}

// drain reads until the connection fails. Incoming messages are ignored;
// reading is how a disconnect is noticed.
func (c *Client) drain() {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
