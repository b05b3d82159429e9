// Package broadcast implements the websocket push channel for sync events.
package broadcast

import (
	"encoding/json"
	"net/http"

	"github.com/a6ar55/file-sync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// Client represents a connected WebSocket client.
type Client struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

// Hub manages WebSocket connections for event streaming. It uses a
// channel-based design with a single goroutine owning the clients map; a
// client whose send queue fills up is dropped so slow consumers never block
// producers.
type Hub struct {
	registerCh   chan *Client
	unregisterCh chan *Client
	broadcastCh  chan []byte
	stopCh       chan struct{}
	doneCh       chan struct{}
	logger       *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		registerCh:   make(chan *Client, 16),
		unregisterCh: make(chan *Client, 16),
		broadcastCh:  make(chan []byte, 256),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       logger,
	}
}

// Start begins the hub's event loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop shuts down the hub and disconnects all clients.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// Broadcast queues an event for delivery to every connected client. It
// never blocks; when the hub's own queue is full the event is dropped.
func (h *Hub) Broadcast(event *model.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event for broadcast", zap.Error(err))
		return
	}

	select {
	case h.broadcastCh <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			zap.String("event_id", event.EventID))
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	clients := make(map[*Client]bool)

	for {
		select {
		case client := <-h.registerCh:
			clients[client] = true
			h.logger.Debug("websocket client connected", zap.Int("clients", len(clients)))

		case client := <-h.unregisterCh:
			if clients[client] {
				delete(clients, client)
				close(client.sendCh)
			}

		case payload := <-h.broadcastCh:
			for client := range clients {
				select {
				case client.sendCh <- payload:
				default:
					// Slow client; disconnect rather than block
					delete(clients, client)
					close(client.sendCh)
					h.logger.Warn("dropping slow websocket client")
				}
			}

		case <-h.stopCh:
			for client := range clients {
				close(client.sendCh)
			}
			return
		}
	}
}

// Handler returns the http.Handler serving the /ws endpoint.
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(h.serve)
}

func (h *Hub) serve(conn *websocket.Conn) {
	client := &Client{
		conn:   conn,
		sendCh: make(chan []byte, 64),
	}
	h.registerCh <- client

	defer func() {
		select {
		case h.unregisterCh <- client:
		case <-h.stopCh:
		}
		conn.Close()
	}()

	// Reads are discarded; the stream is push-only. The read loop exists to
	// notice the peer closing.
	go func() {
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for payload := range client.sendCh {
		if err := websocket.Message.Send(conn, string(payload)); err != nil {
			return
		}
	}
}
