package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/pipeline"
	"github.com/gregtusar/tradepipe/pkg/stream"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Hub fans finished runs out to websocket subscribers. A subscriber that
// cannot keep up is dropped rather than slowing the pipeline.
type Hub struct {
	mu       sync.Mutex
	clients  map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

type subscriber struct {
	conn *websocket.Conn
	send chan stream.Message
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// PublishRun is a pipeline.Observer.
func (h *Hub) PublishRun(res *pipeline.RunResult) {
	msg, err := stream.NewMessage(stream.TypeRun, res)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode run result")
		return
	}
	h.Broadcast(msg)
}

func (h *Hub) Broadcast(msg stream.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("Dropping slow stream subscriber")
			delete(h.clients, sub)
			close(sub.send)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan stream.Message, sendBuffer)}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	h.readLoop(sub)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
}

// readLoop only drains control frames; subscribers never send data.
func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.remove(sub)
		sub.conn.Close()
	}()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
