package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type MessageHandler func(msg Message) error

// Client subscribes to a tradepipe run stream.
type Client struct {
	url      string
	token    string
	conn     *websocket.Conn
	mu       sync.Mutex
	handlers map[string]MessageHandler
	done     chan struct{}
	logger   *logrus.Logger
}

func NewClient(url, token string, logger *logrus.Logger) *Client {
	return &Client{
		url:      url,
		token:    token,
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

func (c *Client) RegisterHandler(messageType string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = handler
}

// Connect dials the stream and starts reading. Done is closed when the
// connection drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(ctx, conn, c.done)
	go c.keepAlive(ctx, conn, c.done)
	return nil
}

func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer c.handleDisconnect(conn, done)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("Failed to read websocket message")
			}
			return
		}

		c.mu.Lock()
		handler, ok := c.handlers[msg.Type]
		c.mu.Unlock()
		if ok {
			if err := handler(msg); err != nil {
				c.logger.WithError(err).Error("Handler error")
			}
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				c.logger.WithError(err).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.Close()
	if c.conn == conn {
		c.conn = nil
	}
	close(done)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
