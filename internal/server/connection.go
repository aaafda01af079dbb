package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferExceeded   = errors.New("connection buffer exceeded")
)

// connection wraps a websocket and serialises outbound writes through a
// buffered channel. The send channel is never closed; done ends the writer.
type connection struct {
	ID       string
	ViewerID string

	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func newConnection(viewerID string, ws *websocket.Conn) *connection {
	return &connection{
		ID:       uuid.NewString(),
		ViewerID: viewerID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *connection) Start(ctx context.Context) {
	go c.writeLoop(ctx)
}

// Send enqueues payload. A client too slow to drain its buffer is
// disconnected.
func (c *connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case <-c.done:
		return errConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.StatusPolicyViolation, "send buffer full")
		return errBufferExceeded
	}
}

// Close terminates the connection and stops the write loop.
func (c *connection) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go c.ws.Close(code, reason)
	})
}

func (c *connection) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *connection) write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, payload)
}
