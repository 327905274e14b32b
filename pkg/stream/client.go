package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
)

// client is a single authenticated WebSocket connection.
//
// pending is accessed only under mu; every other field is written once
// during the handshake and read-only afterwards, except lastSeen which is
// owned by the heartbeat loop and the read loop.
type client struct {
	id          string
	conn        *websocket.Conn
	resumeToken string
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  []*bus.Message // batch buffer, nil when batching is off
	flushing bool

	lastSeen time.Time
}

// send writes one message frame with a write timeout. Socket errors are
// returned to the caller, which marks the client for disconnect.
func (c *client) send(m *bus.Message, writeTimeout time.Duration) error {
	data, err := m.ToWire()
	if err != nil {
		return err
	}
	return c.sendRaw(data, writeTimeout)
}

func (c *client) sendRaw(data []byte, writeTimeout time.Duration) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// enqueueBatch appends a message to the client's batch buffer and reports
// whether a flush is already scheduled.
func (c *client) enqueueBatch(m *bus.Message) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, m)
	if c.flushing {
		return false
	}
	c.flushing = true
	return true
}

// takePending removes and returns the buffered messages in order.
func (c *client) takePending() []*bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	c.flushing = false
	return pending
}
