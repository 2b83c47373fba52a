package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// ClosePolicyViolation is sent when a connection fails to authenticate.
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Transport is the raw bidirectional channel a Session runs over.
type Transport interface {
	ID() string
	// Send queues e without blocking.
	Send(e *Event) error
	// Close sends a close frame with code and reason, then tears the transport down.
	Close(code int, reason string)
	Closed() bool
}

type ConnOptions struct {
	// SendBuffer is the number of outbound events queued before the peer is considered dead.
	SendBuffer int
	// MaxMessageSize is the largest inbound frame accepted from the peer.
	MaxMessageSize int64
}

var DefaultConnOptions = ConnOptions{
	SendBuffer:     256,
	MaxMessageSize: 64 * 1024,
}

// Conn is a websocket Transport.
// Inbound frames are handed to the read callback one at a time, in order.
type Conn struct {
	id      string
	conn    *websocket.Conn
	context context.Context
	send    chan *Event
	logger  *slog.Logger
	opts    ConnOptions

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func NewConn(ctx context.Context, ws *websocket.Conn, logger *slog.Logger, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultConnOptions.SendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultConnOptions.MaxMessageSize
	}
	id := uuid.NewString()
	return &Conn{
		id:        id,
		conn:      ws,
		context:   ctx,
		send:      make(chan *Event, opts.SendBuffer),
		logger:    logger.With(slog.String("connection", id)),
		opts:      opts,
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues e for the write loop. A full queue means the peer is not keeping up;
// the connection is closed and ErrDeliveryFailure is returned.
func (c *Conn) Send(e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDeliveryFailure
	}
	select {
	case c.send <- e:
		return nil
	default:
		c.closeLocked(websocket.CloseGoingAway, "send buffer full")
		return fmt.Errorf("%w: send buffer full", ErrDeliveryFailure)
	}
}

func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop reads frames until the peer goes away. onEvent runs on the calling goroutine.
func (c *Conn) readLoop(onEvent func(*Event)) {
	c.logger.Debug("read loop started")
	defer func() {
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Info(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		c.logger.Debug(event.String())
		onEvent(&event)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("getting next writer: %v", err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Debug(fmt.Sprintf("closing writer: %v", err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.context.Done():
			c.Close(websocket.CloseGoingAway, "server shutting down")
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
