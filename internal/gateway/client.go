package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/pkg/protocol"
)

const (
	maxFrameBytes  = 1 << 20
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
)

// Client is one WebSocket connection. Request frames are dispatched
// concurrently so a long chat turn never blocks an abort on the same
// connection; all writes funnel through a single pump.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	out  chan any
	done chan struct{}
	once sync.Once

	dropped atomic.Int64
}

func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		out:  make(chan any, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Run services the connection until the peer disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocol.Fail("", protocol.ErrBadRequest, "malformed frame"))
			continue
		}
		if req.Type != protocol.FrameRequest {
			c.send(protocol.Fail(req.ID, protocol.ErrBadRequest, fmt.Sprintf("unexpected frame type %q", req.Type)))
			continue
		}
		if !c.srv.limiter.Allow() {
			c.send(protocol.Fail(req.ID, protocol.ErrRateLimited, "request rate limit exceeded"))
			continue
		}

		go func(req protocol.RequestFrame) {
			c.send(c.srv.router.Dispatch(ctx, c, req))
		}(req)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Debug("websocket write failed", "id", c.id, "error", err)
				return
			}
		}
	}
}

// send queues a response frame, blocking until there is room or the client
// is gone. Responses are never dropped.
func (c *Client) send(msg any) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// SendEvent queues an event frame, dropping it when the client cannot keep
// up. The bus must not stall on a slow consumer.
func (c *Client) SendEvent(frame protocol.EventFrame) {
	select {
	case <-c.done:
	case c.out <- frame:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("client lagging, dropping events", "id", c.id)
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
