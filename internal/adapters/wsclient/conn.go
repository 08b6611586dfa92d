// Package wsclient is the client end of the signaling sockets: one
// websocket carrying core.Message frames, kept alive with pings.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var ErrClosed = errors.New("websocket closed")

// Handlers are fixed at dial time. OnMessage runs on the read goroutine, one
// message at a time; OnClose runs once with nil after a local Close.
type Handlers struct {
	OnMessage func(core.Message)
	OnClose   func(error)
}

type Conn struct {
	ws       *websocket.Conn
	url      string
	outgoing chan core.Message
	done     chan struct{}
	once     sync.Once
	handlers Handlers
}

func Dial(ctx context.Context, url string, h Handlers) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	c := &Conn{
		ws:       ws,
		url:      url,
		outgoing: make(chan core.Message, sendBuffer),
		done:     make(chan struct{}),
		handlers: h,
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send queues msg for the writer.
func (c *Conn) Send(msg core.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close sends a close frame and stops both pumps.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readPump() {
	var readErr error
	defer func() {
		closedLocally := false
		select {
		case <-c.done:
			closedLocally = true
		default:
		}
		c.Close()
		_ = c.ws.Close()
		if c.handlers.OnClose == nil {
			return
		}
		if closedLocally {
			c.handlers.OnClose(nil)
			return
		}
		c.handlers.OnClose(readErr)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg core.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			readErr = fmt.Errorf("read %s: %w", c.url, err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				readErr = fmt.Errorf("%s: %w", c.url, ErrClosed)
			}
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Str("type", msg.Type).Msg("write")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
