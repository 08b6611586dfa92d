// Package presence is the client end of the room presence socket.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/adapters/wsclient"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrServer = errors.New("presence server error")

// Dialer opens presence channels against a fixed server URL.
type Dialer struct {
	URL string
}

func NewDialer(url string) *Dialer {
	return &Dialer{URL: url}
}

func (d *Dialer) Dial(ctx context.Context) (core.PresenceChannel, error) {
	ch := &Channel{handlers: make(map[string]func(json.RawMessage))}
	conn, err := wsclient.Dial(ctx, d.URL, wsclient.Handlers{
		OnMessage: ch.dispatch,
		OnClose:   ch.closed,
	})
	if err != nil {
		return nil, err
	}
	ch.conn = conn
	log.Info().Str("module", "presence").Str("url", d.URL).Msg("presence channel open")
	return ch, nil
}

// Channel implements core.PresenceChannel. Events arriving for a name with no
// handler are dropped.
type Channel struct {
	conn *wsclient.Conn

	mu       sync.RWMutex
	handlers map[string]func(json.RawMessage)
	onError  func(error)
}

// Emit sends a presence command such as join or leave.
func (c *Channel) Emit(event string, payload any) error {
	msg, err := core.NewMessage(event, payload)
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

func (c *Channel) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = fn
	c.mu.Unlock()
}

func (c *Channel) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Channel) Disconnect() {
	c.conn.Close()
}

func (c *Channel) dispatch(msg core.Message) {
	switch msg.Type {
	case core.MessageEvent:
		c.mu.RLock()
		fn := c.handlers[msg.Event]
		c.mu.RUnlock()
		if fn == nil {
			log.Debug().Str("module", "presence").Str("event", msg.Event).Msg("no handler")
			return
		}
		fn(msg.Payload)
	case core.MessageError:
		c.fail(fmt.Errorf("%w: %s", ErrServer, msg.Error))
	case core.MessagePong:
	default:
		log.Debug().Str("module", "presence").Str("type", msg.Type).Msg("ignored message")
	}
}

func (c *Channel) closed(err error) {
	if err == nil {
		return
	}
	c.fail(err)
}

func (c *Channel) fail(err error) {
	c.mu.RLock()
	fn := c.onError
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
