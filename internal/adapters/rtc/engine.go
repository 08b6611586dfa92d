// Package rtc is the pion-backed media engine of the client: local capture,
// media identities registered with the broker, and per-peer calls.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/adapters/wsclient"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoVideoSource    = errors.New("no video source available")
	ErrNothingToCapture = errors.New("constraints request no media")
	ErrBroker           = errors.New("identity broker error")
	ErrIdentityClosed   = errors.New("identity closed")
)

type Config struct {
	// IdentityURL is the websocket address of the identity broker.
	IdentityURL string
	ICEServers  []string
}

// Engine implements core.MediaEngine. It has no capture device: audio is an
// Opus silence source, video is unavailable.
type Engine struct {
	cfg       Config
	webrtcCfg webrtc.Configuration
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, webrtcCfg: webrtcConfig(cfg.ICEServers)}
}

func (e *Engine) AcquireLocalStream(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Video {
		return nil, ErrNoVideoSource
	}
	if !c.Audio {
		return nil, ErrNothingToCapture
	}
	s := newSilentStream()
	log.Info().Str("module", "rtc").Str("stream", s.id).Msg("local stream acquired")
	return s, nil
}

// OpenIdentity connects to the broker. The identity is usable once its open
// listener fires.
func (e *Engine) OpenIdentity(ctx context.Context) (core.Identity, error) {
	id := &Identity{
		engine: e,
		calls:  make(map[string]*Call),
		logger: log.With().Str("module", "rtc.identity").Logger(),
	}
	conn, err := wsclient.Dial(ctx, e.cfg.IdentityURL, wsclient.Handlers{
		OnMessage: id.handle,
		OnClose:   id.closed,
	})
	if err != nil {
		return nil, err
	}
	id.mu.Lock()
	id.conn = conn
	id.mu.Unlock()
	return id, nil
}

// Identity implements core.Identity over one broker socket.
type Identity struct {
	engine *Engine
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *wsclient.Conn
	id      domain.ParticipantID
	open    bool
	closing bool
	onOpen  func(domain.ParticipantID)
	onCall  func(core.Call)
	onError func(error)
	calls   map[string]*Call
}

func (i *Identity) ID() domain.ParticipantID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

func (i *Identity) OnOpen(fn func(domain.ParticipantID)) {
	i.mu.Lock()
	i.onOpen = fn
	open, id := i.open, i.id
	i.mu.Unlock()
	if open {
		fn(id)
	}
}

func (i *Identity) OnCall(fn func(core.Call)) {
	i.mu.Lock()
	i.onCall = fn
	i.mu.Unlock()
}

func (i *Identity) OnError(fn func(error)) {
	i.mu.Lock()
	i.onError = fn
	i.mu.Unlock()
}

// Call places an outbound call publishing stream to remote.
func (i *Identity) Call(remote domain.ParticipantID, stream core.LocalStream, metadata map[string]string) (core.Call, error) {
	local, ok := stream.(*Stream)
	if !ok {
		return nil, ErrForeignStream
	}
	i.mu.Lock()
	if !i.open || i.closing {
		i.mu.Unlock()
		return nil, ErrIdentityClosed
	}
	c := newCall(i, uuid.NewString(), remote, metadata, false)
	i.calls[c.id] = c
	i.mu.Unlock()

	if err := c.dial(local); err != nil {
		i.forget(c.id)
		return nil, err
	}
	c.logger.Info().Msg("outbound call")
	return c, nil
}

// Close hangs up every call and leaves the broker.
func (i *Identity) Close() {
	i.mu.Lock()
	if i.closing {
		i.mu.Unlock()
		return
	}
	i.closing = true
	calls := make([]*Call, 0, len(i.calls))
	for _, c := range i.calls {
		calls = append(calls, c)
	}
	conn := i.conn
	i.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	if conn != nil {
		conn.Close()
	}
	i.logger.Info().Str("id", string(i.ID())).Msg("identity closed")
}

func (i *Identity) send(msg core.Message) error {
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return ErrIdentityClosed
	}
	return conn.Send(msg)
}

func (i *Identity) forget(callID string) {
	i.mu.Lock()
	delete(i.calls, callID)
	i.mu.Unlock()
}

func (i *Identity) lookup(callID string) *Call {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[callID]
}

func (i *Identity) handle(msg core.Message) {
	switch msg.Type {
	case core.MessageOpen:
		i.handleOpen(domain.ParticipantID(msg.ID))
	case core.MessageOffer:
		i.handleOffer(msg)
	case core.MessageAnswer:
		if c := i.lookup(msg.ID); c != nil {
			c.handleAnswer(msg.Payload)
		}
	case core.MessageCandidate:
		if c := i.lookup(msg.ID); c != nil {
			c.handleCandidate(msg.Payload)
		}
	case core.MessageBye:
		if c := i.lookup(msg.ID); c != nil {
			c.closeRemote()
		}
	case core.MessageExpire:
		if c := i.lookup(msg.ID); c != nil {
			c.closeRemote()
		}
		i.fail(fmt.Errorf("%w: %s", ErrPeerUnavailable, msg.Src))
	case core.MessageError:
		i.fail(fmt.Errorf("%w: %s", ErrBroker, msg.Error))
	case core.MessagePong:
	default:
		i.logger.Debug().Str("type", msg.Type).Msg("ignored message")
	}
}

func (i *Identity) handleOpen(id domain.ParticipantID) {
	i.mu.Lock()
	if i.open {
		i.mu.Unlock()
		return
	}
	i.open = true
	i.id = id
	fn := i.onOpen
	i.mu.Unlock()

	i.logger.Info().Str("id", string(id)).Msg("identity open")
	if fn != nil {
		fn(id)
	}
}

func (i *Identity) handleOffer(msg core.Message) {
	var p sessionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || msg.ID == "" || msg.Src == "" {
		i.logger.Warn().Err(err).Str("src", msg.Src).Msg("bad offer")
		return
	}

	c := newCall(i, msg.ID, domain.ParticipantID(msg.Src), p.Metadata, true)
	c.offer = &p.SDP

	i.mu.Lock()
	if i.closing {
		i.mu.Unlock()
		return
	}
	if _, dup := i.calls[msg.ID]; dup {
		i.mu.Unlock()
		i.logger.Debug().Str("call", msg.ID).Msg("duplicate offer")
		return
	}
	i.calls[msg.ID] = c
	fn := i.onCall
	i.mu.Unlock()

	c.logger.Info().Msg("inbound call")
	if fn == nil {
		c.Close()
		return
	}
	fn(c)
}

func (i *Identity) closed(err error) {
	if err == nil {
		return
	}
	i.fail(err)
}

func (i *Identity) fail(err error) {
	i.mu.Lock()
	fn := i.onError
	i.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
