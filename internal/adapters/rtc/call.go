package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrForeignStream   = errors.New("stream was not acquired from this engine")
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrNotInbound      = errors.New("only inbound calls can be answered")
	ErrCallClosed      = errors.New("call closed")
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// sessionPayload travels in offer and answer messages.
type sessionPayload struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	Metadata map[string]string         `json:"metadata,omitempty"`
}

// Call is one media connection with a remote identity. The message ID of
// every negotiation message is the call id.
type Call struct {
	id       string
	peer     domain.ParticipantID
	metadata map[string]string
	inbound  bool
	identity *Identity
	logger   zerolog.Logger

	// remote offer of an inbound call, consumed by Answer
	offer *webrtc.SessionDescription

	mu       sync.Mutex
	conn     *peerConnection
	stream   *Stream
	onStream func(core.RemoteStream)
	streams  []core.RemoteStream
	onClose  func()
	closed   bool
	answered bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newCall(identity *Identity, id string, remote domain.ParticipantID, metadata map[string]string, inbound bool) *Call {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Call{
		id:       id,
		peer:     remote,
		metadata: metadata,
		inbound:  inbound,
		identity: identity,
		logger:   identity.logger.With().Str("call", id).Str("remote", string(remote)).Logger(),
	}
}

func (c *Call) ID() string                  { return c.id }
func (c *Call) Peer() domain.ParticipantID  { return c.peer }
func (c *Call) Metadata() map[string]string { return c.metadata }

// Received reports the RTP packets and payload bytes read from remote tracks.
func (c *Call) Received() (packets, bytes uint64) {
	return c.packets.Load(), c.bytes.Load()
}

// OnStream replaces the stream listener and replays streams already seen.
func (c *Call) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	seen := append([]core.RemoteStream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range seen {
		fn(s)
	}
}

// OnClose replaces the close listener; it fires right away on a closed call.
func (c *Call) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		fn()
	}
}

// Answer publishes stream on an inbound call. Negotiation finishes in the
// background; a failure closes the call.
func (c *Call) Answer(stream core.LocalStream) error {
	if !c.inbound {
		return ErrNotInbound
	}
	local, ok := stream.(*Stream)
	if !ok {
		return ErrForeignStream
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCallClosed
	}
	if c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	c.mu.Unlock()

	if err := c.connect(local); err != nil {
		return err
	}
	go c.negotiateAnswer()
	return nil
}

// dial starts an outbound call. Negotiation finishes in the background.
func (c *Call) dial(local *Stream) error {
	if err := c.connect(local); err != nil {
		return err
	}
	go c.negotiateOffer()
	return nil
}

func (c *Call) connect(local *Stream) error {
	conn, err := newPeerConnection(c.identity.engine.webrtcCfg, c.id)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	conn.onTrack = c.handleTrack
	conn.onClosed = func() { c.close(true) }
	if err := local.publish(conn, c.id); err != nil {
		conn.close()
		return fmt.Errorf("publish local stream: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		local.unpublish(c.id)
		conn.close()
		return ErrCallClosed
	}
	c.conn = conn
	c.stream = local
	c.mu.Unlock()

	conn.start(context.Background())
	return nil
}

func (c *Call) negotiateOffer() {
	offer, err := c.conn.createOffer()
	if err != nil {
		c.fail("create offer", err)
		return
	}
	if err := c.send(core.MessageOffer, sessionPayload{SDP: *offer, Metadata: c.metadata}); err != nil {
		c.fail("send offer", err)
	}
}

func (c *Call) negotiateAnswer() {
	if c.offer == nil {
		c.fail("answer", errors.New("no remote offer"))
		return
	}
	answer, err := c.conn.applyOfferAndCreateAnswer(*c.offer)
	if err != nil {
		c.fail("create answer", err)
		return
	}
	if err := c.send(core.MessageAnswer, sessionPayload{SDP: *answer}); err != nil {
		c.fail("send answer", err)
	}
}

func (c *Call) handleAnswer(raw json.RawMessage) {
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.fail("decode answer", err)
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.applyAnswer(p.SDP); err != nil {
		c.fail("apply answer", err)
	}
}

func (c *Call) handleCandidate(raw json.RawMessage) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		c.logger.Warn().Err(err).Msg("decode candidate")
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.addICECandidate(ci); err != nil {
		c.logger.Warn().Err(err).Msg("add candidate")
	}
}

func (c *Call) handleTrack(ctx context.Context, track *webrtc.TrackRemote) {
	rs := remoteStream{track: track}
	c.mu.Lock()
	c.streams = append(c.streams, rs)
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
	go c.drain(ctx, track)
}

// drain consumes remote media so the receiver keeps flowing.
func (c *Call) drain(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
			return
		}
		c.packets.Add(1)
		c.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (c *Call) send(typ string, payload any) error {
	msg, err := core.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	msg.ID = c.id
	msg.Dst = string(c.peer)
	return c.identity.send(msg)
}

func (c *Call) fail(step string, err error) {
	c.logger.Warn().Err(err).Str("step", step).Msg("call failed")
	c.close(false)
}

// Close hangs up and tells the remote side.
func (c *Call) Close() {
	c.close(false)
}

// closeRemote closes a call the remote side already hung up.
func (c *Call) closeRemote() {
	c.close(true)
}

func (c *Call) close(remote bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, stream, fn := c.conn, c.stream, c.onClose
	c.mu.Unlock()

	if stream != nil {
		stream.unpublish(c.id)
	}
	if conn != nil {
		conn.close()
	}
	c.identity.forget(c.id)
	if !remote {
		if err := c.send(core.MessageBye, nil); err != nil {
			c.logger.Debug().Err(err).Msg("send bye")
		}
	}
	packets, bytes := c.Received()
	c.logger.Info().Bool("remote", remote).Uint64("packets", packets).Uint64("bytes", bytes).Msg("call closed")
	if fn != nil {
		fn()
	}
}
