package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrPresenceChannel        = errors.New("presence channel error")
	ErrCallInitiationFailed   = errors.New("call initiation failed")
	ErrPeerNotReady           = errors.New("peer not ready")
	ErrAlreadyConnected       = errors.New("already connected")
	ErrConnectAborted         = errors.New("connect aborted")
	ErrNoSuchTrack            = errors.New("no such local track")
	ErrClosed                 = errors.New("controller closed")
)

// MetadataFrom is the call metadata key carrying the caller's display name.
const MetadataFrom = "from"

type State int

const (
	Idle State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

type Options struct {
	Constraints core.Constraints
	// CallSetupTimeout closes sessions that stay pending for longer. Zero
	// disables the bound.
	CallSetupTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Constraints:      core.Constraints{Audio: true},
		CallSetupTimeout: 30 * time.Second,
	}
}

// LocalState is the local participant as seen by the controller.
type LocalState struct {
	ParticipantID domain.ParticipantID
	DisplayName   string
	RoomID        domain.RoomID
	Stream        core.LocalStream
	Connected     bool
}

// anyEpoch marks events that survive a rebind.
const anyEpoch = 0

type event struct {
	epoch uint64
	fn    func()
	// drop runs instead of fn when the event belongs to a replaced binding.
	drop func()
}

// Controller owns the local identity, the local stream and one peer session
// per remote participant. Every callback coming from the media engine or the
// presence channel is queued and handled by a single goroutine.
type Controller struct {
	engine core.MediaEngine
	dialer core.PresenceDialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	epoch    uint64
	closed   bool
	local    LocalState
	identity core.Identity
	presence core.PresenceChannel
	sessions map[domain.ParticipantID]*peer.Session
	timers   map[*peer.Session]*time.Timer

	qmu   sync.Mutex
	queue deque.Deque[event]
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func New(engine core.MediaEngine, dialer core.PresenceDialer, opts Options) *Controller {
	c := &Controller{
		engine:   engine,
		dialer:   dialer,
		opts:     opts,
		logger:   log.With().Str("module", "controller").Logger(),
		epoch:    1,
		sessions: make(map[domain.ParticipantID]*peer.Session),
		timers:   make(map[*peer.Session]*time.Timer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Controller) post(epoch uint64, fn, drop func()) {
	c.qmu.Lock()
	c.queue.PushBack(event{epoch: epoch, fn: fn, drop: drop})
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) loop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.qmu.Lock()
			if c.queue.Len() == 0 {
				c.qmu.Unlock()
				break
			}
			ev := c.queue.PopFront()
			c.qmu.Unlock()
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.epoch != anyEpoch && ev.epoch != c.epoch {
		c.logger.Debug().Uint64("epoch", ev.epoch).Msg("dropping event from a replaced binding")
		if ev.drop != nil {
			ev.drop()
		}
		return
	}
	ev.fn()
}

// Flush blocks until every event queued before the call has been handled.
func (c *Controller) Flush() {
	handled := make(chan struct{})
	c.post(anyEpoch, func() { close(handled) }, nil)
	select {
	case <-handled:
	case <-c.done:
	}
}

// ConnectToRoom acquires the local stream, opens a media identity and a
// presence channel. Presence is announced once the identity is open, which
// moves the controller to Connected. The controller must be Idle: reconnecting
// means Disconnect first.
func (c *Controller) ConnectToRoom(ctx context.Context, roomID domain.RoomID, displayName string) error {
	if err := roomID.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.epoch++
	attempt := c.epoch
	c.state = Connecting
	c.local = LocalState{DisplayName: displayName, RoomID: roomID}
	c.mu.Unlock()
	c.logger.Info().Str("room", string(roomID)).Str("name", displayName).Msg("connecting")

	// may block on a permission prompt for as long as it likes
	stream, err := c.engine.AcquireLocalStream(ctx, c.opts.Constraints)
	if err != nil {
		c.abort(attempt)
		c.logger.Error().Err(err).Msg("local media unavailable")
		return fmt.Errorf("%w: %w", ErrMediaAcquisitionFailed, err)
	}
	if !c.adopt(attempt, func() { c.local.Stream = stream }) {
		stream.Release()
		return ErrConnectAborted
	}

	identity, err := c.engine.OpenIdentity(ctx)
	if err != nil {
		c.abort(attempt)
		return fmt.Errorf("open media identity: %w", err)
	}
	if !c.adopt(attempt, func() { c.identity = identity }) {
		identity.Close()
		return ErrConnectAborted
	}

	presence, err := c.dialer.Dial(ctx)
	if err != nil {
		c.abort(attempt)
		return fmt.Errorf("%w: %w", ErrPresenceChannel, err)
	}
	if !c.adopt(attempt, func() { c.bindLocked(attempt, presence) }) {
		presence.Disconnect()
		return ErrConnectAborted
	}
	return nil
}

// Reconnect drops the current binding and connects again.
func (c *Controller) Reconnect(ctx context.Context, roomID domain.RoomID, displayName string) error {
	c.Disconnect()
	return c.ConnectToRoom(ctx, roomID, displayName)
}

// adopt runs store if attempt is still the current connect attempt.
func (c *Controller) adopt(attempt uint64, store func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != attempt {
		return false
	}
	store()
	return true
}

func (c *Controller) abort(attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == attempt {
		c.resetLocked()
	}
}

// bindLocked attaches listeners to the identity and presence of epoch. Any
// listener of an earlier binding is already detached or filtered by epoch.
func (c *Controller) bindLocked(epoch uint64, presence core.PresenceChannel) {
	c.presence = presence
	room := c.local.RoomID

	c.identity.OnOpen(func(id domain.ParticipantID) {
		c.post(epoch, func() { c.onIdentityOpen(id) }, nil)
	})
	c.identity.OnCall(func(call core.Call) {
		c.post(epoch, func() { c.onIncomingCall(call) }, call.Close)
	})
	c.identity.OnError(func(err error) {
		c.post(epoch, func() { c.logger.Warn().Err(err).Msg("media identity error") }, nil)
	})

	presence.On(domain.JoinEvent(room), func(raw json.RawMessage) {
		c.post(epoch, func() { c.onJoinEvent(raw) }, nil)
	})
	presence.On(domain.LeaveEvent(room), func(raw json.RawMessage) {
		c.post(epoch, func() { c.onLeaveEvent(raw) }, nil)
	})
	presence.OnError(func(err error) {
		c.post(epoch, func() {
			c.logger.Warn().Err(fmt.Errorf("%w: %w", ErrPresenceChannel, err)).Msg("presence channel")
		}, nil)
	})
}

func (c *Controller) onIdentityOpen(id domain.ParticipantID) {
	if c.state != Connecting {
		return
	}
	c.local.ParticipantID = id
	c.state = Connected
	c.local.Connected = true
	c.logger.Info().Str("participant", string(id)).Str("room", string(c.local.RoomID)).Msg("identity open, announcing presence")

	err := c.presence.Emit(core.MessageJoin, domain.JoinCommand{
		Room:          c.local.RoomID,
		ParticipantID: id,
		DisplayName:   c.local.DisplayName,
	})
	if err != nil {
		c.logger.Error().Err(fmt.Errorf("%w: %w", ErrPresenceChannel, err)).Msg("announce presence")
	}
}

func (c *Controller) onJoinEvent(raw json.RawMessage) {
	var p domain.JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ParticipantID == "" {
		c.logger.Warn().Err(err).Msg("bad join event")
		return
	}
	if p.ParticipantID == c.local.ParticipantID {
		c.logger.Debug().Msg("ignoring own join echo")
		return
	}
	if err := c.callLocked(p.ParticipantID, p.DisplayName); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(p.ParticipantID)).Msg("call on join")
	}
}

func (c *Controller) onLeaveEvent(raw json.RawMessage) {
	var p domain.LeavePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ParticipantID == "" {
		c.logger.Warn().Err(err).Msg("bad leave event")
		return
	}
	c.hangUpLocked(p.ParticipantID, "remote left room")
}

func (c *Controller) onIncomingCall(call core.Call) {
	remote := call.Peer()
	if c.local.Stream == nil || remote == "" || remote == c.local.ParticipantID {
		c.logger.Warn().Str("remote", string(remote)).Msg("refusing incoming call")
		call.Close()
		return
	}
	if err := call.Answer(c.local.Stream); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(remote)).Msg("answer failed")
		call.Close()
		return
	}
	name := call.Metadata()[MetadataFrom]
	c.logger.Info().Str("remote", string(remote)).Str("name", name).Msg("answered incoming call")
	c.adoptLocked(peer.New(remote, name, peer.Inbound, call))
}

// Call places an outbound call to remote. An existing live session with
// remote makes it a no-op.
func (c *Controller) Call(remote domain.ParticipantID, displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(remote, displayName)
}

func (c *Controller) callLocked(remote domain.ParticipantID, displayName string) error {
	if c.identity == nil || c.local.ParticipantID == "" || c.local.Stream == nil {
		return ErrPeerNotReady
	}
	if remote == c.local.ParticipantID {
		return fmt.Errorf("%w: refusing to call self", ErrCallInitiationFailed)
	}
	if s, ok := c.sessions[remote]; ok && s.State() != peer.Closed {
		c.logger.Debug().Str("remote", string(remote)).Str("state", s.State().String()).Msg("session exists")
		return nil
	}

	call, err := c.identity.Call(remote, c.local.Stream, map[string]string{MetadataFrom: c.local.DisplayName})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCallInitiationFailed, remote, err)
	}
	if call == nil {
		return fmt.Errorf("%w: %s", ErrCallInitiationFailed, remote)
	}
	c.logger.Info().Str("remote", string(remote)).Str("name", displayName).Msg("calling peer")
	c.adoptLocked(peer.New(remote, displayName, peer.Outbound, call))
	return nil
}

// prefer decides which of two live sessions with the same remote is kept.
// Across directions the call placed by the smaller participant id wins, which
// both ends compute identically, so the pair converges on one connection.
// Within a direction the newer call replaces a stale one.
func (c *Controller) prefer(candidate, existing *peer.Session) bool {
	if candidate.Direction == existing.Direction {
		return true
	}
	local := c.local.ParticipantID
	return candidate.Initiator(local) < existing.Initiator(local)
}

// adoptLocked is get-or-create on the session set keyed by remote id.
func (c *Controller) adoptLocked(s *peer.Session) bool {
	if existing, ok := c.sessions[s.Remote]; ok && existing.State() != peer.Closed {
		if !c.prefer(s, existing) {
			c.logger.Info().Str("remote", string(s.Remote)).Str("dropped", s.Direction.String()).Msg("duplicate session, keeping existing")
			s.Close()
			return false
		}
		c.logger.Info().Str("remote", string(s.Remote)).Str("dropped", existing.Direction.String()).Msg("duplicate session, replacing existing")
		c.stopTimerLocked(existing)
		existing.Close()
	}
	c.sessions[s.Remote] = s
	c.watchLocked(s)
	c.logger.Info().Str("remote", string(s.Remote)).Str("direction", s.Direction.String()).Int("sessions", len(c.sessions)).Msg("peer session created")
	return true
}

func (c *Controller) watchLocked(s *peer.Session) {
	epoch := c.epoch
	call := s.Call()
	call.OnStream(func(rs core.RemoteStream) {
		c.post(epoch, func() { c.onMediaReady(s, rs) }, nil)
	})
	call.OnClose(func() {
		c.post(epoch, func() { c.onCallClosed(s) }, nil)
	})
	if c.opts.CallSetupTimeout > 0 {
		c.timers[s] = time.AfterFunc(c.opts.CallSetupTimeout, func() {
			c.post(epoch, func() { c.onSetupTimeout(s) }, nil)
		})
	}
}

func (c *Controller) onMediaReady(s *peer.Session, rs core.RemoteStream) {
	if c.sessions[s.Remote] != s {
		return
	}
	if !s.OnMediaReady(rs) {
		c.logger.Debug().Str("remote", string(s.Remote)).Str("kind", string(rs.Kind())).Msg("additional track")
		return
	}
	c.stopTimerLocked(s)
	c.logger.Info().Str("remote", string(s.Remote)).Str("kind", string(rs.Kind())).Msg("peer session active")
}

func (c *Controller) onCallClosed(s *peer.Session) {
	if s.Close() {
		c.logger.Info().Str("remote", string(s.Remote)).Msg("call closed")
	}
	c.removeLocked(s)
}

func (c *Controller) onSetupTimeout(s *peer.Session) {
	if c.sessions[s.Remote] != s || s.State() != peer.Pending {
		return
	}
	c.logger.Warn().Str("remote", string(s.Remote)).Dur("timeout", c.opts.CallSetupTimeout).Msg("call setup timed out")
	s.Close()
	c.removeLocked(s)
}

func (c *Controller) removeLocked(s *peer.Session) {
	c.stopTimerLocked(s)
	if c.sessions[s.Remote] == s {
		delete(c.sessions, s.Remote)
		c.logger.Info().Str("remote", string(s.Remote)).Int("sessions", len(c.sessions)).Msg("peer session removed")
	}
}

func (c *Controller) stopTimerLocked(s *peer.Session) {
	if t, ok := c.timers[s]; ok {
		t.Stop()
		delete(c.timers, s)
	}
}

// HangUp closes every session with remote.
func (c *Controller) HangUp(remote domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangUpLocked(remote, "local hang-up")
}

func (c *Controller) hangUpLocked(remote domain.ParticipantID, reason string) {
	s, ok := c.sessions[remote]
	if !ok {
		return
	}
	s.Close()
	c.removeLocked(s)
	c.logger.Info().Str("remote", string(remote)).Str("reason", reason).Msg("hung up")
}

// SetTrackEnabled mutes or unmutes every local track of kind.
func (c *Controller) SetTrackEnabled(kind core.MediaKind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local.Stream == nil {
		return ErrPeerNotReady
	}
	found := false
	for _, t := range c.local.Stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoSuchTrack, kind)
	}
	return nil
}

// ToggleAudio flips every audio track to the opposite of the first one's
// state and returns the new state.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local.Stream == nil {
		return false, ErrPeerNotReady
	}
	var audio []core.LocalTrack
	for _, t := range c.local.Stream.Tracks() {
		if t.Kind() == core.KindAudio {
			audio = append(audio, t)
		}
	}
	if len(audio) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoSuchTrack, core.KindAudio)
	}
	enabled := !audio[0].Enabled()
	for _, t := range audio {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// Disconnect tears everything down and returns to Idle. It is a no-op when
// already Idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return
	}
	c.logger.Info().Str("room", string(c.local.RoomID)).Int("sessions", len(c.sessions)).Msg("disconnecting")
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	// anything still queued for this binding is dropped from now on
	c.epoch++

	for remote, s := range c.sessions {
		c.stopTimerLocked(s)
		s.Close()
		delete(c.sessions, remote)
	}
	if c.identity != nil {
		c.identity.Close()
		c.identity = nil
	}
	if c.presence != nil {
		c.presence.Off(domain.JoinEvent(c.local.RoomID))
		c.presence.Off(domain.LeaveEvent(c.local.RoomID))
		c.presence.Disconnect()
		c.presence = nil
	}
	if c.local.Stream != nil {
		c.local.Stream.Release()
	}
	c.local = LocalState{}
	c.state = Idle
}

// Close disconnects and stops the event loop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Local() LocalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Sessions returns the current peer session set ordered by remote id.
func (c *Controller) Sessions() []peer.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]peer.Snapshot, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}
