package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

var errUnreachable = errors.New("unreachable")

// hub stands in for the signaling server: it fans presence events out per
// room and connects calls between identities.
type hub struct {
	mu         sync.Mutex
	identities map[domain.ParticipantID]*fakeIdentity
	rooms      map[domain.RoomID]map[*fakePresence]domain.ParticipantID
	calls      []*fakeCall

	// silent suppresses join broadcasts
	silent bool
	// echo also delivers a join back to its sender
	echo bool
	// noMedia keeps answered calls from ever producing a stream
	noMedia   bool
	failCalls bool
}

func newHub() *hub {
	return &hub{
		identities: make(map[domain.ParticipantID]*fakeIdentity),
		rooms:      make(map[domain.RoomID]map[*fakePresence]domain.ParticipantID),
	}
}

func (h *hub) allCalls() []*fakeCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeCall(nil), h.calls...)
}

func (h *hub) join(p *fakePresence, cmd domain.JoinCommand) {
	h.mu.Lock()
	members, ok := h.rooms[cmd.Room]
	if !ok {
		members = make(map[*fakePresence]domain.ParticipantID)
		h.rooms[cmd.Room] = members
	}
	members[p] = cmd.ParticipantID
	p.room = cmd.Room
	var targets []*fakePresence
	if !h.silent {
		for other := range members {
			if other != p || h.echo {
				targets = append(targets, other)
			}
		}
	}
	h.mu.Unlock()

	payload := domain.JoinPayload{ParticipantID: cmd.ParticipantID, DisplayName: cmd.DisplayName}
	for _, t := range targets {
		t.deliver(domain.JoinEvent(cmd.Room), payload)
	}
}

// leave removes p from its room and tells the others.
func (h *hub) leave(p *fakePresence) {
	h.mu.Lock()
	members := h.rooms[p.room]
	pid, ok := members[p]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(members, p)
	targets := make([]*fakePresence, 0, len(members))
	for other := range members {
		targets = append(targets, other)
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.deliver(domain.LeaveEvent(p.room), domain.LeavePayload{ParticipantID: pid})
	}
}

// drop simulates the server noticing a dead presence connection.
func (h *hub) drop(pid domain.ParticipantID) {
	h.mu.Lock()
	var victim *fakePresence
	for _, members := range h.rooms {
		for p, id := range members {
			if id == pid {
				victim = p
			}
		}
	}
	h.mu.Unlock()
	if victim != nil {
		h.leave(victim)
	}
}

type fakeTrack struct {
	kind    core.MediaKind
	enabled atomic.Bool
}

func (t *fakeTrack) ID() string              { return string(t.kind) }
func (t *fakeTrack) Kind() core.MediaKind    { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

type fakeStream struct {
	tracks   []*fakeTrack
	released atomic.Bool
}

func newFakeStream(audioTracks int) *fakeStream {
	s := &fakeStream{}
	for range audioTracks {
		audio := &fakeTrack{kind: core.KindAudio}
		audio.enabled.Store(true)
		s.tracks = append(s.tracks, audio)
	}
	return s
}

func (s *fakeStream) ID() string { return "local" }
func (s *fakeStream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}
func (s *fakeStream) Release() { s.released.Store(true) }

type fakeRemote struct {
	id   string
	kind core.MediaKind
}

func (r fakeRemote) ID() string           { return r.id }
func (r fakeRemote) Kind() core.MediaKind { return r.kind }

type fakeEngine struct {
	hub *hub
	id  domain.ParticipantID

	acquireErr error
	// audioTracks is the number of audio tracks per local stream, one when zero
	audioTracks int
	// acquiring is closed when acquisition starts; gate, when set, holds it
	acquiring chan struct{}
	gate      chan struct{}

	mu         sync.Mutex
	streams    []*fakeStream
	identities []*fakeIdentity
}

func (e *fakeEngine) AcquireLocalStream(ctx context.Context, _ core.Constraints) (core.LocalStream, error) {
	if e.acquiring != nil {
		close(e.acquiring)
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	s := newFakeStream(max(e.audioTracks, 1))
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) OpenIdentity(context.Context) (core.Identity, error) {
	id := &fakeIdentity{hub: e.hub, id: e.id}
	e.hub.mu.Lock()
	e.hub.identities[e.id] = id
	e.hub.mu.Unlock()
	e.mu.Lock()
	e.identities = append(e.identities, id)
	e.mu.Unlock()
	return id, nil
}

func (e *fakeEngine) lastStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[len(e.streams)-1]
}

func (e *fakeEngine) lastIdentity() *fakeIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identities[len(e.identities)-1]
}

type fakeIdentity struct {
	hub *hub
	id  domain.ParticipantID

	mu     sync.Mutex
	onCall func(core.Call)
	closed bool
}

func (i *fakeIdentity) ID() domain.ParticipantID { return i.id }

// OnOpen fires right away: fake identities are open from the start.
func (i *fakeIdentity) OnOpen(fn func(domain.ParticipantID)) { fn(i.id) }

func (i *fakeIdentity) OnCall(fn func(core.Call)) {
	i.mu.Lock()
	i.onCall = fn
	i.mu.Unlock()
}

func (i *fakeIdentity) OnError(func(error)) {}

func (i *fakeIdentity) Call(remote domain.ParticipantID, _ core.LocalStream, metadata map[string]string) (core.Call, error) {
	i.hub.mu.Lock()
	if i.hub.failCalls {
		i.hub.mu.Unlock()
		return nil, errUnreachable
	}
	target, ok := i.hub.identities[remote]
	if !ok {
		i.hub.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errUnreachable, remote)
	}
	id := fmt.Sprintf("%s->%s#%d", i.id, remote, len(i.hub.calls))
	out := &fakeCall{id: id, peer: remote, hub: i.hub}
	in := &fakeCall{id: id, peer: i.id, metadata: metadata, inbound: true, hub: i.hub}
	out.other, in.other = in, out
	i.hub.calls = append(i.hub.calls, out, in)
	i.hub.mu.Unlock()

	target.incoming(in)
	return out, nil
}

func (i *fakeIdentity) incoming(c *fakeCall) {
	i.mu.Lock()
	fn, closed := i.onCall, i.closed
	i.mu.Unlock()
	if closed || fn == nil {
		c.Close()
		return
	}
	fn(c)
}

func (i *fakeIdentity) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.hub.mu.Lock()
	if i.hub.identities[i.id] == i {
		delete(i.hub.identities, i.id)
	}
	i.hub.mu.Unlock()
}

func (i *fakeIdentity) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type fakeCall struct {
	id       string
	peer     domain.ParticipantID
	metadata map[string]string
	inbound  bool
	hub      *hub
	other    *fakeCall

	mu       sync.Mutex
	onStream func(core.RemoteStream)
	onClose  func()
	streams  []core.RemoteStream
	closed   bool
	answered bool
}

func (c *fakeCall) ID() string                  { return c.id }
func (c *fakeCall) Peer() domain.ParticipantID  { return c.peer }
func (c *fakeCall) Metadata() map[string]string { return c.metadata }

func (c *fakeCall) Answer(core.LocalStream) error {
	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	noMedia := c.hub.noMedia
	c.hub.mu.Unlock()
	if !noMedia {
		c.deliver()
		c.other.deliver()
	}
	return nil
}

// deliver hands the call an audio stream followed by a video one.
func (c *fakeCall) deliver() {
	for _, kind := range []core.MediaKind{core.KindAudio, core.KindVideo} {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		rs := fakeRemote{id: c.id + "/" + string(kind), kind: kind}
		c.streams = append(c.streams, rs)
		fn := c.onStream
		c.mu.Unlock()
		if fn != nil {
			fn(rs)
		}
	}
}

func (c *fakeCall) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeCall) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	seen := append([]core.RemoteStream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range seen {
		fn(s)
	}
}

func (c *fakeCall) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		fn()
	}
}

func (c *fakeCall) Close() {
	c.shut()
	c.other.shut()
}

func (c *fakeCall) shut() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeCall) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePresence struct {
	hub  *hub
	room domain.RoomID

	mu           sync.Mutex
	handlers     map[string]func(json.RawMessage)
	emitted      []string
	disconnected bool
}

func (p *fakePresence) Emit(event string, payload any) error {
	p.mu.Lock()
	p.emitted = append(p.emitted, event)
	p.mu.Unlock()
	if cmd, ok := payload.(domain.JoinCommand); ok && event == core.MessageJoin {
		p.hub.join(p, cmd)
	}
	return nil
}

func (p *fakePresence) On(event string, fn func(json.RawMessage)) {
	p.mu.Lock()
	p.handlers[event] = fn
	p.mu.Unlock()
}

func (p *fakePresence) Off(event string) {
	p.mu.Lock()
	delete(p.handlers, event)
	p.mu.Unlock()
}

func (p *fakePresence) OnError(func(error)) {}

func (p *fakePresence) Disconnect() {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	p.hub.leave(p)
}

func (p *fakePresence) deliver(event string, payload any) {
	raw, _ := json.Marshal(payload)
	p.mu.Lock()
	fn := p.handlers[event]
	p.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (p *fakePresence) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

type fakeDialer struct {
	hub *hub
	err error

	mu       sync.Mutex
	channels []*fakePresence
}

func (d *fakeDialer) Dial(context.Context) (core.PresenceChannel, error) {
	if d.err != nil {
		return nil, d.err
	}
	p := &fakePresence{hub: d.hub, handlers: make(map[string]func(json.RawMessage))}
	d.mu.Lock()
	d.channels = append(d.channels, p)
	d.mu.Unlock()
	return p, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakePresence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}
