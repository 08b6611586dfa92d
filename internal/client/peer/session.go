// Package peer holds the per-remote call session state machine.
//
// A Session is not safe for concurrent use; its owner serializes every
// transition.
package peer

import (
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

type State int

const (
	Pending State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Event int

const (
	MediaReady Event = iota
	Close
)

// Transition is the whole state machine. The bool reports whether the event
// changed the state; Closed absorbs everything.
func Transition(s State, e Event) (State, bool) {
	switch {
	case s == Closed:
		return Closed, false
	case e == Close:
		return Closed, true
	case e == MediaReady && s == Pending:
		return Active, true
	}
	return s, false
}

type Direction int

const (
	// Outbound sessions were placed by the local side.
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

type Session struct {
	Remote      domain.ParticipantID
	DisplayName string
	Direction   Direction
	CreatedAt   time.Time

	call         core.Call
	state        State
	remoteStream core.RemoteStream
}

func New(remote domain.ParticipantID, displayName string, dir Direction, call core.Call) *Session {
	return &Session{
		Remote:      remote,
		DisplayName: displayName,
		Direction:   dir,
		CreatedAt:   time.Now(),
		call:        call,
	}
}

func (s *Session) State() State                     { return s.state }
func (s *Session) Call() core.Call                  { return s.call }
func (s *Session) RemoteStream() core.RemoteStream { return s.remoteStream }

// Initiator is the participant that placed the call.
func (s *Session) Initiator(local domain.ParticipantID) domain.ParticipantID {
	if s.Direction == Outbound {
		return local
	}
	return s.Remote
}

// OnMediaReady applies a media-ready notification and reports whether it
// activated the session. Only the first one keeps its stream.
func (s *Session) OnMediaReady(stream core.RemoteStream) bool {
	next, changed := Transition(s.state, MediaReady)
	if !changed {
		return false
	}
	s.state = next
	s.remoteStream = stream
	return true
}

// Close moves the session to Closed and hangs up the call. It reports false
// when the session was already closed.
func (s *Session) Close() bool {
	next, changed := Transition(s.state, Close)
	if !changed {
		return false
	}
	s.state = next
	if s.call != nil {
		s.call.Close()
	}
	return true
}

// Snapshot is a copy safe to hand outside the owner.
type Snapshot struct {
	Remote      domain.ParticipantID
	DisplayName string
	Direction   Direction
	State       State
	HasStream   bool
	CreatedAt   time.Time
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Remote:      s.Remote,
		DisplayName: s.DisplayName,
		Direction:   s.Direction,
		State:       s.state,
		HasStream:   s.remoteStream != nil,
		CreatedAt:   s.CreatedAt,
	}
}
