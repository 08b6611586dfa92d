package core

import (
	"context"

	"github.com/dkeye/meshroom/internal/domain"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Constraints select what the local capture must provide.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is one captured track; disabling it mutes the outbound media.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(bool)
}

// LocalStream is owned by whoever acquired it; peers only read it.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Release()
}

// RemoteStream is the media handed over by a media-ready notification.
type RemoteStream interface {
	ID() string
	Kind() MediaKind
}

// Call is a single direct media connection to one remote identity.
type Call interface {
	ID() string
	Peer() domain.ParticipantID
	Metadata() map[string]string
	// Answer accepts an inbound call publishing stream.
	Answer(stream LocalStream) error
	// OnStream fires once per remote track that starts delivering.
	OnStream(func(RemoteStream))
	// OnClose fires once, whoever closed the call.
	OnClose(func())
	Close()
}

// Identity is the local media address other peers call.
type Identity interface {
	// ID is empty until the identity is open.
	ID() domain.ParticipantID
	// OnOpen replaces the open listener; it fires right away if already open.
	OnOpen(func(domain.ParticipantID))
	OnCall(func(Call))
	OnError(func(error))
	Call(remote domain.ParticipantID, stream LocalStream, metadata map[string]string) (Call, error)
	Close()
}

// MediaEngine is the peer-connection capability the session controller drives.
type MediaEngine interface {
	AcquireLocalStream(ctx context.Context, c Constraints) (LocalStream, error)
	OpenIdentity(ctx context.Context) (Identity, error)
}
