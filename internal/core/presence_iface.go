package core

import (
	"context"
	"encoding/json"
)

// PresenceChannel is the client end of a presence connection.
type PresenceChannel interface {
	Emit(event string, payload any) error
	// On replaces any handler registered for event.
	On(event string, fn func(json.RawMessage))
	Off(event string)
	OnError(func(error))
	Disconnect()
}

type PresenceDialer interface {
	Dial(ctx context.Context) (PresenceChannel, error)
}
