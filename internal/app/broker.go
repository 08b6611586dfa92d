package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrIdentityTaken    = errors.New("identity already open")
	ErrIdentityNotOpen  = errors.New("identity not open")
	ErrUnknownRelayType = errors.New("unknown relay message type")
	ErrNoDestination    = errors.New("relay message without destination")
)

// Broker is the rendezvous point for media identities: it forwards call
// negotiation between two identity sockets addressed by participant id.
type Broker struct {
	mu         sync.RWMutex
	identities map[domain.ParticipantID]core.SignalConnection
}

func NewBroker() *Broker {
	return &Broker{identities: make(map[domain.ParticipantID]core.SignalConnection)}
}

// Open binds id to conn and confirms it with an open message.
func (b *Broker) Open(id domain.ParticipantID, conn core.SignalConnection) error {
	if err := id.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.identities[id]; ok {
		b.mu.Unlock()
		return ErrIdentityTaken
	}
	b.identities[id] = conn
	b.mu.Unlock()
	promIdentities.Inc()

	frame, err := core.Message{Type: core.MessageOpen, ID: string(id)}.Encode()
	if err != nil {
		return err
	}
	if err := conn.TrySend(frame); err != nil {
		return fmt.Errorf("confirm identity %s: %w", id, err)
	}
	log.Info().Str("module", "app.broker").Str("id", string(id)).Msg("identity open")
	return nil
}

// Close unbinds id if it is still held by conn.
func (b *Broker) Close(id domain.ParticipantID, conn core.SignalConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.identities[id]; !ok || cur != conn {
		return
	}
	delete(b.identities, id)
	promIdentities.Dec()
	log.Info().Str("module", "app.broker").Str("id", string(id)).Msg("identity closed")
}

// IsOpen reports whether id is registered. Only tests call it.
func (b *Broker) IsOpen(id domain.ParticipantID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.identities[id]
	return ok
}

// Relay forwards msg from src to msg.Dst. When the destination is gone the
// sender gets an expire message for the same call instead.
func (b *Broker) Relay(src domain.ParticipantID, msg core.Message) error {
	switch msg.Type {
	case core.MessageOffer, core.MessageAnswer, core.MessageCandidate, core.MessageBye:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRelayType, msg.Type)
	}
	if msg.Dst == "" {
		return ErrNoDestination
	}

	b.mu.RLock()
	from, srcOK := b.identities[src]
	to, dstOK := b.identities[domain.ParticipantID(msg.Dst)]
	b.mu.RUnlock()
	if !srcOK {
		return ErrIdentityNotOpen
	}

	if !dstOK {
		promRelayMisses.Inc()
		log.Info().Str("module", "app.broker").Str("src", string(src)).Str("dst", msg.Dst).Str("type", msg.Type).Msg("relay miss")
		if msg.Type == core.MessageBye {
			return nil
		}
		frame, err := core.Message{Type: core.MessageExpire, Src: msg.Dst, ID: msg.ID}.Encode()
		if err != nil {
			return err
		}
		return from.TrySend(frame)
	}

	msg.Src = string(src)
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := to.TrySend(frame); err != nil {
		return fmt.Errorf("relay %s to %s: %w", msg.Type, msg.Dst, err)
	}
	promRelayed.WithLabelValues(msg.Type).Inc()
	log.Debug().Str("module", "app.broker").Str("src", string(src)).Str("dst", msg.Dst).Str("type", msg.Type).Msg("relayed")
	return nil
}
