package orch

import (
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// OpenIdentity binds a media identity socket. An empty id asks for a fresh one.
func (o *Orchestrator) OpenIdentity(id domain.ParticipantID, conn core.SignalConnection) (domain.ParticipantID, error) {
	if id == "" {
		id = domain.NewParticipantID()
	}
	if err := o.Broker.Open(id, conn); err != nil {
		o.Broker.Close(id, conn)
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) CloseIdentity(id domain.ParticipantID, conn core.SignalConnection) {
	o.Broker.Close(id, conn)
}

func (o *Orchestrator) Relay(src domain.ParticipantID, msg core.Message) {
	if err := o.Broker.Relay(src, msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("src", string(src)).Str("dst", msg.Dst).Str("type", msg.Type).Msg("relay failed")
	}
}
