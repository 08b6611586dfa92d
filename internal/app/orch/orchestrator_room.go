package orch

import (
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Join(
	cid domain.ConnectionID,
	conn core.SignalConnection,
	cmd domain.JoinCommand,
) error {
	res, err := o.Registry.Join(cid, conn, cmd.Room, cmd.ParticipantID, cmd.DisplayName)
	o.applyPolicy(res)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("cid", string(cid)).Msg("join rejected")
		return err
	}
	return nil
}

// Leave is the explicit leave command; the presence connection stays open.
func (o *Orchestrator) Leave(cid domain.ConnectionID) {
	o.applyPolicy(o.Registry.Leave(cid))
}

// OnDisconnect must run for every presence connection that goes away, however
// it went away. It is the only thing that cleans up after a dead client.
func (o *Orchestrator) OnDisconnect(cid domain.ConnectionID) {
	log.Info().Str("module", "orch").Str("cid", string(cid)).Msg("presence disconnect")
	o.applyPolicy(o.Registry.Leave(cid))
}

func (o *Orchestrator) Lookup(room domain.RoomID) (core.RoomSnapshot, error) {
	return o.Registry.Lookup(room)
}

func (o *Orchestrator) Rooms() []core.RoomInfo {
	return o.Registry.List()
}
