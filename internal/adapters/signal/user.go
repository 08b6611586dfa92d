package signal

import (
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type whoAmIPayload struct {
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
	Room          domain.RoomID        `json:"room,omitempty"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
}

func (ctl *SignalWSController) handleWhoAmI(
	cid domain.ConnectionID,
	conn core.SignalConnection,
) {
	p := whoAmIPayload{ConnectionID: cid}
	if room, pid, ok := ctl.Orch.Registry.RoomOf(cid); ok {
		p.Room = room
		p.ParticipantID = pid
	}
	msg, err := core.NewMessage(core.MessageWhoAmI, p)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("whoami")
		return
	}
	ctl.sendJSON(conn, msg)
}
