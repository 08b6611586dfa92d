package signal

import (
	"encoding/json"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	cid domain.ConnectionID,
	conn core.SignalConnection,
	msg core.Message,
) {
	var cmd domain.JoinCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if !ctl.limiter.Allow(cid) {
		log.Warn().Str("module", "signal").Str("cid", string(cid)).Msg("join rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}

	log.Info().Str("module", "signal").Str("cid", string(cid)).Str("room", string(cmd.Room)).Str("participant", string(cmd.ParticipantID)).Msg("join")
	if err := ctl.Orch.Join(cid, conn, cmd); err != nil {
		ctl.sendError(conn, err.Error())
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(cid domain.ConnectionID) {
	log.Info().Str("module", "signal").Str("cid", string(cid)).Msg("leave")
	ctl.Orch.Leave(cid)
}
