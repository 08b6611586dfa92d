package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// HandleIdentity serves a media identity socket. The identity is confirmed
// with an open message carrying its id; ?id= requests a specific one.
func (ctl *SignalWSController) HandleIdentity(ctx context.Context, c *gin.Context) {
	requested := domain.ParticipantID(c.Query("id"))

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)

	id, err := ctl.Orch.OpenIdentity(requested, conn)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, app.ErrIdentityTaken) {
			reason = "id_taken"
		}
		log.Warn().Err(err).Str("module", "signal").Str("id", string(requested)).Msg("identity rejected")
		// pumps are not running yet, so this goroutine may write directly
		_ = ws.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait))
		_ = ws.WriteJSON(core.ErrorMessage(reason))
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, conn,
		func(msg core.Message) { ctl.handleIdentity(id, conn, msg) },
		func() { ctl.Orch.CloseIdentity(id, conn) },
	)
}

func (ctl *SignalWSController) handleIdentity(id domain.ParticipantID, conn core.SignalConnection, msg core.Message) {
	switch msg.Type {
	case core.MessageOffer, core.MessageAnswer, core.MessageCandidate, core.MessageBye:
		ctl.Orch.Relay(id, msg)
	case core.MessagePing:
		ctl.handlePing(conn)
	default:
		log.Warn().Str("module", "signal").Str("id", string(id)).Str("type", msg.Type).Msg("unknown identity message")
		ctl.sendError(conn, "unknown_type")
	}
}
