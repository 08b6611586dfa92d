package signal

import (
	"context"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump is the only writer of c. It also keeps the transport alive with
// pings; a peer that stops answering is cut off by readPump's deadline.
func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(ctl.opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump reads until the transport fails or closes, then runs onExit
// exactly once.
func (ctl *SignalWSController) readPump(
	ctx context.Context,
	c *WsSignalConn,
	onMessage func(core.Message),
	onExit func(),
) {
	defer func() {
		c.Close()
		onExit()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		msg, err := core.DecodeMessage(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			ctl.sendError(c, "bad_json")
			continue
		}
		onMessage(msg)
	}
}

func (ctl *SignalWSController) handlePresence(cid domain.ConnectionID, c *WsSignalConn, msg core.Message) {
	switch msg.Type {
	case core.MessageJoin:
		ctl.handleJoin(cid, c, msg)
	case core.MessageLeave:
		ctl.handleLeave(cid)
	case core.MessagePing:
		ctl.handlePing(c)
	case core.MessageWhoAmI:
		ctl.handleWhoAmI(cid, c)
	default:
		log.Warn().Str("module", "signal").Str("cid", string(cid)).Str("type", msg.Type).Msg("unknown presence message")
		ctl.sendError(c, "unknown_type")
	}
}
