package signal

import "github.com/dkeye/meshroom/internal/core"

func (ctl *SignalWSController) handlePing(conn core.SignalConnection) {
	ctl.sendJSON(conn, core.Message{Type: core.MessagePong})
}
