package orch

import (
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Broker   *app.Broker
	Policy   app.Policy
}

func New(policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Broker:   app.NewBroker(),
		Policy:   policy,
	}
}

// applyPolicy deals with connections that could not take a room event.
func (o *Orchestrator) applyPolicy(res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Msg("kicking slow presence connection")
			// closing ends its read loop, which reports the disconnect
			slow.Close()
		case app.NoAction:
		}
	}
}
