package app

import "github.com/dkeye/meshroom/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a presence connection whose send queue is
// full when a room event is fanned out to it.
type Policy interface {
	OnBackPressure(conn core.SignalConnection) BackpressureAction
}

// SimplePolicy kicks slow members: a member that misses a join or leave
// would hold a wrong view of the mesh, so it is disconnected instead.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SignalConnection) BackpressureAction {
	return KickMember
}
