package app

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRoomNotFound = errors.New("room not found")

type memberEntry struct {
	participant domain.Participant
	cid         domain.ConnectionID
	conn        core.SignalConnection
}

// roomState owns one room's membership. Every mutation and the broadcast it
// causes happen under mu, so each observer sees a room's events in order.
type roomState struct {
	id      domain.RoomID
	mu      sync.Mutex
	members map[domain.ParticipantID]memberEntry
	removed bool
}

// broadcast enqueues frame on every member connection except the sender's.
// Caller holds rs.mu.
func (rs *roomState) broadcast(from domain.ConnectionID, frame core.Frame) core.PublishResult {
	res := core.PublishResult{}
	for _, m := range rs.members {
		if m.cid == from {
			continue
		}
		if err := m.conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, m.conn)
			continue
		}
		res.SendTo++
	}
	if len(res.Dropped) > 0 {
		promDroppedFrames.Add(float64(len(res.Dropped)))
	}
	log.Debug().Str("module", "app.registry").Str("room", string(rs.id)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

type registration struct {
	room        domain.RoomID
	participant domain.ParticipantID
}

// Registry maps rooms to participants and presence connections to their
// registration. Lock order is room.mu before Registry.mu.
type Registry struct {
	mu            sync.RWMutex
	rooms         map[domain.RoomID]*roomState
	registrations map[domain.ConnectionID]registration
	byParticipant map[domain.ParticipantID]domain.ConnectionID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:         make(map[domain.RoomID]*roomState),
		registrations: make(map[domain.ConnectionID]registration),
		byParticipant: make(map[domain.ParticipantID]domain.ConnectionID),
	}
}

func (r *Registry) getOrCreateRoom(id domain.RoomID) *roomState {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[id]; ok {
		return room
	}
	room = &roomState{id: id, members: make(map[domain.ParticipantID]memberEntry)}
	r.rooms[id] = room
	promRooms.Inc()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	return room
}

// Join registers cid as participant pid of room and announces it to the
// other members. A connection that was already registered leaves its previous
// room first; an older connection holding the same participant is evicted.
func (r *Registry) Join(
	cid domain.ConnectionID,
	conn core.SignalConnection,
	roomID domain.RoomID,
	pid domain.ParticipantID,
	displayName string,
) (core.PublishResult, error) {
	var res core.PublishResult
	if err := roomID.Validate(); err != nil {
		return res, err
	}
	p, err := domain.NewParticipant(pid, displayName)
	if err != nil {
		return res, err
	}

	res.Merge(r.Leave(cid))

	msg, err := core.NewEvent(domain.JoinEvent(roomID), domain.JoinPayload{ParticipantID: pid, DisplayName: displayName})
	if err != nil {
		return res, err
	}
	frame, err := msg.Encode()
	if err != nil {
		return res, err
	}

	var stale domain.ConnectionID
	for {
		room := r.getOrCreateRoom(roomID)
		room.mu.Lock()
		if room.removed {
			// lost a race with the last leave; the next lookup creates it anew
			room.mu.Unlock()
			continue
		}
		if _, ok := room.members[pid]; !ok {
			promParticipants.Inc()
		}
		room.members[pid] = memberEntry{participant: *p, cid: cid, conn: conn}

		r.mu.Lock()
		r.registrations[cid] = registration{room: roomID, participant: pid}
		if prev, ok := r.byParticipant[pid]; ok && prev != cid {
			stale = prev
		}
		r.byParticipant[pid] = cid
		r.mu.Unlock()

		res.Merge(room.broadcast(cid, frame))
		room.mu.Unlock()
		break
	}
	promPresenceEvents.WithLabelValues("join").Inc()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("room", string(roomID)).Str("participant", string(pid)).Msg("joined")

	if stale != "" {
		log.Info().Str("module", "app.registry").Str("cid", string(stale)).Str("participant", string(pid)).Msg("evicting stale registration")
		res.Merge(r.Leave(stale))
	}
	return res, nil
}

// Leave drops the registration of cid, if any, and announces the departure to
// the remaining members. Safe to call for unknown or already-left connections.
func (r *Registry) Leave(cid domain.ConnectionID) core.PublishResult {
	var res core.PublishResult

	r.mu.Lock()
	reg, ok := r.registrations[cid]
	if !ok {
		r.mu.Unlock()
		return res
	}
	delete(r.registrations, cid)
	if r.byParticipant[reg.participant] == cid {
		delete(r.byParticipant, reg.participant)
	}
	room := r.rooms[reg.room]
	r.mu.Unlock()

	if room == nil {
		return res
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	m, ok := room.members[reg.participant]
	if !ok || m.cid != cid {
		// the participant was taken over by a newer connection
		return res
	}
	delete(room.members, reg.participant)
	promParticipants.Dec()

	msg, err := core.NewEvent(domain.LeaveEvent(reg.room), domain.LeavePayload{ParticipantID: reg.participant})
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode leave")
	} else if frame, err := msg.Encode(); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode leave")
	} else {
		res.Merge(room.broadcast(cid, frame))
	}
	promPresenceEvents.WithLabelValues("leave").Inc()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("room", string(reg.room)).Str("participant", string(reg.participant)).Msg("left")

	if len(room.members) == 0 {
		room.removed = true
		r.mu.Lock()
		if r.rooms[room.id] == room {
			delete(r.rooms, room.id)
			promRooms.Dec()
		}
		r.mu.Unlock()
		log.Info().Str("module", "app.registry").Str("room", string(room.id)).Msg("room removed")
	}
	return res
}

// Lookup returns the current membership of a room.
func (r *Registry) Lookup(id domain.RoomID) (core.RoomSnapshot, error) {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return core.RoomSnapshot{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.removed {
		return core.RoomSnapshot{}, ErrRoomNotFound
	}
	snap := core.RoomSnapshot{
		Room:         id,
		Participants: make(map[domain.ParticipantID]core.ParticipantDTO, len(room.members)),
	}
	for pid, m := range room.members {
		snap.Participants[pid] = core.ParticipantDTO{DisplayName: m.participant.DisplayName}
	}
	return snap, nil
}

func (r *Registry) List() []core.RoomInfo {
	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.removed {
			out = append(out, core.RoomInfo{Room: room.id, ParticipantCount: len(room.members)})
		}
		room.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// RoomOf reports the registration held by a presence connection.
func (r *Registry) RoomOf(cid domain.ConnectionID) (domain.RoomID, domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[cid]
	if !ok {
		return "", "", false
	}
	return reg.room, reg.participant, true
}
