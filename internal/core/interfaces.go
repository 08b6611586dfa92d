package core

import "github.com/dkeye/meshroom/internal/domain"

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SignalConnection
}

// Merge folds other into r.
func (r *PublishResult) Merge(other PublishResult) {
	r.SendTo += other.SendTo
	r.Dropped = append(r.Dropped, other.Dropped...)
}

// ParticipantDTO is a read-only view for APIs (no transport fields).
type ParticipantDTO struct {
	DisplayName string `json:"displayName"`
}

type RoomSnapshot struct {
	Room         domain.RoomID                           `json:"room"`
	Participants map[domain.ParticipantID]ParticipantDTO `json:"participants"`
}

type RoomInfo struct {
	Room             domain.RoomID `json:"room"`
	ParticipantCount int           `json:"participant_count"`
}
