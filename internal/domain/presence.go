package domain

// JoinCommand is what a client emits once its media identity is open.
type JoinCommand struct {
	Room          RoomID        `json:"room"`
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName,omitempty"`
}

// JoinPayload travels with a room join event. Receivers have no registry of
// their own, so the display name rides along.
type JoinPayload struct {
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName"`
}

type LeavePayload struct {
	ParticipantID ParticipantID `json:"participantId"`
}
