// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 64
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
)

// ParticipantID is the address of a media identity. It is unique among
// connected identities, not among presence connections.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (p ParticipantID) Validate() error {
	if len(p) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(p) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

type Participant struct {
	ID          ParticipantID `json:"participantId"`
	DisplayName string        `json:"displayName"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{ID: id, DisplayName: displayName}, nil
}
