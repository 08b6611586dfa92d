package domain

import (
	"errors"
	"fmt"
)

const MaxRoomIDLen = 128

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	RoomID       string
	ConnectionID string
)

func (r RoomID) Validate() error {
	if len(r) == 0 {
		return ErrRoomIDEmpty
	}
	if len(r) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

// JoinEvent is the presence event name announcing an arrival in room.
func JoinEvent(room RoomID) string {
	return fmt.Sprintf("room:%s:join", room)
}

// LeaveEvent is the presence event name announcing a departure from room.
func LeaveEvent(room RoomID) string {
	return fmt.Sprintf("room:%s:leave", room)
}
