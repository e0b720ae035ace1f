package core

import (
	"context"
	"fmt"
)

// RoomReader looks up a room, returning nil if it does not exist.
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*Room, error)
}

// NewParticipantAuthorizer lets admins bind anything. Other users may only
// bind the messages of a room they take part in, selected with a room_id filter.
func NewParticipantAuthorizer(rooms RoomReader) Authorizer {
	return func(ctx context.Context, sub Subscriber, binding ChangeBinding) error {
		if sub.Role() == AdminRole {
			return nil
		}
		if binding.Table != MessagesTable || binding.Filter == "" {
			return ErrForbiddenBinding
		}
		column, roomID, err := ParseFilter(binding.Filter)
		if err != nil {
			return err
		}
		if column != "room_id" {
			return ErrForbiddenBinding
		}
		room, err := rooms.GetRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("get room: %w", err)
		}
		if room == nil || !room.HasParticipant(sub.UserID()) {
			return ErrForbiddenBinding
		}
		return nil
	}
}
