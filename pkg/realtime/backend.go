package realtime

import (
	"context"

	"github.com/putto11262002/airchat/core"
)

// Backend answers the authoritative queries of the signed in admin.
type Backend interface {
	ConversationSummaries(ctx context.Context) ([]core.ConversationSummary, error)
	// UnreadChatCount returns the number of conversations with unread messages.
	UnreadChatCount(ctx context.Context) (int, error)
	OpenReportCount(ctx context.Context) (int, error)
	MarkConversationRead(ctx context.Context, roomID string) error
	Room(ctx context.Context, roomID string) (*core.Room, error)
	RoomMessages(ctx context.Context, roomID string) ([]core.Message, error)
	SendMessage(ctx context.Context, roomID, content, imageURL string) (*core.Message, error)
}
