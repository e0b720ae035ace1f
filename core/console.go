package core

import (
	"context"
	"errors"
	"time"
)

// Room is a two-party conversation.
// Only one room can exist between the same pair of profiles.
type Room struct {
	ID             string    `json:"id"`
	Participant1ID string    `json:"participant1_id"`
	Participant2ID string    `json:"participant2_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Counterpart returns the participant of the room that is not self.
func (r Room) Counterpart(self string) string {
	if r.Participant1ID == self {
		return r.Participant2ID
	}
	return r.Participant1ID
}

func (r Room) HasParticipant(id string) bool {
	return r.Participant1ID == id || r.Participant2ID == id
}

// Message is a chat message sent by a participant of a room.
// A message carries text, an image URL or both.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is an abuse report filed against a user.
// A report is open for as long as it exists; resolving it deletes it.
type Report struct {
	ID             string    `json:"id"`
	ReporterID     string    `json:"reporter_id"`
	ReportedUserID string    `json:"reported_user_id"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is one row of the admin's conversation list.
// Clients treat it as an immutable snapshot that is replaced on every refetch.
type ConversationSummary struct {
	RoomID            string    `json:"room_id"`
	CounterpartID     string    `json:"counterpart_id"`
	CounterpartName   string    `json:"counterpart_name"`
	CounterpartAvatar string    `json:"counterpart_avatar"`
	LastMessage       string    `json:"last_message"`
	LastMessageTime   time.Time `json:"last_message_time"`
	UnreadCount       int       `json:"unread_count"`
}

var (
	// ErrInvalidUser is returned when a user is not found or is invalid.
	ErrInvalidUser = errors.New("invalid user")
	// ErrConflictedRoom is returned when a room already exists between two users.
	ErrConflictedRoom = errors.New("chat already exists")
	// ErrInvalidRoom is returned when a room is not found or the user is not a participant.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrInvalidMessage is returned when a message has neither content nor image.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidReport is returned when a report is not found.
	ErrInvalidReport       = errors.New("invalid report")
	ErrDisAllowedOperation = errors.New("disallowed operation")
)

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	RoomID   string `json:"room_id" validate:"required"`
	SenderID string `json:"sender_id" validate:"required"`
	Content  string `json:"content" validate:"required_without=ImageURL"`
	ImageURL string `json:"image_url" validate:"omitempty,url"`
}

func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

// ReportCreateInput represents the input for filing a report.
type ReportCreateInput struct {
	ReporterID     string `json:"reporter_id" validate:"required"`
	ReportedUserID string `json:"reported_user_id" validate:"required,nefield=ReporterID"`
	Reason         string `json:"reason" validate:"required"`
}

func (r *ReportCreateInput) Validate() error {
	return validate.Struct(r)
}

type ConsoleStore interface {
	// CreateRoom creates a room between two profiles and returns its ID.
	// If either profile does not exist, it returns ErrInvalidUser.
	// If a room already exists between them, in either order, it returns ErrConflictedRoom.
	CreateRoom(ctx context.Context, participant1, participant2 string) (string, error)

	// GetRoom returns nil if the room does not exist.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// SendMessage stores a message and publishes an INSERT change for it.
	// If the sender is not a participant of the room, it returns ErrInvalidRoom.
	SendMessage(ctx context.Context, input MessageCreateInput) (*Message, error)

	// GetRoomMessages returns the messages of a room in ascending order of creation.
	GetRoomMessages(ctx context.Context, roomID string) ([]Message, error)

	// MarkConversationRead marks every message in the room that was not sent
	// by reader as read. An UPDATE change is published for every row that changed.
	// It returns the number of messages that were marked.
	MarkConversationRead(ctx context.Context, roomID, reader string) (int, error)

	// GetConversationSummaries returns one summary per room the admin participates in,
	// ordered by the time of the last message, most recent first.
	GetConversationSummaries(ctx context.Context, admin string) ([]ConversationSummary, error)

	// GetUnreadChatCount returns the number of the admin's rooms holding at least
	// one message the admin has not read.
	GetUnreadChatCount(ctx context.Context, admin string) (int, error)

	// CreateReport files a report and publishes an INSERT change for it.
	CreateReport(ctx context.Context, input ReportCreateInput) (*Report, error)

	// DeleteReport resolves a report and publishes a DELETE change for it.
	// If the report does not exist, it returns ErrInvalidReport.
	DeleteReport(ctx context.Context, reportID string) error

	// ListReports returns the open reports, most recent first.
	ListReports(ctx context.Context) ([]Report, error)

	GetOpenReportCount(ctx context.Context) (int, error)

	// BanUser bans a profile. If reportID is not empty the report is resolved in the same transaction.
	BanUser(ctx context.Context, userID, reportID string) error

	UnbanUser(ctx context.Context, userID string) error

	// ListBannedUsers returns the banned profiles ordered by name.
	ListBannedUsers(ctx context.Context) ([]Profile, error)
}
