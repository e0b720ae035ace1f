// Package realtime keeps a client side view of who is online and how many
// items are unread consistent with the backend change feed.
package realtime

import (
	"context"
	"errors"

	"github.com/putto11262002/airchat/core"
)

// Status is the subscription status of a channel.
type Status int

const (
	StatusSubscribed Status = iota + 1
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrChannelInUse is returned when a connection already has a channel with the same name.
	ErrChannelInUse = errors.New("channel name already in use")
	ErrChannelClosed = errors.New("channel closed")
	ErrConnClosed    = errors.New("connection closed")
)

type ChangeHandler func(core.Change)

type SyncHandler func(core.PresenceState)

type StatusHandler func(Status, error)

// Connection is a process wide realtime connection multiplexing many channels.
type Connection interface {
	// Channel creates a channel. Names are unique per connection until the channel is unsubscribed.
	Channel(name string) (Channel, error)
	Close() error
}

// Channel is one named subscription on a Connection.
// Handlers must be registered before Subscribe and are called sequentially
// in the order the server delivered the events.
type Channel interface {
	Name() string
	OnChanges(binding core.ChangeBinding, h ChangeHandler)
	OnPresenceSync(h SyncHandler)
	// Subscribe joins the channel; cb receives every status transition.
	Subscribe(ctx context.Context, cb StatusHandler)
	// Track announces a presence payload for this connection on the channel.
	Track(ctx context.Context, meta core.PresenceMeta) error
	// PresenceState returns the last presence state received.
	PresenceState() core.PresenceState
	// Unsubscribe leaves the channel. Events read after it returns are not
	// delivered, but a handler already running may still be finishing.
	Unsubscribe() error
}
