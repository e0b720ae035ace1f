package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/putto11262002/airchat/core"
)

// UserIDKey is the presence payload field holding the user identifier.
const UserIDKey = core.PresenceUserIDKey

// PresenceTracker keeps the set of users online on one presence channel.
// Every sync replaces the set; there is no incremental join or leave.
type PresenceTracker struct {
	conn     Connection
	logger   *slog.Logger
	onChange func()

	mu     sync.Mutex
	ch     Channel
	self   string
	gen    uint64
	online map[string]struct{}
}

type PresenceOption func(*PresenceTracker)

func WithPresenceLogger(l *slog.Logger) PresenceOption {
	return func(p *PresenceTracker) {
		p.logger = l
	}
}

// WithOnPresenceChange registers a function called after every sync.
func WithOnPresenceChange(f func()) PresenceOption {
	return func(p *PresenceTracker) {
		p.onChange = f
	}
}

func NewPresenceTracker(conn Connection, opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		conn:     conn,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		onChange: func() {},
		online:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Join subscribes to a presence channel and tracks self once the channel is subscribed.
// Joining the channel already joined is a no-op; joining another one leaves the current channel first.
func (p *PresenceTracker) Join(ctx context.Context, name, self string) error {
	p.mu.Lock()
	if p.ch != nil && p.ch.Name() == name {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.Leave()

	ch, err := p.conn.Channel(name)
	if err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.ch = ch
	p.self = self
	p.online = make(map[string]struct{})
	p.mu.Unlock()

	ch.OnPresenceSync(func(state core.PresenceState) {
		p.sync(gen, state)
	})

	var track sync.Once
	ch.Subscribe(ctx, func(status Status, err error) {
		switch status {
		case StatusSubscribed:
			track.Do(func() {
				if err := ch.Track(ctx, core.PresenceMeta{UserIDKey: self}); err != nil {
					p.logger.Warn(fmt.Sprintf("track on %s: %v", name, err))
				}
			})
		case StatusChannelError, StatusTimedOut:
			p.logger.Warn(fmt.Sprintf("presence channel %s: %s", name, status), slog.Any("error", err))
		}
	})
	return nil
}

func (p *PresenceTracker) sync(gen uint64, state core.PresenceState) {
	online := Flatten(state)

	p.mu.Lock()
	if gen != p.gen || p.ch == nil {
		// event from a channel that was left
		p.mu.Unlock()
		return
	}
	p.online = online
	p.mu.Unlock()
	p.onChange()
}

// Flatten collects the user_id of every payload of every key of a presence state.
func Flatten(state core.PresenceState) map[string]struct{} {
	online := make(map[string]struct{})
	for _, metas := range state {
		for _, meta := range metas {
			if id, ok := meta[UserIDKey].(string); ok && id != "" {
				online[id] = struct{}{}
			}
		}
	}
	return online
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online users in ascending order.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Leave unsubscribes from the current channel. It is safe to call more than once.
func (p *PresenceTracker) Leave() {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	p.gen++
	p.online = make(map[string]struct{})
	p.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Unsubscribe(); err != nil {
		p.logger.Warn(fmt.Sprintf("leave %s: %v", ch.Name(), err))
	}
}
