package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
	ErrUnknownEvent  = errors.New("unknown event")

	// ErrForbiddenBinding is returned when a subscriber asks for changes it may not see.
	ErrForbiddenBinding = errors.New("forbidden binding")
)

// Subscriber is a realtime peer, one per socket.
type Subscriber interface {
	// ID is unique per socket and doubles as the presence key.
	ID() string
	UserID() string
	Role() Role
	// Send delivers a frame, it returns false if the subscriber is gone.
	Send(f *Frame) bool
}

// Authorizer decides whether sub may receive the changes selected by binding.
// A non nil error rejects the whole join.
type Authorizer func(ctx context.Context, sub Subscriber, binding ChangeBinding) error

// AdminBindingsOnly lets admins bind anything and rejects every other binding.
func AdminBindingsOnly(_ context.Context, sub Subscriber, _ ChangeBinding) error {
	if sub.Role() == AdminRole {
		return nil
	}
	return ErrForbiddenBinding
}

type frameHandler func(ctx context.Context, sub Subscriber, f *Frame) error

type member struct {
	sub      Subscriber
	bindings []ChangeBinding
	// presence is nil until the member tracks.
	presence []PresenceMeta
}

type topic struct {
	name    string
	members map[string]*member
}

func (t *topic) presenceState() PresenceState {
	state := make(PresenceState)
	for id, m := range t.members {
		if m.presence != nil {
			state[id] = append([]PresenceMeta(nil), m.presence...)
		}
	}
	return state
}

// Broker routes realtime frames between subscribers.
// It owns the topics: their change bindings and presence state.
type Broker struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	handlers map[string]frameHandler
	bus      ChangeBus
	authz    Authorizer
	logger   *slog.Logger
}

type BrokerOption func(*Broker)

// WithAuthorizer replaces AdminBindingsOnly as the check run on every binding of a join.
func WithAuthorizer(a Authorizer) BrokerOption {
	return func(b *Broker) {
		b.authz = a
	}
}

func NewBroker(bus ChangeBus, logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics: make(map[string]*topic),
		bus:    bus,
		authz:  AdminBindingsOnly,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.handlers = map[string]frameHandler{
		JoinEvent:    b.handleJoin,
		LeaveEvent:   b.handleLeave,
		TrackEvent:   b.handleTrack,
		UntrackEvent: b.handleUntrack,
	}
	return b
}

// Run fans changes from the bus out to matching bindings until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	changes, err := b.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			changesTotal.WithLabelValues(c.Table, string(c.Type)).Inc()
			b.Dispatch(c)
		case <-ctx.Done():
			return nil
		}
	}
}

// delivery is a frame waiting to be sent once the broker lock is released.
type delivery struct {
	sub   Subscriber
	frame *Frame
}

// Dispatch delivers a change to every member with at least one matching binding.
func (b *Broker) Dispatch(c Change) {
	var out []delivery
	b.mu.RLock()
	for _, t := range b.topics {
		for _, m := range t.members {
			var ids []int
			for _, binding := range m.bindings {
				if binding.Matches(c) {
					ids = append(ids, binding.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			f, err := NewFrame(t.name, ChangesEvent, 0, ChangesPayload{IDs: ids, Change: c})
			if err != nil {
				b.logger.Error(err.Error())
				continue
			}
			out = append(out, delivery{sub: m.sub, frame: f})
		}
	}
	b.mu.RUnlock()

	for _, d := range out {
		b.send(d.sub, d.frame)
	}
}

func (b *Broker) send(sub Subscriber, f *Frame) {
	if sub.Send(f) {
		framesSent.WithLabelValues(f.Event).Inc()
	}
}

// Handle processes a frame sent by sub and replies to it when it carries a ref.
func (b *Broker) Handle(ctx context.Context, sub Subscriber, f *Frame) {
	h, ok := b.handlers[f.Event]
	var err error
	if !ok {
		err = ErrUnknownEvent
	} else {
		err = h(ctx, sub, f)
	}
	if err != nil {
		b.logger.Debug(fmt.Sprintf("%s handler: %v", f.Event, err), slog.String("topic", f.Topic))
	}
	if f.Ref == 0 {
		return
	}

	reply := ReplyPayload{Status: ReplyOK}
	if err != nil {
		reply = ReplyPayload{Status: ReplyError, Error: err.Error()}
	}
	rf, ferr := NewFrame(f.Topic, ReplyEvent, f.Ref, reply)
	if ferr != nil {
		b.logger.Error(ferr.Error())
		return
	}
	b.send(sub, rf)

	// the joiner gets the current presence state right after the ok reply
	if err == nil && f.Event == JoinEvent {
		b.mu.RLock()
		state := PresenceState{}
		if t, ok := b.topics[f.Topic]; ok {
			state = t.presenceState()
		}
		b.mu.RUnlock()
		if sf, err := NewFrame(f.Topic, PresenceStateEvent, 0, state); err == nil {
			b.send(sub, sf)
		}
	}
}

func (b *Broker) handleJoin(ctx context.Context, sub Subscriber, f *Frame) error {
	var payload JoinPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal join payload: %w", err)
		}
	}
	return b.Join(ctx, sub, f.Topic, payload.Bindings)
}

func (b *Broker) handleLeave(_ context.Context, sub Subscriber, f *Frame) error {
	return b.Leave(sub, f.Topic)
}

func (b *Broker) handleTrack(_ context.Context, sub Subscriber, f *Frame) error {
	var meta PresenceMeta
	if err := json.Unmarshal(f.Payload, &meta); err != nil {
		return fmt.Errorf("unmarshal track payload: %w", err)
	}
	return b.Track(sub, f.Topic, meta)
}

func (b *Broker) handleUntrack(_ context.Context, sub Subscriber, f *Frame) error {
	return b.Untrack(sub, f.Topic)
}

// Join adds sub to a topic, creating the topic on first join.
// Every binding must pass the authorizer, otherwise nothing is joined.
func (b *Broker) Join(ctx context.Context, sub Subscriber, name string, bindings []ChangeBinding) error {
	if name == "" {
		return errors.New("empty topic")
	}
	for _, binding := range bindings {
		if err := binding.Validate(); err != nil {
			return fmt.Errorf("binding %d: %w", binding.ID, err)
		}
		if err := b.authz(ctx, sub, binding); err != nil {
			return fmt.Errorf("binding %d: %w", binding.ID, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, members: make(map[string]*member)}
		b.topics[name] = t
		topicsGauge.Inc()
	}
	if _, ok := t.members[sub.ID()]; ok {
		return ErrAlreadyJoined
	}
	t.members[sub.ID()] = &member{sub: sub, bindings: bindings}
	return nil
}

// Track replaces the presence payloads of sub in a topic and broadcasts the new state.
// The user id of the payload is always the user of sub.
func (b *Broker) Track(sub Subscriber, name string, meta PresenceMeta) error {
	meta = maps.Clone(meta)
	if meta == nil {
		meta = PresenceMeta{}
	}
	meta[PresenceUserIDKey] = sub.UserID()

	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok || t.members[sub.ID()] == nil {
		b.mu.Unlock()
		return ErrNotJoined
	}
	t.members[sub.ID()].presence = []PresenceMeta{meta}
	b.mu.Unlock()

	b.broadcastPresence(name)
	return nil
}

func (b *Broker) Untrack(sub Subscriber, name string) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok || t.members[sub.ID()] == nil {
		b.mu.Unlock()
		return ErrNotJoined
	}
	m := t.members[sub.ID()]
	tracked := m.presence != nil
	m.presence = nil
	b.mu.Unlock()

	if tracked {
		b.broadcastPresence(name)
	}
	return nil
}

// Leave removes sub from a topic. Its presence, if any, is dropped and
// the remaining members receive the new state.
func (b *Broker) Leave(sub Subscriber, name string) error {
	b.mu.Lock()
	tracked, err := b.leave(sub, name)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if tracked {
		b.broadcastPresence(name)
	}
	return nil
}

// LeaveAll removes sub from every topic it joined.
func (b *Broker) LeaveAll(sub Subscriber) {
	b.mu.Lock()
	var changed []string
	for name, t := range b.topics {
		if _, ok := t.members[sub.ID()]; !ok {
			continue
		}
		if tracked, _ := b.leave(sub, name); tracked {
			changed = append(changed, name)
		}
	}
	b.mu.Unlock()

	for _, name := range changed {
		b.broadcastPresence(name)
	}
}

// leave must be called with b.mu held.
func (b *Broker) leave(sub Subscriber, name string) (bool, error) {
	t, ok := b.topics[name]
	if !ok {
		return false, ErrNotJoined
	}
	m, ok := t.members[sub.ID()]
	if !ok {
		return false, ErrNotJoined
	}
	delete(t.members, sub.ID())
	if len(t.members) == 0 {
		delete(b.topics, name)
		topicsGauge.Dec()
	}
	return m.presence != nil, nil
}

func (b *Broker) broadcastPresence(name string) {
	b.mu.RLock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.RUnlock()
		return
	}
	state := t.presenceState()
	subs := make([]Subscriber, 0, len(t.members))
	for _, m := range t.members {
		subs = append(subs, m.sub)
	}
	b.mu.RUnlock()

	f, err := NewFrame(name, PresenceStateEvent, 0, state)
	if err != nil {
		b.logger.Error(err.Error())
		return
	}
	for _, sub := range subs {
		b.send(sub, f)
	}
}

// PresenceState returns a copy of the presence state of a topic.
func (b *Broker) PresenceState(name string) PresenceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return PresenceState{}
	}
	return t.presenceState()
}

// Topics returns the number of live topics.
func (b *Broker) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
