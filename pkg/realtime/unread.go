package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/putto11262002/airchat/core"
	"golang.org/x/sync/errgroup"
)

// Scope selects what an UnreadAggregator keeps fresh.
type Scope uint8

const (
	// ScopeConversations is the admin's conversation list with per room unread counts.
	ScopeConversations Scope = 1 << iota
	// ScopeChatTotal is the number of conversations with unread messages.
	ScopeChatTotal
	// ScopeReports is the open report counter.
	ScopeReports

	ScopeAll = ScopeConversations | ScopeChatTotal | ScopeReports
)

var ErrScopeDisabled = errors.New("scope not enabled")

// ReportCounter is a confirmed count plus the optimistic delta applied since.
// The delta is discarded, not merged, whenever a new confirmed value arrives.
type ReportCounter struct {
	confirmed int
	pending   int
}

func (c *ReportCounter) Confirm(n int) {
	c.confirmed = n
	c.pending = 0
}

func (c *ReportCounter) Increment() {
	c.pending++
}

// Value never goes below zero.
func (c ReportCounter) Value() int {
	return max(0, c.confirmed+c.pending)
}

// UnreadAggregator keeps unread counts fresh against the change feed.
//
// Any message change triggers a full recount of the conversation scopes.
// Report inserts bump the report counter optimistically and report deletes
// trigger a recount of that counter alone.
type UnreadAggregator struct {
	backend  Backend
	scopes   Scope
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	onUpdate func()

	mu            sync.Mutex
	conversations []core.ConversationSummary
	convErr       error
	// readHints maps a room to the conversation cycle current when it was
	// marked read. Summaries from later cycles supersede the hint.
	readHints map[string]uint64
	chatTotal int
	totalErr  error
	reports   ReportCounter
	reportErr error

	convRecount   *recount[[]core.ConversationSummary]
	totalRecount  *recount[int]
	reportRecount *recount[int]
}

type AggregatorOption func(*UnreadAggregator)

func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *UnreadAggregator) {
		a.logger = l
	}
}

// WithOnUpdate registers a function called after every state change.
func WithOnUpdate(f func()) AggregatorOption {
	return func(a *UnreadAggregator) {
		a.onUpdate = f
	}
}

func NewUnreadAggregator(backend Backend, scopes Scope, opts ...AggregatorOption) *UnreadAggregator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &UnreadAggregator{
		backend:   backend,
		scopes:    scopes,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		ctx:       ctx,
		cancel:    cancel,
		onUpdate:  func() {},
		readHints: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.convRecount = newRecount(ctx, backend.ConversationSummaries, a.applyConversations)
	a.totalRecount = newRecount(ctx, backend.UnreadChatCount, a.applyChatTotal)
	a.reportRecount = newRecount(ctx, backend.OpenReportCount, a.applyReports)
	return a
}

func (a *UnreadAggregator) applyConversations(list []core.ConversationSummary, err error, cycle uint64) {
	a.mu.Lock()
	if err != nil {
		a.convErr = err
		a.conversations = nil
	} else {
		a.convErr = nil
		a.conversations = list
		for room, hint := range a.readHints {
			if cycle > hint {
				delete(a.readHints, room)
			}
		}
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn(fmt.Sprintf("conversation recount: %v", err))
	}
	a.onUpdate()
}

func (a *UnreadAggregator) applyChatTotal(n int, err error, _ uint64) {
	a.mu.Lock()
	if err != nil {
		a.totalErr = err
	} else {
		a.totalErr = nil
		a.chatTotal = n
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn(fmt.Sprintf("unread chat count: %v", err))
	}
	a.onUpdate()
}

func (a *UnreadAggregator) applyReports(n int, err error, _ uint64) {
	a.mu.Lock()
	if err != nil {
		a.reportErr = err
	} else {
		a.reportErr = nil
		a.reports.Confirm(n)
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn(fmt.Sprintf("open report count: %v", err))
	}
	a.onUpdate()
}

// FetchAuthoritative recounts every enabled scope concurrently and waits
// for the results. Failed scopes keep their error until the next recount.
func (a *UnreadAggregator) FetchAuthoritative(ctx context.Context) error {
	var waits []<-chan error
	if a.scopes&ScopeConversations != 0 {
		waits = append(waits, a.convRecount.Request())
	}
	if a.scopes&ScopeChatTotal != 0 {
		waits = append(waits, a.totalRecount.Request())
	}
	if a.scopes&ScopeReports != 0 {
		waits = append(waits, a.reportRecount.Request())
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, done := range waits {
		g.Go(func() error {
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// OnMessageChange recounts the conversation scopes for any change on the
// messages table, whichever room it touches.
func (a *UnreadAggregator) OnMessageChange(_ core.Change) {
	if a.scopes&ScopeConversations != 0 {
		a.convRecount.Request()
	}
	if a.scopes&ScopeChatTotal != 0 {
		a.totalRecount.Request()
	}
}

// OnReportInsert adds one to the report counter without a round trip.
func (a *UnreadAggregator) OnReportInsert(_ core.Change) {
	if a.scopes&ScopeReports == 0 || a.ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	a.reports.Increment()
	a.mu.Unlock()
	a.onUpdate()
}

// OnReportDelete recounts the report counter, deletions may come in bulk.
func (a *UnreadAggregator) OnReportDelete(_ core.Change) {
	if a.scopes&ScopeReports == 0 {
		return
	}
	a.reportRecount.Request()
}

// MarkRead marks a conversation read on the backend and zeroes its count
// locally until a recount started afterwards confirms it.
// A failed call is not rolled back.
func (a *UnreadAggregator) MarkRead(ctx context.Context, roomID string) error {
	if err := a.backend.MarkConversationRead(ctx, roomID); err != nil {
		a.logger.Warn(fmt.Sprintf("mark %s read: %v", roomID, err))
		return fmt.Errorf("MarkConversationRead: %w", err)
	}
	if a.ctx.Err() != nil {
		return nil
	}
	a.mu.Lock()
	a.readHints[roomID] = a.convRecount.Cycles()
	a.mu.Unlock()
	a.onUpdate()
	return nil
}

// Conversations returns the last confirmed conversation list, or the error
// of the last recount if it failed.
func (a *UnreadAggregator) Conversations() ([]core.ConversationSummary, error) {
	if a.scopes&ScopeConversations == 0 {
		return nil, ErrScopeDisabled
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convErr != nil {
		return nil, a.convErr
	}
	list := slices.Clone(a.conversations)
	for i := range list {
		list[i].UnreadCount = a.unreadCount(list[i])
	}
	return list, nil
}

// unreadCount must be called with a.mu held.
func (a *UnreadAggregator) unreadCount(cs core.ConversationSummary) int {
	if _, ok := a.readHints[cs.RoomID]; ok {
		return 0
	}
	return max(0, cs.UnreadCount)
}

// UnreadCount returns the unread count of one conversation, zero if unknown.
func (a *UnreadAggregator) UnreadCount(roomID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cs := range a.conversations {
		if cs.RoomID == roomID {
			return a.unreadCount(cs)
		}
	}
	return 0
}

// TotalUnread returns the number of conversations with unread messages.
func (a *UnreadAggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return max(0, a.chatTotal)
}

func (a *UnreadAggregator) OpenReports() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports.Value()
}

// Err returns the error of the last recount of a scope.
func (a *UnreadAggregator) Err(scope Scope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch scope {
	case ScopeConversations:
		return a.convErr
	case ScopeChatTotal:
		return a.totalErr
	case ScopeReports:
		return a.reportErr
	default:
		return nil
	}
}

// Close stops every recount and waits for in flight fetches.
// Events delivered afterwards change nothing.
func (a *UnreadAggregator) Close() {
	a.cancel()
	a.convRecount.wait()
	a.totalRecount.wait()
	a.reportRecount.wait()
}
