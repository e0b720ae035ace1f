package realtime

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/putto11262002/airchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(b Backend, scopes Scope, updates *atomic.Int32) *UnreadAggregator {
	opts := []AggregatorOption{WithAggregatorLogger(testLogger)}
	if updates != nil {
		opts = append(opts, WithOnUpdate(func() { updates.Add(1) }))
	}
	return NewUnreadAggregator(b, scopes, opts...)
}

// settle waits until every recount of the aggregator has gone idle.
func settle(a *UnreadAggregator) {
	a.convRecount.wait()
	a.totalRecount.wait()
	a.reportRecount.wait()
}

func reportChange(t core.ChangeType) core.Change {
	r := core.Report{ID: "r1", ReporterID: "u1", ReportedUserID: "u2", Reason: "spam"}
	if t == core.Delete {
		return mustChange(core.ReportsTable, t, nil, r)
	}
	return mustChange(core.ReportsTable, t, r, nil)
}

func messageChange(roomID string) core.Change {
	return mustChange(core.MessagesTable, core.Insert, core.Message{ID: 1, RoomID: roomID, SenderID: "u1", Content: "hi"}, nil)
}

func TestReportCounter(t *testing.T) {
	var c ReportCounter
	assert.Equal(t, 0, c.Value())

	c.Confirm(3)
	c.Increment()
	assert.Equal(t, 4, c.Value())

	// a confirmed value replaces the optimistic delta
	c.Confirm(2)
	assert.Equal(t, 2, c.Value())

	c.Confirm(-5)
	c.Increment()
	assert.Equal(t, 0, c.Value())
}

func TestOpenReports(t *testing.T) {
	b := newFakeBackend()
	b.reports = 3
	var updates atomic.Int32
	agg := newTestAggregator(b, ScopeReports, &updates)
	defer agg.Close()

	require.NoError(t, agg.FetchAuthoritative(context.Background()))
	assert.Equal(t, 3, agg.OpenReports())

	agg.OnReportInsert(reportChange(core.Insert))
	assert.Equal(t, 4, agg.OpenReports())
	assert.Equal(t, 1, b.callCount("OpenReportCount"))

	b.setReports(2)
	agg.OnReportDelete(reportChange(core.Delete))
	settle(agg)
	assert.Equal(t, 2, agg.OpenReports())
	assert.Equal(t, 2, b.callCount("OpenReportCount"))
	assert.Equal(t, int32(3), updates.Load())
}

func TestOpenReportsConverge(t *testing.T) {
	b := newFakeBackend()
	b.reports = 1
	agg := newTestAggregator(b, ScopeReports, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))

	// optimistic increments may drift from the truth
	for range 5 {
		agg.OnReportInsert(reportChange(core.Insert))
	}
	assert.Equal(t, 6, agg.OpenReports())

	b.setReports(4)
	agg.OnReportDelete(reportChange(core.Delete))
	settle(agg)
	assert.Equal(t, 4, agg.OpenReports())
}

func TestMessageChangeRecounts(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 1}}
	b.unreadChats = 1
	agg := newTestAggregator(b, ScopeConversations|ScopeChatTotal, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))
	assert.Equal(t, 1, agg.TotalUnread())

	b.mu.Lock()
	b.summaries = append(b.summaries, core.ConversationSummary{RoomID: "room2", UnreadCount: 4})
	b.unreadChats = 2
	b.mu.Unlock()

	// a change in any room recounts everything
	agg.OnMessageChange(messageChange("room2"))
	settle(agg)
	list, err := agg.Conversations()
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 4, agg.UnreadCount("room2"))
	assert.Equal(t, 2, agg.TotalUnread())
	assert.Equal(t, 0, b.callCount("OpenReportCount"))
}

func TestNegativeUnreadCount(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: -2}}
	b.unreadChats = -1
	agg := newTestAggregator(b, ScopeConversations|ScopeChatTotal, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))

	assert.Equal(t, 0, agg.UnreadCount("room1"))
	assert.Equal(t, 0, agg.TotalUnread())
	assert.Equal(t, 0, agg.UnreadCount("unknown"))
}

func TestMarkRead(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{
		{RoomID: "room1", UnreadCount: 3},
		{RoomID: "room2", UnreadCount: 1},
	}
	agg := newTestAggregator(b, ScopeConversations, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))
	require.Equal(t, 3, agg.UnreadCount("room1"))

	require.NoError(t, agg.MarkRead(context.Background(), "room1"))
	assert.Equal(t, 0, agg.UnreadCount("room1"))
	assert.Equal(t, 1, agg.UnreadCount("room2"))
	assert.Equal(t, []string{"room1"}, b.markedRooms())

	// the read itself produces message updates, the recount confirms zero
	agg.OnMessageChange(messageChange("room1"))
	settle(agg)
	assert.Equal(t, 0, agg.UnreadCount("room1"))
	agg.mu.Lock()
	assert.Empty(t, agg.readHints)
	agg.mu.Unlock()

	t.Run("new messages after the read count again", func(t *testing.T) {
		b.setUnread("room1", 2)
		agg.OnMessageChange(messageChange("room1"))
		settle(agg)
		assert.Equal(t, 2, agg.UnreadCount("room1"))
	})
}

func TestMarkReadDuringRecount(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 3}}
	agg := newTestAggregator(b, ScopeConversations, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))

	b.block()
	agg.OnMessageChange(messageChange("room1"))
	<-b.started

	// the recount in flight started before the read and still sees 3
	require.NoError(t, agg.MarkRead(context.Background(), "room1"))
	b.gate <- struct{}{}
	settle(agg)
	assert.Equal(t, 0, agg.UnreadCount("room1"))

	agg.OnMessageChange(messageChange("room1"))
	<-b.started
	b.gate <- struct{}{}
	settle(agg)
	assert.Equal(t, 0, agg.UnreadCount("room1"))
	agg.mu.Lock()
	assert.Empty(t, agg.readHints)
	agg.mu.Unlock()
}

func TestMarkReadFailure(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 3}}
	b.markErr = errBackend
	agg := newTestAggregator(b, ScopeConversations, nil)
	defer agg.Close()
	require.NoError(t, agg.FetchAuthoritative(context.Background()))

	require.ErrorIs(t, agg.MarkRead(context.Background(), "room1"), errBackend)
	assert.Equal(t, 3, agg.UnreadCount("room1"))
}

func TestRecountCoalesces(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 1}}
	b.block()
	agg := newTestAggregator(b, ScopeConversations, nil)
	defer agg.Close()

	done := make(chan error, 1)
	go func() {
		done <- agg.FetchAuthoritative(context.Background())
	}()
	<-b.started

	for range 3 {
		agg.OnMessageChange(messageChange("room1"))
	}
	b.gate <- struct{}{}
	require.NoError(t, <-done)

	// one trailing fetch serves every change received while the first was in flight
	<-b.started
	b.gate <- struct{}{}
	settle(agg)
	assert.Equal(t, 2, b.callCount("ConversationSummaries"))
	assert.Equal(t, uint64(2), agg.convRecount.Cycles())
}

func TestRecountFailureShownInline(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 1}}
	b.summaryErr = errBackend
	agg := newTestAggregator(b, ScopeConversations, nil)
	defer agg.Close()

	require.ErrorIs(t, agg.FetchAuthoritative(context.Background()), errBackend)
	_, err := agg.Conversations()
	require.ErrorIs(t, err, errBackend)
	require.ErrorIs(t, agg.Err(ScopeConversations), errBackend)

	b.mu.Lock()
	b.summaryErr = nil
	b.mu.Unlock()
	agg.OnMessageChange(messageChange("room1"))
	settle(agg)
	list, err := agg.Conversations()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.NoError(t, agg.Err(ScopeConversations))
}

func TestDisabledScopes(t *testing.T) {
	b := newFakeBackend()
	agg := newTestAggregator(b, ScopeReports, nil)
	defer agg.Close()

	_, err := agg.Conversations()
	require.ErrorIs(t, err, ErrScopeDisabled)

	agg.OnMessageChange(messageChange("room1"))
	require.NoError(t, agg.FetchAuthoritative(context.Background()))
	settle(agg)
	assert.Equal(t, 0, b.callCount("ConversationSummaries"))
	assert.Equal(t, 0, b.callCount("UnreadChatCount"))
	assert.Equal(t, 1, b.callCount("OpenReportCount"))
}

func TestAggregatorClose(t *testing.T) {
	b := newFakeBackend()
	b.reports = 2
	b.unreadChats = 1
	var updates atomic.Int32
	agg := newTestAggregator(b, ScopeAll, &updates)
	require.NoError(t, agg.FetchAuthoritative(context.Background()))
	agg.Close()
	seen := updates.Load()

	agg.OnReportInsert(reportChange(core.Insert))
	agg.OnReportDelete(reportChange(core.Delete))
	agg.OnMessageChange(messageChange("room1"))
	settle(agg)

	assert.Equal(t, 2, agg.OpenReports())
	assert.Equal(t, 1, b.callCount("OpenReportCount"))
	assert.Equal(t, 1, b.callCount("ConversationSummaries"))
	assert.Equal(t, seen, updates.Load())
	assert.ErrorIs(t, agg.FetchAuthoritative(context.Background()), context.Canceled)
}

func TestCloseDropsFetchInFlight(t *testing.T) {
	b := newFakeBackend()
	b.summaries = []core.ConversationSummary{{RoomID: "room1", UnreadCount: 5}}
	b.block()
	agg := newTestAggregator(b, ScopeConversations, nil)

	agg.OnMessageChange(messageChange("room1"))
	<-b.started
	agg.Close()

	list, err := agg.Conversations()
	require.NoError(t, err)
	assert.Empty(t, list)
}
