package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	MessagesTable = "messages"
	ReportsTable  = "reports"
	ProfilesTable = "profiles"
)

type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
	// AnyChange matches every change type in a binding.
	AnyChange ChangeType = "*"
)

// Change is a row level change notification.
// Record holds the row after the change, OldRecord the row before it.
// Inserts carry only Record, deletes only OldRecord.
type Change struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	CommitAt  time.Time       `json:"commit_at"`
}

func (c Change) String() string {
	return fmt.Sprintf("Change{Table: %s, Type: %s}", c.Table, c.Type)
}

func NewChange(table string, t ChangeType, record, old any) (Change, error) {
	c := Change{Table: table, Type: t, CommitAt: time.Now()}
	if record != nil {
		b, err := json.Marshal(record)
		if err != nil {
			return c, fmt.Errorf("marshal record: %w", err)
		}
		c.Record = b
	}
	if old != nil {
		b, err := json.Marshal(old)
		if err != nil {
			return c, fmt.Errorf("marshal old record: %w", err)
		}
		c.OldRecord = b
	}
	return c, nil
}

// Decode unmarshals the changed row into v, the new row if there is one, the old one otherwise.
func (c Change) Decode(v any) error {
	raw := c.Record
	if len(raw) == 0 {
		raw = c.OldRecord
	}
	if len(raw) == 0 {
		return errors.New("change carries no row")
	}
	return json.Unmarshal(raw, v)
}

// Field returns the value of a column of the changed row formatted as a string.
// The new row is consulted first, then the old one.
func (c Change) Field(column string) (string, bool) {
	for _, raw := range []json.RawMessage{c.Record, c.OldRecord} {
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		switch v := v.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

var ErrInvalidFilter = errors.New("invalid filter")

// ParseFilter parses a filter of the form column=eq.value.
func ParseFilter(filter string) (column, value string, err error) {
	column, rest, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return "", "", ErrInvalidFilter
	}
	value, ok = strings.CutPrefix(rest, "eq.")
	if !ok {
		return "", "", ErrInvalidFilter
	}
	return column, value, nil
}

// ChangeBinding selects the changes a channel wants to receive.
// An empty Events slice, or one containing AnyChange, matches every type.
type ChangeBinding struct {
	ID     int          `json:"id"`
	Table  string       `json:"table" validate:"required"`
	Events []ChangeType `json:"events"`
	Filter string       `json:"filter,omitempty"`
}

func (b ChangeBinding) Validate() error {
	if err := validate.Struct(b); err != nil {
		return err
	}
	if b.Filter != "" {
		if _, _, err := ParseFilter(b.Filter); err != nil {
			return err
		}
	}
	return nil
}

func (b ChangeBinding) Matches(c Change) bool {
	if b.Table != c.Table {
		return false
	}
	if len(b.Events) > 0 && !slices.Contains(b.Events, AnyChange) && !slices.Contains(b.Events, c.Type) {
		return false
	}
	if b.Filter == "" {
		return true
	}
	column, value, err := ParseFilter(b.Filter)
	if err != nil {
		return false
	}
	got, ok := c.Field(column)
	return ok && got == value
}

// ChangeBus carries change notifications from the store to the realtime broker.
type ChangeBus interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe returns a stream of changes that is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// LocalBus is an in process ChangeBus.
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[int]*localSub
	next       int
	BufferSize int
}

type localSub struct {
	ch   chan Change
	done chan struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*localSub), BufferSize: 100}
}

func (b *LocalBus) Publish(ctx context.Context, c Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- c:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Change, error) {
	sub := &localSub{ch: make(chan Change, b.BufferSize), done: make(chan struct{})}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		// unblock publishers before taking the write lock
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}
