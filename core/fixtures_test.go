package core

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a private in memory database with every migration applied.
func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(uuid.NewString(), "../migrations", &SQLiteDBOption{
		Mode:         "memory",
		Cache:        "shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	f := &BaseFixture{
		ctx: ctx,
		db:  db.DB,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
	t.Cleanup(f.tearDown)
	return f
}

type ConsoleFixture struct {
	*BaseFixture
	userStore     *SQLiteUserStore
	consoleStore  *SQLiteConsoleStore
	transferStore *SQLiteTransferStore
	bus           *LocalBus
	changes       <-chan Change
}

func NewConsoleFixture(t *testing.T) *ConsoleFixture {
	base := NewBaseFixture(t)
	bus := NewLocalBus()
	changes, err := bus.Subscribe(base.ctx)
	require.NoError(t, err)

	userStore := NewSQLiteUserStore(base.db)
	return &ConsoleFixture{
		BaseFixture:   base,
		userStore:     userStore,
		consoleStore:  NewSQLiteConsoleStore(base.db, userStore, bus, testLogger),
		transferStore: NewSQLiteTransferStore(base.db, userStore, bus, testLogger),
		bus:           bus,
		changes:       changes,
	}
}

// nextChange returns the next published change or fails the test.
func (f *ConsoleFixture) nextChange() Change {
	f.t.Helper()
	select {
	case c := <-f.changes:
		return c
	default:
		f.t.Fatal("no change was published")
		return Change{}
	}
}

func (f *ConsoleFixture) requireNoChange() {
	f.t.Helper()
	select {
	case c := <-f.changes:
		f.t.Fatalf("unexpected change: %v", c)
	default:
	}
}
