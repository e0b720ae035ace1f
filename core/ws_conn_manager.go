package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// ConnManager upgrades realtime sockets and hands their frames to the broker.
type ConnManager struct {
	conns *SyncMap[string, *Conn]
	// userConns counts the open sockets of each user.
	userConns *SyncMap[string, int]
	broker    *Broker
	connWg    *sync.WaitGroup
	context   context.Context
	logger    *slog.Logger

	onUserConnected    func(string)
	onUserDisconnected func(string)

	upgrader        websocket.Upgrader
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithWriteStreamSize(n int) ManagerOption {
	return func(m *ConnManager) {
		m.WriteStreamSize = n
	}
}

func NewConnManager(ctx context.Context, wg *sync.WaitGroup, broker *Broker, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:              NewSyncMap[string, *Conn](),
		userConns:          NewSyncMap[string, int](),
		broker:             broker,
		connWg:             wg,
		context:            ctx,
		logger:             logger,
		upgrader:           defaultUpgrader,
		WriteStreamSize:    100,
		onUserConnected:    func(string) {},
		onUserDisconnected: func(string) {},
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnUserConnected is called when a user opens its first socket.
func (m *ConnManager) OnUserConnected(f func(string)) {
	m.onUserConnected = f
}

// OnUserDisconnected is called when the last socket of a user closes.
func (m *ConnManager) OnUserDisconnected(f func(string)) {
	m.onUserDisconnected = f
}

func (m *ConnManager) IsUserConnected(userID string) bool {
	_, ok := m.userConns.Load(userID)
	return ok
}

func (m *ConnManager) Conns() int {
	return m.conns.Len()
}

// Connect upgrades the request and serves the socket of session until it closes.
// The frames of one socket are handled in order.
// When the upgrade fails the upgrader has already replied to the request.
func (m *ConnManager) Connect(session Session, w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	id := uuid.NewString()
	userID := session.UserID
	wsConn := &Conn{
		id:          id,
		userID:      userID,
		role:        session.Role,
		conn:        conn,
		context:     m.context,
		broker:      m.broker,
		writeStream: make(chan *Frame, m.WriteStreamSize),
		done:        make(chan struct{}),
		logger:      m.logger.With(slog.String("connection", id), slog.String("user", userID)),
	}
	wsConn.notifyDisconnect = func() {
		m.disconnect(wsConn)
	}

	m.conns.Store(id, wsConn)
	connectionsGauge.Inc()
	first := m.userConns.Compute(userID, func(n int, _ bool) (int, bool) {
		return n + 1, true
	}) == 1

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	if first {
		m.onUserConnected(userID)
	}
	return nil
}

func (m *ConnManager) disconnect(c *Conn) {
	c.close()
	removed := false
	m.conns.Compute(c.id, func(_ *Conn, ok bool) (*Conn, bool) {
		removed = ok
		return nil, false
	})
	if !removed {
		return
	}
	m.broker.LeaveAll(c)
	connectionsGauge.Dec()

	last := false
	m.userConns.Compute(c.userID, func(n int, ok bool) (int, bool) {
		if !ok {
			return 0, false
		}
		if n <= 1 {
			last = true
			return 0, false
		}
		return n - 1, true
	})
	if last {
		m.onUserDisconnected(c.userID)
	}
}

// CloseAll closes every open socket.
func (m *ConnManager) CloseAll() {
	for _, c := range m.conns.Values() {
		m.disconnect(c)
	}
}
