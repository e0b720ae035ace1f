package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/airchat/core"
)

const (
	defaultJoinTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
	// closeWait bounds the wait for the server to answer a close frame.
	closeWait = time.Second
)

// WSConnection is a Connection over one websocket.
// A single read loop dispatches every frame, so the handlers of all the
// channels of a connection run one at a time in the order the server sent them.
type WSConnection struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	joinTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*wsChannel
	joins    map[int]*wsChannel
	ref      int
	closed   bool

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

type WSOption func(*WSConnection)

func WithWSLogger(l *slog.Logger) WSOption {
	return func(c *WSConnection) {
		c.logger = l
	}
}

func WithJoinTimeout(d time.Duration) WSOption {
	return func(c *WSConnection) {
		c.joinTimeout = d
	}
}

// DialWS opens the realtime socket at url authenticated with a bearer token.
func DialWS(ctx context.Context, url, token string, opts ...WSOption) (*WSConnection, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, res.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSConnection{
		conn:        conn,
		logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		joinTimeout: defaultJoinTimeout,
		channels:    make(map[string]*wsChannel),
		joins:       make(map[int]*wsChannel),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

func (c *WSConnection) Channel(name string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	if _, ok := c.channels[name]; ok {
		return nil, ErrChannelInUse
	}
	ch := &wsChannel{name: name, conn: c, state: core.PresenceState{}}
	c.channels[name] = ch
	return ch, nil
}

// Close closes the socket and every channel on it.
func (c *WSConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		werr := c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if werr == nil {
			select {
			case <-c.done:
			case <-time.After(closeWait):
			}
		}
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Done is closed once the read loop has stopped.
func (c *WSConnection) Done() <-chan struct{} {
	return c.done
}

func (c *WSConnection) nextRef() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	return c.ref
}

func (c *WSConnection) send(f *core.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f, err)
	}
	return nil
}

func (c *WSConnection) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.closed = true
		channels := make([]*wsChannel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.channels = map[string]*wsChannel{}
		c.joins = map[int]*wsChannel{}
		c.mu.Unlock()

		close(c.done)
		for _, ch := range channels {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				ch.setStatus(StatusClosed, nil)
			} else {
				ch.setStatus(StatusChannelError, err)
			}
		}
	}()

	for {
		var f core.Frame
		if err = c.conn.ReadJSON(&f); err != nil {
			c.logger.Debug(fmt.Sprintf("read loop stopped: %v", err))
			return
		}
		c.dispatch(&f)
	}
}

func (c *WSConnection) dispatch(f *core.Frame) {
	c.mu.Lock()
	ch := c.channels[f.Topic]
	var joined *wsChannel
	if f.Event == core.ReplyEvent {
		joined = c.joins[f.Ref]
		delete(c.joins, f.Ref)
	}
	c.mu.Unlock()

	switch f.Event {
	case core.ReplyEvent:
		if joined == nil {
			return
		}
		var reply core.ReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			joined.setStatus(StatusChannelError, fmt.Errorf("unmarshal reply: %w", err))
			return
		}
		if reply.Status != core.ReplyOK {
			joined.setStatus(StatusChannelError, fmt.Errorf("join %s: %s", joined.name, reply.Error))
			return
		}
		joined.setStatus(StatusSubscribed, nil)
	case core.PresenceStateEvent:
		if ch == nil {
			return
		}
		var state core.PresenceState
		if err := json.Unmarshal(f.Payload, &state); err != nil {
			c.logger.Warn(fmt.Sprintf("unmarshal presence state: %v", err))
			return
		}
		ch.presenceSync(state)
	case core.ChangesEvent:
		if ch == nil {
			return
		}
		var payload core.ChangesPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			c.logger.Warn(fmt.Sprintf("unmarshal changes: %v", err))
			return
		}
		ch.changes(payload)
	default:
		c.logger.Debug(fmt.Sprintf("ignoring %s", f))
	}
}

func (c *WSConnection) release(ch *wsChannel, ref int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.name] == ch {
		delete(c.channels, ch.name)
	}
	delete(c.joins, ref)
}

type changeHandler struct {
	binding core.ChangeBinding
	handler ChangeHandler
}

type wsChannel struct {
	name string
	conn *WSConnection

	mu        sync.Mutex
	bindings  []changeHandler
	syncs     []SyncHandler
	statusCb  StatusHandler
	status    Status
	joinRef   int
	joinTimer *time.Timer
	state     core.PresenceState
	closed    bool
}

func (ch *wsChannel) Name() string {
	return ch.name
}

func (ch *wsChannel) OnChanges(binding core.ChangeBinding, h ChangeHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	binding.ID = len(ch.bindings) + 1
	ch.bindings = append(ch.bindings, changeHandler{binding: binding, handler: h})
}

func (ch *wsChannel) OnPresenceSync(h SyncHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncs = append(ch.syncs, h)
}

func (ch *wsChannel) Subscribe(_ context.Context, cb StatusHandler) {
	ref := ch.conn.nextRef()
	ch.mu.Lock()
	if ch.closed || ch.statusCb != nil {
		ch.mu.Unlock()
		return
	}
	if cb == nil {
		cb = func(Status, error) {}
	}
	ch.statusCb = cb
	ch.joinRef = ref
	payload := core.JoinPayload{Bindings: make([]core.ChangeBinding, 0, len(ch.bindings))}
	for _, b := range ch.bindings {
		payload.Bindings = append(payload.Bindings, b.binding)
	}
	ch.joinTimer = time.AfterFunc(ch.conn.joinTimeout, func() {
		ch.setStatus(StatusTimedOut, nil)
	})
	ch.mu.Unlock()

	ch.conn.mu.Lock()
	ch.conn.joins[ref] = ch
	ch.conn.mu.Unlock()

	f, err := core.NewFrame(ch.name, core.JoinEvent, ref, payload)
	if err == nil {
		err = ch.conn.send(f)
	}
	if err != nil {
		ch.setStatus(StatusChannelError, err)
	}
}

// setStatus reports a status transition. Once subscribed, only errors and
// close are reported; a timed out or failed join is final.
func (ch *wsChannel) setStatus(status Status, err error) {
	ch.mu.Lock()
	if ch.closed || ch.statusCb == nil {
		ch.mu.Unlock()
		return
	}
	switch ch.status {
	case StatusTimedOut, StatusChannelError, StatusClosed:
		ch.mu.Unlock()
		return
	case StatusSubscribed:
		if status == StatusSubscribed || status == StatusTimedOut {
			ch.mu.Unlock()
			return
		}
	}
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.status = status
	cb := ch.statusCb
	ch.mu.Unlock()

	cb(status, err)
}

func (ch *wsChannel) presenceSync(state core.PresenceState) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.state = state
	syncs := append([]SyncHandler(nil), ch.syncs...)
	ch.mu.Unlock()

	for _, h := range syncs {
		h(state)
	}
}

func (ch *wsChannel) changes(payload core.ChangesPayload) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	var handlers []ChangeHandler
	for _, id := range payload.IDs {
		if id >= 1 && id <= len(ch.bindings) {
			handlers = append(handlers, ch.bindings[id-1].handler)
		}
	}
	ch.mu.Unlock()

	for _, h := range handlers {
		h(payload.Change)
	}
}

func (ch *wsChannel) Track(_ context.Context, meta core.PresenceMeta) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	f, err := core.NewFrame(ch.name, core.TrackEvent, 0, meta)
	if err != nil {
		return err
	}
	return ch.conn.send(f)
}

func (ch *wsChannel) PresenceState() core.PresenceState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	state := make(core.PresenceState, len(ch.state))
	for k, v := range ch.state {
		state[k] = v
	}
	return state
}

func (ch *wsChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	subscribed := ch.statusCb != nil
	ref := ch.joinRef
	ch.mu.Unlock()

	ch.conn.release(ch, ref)
	if !subscribed {
		return nil
	}
	f, err := core.NewFrame(ch.name, core.LeaveEvent, 0, nil)
	if err != nil {
		return err
	}
	if err := ch.conn.send(f); err != nil && !errors.Is(err, ErrConnClosed) {
		return err
	}
	return nil
}
