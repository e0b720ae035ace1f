package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one realtime socket. It is the broker Subscriber for that socket.
type Conn struct {
	conn             *websocket.Conn
	context          context.Context
	broker           *Broker
	id               string
	userID           string
	role             Role
	writeStream      chan *Frame
	done             chan struct{}
	closeOnce        sync.Once
	notifyDisconnect func()
	logger           *slog.Logger
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.userID
}

func (c *Conn) Role() Role {
	return c.role
}

// Send queues a frame for the write loop without blocking.
// A peer that lets its queue fill up is closed.
func (c *Conn) Send(f *Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.writeStream <- f:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("write stream full, closing connection")
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var frame Frame
		if err := DecodeFrame(r, &frame); err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		c.logger.Debug(frame.String())
		c.broker.Handle(c.context, c, &frame)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks the read loop
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case f := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("getting next writer: %v", err))
				c.close()
				return
			}
			if err := EncodeFrame(w, f); err != nil {
				c.logger.Error(err.Error())
			}
			w.Close()
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.context.Done():
			c.close()
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				c.close()
				return
			}
		}
	}
}
