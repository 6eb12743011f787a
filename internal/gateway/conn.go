package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appLog "slotbot/internal/log"
	"slotbot/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 16
)

// Conn is one gateway websocket. Reads happen on a single goroutine that
// feeds Events; writes are serialised by writeMu.
type Conn struct {
	ws       *websocket.Conn
	identity string
	events   chan session.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   chan struct{}
}

func newConn(ws *websocket.Conn, identity string) *Conn {
	return &Conn{
		ws:       ws,
		identity: identity,
		events:   make(chan session.Event, eventBuffer),
		closing:  make(chan struct{}),
	}
}

func (c *Conn) Events() <-chan session.Event { return c.events }

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.emit(closedFromError(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			appLog.Warn("malformed gateway frame", "identity", c.identity, "err", err)
			continue
		}
		ev, ok := f.event()
		if !ok {
			appLog.Debug("ignoring gateway frame", "identity", c.identity, "type", f.Type)
			continue
		}
		if !c.emit(ev) {
			return
		}
		if _, isClose := ev.(session.Closed); isClose {
			return
		}
	}
}

func (c *Conn) emit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}

// closedFromError maps a read failure to a close event. Close frames in
// the 4000 range carry a network close code.
func closedFromError(err error) session.Closed {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if code := closeErr.Code - appCloseBase; code > 0 && code < 1000 {
			return session.Closed{Code: code, Reason: closeErr.Text, Err: err}
		}
		return session.Closed{Code: session.CodeConnectionClosed, Reason: closeErr.Text, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return session.Closed{Code: session.CodeTimedOut, Err: err}
	}
	return session.Closed{Code: session.CodeConnectionClosed, Err: err}
}

func (c *Conn) SendText(ctx context.Context, to, text string) error {
	return c.write(ctx, frame{Type: frameText, To: to, Text: text})
}

func (c *Conn) SendMedia(ctx context.Context, to string, media session.Media) error {
	return c.write(ctx, frame{
		Type:     frameMedia,
		To:       to,
		FileName: media.FileName,
		MimeType: media.MimeType,
		Caption:  media.Caption,
		Data:     media.Data,
	})
}

func (c *Conn) SendPresence(ctx context.Context, to string, presence session.Presence) error {
	return c.write(ctx, frame{Type: framePresence, To: to, Presence: string(presence)})
}

func (c *Conn) write(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closing:
		return net.ErrClosed
	default:
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// Close sends a normal close frame and tears the socket down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
