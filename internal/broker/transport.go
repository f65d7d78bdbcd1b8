package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the broker's handle on one peer. Implementations must be safe
// for concurrent use. Send, Ping and Close must never block: the broker calls
// them from timer callbacks that serve every connection.
type Transport interface {
	Send(data []byte) error
	Ping() error
	// Close attempts a close frame and then tears the transport down.
	Close(code int, reason string) error
	// Terminate tears the transport down without a close frame.
	Terminate() error
	Open() bool
}

// wsTransport adapts a gorilla websocket connection. Data frames and pings
// are queued for writePump, so a stalled peer only ever stalls its own pump.
// The close frame is written from its own goroutine with WriteControl, which
// gorilla allows concurrently with the pump.
type wsTransport struct {
	conn      *websocket.Conn
	send      chan []byte
	ping      chan struct{}
	done      chan struct{}
	once      sync.Once
	writeWait time.Duration
	logger    *slog.Logger
}

func newWSTransport(conn *websocket.Conn, buffer int, writeWait time.Duration, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:      conn,
		send:      make(chan []byte, buffer),
		ping:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		writeWait: writeWait,
		logger:    logger,
	}
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Ping queues a ping for the write pump. A ping still waiting in the queue
// covers this one.
func (t *wsTransport) Ping() error {
	if !t.Open() {
		return ErrClosed
	}
	select {
	case t.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the transport closed and hands the close handshake to a
// goroutine bounded by writeWait.
func (t *wsTransport) Close(code int, reason string) error {
	if !t.markClosed() {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	go func() {
		err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			t.logger.Debug("write close frame", "code", code, "error", err)
		}
		_ = t.conn.Close()
	}()
	return nil
}

func (t *wsTransport) Terminate() error {
	if !t.markClosed() {
		return nil
	}
	return t.conn.Close()
}

func (t *wsTransport) Open() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *wsTransport) markClosed() bool {
	closed := false
	t.once.Do(func() {
		close(t.done)
		closed = true
	})
	return closed
}

// writePump drains the send queue until the transport closes or a write
// fails. A failed write tears the connection down, which ends the read loop
// and runs the broker's close path.
func (t *wsTransport) writePump() {
	for {
		select {
		case data := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debug("websocket write failed", "error", err)
				_ = t.Terminate()
				return
			}
		case <-t.ping:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
				t.logger.Debug("websocket ping failed", "error", err)
				_ = t.Terminate()
				return
			}
		case <-t.done:
			return
		}
	}
}
