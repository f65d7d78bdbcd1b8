package broker

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/agent-smit/devbridge/internal/protocol"
)

// ServeWS upgrades the request and runs the connection's read loop until the
// peer goes away or the broker closes it. Disallowed origins are rejected
// with 403 before a websocket exists.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade rejected",
			"remote_addr", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	t := newWSTransport(ws, b.cfg.SendBuffer, b.cfg.WriteWait, b.logger)
	c, err := b.Accept(t, r.RemoteAddr)
	if err != nil {
		_ = t.Close(protocol.CloseNormal, protocol.ReasonShutdown)
		return
	}

	ws.SetReadLimit(b.cfg.MaxFrameBytes)
	ws.SetPongHandler(func(string) error {
		b.Touch(c)
		return nil
	})

	go t.writePump()
	b.readLoop(c, ws)
}

func (b *Broker) readLoop(c *Conn, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent the 1009 close frame.
				b.closeConn(c, protocol.CloseTooLarge, protocol.ReasonTooLarge, true)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				b.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
				b.Disconnect(c)
			default:
				b.Disconnect(c)
			}
			return
		}
		// Any error means the connection is closed.
		if err := b.HandleFrame(c, data); err != nil {
			return
		}
	}
}
