package broker

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-smit/devbridge/internal/protocol"
	"github.com/agent-smit/devbridge/internal/session"
)

func newWSServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *session.Store, *Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(session.Options{Logger: logger})
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(store, Options{Config: cfg, Logger: logger})
	srv := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	t.Cleanup(func() {
		b.Stop()
		srv.Close()
	})
	return srv, store, b
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

func wsJoin(t *testing.T, ws *websocket.Conn, s *session.Created, role protocol.Role) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, joinFrame(s.ID, s.Token, role)))
	ack := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeJoin, ack.Type)
}

func TestWS_RelayEndToEnd(t *testing.T) {
	srv, store, _ := newWSServer(t, nil)
	s, err := store.CreateSession()
	require.NoError(t, err)

	editor := dial(t, srv, nil)
	device := dial(t, srv, nil)
	wsJoin(t, editor, s, protocol.RoleEditor)
	wsJoin(t, device, s, protocol.RoleDevice)

	require.NoError(t, editor.WriteMessage(websocket.TextMessage, frame(protocol.TypeFullUpdate, `{"x":1}`)))
	env := readEnvelope(t, device)
	assert.Equal(t, protocol.TypeFullUpdate, env.Type)
	assert.JSONEq(t, `{"x":1}`, string(env.Payload))
	assert.Equal(t, s.ID, env.Meta.SessionID)

	require.NoError(t, device.WriteMessage(websocket.TextMessage, frame(protocol.TypeEvent, `{"action":"tap"}`)))
	env = readEnvelope(t, editor)
	assert.Equal(t, protocol.TypeEvent, env.Type)
}

func TestWS_PingEnvelope(t *testing.T) {
	srv, _, _ := newWSServer(t, nil)
	ws := dial(t, srv, nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame(protocol.TypePing, "")))
	env := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestWS_WrongTokenCloseCode(t *testing.T) {
	srv, store, _ := newWSServer(t, nil)
	s, err := store.CreateSession()
	require.NoError(t, err)

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, joinFrame(s.ID, "wrong", protocol.RoleDevice)))
	ce := readClose(t, ws)
	assert.Equal(t, protocol.CloseAuthFailed, ce.Code)
	assert.Equal(t, protocol.ReasonInvalidToken, ce.Text)
}

func TestWS_JoinTimeout(t *testing.T) {
	srv, _, b := newWSServer(t, func(c *Config) { c.JoinTimeout = 50 * time.Millisecond })
	ws := dial(t, srv, nil)

	ce := readClose(t, ws)
	assert.Equal(t, protocol.CloseJoinTimeout, ce.Code)
	assert.Eventually(t, func() bool { return b.Len() == 0 && b.LiveTimers() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestWS_OversizedFrame(t *testing.T) {
	srv, _, _ := newWSServer(t, func(c *Config) { c.MaxFrameBytes = 512 })
	ws := dial(t, srv, nil)

	big := frame(protocol.TypeFullUpdate, `"`+strings.Repeat("a", 4096)+`"`)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, big))
	ce := readClose(t, ws)
	assert.Equal(t, protocol.CloseTooLarge, ce.Code)
}

func TestWS_OriginPolicy(t *testing.T) {
	srv, _, _ := newWSServer(t, func(c *Config) {
		c.AllowedOrigins = []string{"https://studio.example.com"}
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		origin string
		ok     bool
	}{
		{"http://localhost:5173", true},
		{"http://192.168.1.20:8080", true},
		{"https://studio.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			h := http.Header{}
			h.Set("Origin", tc.origin)
			ws, resp, err := websocket.DefaultDialer.Dial(url, h)
			if tc.ok {
				require.NoError(t, err)
				ws.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWS_PongTimeout(t *testing.T) {
	srv, store, b := newWSServer(t, func(c *Config) {
		c.ProbeInterval = 50 * time.Millisecond
		c.PongTimeout = 30 * time.Millisecond
	})
	b.Start()

	s, err := store.CreateSession()
	require.NoError(t, err)
	ws := dial(t, srv, nil)
	// Swallow pings so the peer looks dead. The default handler would pong.
	ws.SetPingHandler(func(string) error { return nil })
	wsJoin(t, ws, s, protocol.RoleDevice)

	ce := readClose(t, ws)
	assert.Equal(t, protocol.CloseNormal, ce.Code)
	assert.Equal(t, protocol.ReasonPongTimeout, ce.Text)
	assert.Eventually(t, func() bool { return len(store.ListConnections(s.ID)) == 0 },
		time.Second, 10*time.Millisecond)
}

func TestWS_ControlPongKeepsAlive(t *testing.T) {
	srv, store, b := newWSServer(t, func(c *Config) {
		c.ProbeInterval = 40 * time.Millisecond
		c.PongTimeout = 30 * time.Millisecond
	})
	b.Start()

	s, err := store.CreateSession()
	require.NoError(t, err)
	ws := dial(t, srv, nil)
	wsJoin(t, ws, s, protocol.RoleDevice)

	// The client's default ping handler answers with pong control frames,
	// but only while something is reading.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, store.ListConnections(s.ID), 1)

	ws.Close()
	<-done
}
