package ha

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockServer runs handler for each WebSocket connection it accepts.
func mockServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/api/websocket"
}

// authAndSubscribe walks a connection through the standard handshake
// and returns the received subscribe frame.
func authAndSubscribe(t *testing.T, conn *websocket.Conn, token string) subscribeFrame {
	t.Helper()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth_required"}))

	var auth authFrame
	require.NoError(t, conn.ReadJSON(&auth))
	assert.Equal(t, "auth", auth.Type)
	assert.Equal(t, token, auth.AccessToken)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth_ok"}))

	var sub subscribeFrame
	require.NoError(t, conn.ReadJSON(&sub))
	assert.Equal(t, "subscribe_events", sub.Type)
	assert.Equal(t, "state_changed", sub.EventType)

	success := true
	require.NoError(t, conn.WriteJSON(frame{ID: sub.ID, Type: "result", Success: &success}))
	return sub
}

func waitForState(t *testing.T, c *Connector, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connector never reached state %s (now %s)", want, c.State())
}

func TestAuthAndSubscribeIDSequence(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	frames := make(chan callServiceFrame, 4)
	server := mockServer(t, func(conn *websocket.Conn) {
		sub := authAndSubscribe(t, conn, token)
		assert.Equal(t, 1, sub.ID, "subscribe_events must consume id 1")

		var call callServiceFrame
		if err := conn.ReadJSON(&call); err == nil {
			frames <- call
		}
	})
	defer server.Close()

	b := bus.New(logger)
	c := NewConnector(wsURL(server), token, b, logger)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateReady)

	c.CallService("light", "turn_on", map[string]interface{}{"brightness": 255},
		map[string]interface{}{"entity_id": "light.kitchen"})

	select {
	case call := <-frames:
		assert.Equal(t, 2, call.ID, "first command after subscribe carries id 2")
		assert.Equal(t, "call_service", call.Type)
		assert.Equal(t, "light", call.Domain)
		assert.Equal(t, "turn_on", call.Service)
		assert.Equal(t, float64(255), call.ServiceData["brightness"])
		assert.Equal(t, "light.kitchen", call.Target["entity_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("call_service frame not received")
	}
}

func TestOutboundIDsStrictlyIncreasing(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	ids := make(chan int, 16)
	server := mockServer(t, func(conn *websocket.Conn) {
		authAndSubscribe(t, conn, token)
		for {
			var call callServiceFrame
			if err := conn.ReadJSON(&call); err != nil {
				return
			}
			ids <- call.ID
		}
	})
	defer server.Close()

	b := bus.New(logger)
	c := NewConnector(wsURL(server), token, b, logger)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateReady)

	for i := 0; i < 5; i++ {
		c.CallService("light", "toggle", nil, nil)
	}

	prev := 1 // the subscription's id
	for i := 0; i < 5; i++ {
		select {
		case id := <-ids:
			assert.Greater(t, id, prev)
			prev = id
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}
}

func TestAuthInvalidIsFatal(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	var connections atomic.Int32
	server := mockServer(t, func(conn *websocket.Conn) {
		connections.Add(1)
		conn.WriteJSON(map[string]string{"type": "auth_required"})
		var auth authFrame
		conn.ReadJSON(&auth)
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
	})
	defer server.Close()

	b := bus.New(logger)
	c := NewConnector(wsURL(server), "wrong_token", b, logger)
	c.backoff = 20 * time.Millisecond
	c.Start()

	waitForState(t, c, StateFailed)

	// No reconnect after a fatal auth failure.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), connections.Load())

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("connection loop did not terminate")
	}
}

func TestDroppedCommandWhenNotReady(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	b := bus.New(logger)
	c := NewConnector("ws://127.0.0.1:1/api/websocket", "token", b, logger)

	// Never started, never connected: the call is dropped, not queued.
	c.CallService("light", "turn_on", nil, nil)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEventFramesPublishedOnBus(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockServer(t, func(conn *websocket.Conn) {
		authAndSubscribe(t, conn, token)

		eventFrame := map[string]interface{}{
			"type": "event",
			"id":   1,
			"event": map[string]interface{}{
				"event_type": "state_changed",
				"data": map[string]interface{}{
					"entity_id": "light.kitchen",
					"new_state": map[string]interface{}{
						"state":        "on",
						"attributes":   map[string]interface{}{"brightness": 255},
						"last_changed": "2025-03-10T12:04:59+00:00",
						"last_updated": "2025-03-10T12:04:59+00:00",
					},
				},
				"time_fired": "2025-03-10T12:04:59+00:00",
			},
		}
		conn.WriteJSON(eventFrame)
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	b := bus.New(logger)
	sub := b.Subscribe(bus.TopicHA)
	defer sub.Unsubscribe()

	c := NewConnector(wsURL(server), token, b, logger)
	c.Start()
	defer c.Stop()

	select {
	case ev := <-sub.C:
		assert.Equal(t, event.TypeStateChanged, ev.Type)
		assert.Equal(t, "light.kitchen", ev.EntityID)
		assert.Equal(t, "light", ev.Domain)
		assert.Equal(t, "on", ev.NewState.State)
	case <-time.After(2 * time.Second):
		t.Fatal("normalized event not published")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	var connections atomic.Int32
	server := mockServer(t, func(conn *websocket.Conn) {
		n := connections.Add(1)
		authAndSubscribe(t, conn, token)
		if n == 1 {
			// Drop the first connection right after subscribing.
			return
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	b := bus.New(logger)
	c := NewConnector(wsURL(server), token, b, logger)
	c.backoff = 20 * time.Millisecond
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if connections.Load() >= 2 && c.State() == StateReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connector did not reconnect (connections=%d, state=%s)",
		connections.Load(), c.State())
}

func TestResultFramesLoggedNotPublished(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockServer(t, func(conn *websocket.Conn) {
		authAndSubscribe(t, conn, token)

		failure := false
		msg, _ := json.Marshal(frame{
			ID:      7,
			Type:    "result",
			Success: &failure,
			Error:   &haError{Code: "not_found", Message: "no such service"},
		})
		conn.WriteMessage(websocket.TextMessage, msg)
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	b := bus.New(logger)
	sub := b.Subscribe(bus.TopicHA)
	defer sub.Unsubscribe()

	c := NewConnector(wsURL(server), token, b, logger)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateReady)

	select {
	case ev := <-sub.C:
		t.Fatalf("result frame leaked onto the bus as %s", ev.ID)
	case <-time.After(300 * time.Millisecond):
	}
}
