// Package testutil provides a mock Home Assistant server for
// integration tests: the WebSocket control channel (auth handshake,
// event subscription, service call recording, event broadcast) plus
// the REST states endpoint the cache bootstraps from.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EntityState is one entity as the mock server reports it.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// ServiceCall records one call_service frame received over the socket.
type ServiceCall struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	Target      map[string]interface{} `json:"target"`
}

type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connWrapper) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// MockHAServer simulates a Home Assistant instance.
type MockHAServer struct {
	token  string
	server *httptest.Server

	mu           sync.Mutex
	states       map[string]EntityState
	serviceCalls []ServiceCall
	conns        []*connWrapper
}

// NewMockHAServer starts a mock server accepting the given token.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:  token,
		states: make(map[string]EntityState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("/api/states", s.handleStates)
	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *MockHAServer) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.server.Close()
}

// WebSocketURL returns the ws:// endpoint.
func (s *MockHAServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// StatesURL returns the REST states endpoint.
func (s *MockHAServer) StatesURL() string {
	return s.server.URL + "/api/states"
}

// SeedState sets an entity without broadcasting, for pre-start fixtures.
func (s *MockHAServer) SeedState(entityID, state string, attributes map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.states[entityID] = EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetState updates an entity and broadcasts a state_changed event to
// every connected client.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.mu.Lock()
	old, hadOld := s.states[entityID]
	now := time.Now().UTC()
	next := EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = next
	conns := append([]*connWrapper(nil), s.conns...)
	s.mu.Unlock()

	data := map[string]interface{}{
		"entity_id": entityID,
		"new_state": next,
	}
	if hadOld {
		data["old_state"] = old
	}
	frame := map[string]interface{}{
		"type": "event",
		"id":   1,
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"data":       data,
			"time_fired": now.Format(time.RFC3339Nano),
			"origin":     "LOCAL",
		},
	}

	for _, c := range conns {
		c.writeJSON(frame)
	}
}

// ServiceCalls returns a copy of all recorded service calls.
func (s *MockHAServer) ServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServiceCall(nil), s.serviceCalls...)
}

// ConnectionCount reports how many sockets completed authentication.
func (s *MockHAServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *MockHAServer) handleStates(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	states := make([]EntityState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer conn.Close()

	if err := wrapper.writeJSON(map[string]string{"type": "auth_required"}); err != nil {
		return
	}

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	if err := wrapper.writeJSON(map[string]string{"type": "auth_ok"}); err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, wrapper)
	s.mu.Unlock()
	defer s.removeConn(wrapper)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.ackResult(wrapper, base.ID)

		case "call_service":
			var call ServiceCall
			if err := json.Unmarshal(raw, &call); err == nil {
				s.mu.Lock()
				s.serviceCalls = append(s.serviceCalls, call)
				s.mu.Unlock()
			}
			s.ackResult(wrapper, base.ID)
		}
	}
}

func (s *MockHAServer) ackResult(c *connWrapper, id int) {
	success := true
	c.writeJSON(map[string]interface{}{
		"id":      id,
		"type":    "result",
		"success": success,
	})
}

func (s *MockHAServer) removeConn(wrapper *connWrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == wrapper {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
