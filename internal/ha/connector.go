// Package ha maintains the WebSocket control channel to Home
// Assistant: authentication, the state_changed event subscription,
// fire-and-forget service calls and reconnection. Inbound event frames
// are normalized and published on the bus.
package ha

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/event"
)

// State names the connector's position in its lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAwaitingAuth   State = "awaiting_auth"
	StateAuthenticating State = "authenticating"
	StateSubscribing    State = "subscribing"
	StateReady          State = "ready"
	StateBackoff        State = "backoff"
	// StateFailed is terminal: the token was rejected and reconnecting
	// would only fail again.
	StateFailed State = "failed"
)

const (
	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay = 5 * time.Second

	// HandshakeTimeout bounds the dial plus the auth exchange.
	HandshakeTimeout = 10 * time.Second
)

// Connector owns the Home Assistant WebSocket session.
type Connector struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	// backoff and handshakeTimeout are fields so tests can shorten them.
	backoff          time.Duration
	handshakeTimeout time.Duration

	// mu is the single-writer lock: it guards conn, state and msgID,
	// and every outbound frame is written under it, so ids reach the
	// wire in allocation order.
	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	msgID int

	stop chan struct{}
	done chan struct{}
}

// NewConnector creates a connector for the given WebSocket URL and
// long-lived access token. Call Start to connect.
func NewConnector(url, token string, b *bus.Bus, logger *zap.Logger) *Connector {
	return &Connector{
		url:              url,
		token:            token,
		bus:              b,
		logger:           logger.Named("ha"),
		backoff:          ReconnectDelay,
		handshakeTimeout: HandshakeTimeout,
		state:            StateDisconnected,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start launches the connection loop.
func (c *Connector) Start() {
	go c.run()
}

// Stop terminates the connection loop and closes the socket.
func (c *Connector) Stop() {
	close(c.stop)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.mu.Unlock()

	<-c.done
}

// State returns the connector's current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallService sends a fire-and-forget call_service frame. When the
// connector is not ready the command is dropped with a warning:
// automations are event-driven and a re-fired trigger will reissue.
func (c *Connector) CallService(domain, service string, serviceData, target map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || c.conn == nil {
		c.logger.Warn("Dropping service call, connector not ready",
			zap.String("state", string(c.state)),
			zap.String("domain", domain),
			zap.String("service", service))
		return
	}

	c.msgID++
	req := callServiceFrame{
		ID:          c.msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: serviceData,
		Target:      target,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.logger.Warn("Failed to write service call",
			zap.Int("id", req.ID),
			zap.Error(err))
	}
}

func (c *Connector) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
		conn, _, err := dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Failed to connect to Home Assistant", zap.Error(err))
			if !c.waitBackoff() {
				return
			}
			continue
		}

		fatal := c.session(conn)
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if fatal {
			c.setState(StateFailed)
			c.logger.Error("Authentication rejected, giving up")
			return
		}

		select {
		case <-c.stop:
			c.setState(StateDisconnected)
			return
		default:
		}

		if !c.waitBackoff() {
			return
		}
	}
}

// session runs the auth handshake, subscribes, then reads frames until
// the socket drops. It returns true only for a fatal auth failure.
func (c *Connector) session(conn *websocket.Conn) bool {
	deadline := time.Now().Add(c.handshakeTimeout)
	conn.SetReadDeadline(deadline)

	c.setState(StateAwaitingAuth)
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		c.logger.Warn("Failed to read auth_required", zap.Error(err))
		return false
	}
	if hello.Type != "auth_required" {
		c.logger.Warn("Expected auth_required", zap.String("type", hello.Type))
		return false
	}

	c.setState(StateAuthenticating)
	if err := conn.WriteJSON(authFrame{Type: "auth", AccessToken: c.token}); err != nil {
		c.logger.Warn("Failed to send auth", zap.Error(err))
		return false
	}

	var authResp frame
	if err := conn.ReadJSON(&authResp); err != nil {
		c.logger.Warn("Failed to read auth response", zap.Error(err))
		return false
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		return true
	default:
		c.logger.Warn("Unexpected auth response", zap.String("type", authResp.Type))
		return false
	}

	conn.SetReadDeadline(time.Time{})

	// The id allocator restarts at 1 on every connection; the
	// subscription consumes the first id.
	c.mu.Lock()
	c.conn = conn
	c.msgID = 1
	subscribeID := c.msgID
	c.state = StateSubscribing
	err := conn.WriteJSON(subscribeFrame{
		ID:        subscribeID,
		Type:      "subscribe_events",
		EventType: "state_changed",
	})
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to subscribe to events", zap.Error(err))
		return false
	}

	c.logger.Info("Connected to Home Assistant")
	c.readLoop(conn, subscribeID)
	return false
}

func (c *Connector) readLoop(conn *websocket.Conn, subscribeID int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
			default:
				c.logger.Warn("Connection to Home Assistant lost", zap.Error(err))
			}
			return
		}

		var msg frame
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Failed to decode frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "event":
			ev, err := event.FromHA(raw)
			if err != nil {
				c.logger.Warn("Failed to normalize event", zap.Error(err))
				continue
			}
			c.bus.Publish(bus.TopicHA, ev)

		case "result":
			c.handleResult(&msg, subscribeID)

		default:
			c.logger.Debug("Unhandled frame", zap.String("type", msg.Type))
		}
	}
}

func (c *Connector) handleResult(msg *frame, subscribeID int) {
	ok := msg.Success == nil || *msg.Success

	if msg.ID == subscribeID {
		if ok {
			c.setState(StateReady)
			c.logger.Info("Subscribed to state_changed events")
		} else {
			c.logger.Error("Event subscription rejected", zap.Any("error", msg.Error))
		}
		return
	}

	if ok {
		c.logger.Debug("Command succeeded", zap.Int("id", msg.ID))
	} else {
		c.logger.Warn("Command failed",
			zap.Int("id", msg.ID),
			zap.Any("error", msg.Error))
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// waitBackoff sleeps the fixed reconnect delay. It returns false when
// the connector was stopped during the wait.
func (c *Connector) waitBackoff() bool {
	c.setState(StateBackoff)
	select {
	case <-c.stop:
		c.setState(StateDisconnected)
		return false
	case <-time.After(c.backoff):
		return true
	}
}
