// Package mqtt maintains the broker session. Received messages are
// normalized and published on the bus; reconnection is delegated to
// the paho client.
package mqtt

import (
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/event"
)

// DefaultFilters is the seed subscription list.
var DefaultFilters = []string{"pomodoro/timer/+"}

const connectTimeout = 10 * time.Second

// Connector owns the MQTT client session.
type Connector struct {
	bus     *bus.Bus
	logger  *zap.Logger
	filters []string
	client  paho.Client
}

// NewConnector prepares a broker session for brokerURL with the given
// client id. Filters defaults to DefaultFilters when empty.
func NewConnector(brokerURL, clientID string, filters []string, b *bus.Bus, logger *zap.Logger) *Connector {
	c := &Connector{
		bus:     b,
		logger:  logger.Named("mqtt"),
		filters: filters,
	}
	if len(c.filters) == 0 {
		c.filters = DefaultFilters
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.logger.Warn("Broker session down, reconnecting")
		})
	c.client = paho.NewClient(opts)
	return c
}

// Connect opens the broker session. With connect-retry enabled the
// client keeps trying in the background, so a broker that is down at
// startup only delays the subscriptions.
func (c *Connector) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Warn("Broker connect still pending, continuing in background")
		return nil
	}
	return token.Error()
}

// Publish sends payload to topic, cast-style: delivery failures are
// logged, not returned.
func (c *Connector) Publish(topic string, payload []byte, qos byte) {
	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Warn("Failed to publish",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
}

// Disconnect terminates the session.
func (c *Connector) Disconnect() {
	c.logger.Info("Broker session terminating")
	c.client.Disconnect(250)
}

// onConnect runs on every (re)connect; subscriptions are re-established
// here so they survive a broker restart.
func (c *Connector) onConnect(client paho.Client) {
	c.logger.Info("Broker session up", zap.Strings("filters", c.filters))
	for _, filter := range c.filters {
		token := client.Subscribe(filter, 0, c.onMessage)
		go func(filter string) {
			token.Wait()
			if err := token.Error(); err != nil {
				c.logger.Error("Failed to subscribe",
					zap.String("filter", filter),
					zap.Error(err))
			}
		}(filter)
	}
}

func (c *Connector) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("Broker session down", zap.Error(err))
}

func (c *Connector) onMessage(_ paho.Client, msg paho.Message) {
	c.handleMessage(msg.Topic(), msg.Payload())
}

// handleMessage normalizes one received message onto the bus.
func (c *Connector) handleMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	ev := event.FromMQTT(parts, payload)
	c.bus.Publish(bus.TopicMQTT, ev)
}
