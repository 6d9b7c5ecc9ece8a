package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mirai/internal/statecache"
)

// ErrInvalidService is returned by CallService for a service reference
// that is not of the form "domain.service".
var ErrInvalidService = errors.New("service must be of the form \"domain.service\"")

// targetKeys are lifted from service data into the call's target.
var targetKeys = []string{"entity_id", "device_id", "area_id"}

// ServiceCaller issues fire-and-forget Home Assistant service calls.
type ServiceCaller interface {
	CallService(domain, service string, serviceData, target map[string]interface{})
}

// StateReader reads the entity state cache.
type StateReader interface {
	Get(entityID string) (statecache.EntityState, bool)
}

// GlobalStore is the durable store shared across automations.
type GlobalStore interface {
	Get(key string, def interface{}) interface{}
	Set(key string, value interface{}) error
	Delete(key string) error
}

// Publisher sends messages to the MQTT broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte)
}

// TimerScheduler manages the calling automation's named timers.
type TimerScheduler interface {
	ScheduleTimer(name string, delay time.Duration)
	CancelTimer(name string)
}

// Context is handed to every callback. It proxies the runtime services
// an automation may use; none of its operations waits on the network.
// SetGlobal and DeleteGlobal return once the store's write is durable.
type Context struct {
	// Automation is the owning automation's name.
	Automation string

	// Logger is namespaced to the automation.
	Logger *zap.Logger

	HA      ServiceCaller
	States  StateReader
	Globals GlobalStore
	MQTT    Publisher
	Timers  TimerScheduler
}

// CallService issues a Home Assistant service call addressed as
// "domain.service". Targeting keys (entity_id, device_id, area_id) are
// lifted out of data into the call's target; the remainder is sent as
// service_data. The call is fire-and-forget.
func (c *Context) CallService(service string, data map[string]interface{}) error {
	domain, name, ok := splitService(service)
	if !ok {
		c.Logger.Error("Invalid service reference", zap.String("service", service))
		return fmt.Errorf("%w: %q", ErrInvalidService, service)
	}

	var serviceData, target map[string]interface{}
	for k, v := range data {
		if isTargetKey(k) {
			if target == nil {
				target = make(map[string]interface{})
			}
			target[k] = v
			continue
		}
		if serviceData == nil {
			serviceData = make(map[string]interface{})
		}
		serviceData[k] = v
	}

	c.HA.CallService(domain, name, serviceData, target)
	return nil
}

// GetState returns the cached state for an entity.
func (c *Context) GetState(entityID string) (statecache.EntityState, bool) {
	return c.States.Get(entityID)
}

// MustGetState returns the cached state for an entity, panicking when
// it is unknown. The panic is confined to the calling callback by the
// actor's crash isolation.
func (c *Context) MustGetState(entityID string) statecache.EntityState {
	st, ok := c.States.Get(entityID)
	if !ok {
		panic(fmt.Sprintf("entity %s not found in state cache", entityID))
	}
	return st
}

// GetGlobal reads a key from the global store, returning def when the
// key is absent.
func (c *Context) GetGlobal(key string, def interface{}) interface{} {
	return c.Globals.Get(key, def)
}

// SetGlobal durably stores a value in the global store.
func (c *Context) SetGlobal(key string, value interface{}) error {
	return c.Globals.Set(key, value)
}

// DeleteGlobal durably removes a key from the global store.
func (c *Context) DeleteGlobal(key string) error {
	return c.Globals.Delete(key)
}

// PublishMQTT sends a payload to the broker at QoS 0.
func (c *Context) PublishMQTT(topic string, payload []byte) {
	c.MQTT.Publish(topic, payload, 0)
}

// ScheduleTimer arms a named timer on the calling automation. Arming a
// name that is already pending cancels the previous timer first, so at
// most one timer exists per name.
func (c *Context) ScheduleTimer(name string, delay time.Duration) {
	c.Timers.ScheduleTimer(name, delay)
}

// CancelTimer disarms a named timer. Cancelling an unknown or already
// fired name is a no-op.
func (c *Context) CancelTimer(name string) {
	c.Timers.CancelTimer(name)
}

func splitService(service string) (domain, name string, ok bool) {
	i := strings.Index(service, ".")
	if i <= 0 || i == len(service)-1 {
		return "", "", false
	}
	return service[:i], service[i+1:], true
}

func isTargetKey(key string) bool {
	for _, k := range targetKeys {
		if k == key {
			return true
		}
	}
	return false
}
