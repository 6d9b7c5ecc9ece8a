package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateChangedFrame = `{
	"type": "event",
	"id": 1,
	"event": {
		"event_type": "state_changed",
		"data": {
			"entity_id": "light.kitchen",
			"old_state": {
				"state": "off",
				"attributes": {"friendly_name": "Kitchen"},
				"last_changed": "2025-03-10T11:58:00+00:00",
				"last_updated": "2025-03-10T11:58:00+00:00"
			},
			"new_state": {
				"state": "on",
				"attributes": {"friendly_name": "Kitchen", "brightness": 255},
				"last_changed": "2025-03-10T12:04:59+00:00",
				"last_updated": "2025-03-10T12:04:59+00:00"
			}
		},
		"time_fired": "2025-03-10T12:04:59.123456+00:00",
		"context": {"id": "abc123", "user_id": null}
	}
}`

func TestFromHA_StateChanged(t *testing.T) {
	ev, err := FromHA([]byte(stateChangedFrame))
	require.NoError(t, err)

	assert.Equal(t, SourceHomeAssistant, ev.Source)
	assert.Equal(t, TypeStateChanged, ev.Type)
	assert.Equal(t, "light.kitchen", ev.EntityID)
	assert.Equal(t, "light", ev.Domain)

	require.NotNil(t, ev.OldState)
	assert.Equal(t, "off", ev.OldState.State)
	require.NotNil(t, ev.NewState)
	assert.Equal(t, "on", ev.NewState.State)

	assert.Equal(t, float64(255), ev.Attributes["brightness"])

	fired, _ := time.Parse(time.RFC3339Nano, "2025-03-10T12:04:59.123456+00:00")
	assert.True(t, ev.Timestamp.Equal(fired))

	assert.True(t, strings.HasPrefix(ev.ID, "ha_"))
}

func TestFromHA_DomainMatchesEntityPrefix(t *testing.T) {
	for _, entity := range []string{"light.kitchen", "sensor.outdoor_temp", "binary_sensor.door.upstairs"} {
		frame := `{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"` + entity + `","new_state":{"state":"on"}},"time_fired":"2025-03-10T12:00:00+00:00"}}`
		ev, err := FromHA([]byte(frame))
		require.NoError(t, err)
		assert.Equal(t, entity[:strings.Index(entity, ".")], ev.Domain, "entity %s", entity)
	}
}

func TestFromHA_ServiceCall(t *testing.T) {
	frame := `{
		"type": "event",
		"event": {
			"event_type": "call_service",
			"data": {
				"domain": "light",
				"service": "turn_on",
				"service_data": {"entity_id": "light.kitchen", "brightness": 128}
			},
			"time_fired": "2025-03-10T12:00:00+00:00"
		}
	}`
	ev, err := FromHA([]byte(frame))
	require.NoError(t, err)

	assert.Equal(t, TypeServiceCalled, ev.Type)
	assert.Equal(t, "light", ev.Domain)
	assert.Equal(t, "turn_on", ev.Attributes["service"])

	data, ok := ev.Attributes["service_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(128), data["brightness"])
}

func TestFromHA_AutomationTriggered(t *testing.T) {
	frame := `{
		"type": "event",
		"event": {
			"event_type": "automation_triggered",
			"data": {"name": "Wake up", "entity_id": "automation.wake_up"},
			"time_fired": "2025-03-10T12:00:00+00:00"
		}
	}`
	ev, err := FromHA([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeAutomationTriggered, ev.Type)
	assert.Equal(t, "Wake up", ev.Attributes["name"])
}

func TestFromHA_UnknownEventType(t *testing.T) {
	frame := `{"type":"event","event":{"event_type":"panel_updated","data":{},"time_fired":"2025-03-10T12:00:00+00:00"}}`
	ev, err := FromHA([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, ev.Type)
}

func TestFromHA_BadTimeFiredFallsBackToNow(t *testing.T) {
	frame := `{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen","new_state":{"state":"on"}},"time_fired":"not-a-time"}}`
	before := time.Now().UTC()
	ev, err := FromHA([]byte(frame))
	require.NoError(t, err)
	after := time.Now().UTC()

	assert.False(t, ev.Timestamp.Before(before))
	assert.False(t, ev.Timestamp.After(after))
}

func TestFromHA_NonEventFrame(t *testing.T) {
	_, err := FromHA([]byte(`{"type":"result","id":2,"success":true}`))
	assert.Error(t, err)
}

func TestFromHA_UniqueIDs(t *testing.T) {
	frame := `{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen","new_state":{"state":"on"}},"time_fired":"2025-03-10T12:00:00+00:00"}}`
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ev, err := FromHA([]byte(frame))
		require.NoError(t, err)
		assert.False(t, seen[ev.ID], "duplicate event id %s", ev.ID)
		seen[ev.ID] = true
	}
}

func TestFromMQTT_JSONPayload(t *testing.T) {
	ev := FromMQTT([]string{"pomodoro", "timer", "kitchen"}, []byte(`{"state":"start","minutes":25}`))

	assert.Equal(t, SourceMQTT, ev.Source)
	assert.Equal(t, TypeStateChanged, ev.Type)
	assert.Equal(t, "pomodoro/timer/kitchen", ev.EntityID)
	assert.Equal(t, "mqtt", ev.Domain)
	assert.True(t, strings.HasPrefix(ev.ID, "mqtt_"))

	state, ok := ev.NewState.State.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "start", state["state"])
	assert.Equal(t, float64(25), ev.Attributes["minutes"])
}

func TestFromMQTT_NonJSONPayloadWrappedUnderRaw(t *testing.T) {
	ev := FromMQTT([]string{"pomodoro", "timer", "office"}, []byte("start please"))

	state, ok := ev.NewState.State.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "start please", state["raw"])
	assert.Equal(t, "start please", ev.Attributes["raw"])
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "light", DomainOf("light.kitchen"))
	assert.Equal(t, "binary_sensor", DomainOf("binary_sensor.door.upstairs"))
	assert.Equal(t, "", DomainOf("nodomain"))
	assert.Equal(t, "", DomainOf(".leading_dot"))
}
