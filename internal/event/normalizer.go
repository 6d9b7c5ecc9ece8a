package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// haFrame mirrors the subset of a Home Assistant WebSocket event frame
// the normalizer cares about.
type haFrame struct {
	Type  string  `json:"type"`
	Event haEvent `json:"event"`
}

type haEvent struct {
	ID        int             `json:"id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired string          `json:"time_fired"`
	Context   map[string]interface{} `json:"context"`
}

type haStateChangedData struct {
	EntityID string   `json:"entity_id"`
	OldState *haState `json:"old_state"`
	NewState *haState `json:"new_state"`
}

type haState struct {
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

type haServiceCallData struct {
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
}

// FromHA normalizes a raw Home Assistant event frame (top-level
// type "event") into an Event. Unknown event types yield TypeUnknown
// rather than an error so the stream never stalls on new HA versions.
func FromHA(raw []byte) (*Event, error) {
	var frame haFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode HA frame: %w", err)
	}
	if frame.Type != "event" {
		return nil, fmt.Errorf("expected frame type event, got %q", frame.Type)
	}

	ev := &Event{
		ID:        nextHAID(),
		Source:    SourceHomeAssistant,
		Timestamp: parseTimeFired(frame.Event.TimeFired),
		Context:   frame.Event.Context,
		Raw:       raw,
	}
	if frame.Event.ID > 0 {
		ev.ID = fmt.Sprintf("ha_%d", frame.Event.ID)
	}

	switch frame.Event.EventType {
	case "state_changed":
		ev.Type = TypeStateChanged
		var data haStateChangedData
		if err := json.Unmarshal(frame.Event.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to decode state_changed data: %w", err)
		}
		ev.EntityID = data.EntityID
		ev.Domain = DomainOf(data.EntityID)
		ev.OldState = snapshotOf(data.OldState)
		ev.NewState = snapshotOf(data.NewState)
		if data.NewState != nil {
			ev.Attributes = data.NewState.Attributes
		}

	case "call_service":
		ev.Type = TypeServiceCalled
		var data haServiceCallData
		if err := json.Unmarshal(frame.Event.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to decode call_service data: %w", err)
		}
		ev.Domain = data.Domain
		ev.Attributes = map[string]interface{}{
			"service":      data.Service,
			"service_data": data.ServiceData,
		}

	case "automation_triggered":
		ev.Type = TypeAutomationTriggered
		var data map[string]interface{}
		if err := json.Unmarshal(frame.Event.Data, &data); err == nil {
			ev.Attributes = data
		}

	default:
		ev.Type = TypeUnknown
	}

	return ev, nil
}

// FromMQTT normalizes an MQTT message into an Event. The topic parts
// joined with "/" become the entity ID. Payloads that are not valid
// JSON are wrapped under a "raw" key instead of being rejected.
func FromMQTT(topicParts []string, payload []byte) *Event {
	entityID := strings.Join(topicParts, "/")

	var state interface{}
	var attributes map[string]interface{}
	if err := json.Unmarshal(payload, &state); err != nil {
		state = map[string]interface{}{"raw": string(payload)}
		attributes = map[string]interface{}{"raw": string(payload)}
	} else if m, ok := state.(map[string]interface{}); ok {
		attributes = m
	}

	now := time.Now().UTC()
	return &Event{
		ID:        nextMQTTID(),
		Source:    SourceMQTT,
		Type:      TypeStateChanged,
		Timestamp: now,
		EntityID:  entityID,
		Domain:    "mqtt",
		NewState: &StateSnapshot{
			State:       state,
			LastChanged: now,
			LastUpdated: now,
		},
		Attributes: attributes,
		Raw:        payload,
	}
}

func snapshotOf(s *haState) *StateSnapshot {
	if s == nil {
		return nil
	}
	return &StateSnapshot{
		State:       s.State,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}

func parseTimeFired(value string) time.Time {
	if value != "" {
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
