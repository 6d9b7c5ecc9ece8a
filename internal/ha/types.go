package ha

import "encoding/json"

// frame is the subset of an inbound Home Assistant WebSocket message
// the connector inspects before dispatching. Event frames are handed
// to the normalizer as raw bytes.
type frame struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *haError        `json:"error,omitempty"`
}

// haError is an error payload inside a result frame.
type haError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authFrame is the authentication request. It carries no id.
type authFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// subscribeFrame requests an event subscription.
type subscribeFrame struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// callServiceFrame is an outbound service call.
type callServiceFrame struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      map[string]interface{} `json:"target,omitempty"`
}
