package eventbus

import "time"

// Event is one entry on the bus: one JSON line, one request id's append-only
// log, one dispatch to subscribers.
type Event struct {
	EventType string            `json:"event_type"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]any    `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
