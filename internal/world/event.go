package world

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the core components.
const (
	EventNpcReply       = "npc_reply"
	EventTrade          = "trade"
	EventOrderPlaced    = "order_placed"
	EventOrderCancelled = "order_cancelled"
	EventOrderExpired   = "order_expired"
	EventWeather        = "weather"
	EventAgentFault     = "agent_fault"
	EventDayStarted     = "day_started"
	EventSeasonChanged  = "season_changed"
)

// Event is an immutable record of something that happened in the world.
// Payload is schemaless; consumers must tolerate unknown or missing fields.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Tick      uint64         `json:"tick"`
	Type      string         `json:"type"`
	Location  string         `json:"location,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and the current wall time.
func NewEvent(tick uint64, typ, location string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Tick:      tick,
		Type:      typ,
		Location:  location,
		Payload:   payload,
	}
}

// PayloadString returns a string field, or "" if missing or of another type.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns an integer field. JSON round trips turn ints into
// float64 or json.Number, so all three are accepted.
func (e Event) PayloadInt(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// PayloadBool returns a boolean field, false if missing.
func (e Event) PayloadBool(key string) bool {
	b, _ := e.Payload[key].(bool)
	return b
}
