package domain

import (
	"encoding/json"
	"time"
)

// Bus topics. eval.* carry the lifecycle; store.* confirm reactor writes.
const (
	TopicEvalQueued    = "eval.queued"
	TopicEvalStarted   = "eval.started"
	TopicEvalCompleted = "eval.completed"
	TopicEvalFailed    = "eval.failed"
	TopicEvalCancelled = "eval.cancelled"
	TopicEvalHeartbeat = "eval.heartbeat"
	TopicStoreCreated  = "store.created"
	TopicStoreUpdated  = "store.updated"
)

// EvalTopics lists every topic the reactor subscribes to.
var EvalTopics = []string{
	TopicEvalQueued,
	TopicEvalStarted,
	TopicEvalCompleted,
	TopicEvalFailed,
	TopicEvalCancelled,
	TopicEvalHeartbeat,
}

// TerminalTopics are the topics of which exactly one is ever published per id.
var TerminalTopics = []string{TopicEvalCompleted, TopicEvalFailed, TopicEvalCancelled}

// Event is the unit exchanged on the bus. ID is the evaluation id. Payloads
// are self-describing maps; consumers must tolerate unknown extra fields.
type Event struct {
	Topic     string         `json:"topic"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent stamps the event with the publication time.
func NewEvent(topic, id string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Topic: topic, ID: id, Timestamp: time.Now().UTC(), Payload: payload}
}

// EncodeEvent marshals for the wire.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent unmarshals a wire event, tolerating unknown fields.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return ev, nil
}

// PayloadString returns the named payload field when it is a string.
func (e Event) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadInt returns the named payload field as an int. JSON decoding yields
// float64 for numbers; both forms are accepted.
func (e Event) PayloadInt(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// PayloadTime parses the named payload field as RFC 3339; time.Time values
// pass through (in-process bus delivers them unmarshaled).
func (e Event) PayloadTime(key string) (time.Time, bool) {
	switch v := e.Payload[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Bus (port)

type Bus interface {
	Publish(ctx Context, ev Event) error
	// Subscribe delivers events for the given topics until the subscription
	// or ctx is closed. Delivery is at-least-once while connected; there is
	// no replay of events published before the subscription existed.
	Subscribe(ctx Context, topics ...string) (Subscription, error)
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}
