// Package event defines the two event shapes the service passes around:
// the client-supplied append form and the persisted form read back from a
// ledger.
package event

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/evently-hq/evently/internal/eventid"
)

// Reserved vocabulary. The registry entity tags marker events written by
// the service itself; user appends may not claim any of these names.
const (
	RegistryEntity    = "\U0001F4D2"           // 📒
	GenesisEvent      = "\U0001F4D2\U000120FB" // 📒𒃻
	RegisteredEvent   = "EVENT_REGISTERED"
	UnregisteredEvent = "EVENT_UNREGISTERED"
)

// Append is a new event as submitted by a client.
type Append struct {
	Event          string              `json:"event"`
	Entities       map[string][]string `json:"entities"`
	Meta           json.RawMessage     `json:"meta,omitempty"`
	Data           json.RawMessage     `json:"data,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

// ReservedName reports whether the append claims reserved vocabulary,
// either as the event name or among its entity names.
func (a Append) ReservedName() bool {
	switch a.Event {
	case GenesisEvent, RegisteredEvent, UnregisteredEvent:
		return true
	}
	_, ok := a.Entities[RegistryEntity]
	return ok
}

// Persisted is an event as stored in a ledger. Meta and Data pass through
// as raw JSON: the service never rewrites stored documents.
type Persisted struct {
	EventID   string              `json:"eventId"`
	Timestamp time.Time           `json:"timestamp"`
	Event     string              `json:"event"`
	Entities  map[string][]string `json:"entities"`
	Meta      json.RawMessage     `json:"meta,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty"`
}

// New assembles a Persisted event from its storage row parts.
func New(id eventid.ID, name string, entities map[string][]string, meta, data json.RawMessage) Persisted {
	return Persisted{
		EventID:   id.Hex(),
		Timestamp: time.UnixMicro(int64(id.Timestamp)).UTC(),
		Event:     name,
		Entities:  entities,
		Meta:      meta,
		Data:      data,
	}
}

// ID parses the event's identifier.
func (p Persisted) ID() (eventid.ID, error) {
	return eventid.Parse(p.EventID)
}

// MatchesAppend reports whether the stored event is the same event a
// client is retrying: same name, same entity tags, and JSON-equal meta
// and data regardless of key order.
func (p Persisted) MatchesAppend(a Append) bool {
	if p.Event != a.Event {
		return false
	}
	if !entitiesEqual(p.Entities, a.Entities) {
		return false
	}
	return JSONEqual(p.Meta, a.Meta) && JSONEqual(p.Data, a.Data)
}

func entitiesEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, keys := range a {
		other, ok := b[name]
		if !ok || len(keys) != len(other) {
			return false
		}
		for i := range keys {
			if keys[i] != other[i] {
				return false
			}
		}
	}
	return true
}

// JSONEqual compares two raw JSON documents by value. Absent documents,
// empty input and the literal null are all equal to each other.
func JSONEqual(a, b json.RawMessage) bool {
	av, aok := decodeRaw(a)
	bv, bok := decodeRaw(b)
	if !aok || !bok {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func decodeRaw(raw json.RawMessage) (any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	return v, true
}
