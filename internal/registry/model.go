// Package registry maintains each ledger's event registry: which event
// names may be appended and which entity names they may claim. The
// registry itself lives in the ledger as marker events; this package
// folds them and writes new ones.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/evently-hq/evently/internal/event"
)

// Registration is one registered event name and the entity names its
// events may claim.
type Registration struct {
	Event    string   `json:"event"`
	Entities []string `json:"entities"`
}

// Registry is the folded registry state of one ledger: event name to
// sorted entity names.
type Registry map[string][]string

// markerData is the payload stored on registry marker events.
type markerData struct {
	Event    string   `json:"event"`
	Entities []string `json:"entities"`
}

// Fold replays registry markers in stream order. A registration replaces
// any earlier one for the same event name; an unregistration removes it.
func Fold(markers []event.Persisted) (Registry, error) {
	reg := Registry{}
	for _, m := range markers {
		var data markerData
		if err := decodeMarker(m, &data); err != nil {
			return nil, err
		}
		switch m.Event {
		case event.RegisteredEvent:
			reg[data.Event] = normalizeEntities(data.Entities)
		case event.UnregisteredEvent:
			delete(reg, data.Event)
		}
	}
	return reg, nil
}

func decodeMarker(m event.Persisted, data *markerData) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("marker %s has no payload", m.EventID)
	}
	if err := json.Unmarshal(m.Data, data); err != nil {
		return fmt.Errorf("marker %s payload: %w", m.EventID, err)
	}
	if data.Event == "" {
		return fmt.Errorf("marker %s names no event", m.EventID)
	}
	return nil
}

// Registration returns the registration for an event name.
func (r Registry) Registration(name string) (Registration, bool) {
	entities, ok := r[name]
	if !ok {
		return Registration{}, false
	}
	return Registration{Event: name, Entities: append([]string{}, entities...)}, true
}

// Registrations lists every registration, sorted by event name.
func (r Registry) Registrations() []Registration {
	out := make([]Registration, 0, len(r))
	for _, name := range sortedNames(r) {
		reg, _ := r.Registration(name)
		out = append(out, reg)
	}
	return out
}

// Entities inverts the registry: entity name to the sorted event names
// that may claim it.
func (r Registry) Entities() map[string][]string {
	out := map[string][]string{}
	for name, entities := range r {
		for _, entity := range entities {
			out[entity] = append(out[entity], name)
		}
	}
	for entity := range out {
		sort.Strings(out[entity])
	}
	return out
}

// Allows reports whether the registered entity list covers the entity.
func (r Registry) Allows(eventName, entity string) bool {
	entities, ok := r[eventName]
	if !ok {
		return false
	}
	for _, e := range entities {
		if e == entity {
			return true
		}
	}
	return false
}

// normalizeEntities sorts and dedupes an entity name list.
func normalizeEntities(entities []string) []string {
	out := make([]string, 0, len(entities))
	seen := map[string]bool{}
	for _, e := range entities {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func sortedNames(r Registry) []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entitySetsEqual compares entity lists order-independently.
func entitySetsEqual(a, b []string) bool {
	na, nb := normalizeEntities(a), normalizeEntities(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
