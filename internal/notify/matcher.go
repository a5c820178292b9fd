// Package notify delivers live event notifications over SSE. Channels and
// their subscriptions are process-local; a single database LISTEN feeds
// every channel, and each subscription's selector is compiled into an
// in-process matcher mirroring the SQL predicate the selector would run.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/jsonpath"
	"github.com/evently-hq/evently/internal/selector"
)

// Matcher reports whether an event triggers a subscription. Compiled
// matchers are safe for concurrent use.
type Matcher func(event.Persisted) bool

func matchAll(event.Persisted) bool { return true }

// Compile turns a selector into the in-process rendition of its SQL
// predicate: the disjunction of an entities clause, a meta path clause and
// per-event data path clauses. A plain selector matches every event, and a
// query of exactly "$" matches without consulting the path engine.
func Compile(sel selector.Selector) (Matcher, error) {
	canon, err := sel.Canonical()
	if err != nil {
		return nil, err
	}
	if !canon.IsFilter() {
		return matchAll, nil
	}

	var parts []Matcher

	if len(canon.Entities) > 0 {
		parts = append(parts, entitiesMatcher(canon.Entities))
	}
	if canon.Meta != nil {
		part, err := pathMatcher(*canon.Meta, metaDoc)
		if err != nil {
			return nil, fmt.Errorf("meta: %w", err)
		}
		parts = append(parts, part)
	}
	if len(canon.Events) > 0 {
		part, err := eventsMatcher(canon.Events)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return func(ev event.Persisted) bool {
		for _, part := range parts {
			if part(ev) {
				return true
			}
		}
		return false
	}, nil
}

// entitiesMatcher matches when the event shares any (entity, key) pair with
// the selector.
func entitiesMatcher(want map[string][]string) Matcher {
	return func(ev event.Persisted) bool {
		for name, keys := range want {
			held := ev.Entities[name]
			for _, k := range keys {
				for _, h := range held {
					if h == k {
						return true
					}
				}
			}
		}
		return false
	}
}

// eventsMatcher matches when the event's name is selected and its data
// satisfies that name's query.
func eventsMatcher(events map[string]selector.PathQuery) (Matcher, error) {
	byName := make(map[string]Matcher, len(events))
	for name, pq := range events {
		part, err := pathMatcher(pq, dataDoc)
		if err != nil {
			return nil, fmt.Errorf("events[%s]: %w", name, err)
		}
		byName[name] = part
	}
	return func(ev event.Persisted) bool {
		part, ok := byName[ev.Event]
		return ok && part(ev)
	}, nil
}

func pathMatcher(pq selector.PathQuery, doc func(event.Persisted) json.RawMessage) (Matcher, error) {
	if pq.Query == "$" {
		return matchAll, nil
	}
	path, err := jsonpath.Compile(pq.Query)
	if err != nil {
		return nil, err
	}
	vars := pq.Vars
	return func(ev event.Persisted) bool {
		d, ok := decodeDoc(doc(ev))
		if !ok {
			return false
		}
		return path.Exists(d, vars)
	}, nil
}

func metaDoc(ev event.Persisted) json.RawMessage { return ev.Meta }
func dataDoc(ev event.Persisted) json.RawMessage { return ev.Data }

// decodeDoc decodes a stored JSON document for path evaluation. Events
// without the document do not match path clauses.
func decodeDoc(raw json.RawMessage) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}
