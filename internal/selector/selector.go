// Package selector implements the query model shared by replay, append
// preconditions and notifications: plain selectors (position + limit) and
// filter selectors (entities, meta and per-event JSONPath clauses). A
// selector has one canonical form, one URI token encoding and one SQL
// rendering, so equal selectors stay equal across all three surfaces.
package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/evently-hq/evently/internal/eventid"
)

// ErrStrictMode rejects JSONPath queries requesting strict mode.
var ErrStrictMode = errors.New("strict mode is not supported")

// PathQuery is a JSONPath query with optional named variables.
type PathQuery struct {
	Query string         `json:"query"`
	Vars  map[string]any `json:"vars,omitempty"`
}

// Selector selects events from a ledger. A selector with no clauses is
// plain: it matches every event. Specifying entities, meta or events makes
// it a filter; an event matches when at least one specified clause matches.
type Selector struct {
	After    *eventid.ID          `json:"after,omitempty"`
	Limit    uint32               `json:"limit,omitempty"`
	Entities map[string][]string  `json:"entities,omitempty"`
	Meta     *PathQuery           `json:"meta,omitempty"`
	Events   map[string]PathQuery `json:"events,omitempty"`
}

// IsFilter reports whether any filter clause is present.
func (s Selector) IsFilter() bool {
	return len(s.Entities) > 0 || s.Meta != nil || len(s.Events) > 0
}

// Validate checks clause well-formedness. JSONPath syntax beyond the strict
// prefix is left to the database and the matcher, which both reject with
// richer positions.
func (s Selector) Validate() error {
	if s.After != nil {
		if _, err := eventid.NormalizeLedgerID(s.After.LedgerID); err != nil {
			return fmt.Errorf("invalid after id: %w", err)
		}
	}
	if s.Meta != nil {
		if err := validateQuery(s.Meta.Query); err != nil {
			return fmt.Errorf("meta: %w", err)
		}
	}
	for name, pq := range s.Events {
		if strings.TrimSpace(name) == "" {
			return errors.New("events: empty event name")
		}
		if err := validateQuery(pq.Query); err != nil {
			return fmt.Errorf("events[%s]: %w", name, err)
		}
	}
	for name := range s.Entities {
		if strings.TrimSpace(name) == "" {
			return errors.New("entities: empty entity name")
		}
	}
	return nil
}

func validateQuery(q string) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return errors.New("empty JSONPath query")
	}
	if strings.HasPrefix(q, "strict") {
		return ErrStrictMode
	}
	return nil
}

// Canonical returns the normalized copy used for hashing, encoding and
// equality: queries trimmed, vars reduced to the JSON value domain, empty
// collections dropped, nil entity key lists becoming empty lists.
func (s Selector) Canonical() (Selector, error) {
	if err := s.Validate(); err != nil {
		return Selector{}, err
	}

	out := Selector{Limit: s.Limit}

	if s.After != nil {
		id, err := eventid.New(s.After.Timestamp, s.After.Checksum, s.After.LedgerID)
		if err != nil {
			return Selector{}, err
		}
		out.After = &id
	}

	if len(s.Entities) > 0 {
		ents := make(map[string][]string, len(s.Entities))
		for name, keys := range s.Entities {
			if keys == nil {
				keys = []string{}
			}
			ents[name] = append([]string{}, keys...)
		}
		out.Entities = ents
	}

	if s.Meta != nil {
		pq, err := canonicalPathQuery(*s.Meta)
		if err != nil {
			return Selector{}, err
		}
		out.Meta = &pq
	}

	if len(s.Events) > 0 {
		evs := make(map[string]PathQuery, len(s.Events))
		for name, pq := range s.Events {
			cpq, err := canonicalPathQuery(pq)
			if err != nil {
				return Selector{}, err
			}
			evs[name] = cpq
		}
		out.Events = evs
	}

	return out, nil
}

func canonicalPathQuery(pq PathQuery) (PathQuery, error) {
	vars, err := normalizeVars(pq.Vars)
	if err != nil {
		return PathQuery{}, err
	}
	return PathQuery{Query: strings.TrimSpace(pq.Query), Vars: vars}, nil
}

// normalizeVars reduces vars to the JSON value domain (all numbers become
// float64, nested maps become map[string]any) so equality and encoding do
// not depend on how the caller built the values. Empty maps drop to nil.
func normalizeVars(vars map[string]any) (map[string]any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("vars not representable as JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("vars not representable as JSON: %w", err)
	}
	return out, nil
}

// WithAfter returns a copy positioned after the given event id.
func (s Selector) WithAfter(id eventid.ID) Selector {
	out := s
	out.After = &id
	return out
}

// WithoutAfter returns a copy with the position cleared, selecting from
// the start of the ledger.
func (s Selector) WithoutAfter() Selector {
	out := s
	out.After = nil
	return out
}

// WithoutLimit returns a copy with the limit cleared. Subscriptions store
// selectors this way: a standing filter has no natural page size.
func (s Selector) WithoutLimit() Selector {
	out := s
	out.Limit = 0
	return out
}

// Parse decodes a selector from its JSON body form and canonicalizes it.
func Parse(body []byte) (Selector, error) {
	var s Selector
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Selector{}, fmt.Errorf("invalid selector document: %w", err)
	}
	return s.Canonical()
}
