package selector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MatchNothing is the predicate handed to the database for unconditional
// appends: no concurrent event can invalidate them.
const MatchNothing = "false"

// Predicate renders the selector as a SQL boolean expression over the
// event columns (event, entities, meta, data). A plain selector renders
// as the literal "true"; a filter renders its clauses joined by OR, the
// same disjunction the in-process matcher applies, so database replay and
// live notification agree on what matches.
func (s Selector) Predicate() (string, error) {
	c, err := s.Canonical()
	if err != nil {
		return "", err
	}
	if !c.IsFilter() {
		return "true", nil
	}

	var clauses []string
	if len(c.Entities) > 0 {
		clauses = append(clauses, entitiesClause(c.Entities))
	}
	if c.Meta != nil {
		cl, err := pathClause("meta", *c.Meta)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, cl)
	}
	if len(c.Events) > 0 {
		cl, err := eventsClause(c.Events)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, cl)
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}
	for i := range clauses {
		clauses[i] = "(" + clauses[i] + ")"
	}
	return strings.Join(clauses, " OR "), nil
}

// entitiesClause matches events tagged with any of the given entity keys:
//
//	entities @? '$."order" ? (@=="o-1" || @=="o-2")'
//
// An empty key list degenerates to bare existence of the entity name.
func entitiesClause(entities map[string][]string) string {
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	conds := make([]string, 0, len(names))
	for _, name := range names {
		keys := entities[name]
		path := fmt.Sprintf(`$."%s"`, pathString(name))
		if len(keys) > 0 {
			alts := make([]string, 0, len(keys))
			for _, k := range keys {
				alts = append(alts, fmt.Sprintf(`@=="%s"`, pathString(k)))
			}
			path = fmt.Sprintf("%s ? (%s)", path, strings.Join(alts, " || "))
		}
		conds = append(conds, fmt.Sprintf("entities @? '%s'", sqlQuote(path)))
	}
	return strings.Join(conds, " OR ")
}

// pathClause matches a JSONPath against a JSONB column, routing through
// jsonb_path_exists when the query carries variables.
func pathClause(col string, pq PathQuery) (string, error) {
	if len(pq.Vars) == 0 {
		return fmt.Sprintf("%s @? '%s'", col, sqlQuote(pq.Query)), nil
	}
	vars, err := json.Marshal(pq.Vars)
	if err != nil {
		return "", fmt.Errorf("vars not representable as JSON: %w", err)
	}
	return fmt.Sprintf("jsonb_path_exists(%s, '%s', '%s')", col, sqlQuote(pq.Query), sqlQuote(string(vars))), nil
}

// eventsClause matches by event name, with an optional JSONPath over the
// event data. Names whose query is exactly "$" need no data inspection
// and collapse into a single ANY term.
func eventsClause(events map[string]PathQuery) (string, error) {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	var simple []string
	var terms []string
	for _, name := range names {
		pq := events[name]
		if pq.Query == "$" {
			simple = append(simple, name)
			continue
		}
		data, err := pathClause("data", pq)
		if err != nil {
			return "", err
		}
		terms = append(terms, fmt.Sprintf("(event = '%s' AND %s)", sqlQuote(name), data))
	}

	switch len(simple) {
	case 0:
	case 1:
		terms = append([]string{fmt.Sprintf("event = '%s'", sqlQuote(simple[0]))}, terms...)
	default:
		elems := make([]string, 0, len(simple))
		for _, name := range simple {
			elems = append(elems, `"`+arrayElem(name)+`"`)
		}
		lit := "{" + strings.Join(elems, ",") + "}"
		terms = append([]string{fmt.Sprintf("event = ANY('%s')", sqlQuote(lit))}, terms...)
	}

	return strings.Join(terms, " OR "), nil
}

// sqlQuote doubles single quotes for interpolation into a SQL literal.
func sqlQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// pathString escapes a value for use inside a double-quoted JSONPath
// string literal.
func pathString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// arrayElem escapes a value for a double-quoted Postgres array element.
func arrayElem(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
