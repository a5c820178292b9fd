package notify

import (
	"encoding/json"
	"testing"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
)

const testLedger = "0a1b2c3d"

func testEvent(t *testing.T, ts uint64, name string, entities map[string][]string, meta, data string) event.Persisted {
	t.Helper()
	id, err := eventid.New(ts, uint32(ts), testLedger)
	if err != nil {
		t.Fatalf("eventid.New: %v", err)
	}
	var metaRaw, dataRaw json.RawMessage
	if meta != "" {
		metaRaw = json.RawMessage(meta)
	}
	if data != "" {
		dataRaw = json.RawMessage(data)
	}
	return event.New(id, name, entities, metaRaw, dataRaw)
}

func TestCompileMatcher(t *testing.T) {
	placed := testEvent(t, 1, "order-placed",
		map[string][]string{"order": {"o-1"}, "customer": {"c-9"}},
		`{"actor":"api"}`,
		`{"total":150,"status":"open"}`)
	shipped := testEvent(t, 2, "order-shipped",
		map[string][]string{"order": {"o-2"}},
		"",
		`{"carrier":"dhl"}`)

	tests := []struct {
		name string
		sel  selector.Selector
		ev   event.Persisted
		want bool
	}{
		{"plain matches everything", selector.Selector{}, placed, true},
		{"limit does not make a filter", selector.Selector{Limit: 10}, shipped, true},
		{"entity key intersects", selector.Selector{Entities: map[string][]string{"order": {"o-1"}}}, placed, true},
		{"entity key disjoint", selector.Selector{Entities: map[string][]string{"order": {"o-9"}}}, placed, false},
		{"entity name absent", selector.Selector{Entities: map[string][]string{"invoice": {"o-1"}}}, placed, false},
		{"any entity pair suffices", selector.Selector{Entities: map[string][]string{"invoice": {"i-1"}, "customer": {"c-9"}}}, placed, true},
		{"meta path matches", selector.Selector{Meta: &selector.PathQuery{Query: `$.actor ? (@ == "api")`}}, placed, true},
		{"meta path misses", selector.Selector{Meta: &selector.PathQuery{Query: `$.actor ? (@ == "ui")`}}, placed, false},
		{"meta path against absent meta", selector.Selector{Meta: &selector.PathQuery{Query: `$.actor`}}, shipped, false},
		{"meta dollar short-circuits", selector.Selector{Meta: &selector.PathQuery{Query: "$"}}, shipped, true},
		{"event name with dollar query", selector.Selector{Events: map[string]selector.PathQuery{"order-shipped": {Query: "$"}}}, shipped, true},
		{"event name not selected", selector.Selector{Events: map[string]selector.PathQuery{"order-shipped": {Query: "$"}}}, placed, false},
		{"event data query matches", selector.Selector{Events: map[string]selector.PathQuery{"order-placed": {Query: `$.total ? (@ > 100)`}}}, placed, true},
		{"event data query misses", selector.Selector{Events: map[string]selector.PathQuery{"order-placed": {Query: `$.total ? (@ > 200)`}}}, placed, false},
		{"vars reach the engine", selector.Selector{Events: map[string]selector.PathQuery{"order-placed": {Query: `$.total ? (@ > $min)`, Vars: map[string]any{"min": 100}}}}, placed, true},
		{"clauses join as a disjunction", selector.Selector{
			Entities: map[string][]string{"order": {"o-2"}},
			Events:   map[string]selector.PathQuery{"order-placed": {Query: `$.total ? (@ > 200)`}},
		}, shipped, true},
		{"no clause matches", selector.Selector{
			Entities: map[string][]string{"order": {"o-9"}},
			Meta:     &selector.PathQuery{Query: `$.actor ? (@ == "ui")`},
			Events:   map[string]selector.PathQuery{"order-cancelled": {Query: "$"}},
		}, placed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := Compile(tt.sel)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := match(tt.ev); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileRejectsBadQueries(t *testing.T) {
	tests := []struct {
		name string
		sel  selector.Selector
	}{
		{"meta syntax", selector.Selector{Meta: &selector.PathQuery{Query: "$."}}},
		{"event data syntax", selector.Selector{Events: map[string]selector.PathQuery{"order-placed": {Query: "$["}}}},
		{"strict mode", selector.Selector{Meta: &selector.PathQuery{Query: "strict $.a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.sel); err == nil {
				t.Error("expected a compile error")
			}
		})
	}
}
