package store

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/registry"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/database"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
)

const testLedger = "0a1b2c3d"

func mustID(t *testing.T, ts uint64, chk uint32) eventid.ID {
	t.Helper()
	id, err := eventid.New(ts, chk, testLedger)
	if err != nil {
		t.Fatalf("eventid.New: %v", err)
	}
	return id
}

func mustUUID(t *testing.T, id eventid.ID) uuid.UUID {
	t.Helper()
	u, err := id.UUID()
	if err != nil {
		t.Fatalf("pack id: %v", err)
	}
	return u
}

type appendCall struct {
	previous  uuid.UUID
	event     string
	entities  []byte
	meta      []byte
	data      []byte
	appendKey string
	predicate []byte
}

type fakeDB struct {
	appendID  uuid.UUID
	appendErr error
	appends   []appendCall
	stored    *database.EventRow
	findErr   error
	finds     []string
}

func (db *fakeDB) AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (uuid.UUID, error) {
	db.appends = append(db.appends, appendCall{
		previous:  previousID,
		event:     eventName,
		entities:  entities,
		meta:      meta,
		data:      data,
		appendKey: appendKey,
		predicate: predicate,
	})
	if db.appendErr != nil {
		return uuid.UUID{}, db.appendErr
	}
	return db.appendID, nil
}

func (db *fakeDB) FindWithAppendKey(ctx context.Context, ledgerID, appendKey string) (*database.EventRow, error) {
	db.finds = append(db.finds, appendKey)
	if db.findErr != nil {
		return nil, db.findErr
	}
	return db.stored, nil
}

type fakeRegistries struct {
	reg registry.Registry
	err error
}

func (f *fakeRegistries) ForLedger(ctx context.Context, ledgerID string) (registry.Registry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reg, nil
}

type fakeSource struct {
	latest *eventid.ID
	err    error
}

func (f *fakeSource) Latest(ctx context.Context, ledgerID string, sel selector.Selector) (*eventid.ID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.latest, nil
}

func orderRegistry() registry.Registry {
	return registry.Registry{"order-placed": {"customer", "order"}}
}

func orderAppend() event.Append {
	return event.Append{
		Event:    "order-placed",
		Entities: map[string][]string{"order": {"o-1"}},
		Data:     json.RawMessage(`{"total":42}`),
	}
}

func newService(db *fakeDB, reg registry.Registry, src *fakeSource) *Service {
	if src == nil {
		src = &fakeSource{}
	}
	return NewService(db, &fakeRegistries{reg: reg}, src, zerolog.Nop())
}

func raised(msg string) *pgconn.PgError {
	return &pgconn.PgError{Code: "P0001", Message: msg}
}

func TestAppendFactual(t *testing.T) {
	newID := mustID(t, 5000, 7)
	db := &fakeDB{appendID: mustUUID(t, newID)}
	svc := newService(db, orderRegistry(), nil)

	res, err := svc.AppendFactual(context.Background(), testLedger, orderAppend())
	if err != nil {
		t.Fatalf("AppendFactual: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.EventID != newID {
		t.Errorf("eventId = %s, want %s", res.EventID.Hex(), newID.Hex())
	}
	if res.IdempotencyKey == "" {
		t.Error("no idempotency key was synthesized")
	}

	// The Location selector for a factual append is the entities set,
	// with no position: fetching it finds the event just written.
	if res.Selector == nil || res.Selector.After != nil {
		t.Fatalf("echo selector = %+v", res.Selector)
	}
	if got := res.Selector.Entities["order"]; len(got) != 1 || got[0] != "o-1" {
		t.Errorf("echo entities = %v", res.Selector.Entities)
	}

	if len(db.appends) != 1 {
		t.Fatalf("appends = %d", len(db.appends))
	}
	call := db.appends[0]
	if call.previous != mustUUID(t, eventid.ID{LedgerID: testLedger}) {
		t.Errorf("previous = %s, want zero position", call.previous)
	}
	if string(call.predicate) != selector.MatchNothing {
		t.Errorf("predicate = %q", call.predicate)
	}
	var entities map[string][]string
	if err := json.Unmarshal(call.entities, &entities); err != nil {
		t.Fatalf("entities param: %v", err)
	}
	if got := entities["order"]; len(got) != 1 || got[0] != "o-1" {
		t.Errorf("entities param = %v", entities)
	}
}

func TestAppendUsesProvidedIdempotencyKey(t *testing.T) {
	db := &fakeDB{appendID: mustUUID(t, mustID(t, 1, 1))}
	svc := newService(db, orderRegistry(), nil)

	a := orderAppend()
	a.IdempotencyKey = "K"
	res, err := svc.AppendFactual(context.Background(), testLedger, a)
	if err != nil {
		t.Fatalf("AppendFactual: %v", err)
	}
	if res.IdempotencyKey != "K" || db.appends[0].appendKey != "K" {
		t.Errorf("key = %q / %q, want K", res.IdempotencyKey, db.appends[0].appendKey)
	}
}

func TestAppendAtomic(t *testing.T) {
	after := mustID(t, 3000, 2)
	newID := mustID(t, 5000, 7)
	db := &fakeDB{appendID: mustUUID(t, newID)}
	svc := newService(db, orderRegistry(), nil)

	sel := selector.Selector{
		After:    &after,
		Entities: map[string][]string{"order": {"o-1"}},
	}
	res, err := svc.AppendAtomic(context.Background(), testLedger, orderAppend(), sel)
	if err != nil {
		t.Fatalf("AppendAtomic: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}

	call := db.appends[0]
	if call.previous != mustUUID(t, after) {
		t.Errorf("previous = %s, want packed after", call.previous)
	}
	wantPredicate := `entities @? '$."order" ? (@=="o-1")'`
	if string(call.predicate) != wantPredicate {
		t.Errorf("predicate = %q, want %q", call.predicate, wantPredicate)
	}

	// The Location selector is the submitted one advanced past the new
	// event, ready for the next conditional append.
	if res.Selector == nil || res.Selector.After == nil || *res.Selector.After != newID {
		t.Fatalf("echo selector = %+v", res.Selector)
	}
}

func TestAppendAtomicRejectsPlainSelectors(t *testing.T) {
	svc := newService(&fakeDB{}, orderRegistry(), nil)

	_, err := svc.AppendAtomic(context.Background(), testLedger, orderAppend(), selector.Selector{Limit: 5})
	appErr, ok := apperrors.As(err)
	if !ok || appErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestAppendRegistryRules(t *testing.T) {
	t.Run("unregistered event", func(t *testing.T) {
		svc := newService(&fakeDB{}, registry.Registry{}, nil)
		res, err := svc.AppendFactual(context.Background(), testLedger, orderAppend())
		if err != nil {
			t.Fatalf("AppendFactual: %v", err)
		}
		if res.Status != StatusFail {
			t.Fatalf("status = %s, want FAIL", res.Status)
		}
		if !strings.Contains(res.Message, "/registry/register-event") ||
			!strings.Contains(res.Message, "/ledgers/"+testLedger+"/reset") {
			t.Errorf("remediation message = %q", res.Message)
		}
	})

	t.Run("unlisted entity", func(t *testing.T) {
		svc := newService(&fakeDB{}, registry.Registry{"order-placed": {"order"}}, nil)
		a := orderAppend()
		a.Entities["warehouse"] = []string{"w-9"}
		res, err := svc.AppendFactual(context.Background(), testLedger, a)
		if err != nil {
			t.Fatalf("AppendFactual: %v", err)
		}
		if res.Status != StatusFail {
			t.Fatalf("status = %s, want FAIL", res.Status)
		}
		if !strings.Contains(res.Message, `"warehouse"`) {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("reserved vocabulary", func(t *testing.T) {
		svc := newService(&fakeDB{}, orderRegistry(), nil)
		a := orderAppend()
		a.Entities[event.RegistryEntity] = []string{testLedger}
		res, err := svc.AppendFactual(context.Background(), testLedger, a)
		if err != nil {
			t.Fatalf("AppendFactual: %v", err)
		}
		if res.Status != StatusFail {
			t.Fatalf("status = %s, want FAIL", res.Status)
		}
	})
}

func TestAppendErrorMapping(t *testing.T) {
	tests := []struct {
		raised      string
		wantMessage string
	}{
		{"previous can only be genesis for first event", "Ledger already has events"},
		{"previous_id must exist in the ledger", "Previous Event ID not found"},
		{"AFTER not found: 00000000000007d0000000020a1b2c3d", "'after' value not found"},
	}
	for _, tt := range tests {
		t.Run(tt.wantMessage, func(t *testing.T) {
			db := &fakeDB{appendErr: raised(tt.raised)}
			svc := newService(db, orderRegistry(), nil)
			res, err := svc.AppendFactual(context.Background(), testLedger, orderAppend())
			if err != nil {
				t.Fatalf("AppendFactual: %v", err)
			}
			if res.Status != StatusError || res.Message != tt.wantMessage {
				t.Errorf("result = %s %q", res.Status, res.Message)
			}
		})
	}

	t.Run("unclassified", func(t *testing.T) {
		db := &fakeDB{appendErr: &pgconn.PgError{Code: "57014", Message: "canceled"}}
		svc := newService(db, orderRegistry(), nil)
		_, err := svc.AppendFactual(context.Background(), testLedger, orderAppend())
		appErr, ok := apperrors.As(err)
		if !ok || appErr.HTTPStatus != http.StatusInternalServerError {
			t.Fatalf("err = %v, want 500", err)
		}
		if appErr.Ref == "" {
			t.Error("internal error carries no correlation ref")
		}
	})
}

func TestAppendRace(t *testing.T) {
	after := mustID(t, 3000, 2)
	latest := mustID(t, 9000, 1)
	db := &fakeDB{appendErr: raised("RACE CONDITION: newer matching events exist")}
	svc := newService(db, orderRegistry(), &fakeSource{latest: &latest})

	sel := selector.Selector{After: &after, Entities: map[string][]string{"order": {"o-1"}}}
	res, err := svc.AppendAtomic(context.Background(), testLedger, orderAppend(), sel)
	if err != nil {
		t.Fatalf("AppendAtomic: %v", err)
	}
	if res.Status != StatusRace {
		t.Fatalf("status = %s, want RACE", res.Status)
	}
	if res.Current == nil || res.Current.After == nil || *res.Current.After != latest {
		t.Errorf("current selector = %+v, want after advanced to %s", res.Current, latest.Hex())
	}
}

func TestAppendRaceReplaysIdempotently(t *testing.T) {
	stored := &database.EventRow{
		Timestamp: 4000,
		Checksum:  9,
		Event:     "order-placed",
		Entities:  []byte(`{"order":["o-1"]}`),
		Data:      []byte(`{"total": 42}`),
	}
	db := &fakeDB{appendErr: raised("RACE CONDITION: newer matching events exist"), stored: stored}
	svc := newService(db, orderRegistry(), &fakeSource{})

	a := orderAppend()
	a.IdempotencyKey = "K"
	res, err := svc.AppendFactual(context.Background(), testLedger, a)
	if err != nil {
		t.Fatalf("AppendFactual: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want replayed SUCCESS", res.Status)
	}
	if want := mustID(t, 4000, 9); res.EventID != want {
		t.Errorf("eventId = %s, want stored %s", res.EventID.Hex(), want.Hex())
	}
	if len(db.finds) != 1 || db.finds[0] != "K" {
		t.Errorf("finds = %v", db.finds)
	}
}

func TestAppendReplayMismatch(t *testing.T) {
	stored := &database.EventRow{
		Timestamp: 4000,
		Checksum:  9,
		Event:     "order-placed",
		Entities:  []byte(`{"order":["o-1"]}`),
		Data:      []byte(`{"total":43}`),
	}
	db := &fakeDB{appendErr: raised("RACE CONDITION: newer matching events exist"), stored: stored}
	svc := newService(db, orderRegistry(), &fakeSource{})

	a := orderAppend()
	a.IdempotencyKey = "K"
	_, err := svc.AppendFactual(context.Background(), testLedger, a)
	appErr, ok := apperrors.As(err)
	if !ok || appErr.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422", err)
	}
	if appErr.Message != "Event does not match the event originally appended with idempotencyKey" {
		t.Errorf("message = %q", appErr.Message)
	}
}

func TestAppendKeyCollision(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "events_append_key_key"}

	t.Run("replays matching row", func(t *testing.T) {
		stored := &database.EventRow{
			Timestamp: 4000,
			Checksum:  9,
			Event:     "order-placed",
			Entities:  []byte(`{"order":["o-1"]}`),
			Data:      []byte(`{"total":42}`),
		}
		db := &fakeDB{appendErr: unique, stored: stored}
		svc := newService(db, orderRegistry(), nil)

		a := orderAppend()
		a.IdempotencyKey = "K"
		res, err := svc.AppendFactual(context.Background(), testLedger, a)
		if err != nil {
			t.Fatalf("AppendFactual: %v", err)
		}
		if res.Status != StatusSuccess || res.EventID != mustID(t, 4000, 9) {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("no prior row", func(t *testing.T) {
		db := &fakeDB{appendErr: unique}
		svc := newService(db, orderRegistry(), nil)

		a := orderAppend()
		a.IdempotencyKey = "K"
		_, err := svc.AppendFactual(context.Background(), testLedger, a)
		appErr, ok := apperrors.As(err)
		if !ok || appErr.HTTPStatus != http.StatusConflict {
			t.Fatalf("err = %v, want 409", err)
		}
	})
}

func TestAppendValidation(t *testing.T) {
	svc := newService(&fakeDB{}, orderRegistry(), nil)

	t.Run("missing event name", func(t *testing.T) {
		_, err := svc.AppendFactual(context.Background(), testLedger, event.Append{})
		appErr, ok := apperrors.As(err)
		if !ok || appErr.HTTPStatus != http.StatusBadRequest {
			t.Fatalf("err = %v, want 400", err)
		}
	})

	t.Run("invalid ledger", func(t *testing.T) {
		_, err := svc.AppendFactual(context.Background(), "nope", orderAppend())
		appErr, ok := apperrors.As(err)
		if !ok || appErr.HTTPStatus != http.StatusBadRequest {
			t.Fatalf("err = %v, want 400", err)
		}
	})
}
