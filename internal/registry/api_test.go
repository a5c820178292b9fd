package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/shared/auth"
)

type fakeLedgers struct {
	known bool
}

func (f *fakeLedgers) Genesis(ctx context.Context, ledgerID string) (eventid.ID, bool, error) {
	id, _ := eventid.New(1, 0, testLedger)
	return id, f.known, nil
}

func newTestHandler(src *fakeSource, db *fakeDB, known bool) http.Handler {
	h := NewHandler(NewService(db, src, zerolog.Nop()), &fakeLedgers{known: known}, zerolog.Nop())
	r := chi.NewRouter()
	r.Mount("/registry", h.Routes())
	return r
}

func authed(req *http.Request, roles ...string) *http.Request {
	if len(roles) == 0 {
		roles = []string{auth.RoleRegistrar}
	}
	user := &auth.User{Ledger: testLedger, Roles: roles}
	return req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, user))
}

func registered(t *testing.T) *fakeSource {
	t.Helper()
	return &fakeSource{markers: []event.Persisted{
		marker(t, 1, event.RegisteredEvent, "order-placed", "order", "customer"),
		marker(t, 2, event.RegisteredEvent, "order-shipped", "order"),
	}}
}

func TestRegistryIndex(t *testing.T) {
	handler := newTestHandler(registered(t), &fakeDB{}, true)

	req := authed(httptest.NewRequest(http.MethodGet, "/registry", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc struct {
		Ledger     string `json:"ledger"`
		EventCount int    `json:"eventCount"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Ledger != testLedger || doc.EventCount != 2 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestRegisterEventEndpoint(t *testing.T) {
	db := &fakeDB{}
	handler := newTestHandler(&fakeSource{}, db, true)

	body := strings.NewReader(`{"event":"order-placed","entities":["order"]}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/registry/register-event", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/registry/events/order-placed" {
		t.Errorf("Location = %q", got)
	}
	if len(db.appends) != 1 {
		t.Errorf("appends = %d, want 1", len(db.appends))
	}

	var doc Registration
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Event != "order-placed" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestRegisterEventRejectsReservedEntity(t *testing.T) {
	handler := newTestHandler(&fakeSource{}, &fakeDB{}, true)

	body := strings.NewReader(`{"event":"order-placed","entities":["` + event.RegistryEntity + `"]}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/registry/register-event", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetEventEndpoint(t *testing.T) {
	handler := newTestHandler(registered(t), &fakeDB{}, true)

	req := authed(httptest.NewRequest(http.MethodGet, "/registry/events/order-placed", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc Registration
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Event != "order-placed" || len(doc.Entities) != 2 {
		t.Errorf("doc = %+v", doc)
	}

	t.Run("unknown event", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodGet, "/registry/events/nope", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListEventsEndpoint(t *testing.T) {
	handler := newTestHandler(registered(t), &fakeDB{}, true)

	req := authed(httptest.NewRequest(http.MethodGet, "/registry/events", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc struct {
		Count    int `json:"count"`
		Embedded struct {
			Events []Registration `json:"events"`
		} `json:"_embedded"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Count != 2 || len(doc.Embedded.Events) != 2 {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Embedded.Events[0].Event != "order-placed" {
		t.Errorf("events unsorted: %+v", doc.Embedded.Events)
	}
}

func TestUnregisterEndpoint(t *testing.T) {
	db := &fakeDB{}
	handler := newTestHandler(registered(t), db, true)

	req := authed(httptest.NewRequest(http.MethodDelete, "/registry/events/order-placed", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(db.appends) != 1 {
		t.Errorf("appends = %d, want 1", len(db.appends))
	}

	t.Run("unknown event", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodDelete, "/registry/events/nope", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestEntityEndpoints(t *testing.T) {
	handler := newTestHandler(registered(t), &fakeDB{}, true)

	req := authed(httptest.NewRequest(http.MethodGet, "/registry/entities", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Entities map[string][]string `json:"entities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := list.Entities["order"]; len(got) != 2 {
		t.Errorf("order events = %v", got)
	}

	t.Run("single entity", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodGet, "/registry/entities/customer", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var doc struct {
			Entity string   `json:"entity"`
			Events []string `json:"events"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.Entity != "customer" || len(doc.Events) != 1 {
			t.Errorf("doc = %+v", doc)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodGet, "/registry/entities/nope", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestRegistryAccessControl(t *testing.T) {
	handler := newTestHandler(registered(t), &fakeDB{}, true)

	t.Run("role denied", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodGet, "/registry", nil), auth.RoleReader)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("no ledger claim", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/registry", nil)
		user := &auth.User{Roles: []string{auth.RoleRegistrar}}
		req = req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, user))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("unknown ledger", func(t *testing.T) {
		handler := newTestHandler(&fakeSource{}, &fakeDB{}, false)
		req := authed(httptest.NewRequest(http.MethodGet, "/registry", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}
