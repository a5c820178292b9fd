package source

import (
	"bufio"
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
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/auth"
	"github.com/evently-hq/evently/internal/shared/database"
)

type fakeLedgers struct {
	genesis eventid.ID
	known   bool
}

func (f *fakeLedgers) Genesis(ctx context.Context, ledgerID string) (eventid.ID, bool, error) {
	return f.genesis, f.known, nil
}

func newTestHandler(t *testing.T, db *fakeDB) http.Handler {
	t.Helper()
	ledgers := &fakeLedgers{genesis: mustID(t, 1, 0), known: true}
	h := NewHandler(NewService(db, zerolog.Nop()), ledgers, zerolog.Nop())
	r := chi.NewRouter()
	r.Mount("/selectors", h.Routes())
	return r
}

func authed(req *http.Request, roles ...string) *http.Request {
	if len(roles) == 0 {
		roles = []string{auth.RoleReader}
	}
	user := &auth.User{Ledger: testLedger, Roles: roles}
	return req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, user))
}

func plainToken(t *testing.T) string {
	t.Helper()
	token, err := selector.Encode(selector.Selector{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return token
}

func TestSelectorHeadHeaders(t *testing.T) {
	db := &fakeDB{latest: &database.Position{Timestamp: 7, Checksum: 9}}
	handler := newTestHandler(t, db)

	req := authed(httptest.NewRequest(http.MethodHead, "/selectors/"+plainToken(t)+".ndjson", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	wantETag := `"0000000000000007000000090a1b2c3d"`
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %s, want %s", got, wantETag)
	}
	if got := rec.Header().Get("Cache-Control"); got != "private,max-age=0" {
		t.Errorf("Cache-Control = %q", got)
	}
	links := rec.Header().Values("Link")
	if len(links) != 2 {
		t.Fatalf("Link headers = %v", links)
	}
	if !strings.Contains(links[0], `rel="start"`) || !strings.Contains(links[1], `rel="current"`) {
		t.Errorf("Link relations = %v", links)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD carried a body: %q", rec.Body.String())
	}
}

func TestSelectorGetStreamsNDJSON(t *testing.T) {
	all := eventRows(1000, 3)
	db := &fakeDB{
		runBatch: [][]fakeRow{append([]fakeRow{header(5000, 0)}, all...)},
		latest:   &database.Position{Timestamp: 1002, Checksum: 2},
	}
	handler := newTestHandler(t, db)

	req := authed(httptest.NewRequest(http.MethodGet, "/selectors/"+plainToken(t)+".ndjson", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != NDJSONType {
		t.Errorf("Content-Type = %q", got)
	}

	scanner := bufio.NewScanner(rec.Body)
	var lines int
	for scanner.Scan() {
		var ev event.Persisted
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		if ev.Event != "ACCOUNT_OPENED" {
			t.Errorf("line %d event = %q", lines, ev.Event)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("streamed %d lines, want 3", lines)
	}
}

func TestSelectorGetNotModified(t *testing.T) {
	db := &fakeDB{latest: &database.Position{Timestamp: 7, Checksum: 9}}
	handler := newTestHandler(t, db)

	req := authed(httptest.NewRequest(http.MethodGet, "/selectors/"+plainToken(t)+".ndjson", nil))
	req.Header.Set("If-None-Match", `"0000000000000007000000090a1b2c3d"`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if got := rec.Header().Get("ETag"); got == "" {
		t.Error("304 must repeat the ETag")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 carried a body: %q", rec.Body.String())
	}
}

func TestSelectorGetFallsBackToGenesisETag(t *testing.T) {
	db := &fakeDB{runBatch: [][]fakeRow{{header(1, 0)}}}
	handler := newTestHandler(t, db)

	req := authed(httptest.NewRequest(http.MethodGet, "/selectors/"+plainToken(t)+".ndjson", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	wantETag := `"` + mustID(t, 1, 0).Hex() + `"`
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %s, want genesis %s", got, wantETag)
	}
}

func TestSelectorRouteErrors(t *testing.T) {
	db := &fakeDB{latest: &database.Position{Timestamp: 7, Checksum: 9}}
	handler := newTestHandler(t, db)

	tests := []struct {
		name       string
		path       string
		noLedger   bool
		noUser     bool
		wantStatus int
	}{
		{"garbage token", "/selectors/!!!.ndjson", false, false, http.StatusBadRequest},
		{"missing extension", "/selectors/" + plainToken(t), false, false, http.StatusNotFound},
		{"no ledger claim", "/selectors/" + plainToken(t) + ".ndjson", true, false, http.StatusForbidden},
		{"unauthenticated", "/selectors/" + plainToken(t) + ".ndjson", false, true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if !tt.noUser {
				user := &auth.User{Roles: []string{auth.RoleReader}}
				if !tt.noLedger {
					user.Ledger = testLedger
				}
				req = req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, user))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestCreateSelectorRedirects(t *testing.T) {
	handler := newTestHandler(t, &fakeDB{})

	body := strings.NewReader(`{"entities":{"account":["a1"]},"limit":5}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/selectors/", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/selectors/") || !strings.HasSuffix(loc, ".ndjson") {
		t.Fatalf("Location = %q", loc)
	}

	// The minted token decodes back to the canonical selector.
	token := strings.TrimSuffix(strings.TrimPrefix(loc, "/selectors/"), ".ndjson")
	sel, err := selector.Decode(token)
	if err != nil {
		t.Fatalf("decode minted token: %v", err)
	}
	if sel.Limit != 5 || len(sel.Entities["account"]) != 1 {
		t.Errorf("decoded selector = %+v", sel)
	}
}

func TestCreateSelectorRepresentation(t *testing.T) {
	all := eventRows(1000, 2)
	db := &fakeDB{
		runBatch: [][]fakeRow{append([]fakeRow{header(5000, 0)}, all...)},
		latest:   &database.Position{Timestamp: 1001, Checksum: 1},
	}
	handler := newTestHandler(t, db)

	req := authed(httptest.NewRequest(http.MethodPost, "/selectors/", strings.NewReader(`{}`)))
	req.Header.Set("Prefer", "return=representation")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Preference-Applied"); got != "return=representation" {
		t.Errorf("Preference-Applied = %q", got)
	}
	if got := rec.Header().Get("Content-Location"); !strings.HasSuffix(got, ".ndjson") {
		t.Errorf("Content-Location = %q", got)
	}
	if n := strings.Count(rec.Body.String(), "\n"); n != 2 {
		t.Errorf("body lines = %d, want 2", n)
	}
}

func TestCreateSelectorRejectsBadDocuments(t *testing.T) {
	handler := newTestHandler(t, &fakeDB{})

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"bogus":1}`},
		{"strict jsonpath", `{"meta":{"query":"strict $.a"}}`},
		{"not json", `]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authed(httptest.NewRequest(http.MethodPost, "/selectors/", strings.NewReader(tt.body)))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}
