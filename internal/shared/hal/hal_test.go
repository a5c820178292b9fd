package hal

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestResourceShape(t *testing.T) {
	r := New().
		Self("/ledgers/0a1b2c3d").
		Link("events", "/ledgers/0a1b2c3d/events.ndjson").
		Field("name", "orders").
		Field("eventCount", 42)

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	links, ok := doc["_links"].(map[string]any)
	if !ok {
		t.Fatal("_links missing")
	}
	self, ok := links["self"].(map[string]any)
	if !ok || self["href"] != "/ledgers/0a1b2c3d" {
		t.Errorf("self link = %v", links["self"])
	}
	if doc["name"] != "orders" {
		t.Errorf("name = %v", doc["name"])
	}
	if doc["eventCount"] != float64(42) {
		t.Errorf("eventCount = %v", doc["eventCount"])
	}
}

func TestTemplatedAndEmbedded(t *testing.T) {
	r := New().
		LinkTemplated("selector", "/selectors/{token}.ndjson").
		Embed("ledgers", []string{"0a1b2c3d"})

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var doc struct {
		Links map[string]Link `json:"_links"`
		Embed struct {
			Ledgers []string `json:"ledgers"`
		} `json:"_embedded"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !doc.Links["selector"].Templated {
		t.Error("selector link not templated")
	}
	if len(doc.Embed.Ledgers) != 1 || doc.Embed.Ledgers[0] != "0a1b2c3d" {
		t.Errorf("embedded ledgers = %v", doc.Embed.Ledgers)
	}
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := Write(rec, 200, New().Field("ok", true)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != ContentType {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
}
