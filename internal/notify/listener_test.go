package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
)

type fetchCall struct {
	ledger   string
	ts       int64
	needMeta bool
}

type fakeListenDB struct {
	meta, data []byte
	err        error
	calls      []fetchCall
}

func (f *fakeListenDB) ListenConn(ctx context.Context) (*pgx.Conn, error) {
	return nil, errors.New("no database in tests")
}

func (f *fakeListenDB) FetchMissingData(ctx context.Context, ledgerID string, ts int64, needMeta bool) ([]byte, []byte, error) {
	f.calls = append(f.calls, fetchCall{ledgerID, ts, needMeta})
	return f.meta, f.data, f.err
}

func TestHandleFetchesOmittedDocuments(t *testing.T) {
	db := &fakeListenDB{meta: []byte(`{"m":1}`), data: []byte(`{"d":2}`)}
	var got []event.Persisted
	l := NewListener(db, func(ev event.Persisted) { got = append(got, ev) }, zerolog.Nop())

	l.handle(context.Background(), `0a1b2c3d,5,9,order-placed,{"order":["o-1"]}`)

	if len(got) != 1 {
		t.Fatalf("sink got %d events, want 1", len(got))
	}
	ev := got[0]
	id, err := ev.ID()
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	if id.Timestamp != 5 || id.Checksum != 9 || id.LedgerID != "0a1b2c3d" {
		t.Errorf("id = %+v", id)
	}
	if string(ev.Meta) != `{"m":1}` || string(ev.Data) != `{"d":2}` {
		t.Errorf("fetched documents not attached: meta=%s data=%s", ev.Meta, ev.Data)
	}
	if len(db.calls) != 1 || db.calls[0] != (fetchCall{"0a1b2c3d", 5, true}) {
		t.Errorf("fetch calls = %+v", db.calls)
	}
}

func TestHandleKeepsPayloadMeta(t *testing.T) {
	db := &fakeListenDB{data: []byte(`{"d":2}`)}
	var got []event.Persisted
	l := NewListener(db, func(ev event.Persisted) { got = append(got, ev) }, zerolog.Nop())

	l.handle(context.Background(), `0a1b2c3d,5,9,order-placed,{"order":["o-1"]},'{"actor":"api"}'`)

	if len(got) != 1 {
		t.Fatalf("sink got %d events, want 1", len(got))
	}
	if string(got[0].Meta) != `{"actor":"api"}` {
		t.Errorf("meta = %s, want the payload's", got[0].Meta)
	}
	if string(got[0].Data) != `{"d":2}` {
		t.Errorf("data = %s, want the fetched one", got[0].Data)
	}
	if len(db.calls) != 1 || db.calls[0].needMeta {
		t.Errorf("fetch calls = %+v, want one with needMeta=false", db.calls)
	}
}

func TestHandleSkipsFetchOnCompletePayload(t *testing.T) {
	db := &fakeListenDB{}
	var got []event.Persisted
	l := NewListener(db, func(ev event.Persisted) { got = append(got, ev) }, zerolog.Nop())

	l.handle(context.Background(), `0a1b2c3d,5,9,order-placed,'{"order":["o-1"]}','{"m":1}','{"d":2}'`)

	if len(db.calls) != 0 {
		t.Errorf("fetched despite a complete payload: %+v", db.calls)
	}
	if len(got) != 1 || string(got[0].Data) != `{"d":2}` {
		t.Errorf("events = %+v", got)
	}
}

func TestHandleDropsBadPayloads(t *testing.T) {
	db := &fakeListenDB{err: errors.New("db down")}
	delivered := 0
	l := NewListener(db, func(event.Persisted) { delivered++ }, zerolog.Nop())

	l.handle(context.Background(), "garbage")
	l.handle(context.Background(), `0a1b2c3d,5,9,n,{}`)
	l.handle(context.Background(), `zz,5,9,n,{},'{}','{}'`)

	if delivered != 0 {
		t.Errorf("sink got %d events, want 0", delivered)
	}
}
