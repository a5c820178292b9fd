package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evently-hq/evently/internal/shared/metrics"
)

// The database owns all event-store semantics behind stored procedures;
// the bindings below are the complete surface the service calls.

// NotifyChannel is the channel every committed append is announced on.
const NotifyChannel = "ALL_EVENTS"

// observe times one procedure call for the query duration histogram.
func observe(proc string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(proc, time.Since(start)) }
}

// Position is the (timestamp, checksum) half of an event id: a point in
// a single ledger's order.
type Position struct {
	Timestamp int64
	Checksum  uint32
}

// EventRow is one row from the selector procedures. Entities, Meta and
// Data hold the stored JSON verbatim.
type EventRow struct {
	Timestamp int64
	Checksum  uint32
	Event     string
	Entities  []byte
	Meta      []byte
	Data      []byte
}

// ScanSelectorRow reads the next selector result row. The first row of a
// run_selector result is a header: a NULL event column carrying the
// position the query read through.
func ScanSelectorRow(rows pgx.Rows) (row EventRow, header bool, err error) {
	var (
		ts       int64
		chk      int64
		ev       *string
		entities []byte
		meta     []byte
		data     []byte
	)
	if err := rows.Scan(&ts, &chk, &ev, &entities, &meta, &data); err != nil {
		return EventRow{}, false, err
	}
	row = EventRow{Timestamp: ts, Checksum: uint32(chk), Entities: entities, Meta: meta, Data: data}
	if ev == nil {
		return row, true, nil
	}
	row.Event = *ev
	return row, false, nil
}

// RunSelector begins a selector read: one header row, then up to batch
// events matching the predicate after the given position.
func (db *DB) RunSelector(ctx context.Context, ledgerID string, after Position, limit int64, predicate string, batch int32) (pgx.Rows, error) {
	defer observe("run_selector")()
	rows, err := db.Pool.Query(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data FROM run_selector($1, $2, $3, $4, $5, $6)`,
		ledgerID, after.Timestamp, int64(after.Checksum), limit, predicate, batch)
	if err != nil {
		return nil, fmt.Errorf("run_selector: %w", err)
	}
	return rows, nil
}

// FetchSelected continues a selector read past the given timestamp. The
// result carries event rows only, no header.
func (db *DB) FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int64, predicate string) (pgx.Rows, error) {
	defer observe("fetch_selected")()
	rows, err := db.Pool.Query(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data FROM fetch_selected($1, $2, $3, $4)`,
		ledgerID, afterTs, limit, predicate)
	if err != nil {
		return nil, fmt.Errorf("fetch_selected: %w", err)
	}
	return rows, nil
}

// FetchEventID returns the position of the latest event matching the
// predicate, or nil when nothing matches.
func (db *DB) FetchEventID(ctx context.Context, ledgerID string, predicate string, after Position, limit int64) (*Position, error) {
	defer observe("fetch_event_id")()
	var ts, chk *int64
	err := db.Pool.QueryRow(ctx,
		`SELECT timestamp, checksum FROM fetch_event_id($1, $2, $3, $4)`,
		ledgerID, predicate, after.Timestamp, limit).Scan(&ts, &chk)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch_event_id: %w", err)
	}
	if ts == nil || chk == nil {
		return nil, nil
	}
	return &Position{Timestamp: *ts, Checksum: uint32(*chk)}, nil
}

// AppendEvent writes one event conditioned on the predicate still holding
// and returns the new event id. Concurrency races, previous-id mismatches
// and append-key collisions surface as database errors for the caller to
// classify.
func (db *DB) AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (uuid.UUID, error) {
	defer observe("append_event")()
	var idStr string
	err := db.Pool.QueryRow(ctx,
		`SELECT append_event($1, $2, $3, $4, $5, $6, $7)`,
		previousID.String(), eventName, entities, meta, data, appendKey, predicate).Scan(&idStr)
	if err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("append_event returned malformed id %q: %w", idStr, err)
	}
	return id, nil
}

// FindWithAppendKey returns the event previously appended under the given
// idempotency key, or nil when the key is unused.
func (db *DB) FindWithAppendKey(ctx context.Context, ledgerID, appendKey string) (*EventRow, error) {
	defer observe("find_with_append_key")()
	var (
		ts       int64
		chk      int64
		ev       string
		entities []byte
		meta     []byte
		data     []byte
	)
	err := db.Pool.QueryRow(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data FROM find_with_append_key($1, $2)`,
		ledgerID, appendKey).Scan(&ts, &chk, &ev, &entities, &meta, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find_with_append_key: %w", err)
	}
	return &EventRow{Timestamp: ts, Checksum: uint32(chk), Event: ev, Entities: entities, Meta: meta, Data: data}, nil
}

// CreateLedger returns the ledger id for name, creating the ledger when
// new. The procedure resolves a duplicate name to the existing id.
func (db *DB) CreateLedger(ctx context.Context, name, description string) (string, error) {
	defer observe("create_ledger")()
	var id string
	if err := db.Pool.QueryRow(ctx, `SELECT create_ledger($1, $2)`, name, description).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// LedgerEventCount counts the events in a ledger, markers included.
func (db *DB) LedgerEventCount(ctx context.Context, ledgerID string) (int64, error) {
	defer observe("ledger_event_count")()
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT ledger_event_count($1)`, ledgerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger_event_count: %w", err)
	}
	return n, nil
}

// ResetLedgerEvents trims every event after the given position; a nil
// position trims the ledger back to its genesis marker.
func (db *DB) ResetLedgerEvents(ctx context.Context, ledgerID string, after *Position) error {
	defer observe("reset_ledger_events")()
	var ts, chk *int64
	if after != nil {
		t := after.Timestamp
		c := int64(after.Checksum)
		ts, chk = &t, &c
	}
	if _, err := db.Pool.Exec(ctx, `SELECT reset_ledger_events($1, $2, $3)`, ledgerID, ts, chk); err != nil {
		return fmt.Errorf("reset_ledger_events: %w", err)
	}
	return nil
}

// RemoveLedger deletes a ledger and all of its events.
func (db *DB) RemoveLedger(ctx context.Context, ledgerID string) error {
	defer observe("remove_ledger")()
	if _, err := db.Pool.Exec(ctx, `SELECT remove_ledger($1)`, ledgerID); err != nil {
		return fmt.Errorf("remove_ledger: %w", err)
	}
	return nil
}

// AfterExists reports whether an event exists at the given position.
func (db *DB) AfterExists(ctx context.Context, ledgerID string, pos Position) (bool, error) {
	defer observe("after_exists")()
	var ok bool
	err := db.Pool.QueryRow(ctx,
		`SELECT after_exists($1, $2, $3)`,
		ledgerID, pos.Timestamp, int64(pos.Checksum)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("after_exists: %w", err)
	}
	return ok, nil
}

// FetchMissingData loads the stored meta and data for the event at the
// given instant, for notifications whose payload omitted them.
func (db *DB) FetchMissingData(ctx context.Context, ledgerID string, timestamp int64, needMeta bool) (meta, data []byte, err error) {
	defer observe("fetch_missing_data")()
	err = db.Pool.QueryRow(ctx,
		`SELECT meta, data FROM fetch_missing_data($1, $2, $3)`,
		ledgerID, timestamp, needMeta).Scan(&meta, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch_missing_data: %w", err)
	}
	return meta, data, nil
}

// --- Error classification ---

// IsUniqueViolation reports whether err is a unique-constraint violation,
// optionally restricted to constraints whose name contains constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	if constraint == "" {
		return true
	}
	return strings.Contains(pgErr.ConstraintName, constraint) || strings.Contains(pgErr.Message, constraint)
}

// IsSyntaxError reports whether err is a SQL syntax error, the signature
// of an unparseable JSONPath inside a selector predicate.
func IsSyntaxError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42601"
}

// RaisedMessage extracts the message of an error raised inside a stored
// procedure.
func RaisedMessage(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "P0001" {
		return "", false
	}
	return pgErr.Message, true
}

// IsUnavailable reports whether err means the database cannot be reached
// at all, as opposed to rejecting a statement.
func IsUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
