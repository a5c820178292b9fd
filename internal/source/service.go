// Package source executes selectors against a ledger: batched reads
// through the selector procedures, streamed to the caller in ledger
// order.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/database"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/metrics"
)

// batchSize caps how many rows one procedure call returns. Reads larger
// than this continue through fetch_selected.
const batchSize = 100

// DB is the slice of the database surface selector reads use.
type DB interface {
	RunSelector(ctx context.Context, ledgerID string, after database.Position, limit int64, predicate string, batch int32) (pgx.Rows, error)
	FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int64, predicate string) (pgx.Rows, error)
	FetchEventID(ctx context.Context, ledgerID string, predicate string, after database.Position, limit int64) (*database.Position, error)
}

// Service executes selectors.
type Service struct {
	db  DB
	log zerolog.Logger
}

// NewService creates a new event source.
func NewService(db DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "source").Logger()}
}

// Stream is an in-flight selector read. Events arrive in ledger order;
// once the channel closes, Err reports how the read ended.
type Stream struct {
	// Position is the ledger position the read observed when it began.
	Position eventid.ID
	Events   <-chan event.Persisted

	err error
}

// Err reports the error that ended the stream, if any. Valid only after
// the Events channel has closed.
func (st *Stream) Err() error { return st.err }

// Run begins streaming the events a selector matches. The selector is
// canonicalized first; position and clause errors surface before any
// event is delivered.
func (s *Service) Run(ctx context.Context, ledgerID string, sel selector.Selector) (*Stream, error) {
	canon, err := sel.Canonical()
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	predicate, err := canon.Predicate()
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	after := afterPosition(canon)
	limit := int64(canon.Limit)

	rows, err := s.db.RunSelector(ctx, ledgerID, after, limit, predicate, int32(nextBatch(limit, 0)))
	if err != nil {
		return nil, s.classify(err)
	}

	header, err := readHeader(rows)
	if err != nil {
		rows.Close()
		return nil, s.classify(err)
	}
	position, err := eventid.New(uint64(header.Timestamp), header.Checksum, ledgerID)
	if err != nil {
		rows.Close()
		return nil, apperrors.Wrap(err, "selector header is not a valid position")
	}

	if canon.IsFilter() {
		metrics.RecordSelectorStream("filter")
	} else {
		metrics.RecordSelectorStream("plain")
	}

	ch := make(chan event.Persisted)
	st := &Stream{Position: position, Events: ch}
	go s.pump(ctx, st, ch, rows, ledgerID, predicate, limit)
	return st, nil
}

// Collect runs the selector and gathers every matching event in memory.
// Callers bound the read with the selector's limit.
func (s *Service) Collect(ctx context.Context, ledgerID string, sel selector.Selector) ([]event.Persisted, eventid.ID, error) {
	st, err := s.Run(ctx, ledgerID, sel)
	if err != nil {
		return nil, eventid.ID{}, err
	}

	var out []event.Persisted
	for ev := range st.Events {
		out = append(out, ev)
	}
	if err := st.Err(); err != nil {
		return nil, eventid.ID{}, err
	}
	return out, st.Position, nil
}

// Latest resolves the id of the newest event the selector matches. A miss
// falls back to the selector's own position; callers fall further back to
// the ledger genesis when that is absent too.
func (s *Service) Latest(ctx context.Context, ledgerID string, sel selector.Selector) (*eventid.ID, error) {
	canon, err := sel.Canonical()
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	predicate, err := canon.Predicate()
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	pos, err := s.db.FetchEventID(ctx, ledgerID, predicate, afterPosition(canon), int64(canon.Limit))
	if err != nil {
		return nil, s.classify(err)
	}
	if pos == nil {
		return canon.After, nil
	}

	id, err := eventid.New(uint64(pos.Timestamp), pos.Checksum, ledgerID)
	if err != nil {
		return nil, apperrors.Wrap(err, "fetched position is not a valid id")
	}
	return &id, nil
}

func (s *Service) pump(ctx context.Context, st *Stream, ch chan<- event.Persisted, rows pgx.Rows, ledgerID, predicate string, limit int64) {
	defer close(ch)

	var streamed int64
	requested := nextBatch(limit, 0)

	for {
		count, lastTs, err := s.drain(ctx, ch, rows, ledgerID)
		if err != nil {
			st.err = err
			break
		}
		streamed += count

		if count < requested {
			break // ledger exhausted
		}
		if limit > 0 && streamed >= limit {
			break
		}

		requested = nextBatch(limit, streamed)
		rows, err = s.db.FetchSelected(ctx, ledgerID, lastTs, requested, predicate)
		if err != nil {
			st.err = s.classify(err)
			break
		}
	}

	metrics.RecordEventsStreamed(int(streamed))
}

// drain sends every event row of one batch, skipping stray header rows.
func (s *Service) drain(ctx context.Context, ch chan<- event.Persisted, rows pgx.Rows, ledgerID string) (count int64, lastTs int64, err error) {
	defer rows.Close()

	for rows.Next() {
		row, header, err := database.ScanSelectorRow(rows)
		if err != nil {
			return count, lastTs, s.classify(err)
		}
		if header {
			continue
		}

		ev, err := toPersisted(row, ledgerID)
		if err != nil {
			return count, lastTs, apperrors.Wrap(err, "stored event is unreadable")
		}

		select {
		case ch <- ev:
			count++
			lastTs = row.Timestamp
		case <-ctx.Done():
			return count, lastTs, ctx.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return count, lastTs, s.classify(err)
	}
	return count, lastTs, nil
}

// readHeader consumes the first row of a run_selector result, which
// carries the position the read observed.
func readHeader(rows pgx.Rows) (database.Position, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return database.Position{}, err
		}
		return database.Position{}, fmt.Errorf("selector result missing header row")
	}
	row, header, err := database.ScanSelectorRow(rows)
	if err != nil {
		return database.Position{}, err
	}
	if !header {
		return database.Position{}, fmt.Errorf("selector result missing header row")
	}
	return database.Position{Timestamp: row.Timestamp, Checksum: row.Checksum}, nil
}

func toPersisted(row database.EventRow, ledgerID string) (event.Persisted, error) {
	id, err := eventid.New(uint64(row.Timestamp), row.Checksum, ledgerID)
	if err != nil {
		return event.Persisted{}, err
	}

	var entities map[string][]string
	if len(row.Entities) > 0 {
		if err := json.Unmarshal(row.Entities, &entities); err != nil {
			return event.Persisted{}, fmt.Errorf("entities column: %w", err)
		}
	}

	return event.New(id, row.Event, entities, json.RawMessage(row.Meta), json.RawMessage(row.Data)), nil
}

// nextBatch sizes the next procedure call: the remaining limit, capped at
// batchSize. An unlimited read always asks for full batches.
func nextBatch(limit, streamed int64) int64 {
	if limit <= 0 {
		return batchSize
	}
	remaining := limit - streamed
	if remaining > batchSize {
		return batchSize
	}
	return remaining
}

func afterPosition(sel selector.Selector) database.Position {
	if sel.After == nil {
		return database.Position{}
	}
	return database.Position{Timestamp: int64(sel.After.Timestamp), Checksum: sel.After.Checksum}
}

func (s *Service) classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case database.IsSyntaxError(err):
		return apperrors.BadRequest("selector contains an invalid JSONPath query")
	case database.IsUnavailable(err):
		return apperrors.Unavailable("event store is unreachable")
	}
	if msg, ok := database.RaisedMessage(err); ok && strings.Contains(strings.ToLower(msg), "not found") {
		return apperrors.BadRequest(msg)
	}
	return apperrors.Wrap(err, "selector read failed")
}
