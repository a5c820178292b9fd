// Package store appends events to ledgers. Factual appends commit
// unconditionally; atomic appends commit only when their selector still
// matches nothing newer than its after position at commit time.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/registry"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/database"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/metrics"
)

// Append outcome statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusRace    = "RACE"
	StatusFail    = "FAIL"
	StatusError   = "ERROR"
)

// DB is the slice of the database surface appends use.
type DB interface {
	AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (uuid.UUID, error)
	FindWithAppendKey(ctx context.Context, ledgerID, appendKey string) (*database.EventRow, error)
}

// Registries resolves the folded registry an append is validated against.
type Registries interface {
	ForLedger(ctx context.Context, ledgerID string) (registry.Registry, error)
}

// Source resolves the latest event a selector matches, for advancing a
// raced selector to its current position.
type Source interface {
	Latest(ctx context.Context, ledgerID string, sel selector.Selector) (*eventid.ID, error)
}

// Result is the outcome of an append attempt. EventID and IdempotencyKey
// are set on success; Message carries the race, rule or error text;
// Current is the submitted selector advanced to the position that won a
// lost race. Selector names the appended event for the response Location.
type Result struct {
	Status         string
	EventID        eventid.ID
	IdempotencyKey string
	Message        string
	Selector       *selector.Selector
	Current        *selector.Selector
}

// Service appends events.
type Service struct {
	db         DB
	registries Registries
	source     Source
	log        zerolog.Logger
}

// NewService creates a new append service.
func NewService(db DB, registries Registries, source Source, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		registries: registries,
		source:     source,
		log:        log.With().Str("component", "store").Logger(),
	}
}

// AppendFactual appends unconditionally. The predicate passed to the
// database never matches, so no race check applies.
func (s *Service) AppendFactual(ctx context.Context, ledgerID string, a event.Append) (Result, error) {
	return s.append(ctx, ledgerID, a, nil)
}

// AppendAtomic appends conditioned on the selector: the append commits
// only if no event matching it exists after its after position. Plain
// selectors carry no condition and are rejected.
func (s *Service) AppendAtomic(ctx context.Context, ledgerID string, a event.Append, sel selector.Selector) (Result, error) {
	canon, err := sel.Canonical()
	if err != nil {
		return Result{}, apperrors.BadRequest(err.Error())
	}
	if !canon.IsFilter() {
		return Result{}, apperrors.BadRequest("atomic appends require a filter selector")
	}
	return s.append(ctx, ledgerID, a, &canon)
}

func (s *Service) append(ctx context.Context, ledgerID string, a event.Append, sel *selector.Selector) (Result, error) {
	norm, err := eventid.NormalizeLedgerID(ledgerID)
	if err != nil {
		return Result{}, apperrors.BadRequest("invalid ledger id")
	}
	if strings.TrimSpace(a.Event) == "" {
		return Result{}, apperrors.BadRequest("event is required")
	}
	if a.ReservedName() {
		return finish(Result{
			Status:  StatusFail,
			Message: "event and entity names used by the service itself are reserved",
		}), nil
	}

	if res, ok, err := s.checkRegistry(ctx, norm, a); err != nil {
		return Result{}, err
	} else if ok {
		return finish(res), nil
	}

	previous := eventid.ID{LedgerID: norm}
	predicate := selector.MatchNothing
	if sel != nil {
		if sel.After != nil {
			previous.Timestamp = sel.After.Timestamp
			previous.Checksum = sel.After.Checksum
		}
		predicate, err = sel.Predicate()
		if err != nil {
			return Result{}, apperrors.BadRequest(err.Error())
		}
	}
	previousID, err := previous.UUID()
	if err != nil {
		return Result{}, apperrors.Wrap(err, "previous id is unpackable")
	}

	key := a.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	entities, err := marshalEntities(a.Entities)
	if err != nil {
		return Result{}, apperrors.BadRequest("entities are unencodable")
	}

	id, err := s.db.AppendEvent(ctx, previousID, a.Event, entities, a.Meta, a.Data, key, []byte(predicate))
	if err != nil {
		return s.mapAppendError(ctx, norm, a, sel, err)
	}

	eid := eventid.FromUUID(id)
	s.log.Debug().Str("ledger", norm).Str("event", a.Event).Str("id", eid.Hex()).Msg("event appended")
	return finish(Result{
		Status:         StatusSuccess,
		EventID:        eid,
		IdempotencyKey: key,
		Selector:       echoSelector(a, sel, eid),
	}), nil
}

// checkRegistry validates an append against the ledger's registry. A
// violation produces a FAIL result whose message names the remediation
// endpoints.
func (s *Service) checkRegistry(ctx context.Context, ledgerID string, a event.Append) (Result, bool, error) {
	reg, err := s.registries.ForLedger(ctx, ledgerID)
	if err != nil {
		return Result{}, false, err
	}

	if _, ok := reg.Registration(a.Event); !ok {
		return Result{
			Status: StatusFail,
			Message: fmt.Sprintf(
				"event %q is not registered for this ledger: register it via POST /registry/register-event, or reset the ledger via POST /ledgers/%s/reset",
				a.Event, ledgerID),
		}, true, nil
	}

	for name := range a.Entities {
		if !reg.Allows(a.Event, name) {
			return Result{
				Status: StatusFail,
				Message: fmt.Sprintf(
					"entity %q is not registered for event %q: update the registration via POST /registry/register-event, or reset the ledger via POST /ledgers/%s/reset",
					name, a.Event, ledgerID),
			}, true, nil
		}
	}
	return Result{}, false, nil
}

// mapAppendError translates append_event failures. Races and append-key
// collisions first try the idempotent replay path.
func (s *Service) mapAppendError(ctx context.Context, ledgerID string, a event.Append, sel *selector.Selector, err error) (Result, error) {
	msg, raised := database.RaisedMessage(err)
	switch {
	case raised && strings.HasPrefix(msg, "RACE CONDITION"):
		if a.IdempotencyKey != "" {
			if res, ok, rerr := s.replay(ctx, ledgerID, a, sel); rerr != nil {
				return Result{}, rerr
			} else if ok {
				return res, nil
			}
		}
		return finish(s.raceResult(ctx, ledgerID, sel, msg)), nil

	case database.IsUniqueViolation(err, "_append_key_key"):
		if res, ok, rerr := s.replay(ctx, ledgerID, a, sel); rerr != nil {
			return Result{}, rerr
		} else if ok {
			return res, nil
		}
		return Result{}, apperrors.Conflict("idempotency key is already in use")

	case raised && strings.HasPrefix(msg, "previous can only be genesis for first event"):
		return finish(Result{Status: StatusError, Message: "Ledger already has events"}), nil

	case raised && strings.HasPrefix(msg, "previous_id must exist in the ledger"):
		return finish(Result{Status: StatusError, Message: "Previous Event ID not found"}), nil

	case raised && strings.HasPrefix(msg, "AFTER not found"):
		return finish(Result{Status: StatusError, Message: "'after' value not found"}), nil

	case database.IsUnavailable(err):
		return Result{}, apperrors.Unavailable("event store is unreachable")

	default:
		return Result{}, apperrors.Wrap(err, "append failed")
	}
}

// replay resolves an append retry through its idempotency key: a stored
// event deeply equal to the retried input succeeds with the stored id.
func (s *Service) replay(ctx context.Context, ledgerID string, a event.Append, sel *selector.Selector) (Result, bool, error) {
	row, err := s.db.FindWithAppendKey(ctx, ledgerID, a.IdempotencyKey)
	if err != nil {
		if database.IsUnavailable(err) {
			return Result{}, false, apperrors.Unavailable("event store is unreachable")
		}
		return Result{}, false, apperrors.Wrap(err, "idempotency lookup failed")
	}
	if row == nil {
		return Result{}, false, nil
	}

	stored, err := rowEvent(*row, ledgerID)
	if err != nil {
		return Result{}, false, apperrors.Wrap(err, "stored event is unreadable")
	}
	if !stored.MatchesAppend(a) {
		return Result{}, false, apperrors.Unprocessable("Event does not match the event originally appended with idempotencyKey")
	}

	id, err := stored.ID()
	if err != nil {
		return Result{}, false, apperrors.Wrap(err, "stored event id is unreadable")
	}
	s.log.Debug().Str("ledger", ledgerID).Str("id", id.Hex()).Msg("append replayed idempotently")
	return finish(Result{
		Status:         StatusSuccess,
		EventID:        id,
		IdempotencyKey: a.IdempotencyKey,
		Selector:       echoSelector(a, sel, id),
	}), true, nil
}

// raceResult advances the raced selector to the position that beat it,
// so the caller can retry against the current state.
func (s *Service) raceResult(ctx context.Context, ledgerID string, sel *selector.Selector, msg string) Result {
	res := Result{Status: StatusRace, Message: msg}
	if sel == nil {
		return res
	}

	current := *sel
	latest, err := s.source.Latest(ctx, ledgerID, *sel)
	if err == nil && latest != nil {
		current = sel.WithAfter(*latest)
	} else if err != nil {
		s.log.Warn().Err(err).Str("ledger", ledgerID).Msg("could not advance raced selector")
	}
	res.Current = &current
	return res
}

// echoSelector names the appended event for the response Location: the
// submitted selector advanced past the new event, or for factual appends
// the event's own entities set.
func echoSelector(a event.Append, sel *selector.Selector, id eventid.ID) *selector.Selector {
	if sel != nil {
		echo := sel.WithAfter(id)
		return &echo
	}
	return &selector.Selector{Entities: a.Entities}
}

func marshalEntities(entities map[string][]string) ([]byte, error) {
	if len(entities) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(entities)
}

func rowEvent(row database.EventRow, ledgerID string) (event.Persisted, error) {
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
	return event.New(id, row.Event, entities, row.Meta, row.Data), nil
}

func finish(res Result) Result {
	metrics.RecordAppend(res.Status)
	return res
}
