package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/database"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
)

const (
	cacheSize = 1000
	cacheTTL  = 10 * time.Second
)

// DB is the slice of the database surface registry writes use. Markers
// are plain factual appends.
type DB interface {
	AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (uuid.UUID, error)
}

// Source reads registry markers back out of the ledger.
type Source interface {
	Collect(ctx context.Context, ledgerID string, sel selector.Selector) ([]event.Persisted, eventid.ID, error)
}

// Service folds and mutates ledger registries. Folds replay every marker
// in the ledger, so resolved registries are cached briefly.
type Service struct {
	db     DB
	source Source
	cache  *expirable.LRU[string, Registry]
	group  singleflight.Group
	log    zerolog.Logger
}

// NewService creates a new registry service.
func NewService(db DB, src Source, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		source: src,
		cache:  expirable.NewLRU[string, Registry](cacheSize, nil, cacheTTL),
		log:    log.With().Str("component", "registry").Logger(),
	}
}

// markerSelector matches the two registry marker event names in stream
// order.
func markerSelector() selector.Selector {
	return selector.Selector{
		Events: map[string]selector.PathQuery{
			event.RegisteredEvent:   {Query: "$"},
			event.UnregisteredEvent: {Query: "$"},
		},
	}
}

// ForLedger resolves the folded registry of a ledger.
func (s *Service) ForLedger(ctx context.Context, ledgerID string) (Registry, error) {
	norm, err := eventid.NormalizeLedgerID(ledgerID)
	if err != nil {
		return nil, apperrors.BadRequest("invalid ledger id")
	}

	if reg, ok := s.cache.Get(norm); ok {
		return reg, nil
	}

	v, err, _ := s.group.Do(norm, func() (any, error) {
		reg, err := s.fold(ctx, norm)
		if err != nil {
			return nil, err
		}
		s.cache.Add(norm, reg)
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Registry), nil
}

func (s *Service) fold(ctx context.Context, ledgerID string) (Registry, error) {
	markers, _, err := s.source.Collect(ctx, ledgerID, markerSelector())
	if err != nil {
		return nil, err
	}
	reg, err := Fold(markers)
	if err != nil {
		return nil, apperrors.Wrap(err, "registry markers are unreadable")
	}
	return reg, nil
}

// Register records that an event name may be appended with the given
// entity names. Re-registering an identical entity set is a no-op; a
// different set replaces the earlier registration.
func (s *Service) Register(ctx context.Context, ledgerID, name string, entities []string) (Registration, error) {
	norm, err := eventid.NormalizeLedgerID(ledgerID)
	if err != nil {
		return Registration{}, apperrors.BadRequest("invalid ledger id")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Registration{}, apperrors.BadRequest("event name is required")
	}
	if err := checkReserved(name, entities); err != nil {
		return Registration{}, err
	}

	normalized := normalizeEntities(entities)

	current, err := s.ForLedger(ctx, norm)
	if err != nil {
		return Registration{}, err
	}
	if existing, ok := current.Registration(name); ok && entitySetsEqual(existing.Entities, normalized) {
		return existing, nil
	}

	if err := s.appendMarker(ctx, norm, event.RegisteredEvent, markerData{Event: name, Entities: normalized}); err != nil {
		return Registration{}, err
	}

	s.cache.Remove(norm)
	s.log.Info().Str("ledger", norm).Str("event", name).Strs("entities", normalized).Msg("event registered")
	return Registration{Event: name, Entities: normalized}, nil
}

// Unregister removes an event name's registration.
func (s *Service) Unregister(ctx context.Context, ledgerID, name string) error {
	norm, err := eventid.NormalizeLedgerID(ledgerID)
	if err != nil {
		return apperrors.BadRequest("invalid ledger id")
	}
	if err := checkReserved(name, nil); err != nil {
		return err
	}

	current, err := s.ForLedger(ctx, norm)
	if err != nil {
		return err
	}
	if _, ok := current.Registration(name); !ok {
		return apperrors.NotFound("registration", name)
	}

	if err := s.appendMarker(ctx, norm, event.UnregisteredEvent, markerData{Event: name}); err != nil {
		return err
	}

	s.cache.Remove(norm)
	s.log.Info().Str("ledger", norm).Str("event", name).Msg("event unregistered")
	return nil
}

// appendMarker writes one registry marker: a factual append tagged with
// the reserved registry entity so the marker filter finds it again.
func (s *Service) appendMarker(ctx context.Context, ledgerID, marker string, data markerData) error {
	previous, err := (eventid.ID{LedgerID: ledgerID}).UUID()
	if err != nil {
		return apperrors.BadRequest("invalid ledger id")
	}

	entities, err := json.Marshal(map[string][]string{event.RegistryEntity: {ledgerID}})
	if err != nil {
		return apperrors.Wrap(err, "marker entities are unencodable")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(err, "marker payload is unencodable")
	}

	_, err = s.db.AppendEvent(ctx, previous, marker, entities, nil, payload, uuid.NewString(), []byte(selector.MatchNothing))
	if err != nil {
		return classify(err)
	}
	return nil
}

// checkReserved rejects registrations that touch the service's own
// vocabulary.
func checkReserved(name string, entities []string) error {
	switch name {
	case event.GenesisEvent, event.RegisteredEvent, event.UnregisteredEvent:
		return apperrors.Forbidden("event name " + name + " is reserved")
	}
	for _, e := range entities {
		if e == event.RegistryEntity {
			return apperrors.Forbidden("entity name " + event.RegistryEntity + " is reserved")
		}
	}
	return nil
}

func classify(err error) error {
	if database.IsUnavailable(err) {
		return apperrors.Unavailable("event store is unreachable")
	}
	if msg, ok := database.RaisedMessage(err); ok {
		return apperrors.BadRequest(msg)
	}
	return apperrors.Wrap(err, "registry write failed")
}
