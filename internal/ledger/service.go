package ledger

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/database"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/metrics"
	"github.com/evently-hq/evently/internal/source"
)

const (
	cacheSize = 1000
	cacheTTL  = 5 * time.Second
)

// DB is the slice of the database surface ledger management uses.
type DB interface {
	CreateLedger(ctx context.Context, name, description string) (string, error)
	LedgerEventCount(ctx context.Context, ledgerID string) (int64, error)
	ResetLedgerEvents(ctx context.Context, ledgerID string, after *database.Position) error
	RemoveLedger(ctx context.Context, ledgerID string) error
	AfterExists(ctx context.Context, ledgerID string, pos database.Position) (bool, error)
}

// Source reads ledger events back.
type Source interface {
	Collect(ctx context.Context, ledgerID string, sel selector.Selector) ([]event.Persisted, eventid.ID, error)
	Run(ctx context.Context, ledgerID string, sel selector.Selector) (*source.Stream, error)
	PageFor(ctx context.Context, ledgerID string, sel selector.Selector, genesis eventid.ID, base string) (source.Page, error)
}

// Service manages ledgers. Metadata lookups are cached briefly: every
// resolution otherwise costs a selector read for the genesis marker.
type Service struct {
	db     DB
	source Source
	cache  *expirable.LRU[string, *Ledger]
	group  singleflight.Group
	log    zerolog.Logger
}

// NewService creates a new ledger service.
func NewService(db DB, src Source, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		source: src,
		cache:  expirable.NewLRU[string, *Ledger](cacheSize, nil, cacheTTL),
		log:    log.With().Str("component", "ledger").Logger(),
	}
}

type lookup struct {
	ledger *Ledger
	ok     bool
}

// ForLedgerID resolves a ledger's metadata from its genesis marker.
// Returns (nil, false, nil) when no such ledger exists.
func (s *Service) ForLedgerID(ctx context.Context, id string) (*Ledger, bool, error) {
	norm, err := eventid.NormalizeLedgerID(id)
	if err != nil {
		return nil, false, apperrors.BadRequest("invalid ledger id")
	}

	if l, ok := s.cache.Get(norm); ok {
		return l, true, nil
	}

	v, err, _ := s.group.Do(norm, func() (any, error) {
		l, ok, err := s.resolve(ctx, norm)
		if err != nil {
			return nil, err
		}
		if ok {
			s.cache.Add(norm, l)
		}
		return lookup{ledger: l, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(lookup)
	return res.ledger, res.ok, nil
}

// resolve reads the genesis marker. A missing ledger shows up either as
// an empty result or as a procedure-raised lookup failure; both mean
// "no such ledger" here.
func (s *Service) resolve(ctx context.Context, id string) (*Ledger, bool, error) {
	sel := selector.Selector{
		Limit:  1,
		Events: map[string]selector.PathQuery{event.GenesisEvent: {Query: "$"}},
	}

	events, _, err := s.source.Collect(ctx, id, sel)
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && appErr.HTTPStatus == http.StatusBadRequest {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(events) == 0 {
		return nil, false, nil
	}

	l, err := fromGenesis(id, events[0])
	if err != nil {
		return nil, false, apperrors.Wrap(err, "genesis marker is unreadable")
	}
	return l, true, nil
}

// Genesis resolves a ledger's genesis event id.
func (s *Service) Genesis(ctx context.Context, id string) (eventid.ID, bool, error) {
	l, ok, err := s.ForLedgerID(ctx, id)
	if err != nil || !ok {
		return eventid.ID{}, false, err
	}
	gid, err := l.GenesisID()
	if err != nil {
		return eventid.ID{}, false, apperrors.Wrap(err, "genesis marker is unreadable")
	}
	return gid, true, nil
}

// Create makes a new ledger, or resolves an existing one when the name
// is already taken and the store maps it to the same ledger.
func (s *Service) Create(ctx context.Context, name, description string) (*Ledger, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.BadRequest("name is required")
	}

	id, err := s.db.CreateLedger(ctx, name, description)
	if err != nil {
		if msg, ok := database.RaisedMessage(err); ok {
			return nil, apperrors.Forbidden(msg)
		}
		return nil, classify(err, "creating ledger failed")
	}

	s.cache.Remove(id)
	l, ok, err := s.ForLedgerID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Forbidden("a ledger with this name already exists")
	}

	metrics.RecordLedgerCreated()
	s.log.Info().Str("ledger", l.ID).Str("name", l.Name).Msg("ledger ready")
	return l, nil
}

// Reset trims a ledger back to a position, or back to its genesis marker
// when no position is given.
func (s *Service) Reset(ctx context.Context, id string, after *eventid.ID) error {
	l, ok, err := s.ForLedgerID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("ledger", id)
	}

	var pos *database.Position
	if after != nil {
		if after.LedgerID != l.ID {
			return apperrors.BadRequest("'after' value not found")
		}
		p := database.Position{Timestamp: int64(after.Timestamp), Checksum: after.Checksum}
		exists, err := s.db.AfterExists(ctx, l.ID, p)
		if err != nil {
			return classify(err, "reset lookup failed")
		}
		if !exists {
			return apperrors.BadRequest("'after' value not found")
		}
		pos = &p
	}

	if err := s.db.ResetLedgerEvents(ctx, l.ID, pos); err != nil {
		return classify(err, "reset failed")
	}

	s.cache.Remove(l.ID)
	s.log.Info().Str("ledger", l.ID).Msg("ledger reset")
	return nil
}

// Remove deletes a ledger and its events.
func (s *Service) Remove(ctx context.Context, id string) error {
	l, ok, err := s.ForLedgerID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("ledger", id)
	}

	if err := s.db.RemoveLedger(ctx, l.ID); err != nil {
		return classify(err, "remove failed")
	}

	s.cache.Remove(l.ID)
	s.log.Info().Str("ledger", l.ID).Msg("ledger removed")
	return nil
}

// EventCount counts a ledger's events, markers included.
func (s *Service) EventCount(ctx context.Context, id string) (int64, error) {
	n, err := s.db.LedgerEventCount(ctx, id)
	if err != nil {
		return 0, classify(err, "event count failed")
	}
	return n, nil
}

// Download streams a ledger's events for a plain selector.
func (s *Service) Download(ctx context.Context, id string, sel selector.Selector) (*source.Stream, error) {
	return s.source.Run(ctx, id, sel)
}

// DownloadPage computes the caching identity of a ledger download,
// anchored at the ledger's own genesis marker.
func (s *Service) DownloadPage(ctx context.Context, l *Ledger, sel selector.Selector) (source.Page, error) {
	genesis, err := l.GenesisID()
	if err != nil {
		return source.Page{}, apperrors.Wrap(err, "genesis marker is unreadable")
	}
	return s.source.PageFor(ctx, l.ID, sel, genesis, "/ledgers/"+l.ID+"/download/")
}

func classify(err error, fallback string) error {
	if database.IsUnavailable(err) {
		return apperrors.Unavailable("event store is unreachable")
	}
	return apperrors.Wrap(err, fallback)
}
