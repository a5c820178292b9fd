package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/shared/auth"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/hal"
)

// Ledgers resolves ledger existence for the registry surface.
type Ledgers interface {
	Genesis(ctx context.Context, ledgerID string) (eventid.ID, bool, error)
}

// Handler provides the /registry HTTP surface. The ledger under
// management is the one the caller's token is scoped to.
type Handler struct {
	svc     *Service
	ledgers Ledgers
	log     zerolog.Logger
}

// NewHandler creates a new registry handler.
func NewHandler(svc *Service, ledgers Ledgers, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, ledgers: ledgers, log: log.With().Str("component", "registry").Logger()}
}

// Routes registers the registry routes, all registrar-only.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleRegistrar))

	r.Get("/", h.Index)
	r.Get("/register-event", h.RegisterForm)
	r.Post("/register-event", h.RegisterEvent)
	r.Get("/events", h.ListEvents)
	r.Get("/events/{event}", h.GetEvent)
	r.Delete("/events/{event}", h.UnregisterEvent)
	r.Get("/entities", h.ListEntities)
	r.Get("/entities/{entity}", h.GetEntity)

	return r
}

// Index describes the registry of the caller's ledger.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	ledgerID, reg, err := h.registry(r)
	if err != nil {
		h.error(w, err)
		return
	}

	doc := hal.New().
		Self("/registry").
		Link("events", "/registry/events").
		Link("entities", "/registry/entities").
		Link("register", "/registry/register-event").
		Field("ledger", ledgerID).
		Field("eventCount", len(reg))
	hal.Write(w, http.StatusOK, doc)
}

// RegisterForm describes the registration affordance.
func (h *Handler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.registry(r); err != nil {
		h.error(w, err)
		return
	}

	doc := hal.New().
		Self("/registry/register-event").
		Link("registry", "/registry").
		Field("method", http.MethodPost).
		Field("fields", []string{"event", "entities"})
	hal.Write(w, http.StatusOK, doc)
}

// RegisterEvent registers an event name with its allowed entity names.
// Re-registering an identical entity set is a no-op.
func (h *Handler) RegisterEvent(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledger(r)
	if err != nil {
		h.error(w, err)
		return
	}

	var req struct {
		Event    string   `json:"event"`
		Entities []string `json:"entities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, apperrors.BadRequest("invalid request body"))
		return
	}

	reg, err := h.svc.Register(r.Context(), ledgerID, req.Event, req.Entities)
	if err != nil {
		h.error(w, err)
		return
	}

	href := eventHref(reg.Event)
	w.Header().Set("Location", href)
	hal.Write(w, http.StatusCreated, registrationResource(reg))
}

// ListEvents renders every registration of the ledger.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	_, reg, err := h.registry(r)
	if err != nil {
		h.error(w, err)
		return
	}

	registrations := reg.Registrations()
	embedded := make([]hal.Resource, 0, len(registrations))
	for _, item := range registrations {
		embedded = append(embedded, registrationResource(item))
	}

	doc := hal.New().
		Self("/registry/events").
		Link("registry", "/registry").
		Field("count", len(registrations)).
		Embed("events", embedded)
	hal.Write(w, http.StatusOK, doc)
}

// GetEvent renders a single registration.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	_, reg, err := h.registry(r)
	if err != nil {
		h.error(w, err)
		return
	}

	name := chi.URLParam(r, "event")
	registration, ok := reg.Registration(name)
	if !ok {
		h.error(w, apperrors.NotFound("registration", name))
		return
	}
	hal.Write(w, http.StatusOK, registrationResource(registration))
}

// UnregisterEvent removes an event name's registration.
func (h *Handler) UnregisterEvent(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledger(r)
	if err != nil {
		h.error(w, err)
		return
	}

	if err := h.svc.Unregister(r.Context(), ledgerID, chi.URLParam(r, "event")); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEntities renders the inverted registry: entity name to the event
// names that may claim it.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	_, reg, err := h.registry(r)
	if err != nil {
		h.error(w, err)
		return
	}

	entities := reg.Entities()
	doc := hal.New().
		Self("/registry/entities").
		Link("registry", "/registry").
		Field("count", len(entities)).
		Field("entities", entities)
	hal.Write(w, http.StatusOK, doc)
}

// GetEntity renders the event names registered for one entity.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	_, reg, err := h.registry(r)
	if err != nil {
		h.error(w, err)
		return
	}

	name := chi.URLParam(r, "entity")
	events, ok := reg.Entities()[name]
	if !ok {
		h.error(w, apperrors.NotFound("entity", name))
		return
	}

	doc := hal.New().
		Self("/registry/entities/" + url.PathEscape(name)).
		Link("entities", "/registry/entities").
		Field("entity", name).
		Field("events", events)
	hal.Write(w, http.StatusOK, doc)
}

// registry resolves the caller's ledger and folds its registry.
func (h *Handler) registry(r *http.Request) (string, Registry, error) {
	ledgerID, err := h.ledger(r)
	if err != nil {
		return "", nil, err
	}
	reg, err := h.svc.ForLedger(r.Context(), ledgerID)
	if err != nil {
		return "", nil, err
	}
	return ledgerID, reg, nil
}

// ledger resolves the ledger the caller's token is scoped to and checks
// it exists.
func (h *Handler) ledger(r *http.Request) (string, error) {
	user := auth.GetUser(r.Context())
	if user == nil || user.Ledger == "" {
		return "", apperrors.Forbidden("token does not name a ledger")
	}
	id, err := eventid.NormalizeLedgerID(user.Ledger)
	if err != nil {
		return "", apperrors.Forbidden("token names an invalid ledger")
	}

	_, ok, err := h.ledgers.Genesis(r.Context(), id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.NotFound("ledger", id)
	}
	return id, nil
}

func eventHref(name string) string {
	return "/registry/events/" + url.PathEscape(name)
}

func registrationResource(reg Registration) hal.Resource {
	return hal.New().
		Self(eventHref(reg.Event)).
		Link("events", "/registry/events").
		Field("event", reg.Event).
		Field("entities", reg.Entities)
}

// error logs server-side failures with their correlation ref and writes
// the HTTP rendering.
func (h *Handler) error(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.Error().Err(appErr.Err).Str("ref", appErr.Ref).Msg(appErr.Message)
	}
	writeError(w, appErr)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}

	payload := map[string]any{"error": appErr.Message, "code": appErr.Code}
	if appErr.Ref != "" {
		payload["ref"] = appErr.Ref
	}
	if appErr.Details != nil {
		payload["details"] = appErr.Details
	}
	writeJSON(w, appErr.HTTPStatus, payload)
}
