package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/auth"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/hal"
)

// Handler provides the /append HTTP surface.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

// NewHandler creates a new append handler.
func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "append").Logger()}
}

// Routes registers the append route.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleAppender))
	r.Post("/", h.Append)
	return r
}

// Append writes one event. A body without a selector appends factually;
// a filter selector makes the append atomic against it.
func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		h.error(w, err)
		return
	}

	var req struct {
		Event          string              `json:"event"`
		Entities       map[string][]string `json:"entities"`
		Meta           json.RawMessage     `json:"meta"`
		Data           json.RawMessage     `json:"data"`
		IdempotencyKey string              `json:"idempotencyKey"`
		Selector       json.RawMessage     `json:"selector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, apperrors.BadRequest("invalid request body"))
		return
	}

	a := event.Append{
		Event:          req.Event,
		Entities:       req.Entities,
		Meta:           req.Meta,
		Data:           req.Data,
		IdempotencyKey: req.IdempotencyKey,
	}

	var res Result
	if len(req.Selector) > 0 && !bytes.Equal(bytes.TrimSpace(req.Selector), []byte("null")) {
		sel, perr := selector.Parse(req.Selector)
		if perr != nil {
			h.error(w, apperrors.BadRequest(perr.Error()))
			return
		}
		res, err = h.svc.AppendAtomic(r.Context(), ledgerID, a, sel)
	} else {
		res, err = h.svc.AppendFactual(r.Context(), ledgerID, a)
	}
	if err != nil {
		h.error(w, err)
		return
	}

	switch res.Status {
	case StatusSuccess:
		href, err := selectorHref(res.Selector)
		if err != nil {
			h.error(w, apperrors.Wrap(err, "echo selector is unencodable"))
			return
		}
		w.Header().Set("Location", href)
		doc := hal.New().
			Self(href).
			Field("status", res.Status).
			Field("eventId", res.EventID.Hex()).
			Field("idempotencyKey", res.IdempotencyKey)
		hal.Write(w, http.StatusCreated, doc)

	case StatusRace:
		current, err := selectorHref(res.Current)
		if err != nil {
			h.error(w, apperrors.Wrap(err, "raced selector is unencodable"))
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"message": res.Message,
			"current": current,
		})

	case StatusFail:
		writeError(w, apperrors.Forbidden(res.Message))

	case StatusError:
		writeError(w, apperrors.BadRequest(res.Message))

	default:
		h.error(w, apperrors.Internal(nil))
	}
}

func selectorHref(sel *selector.Selector) (string, error) {
	if sel == nil {
		return "", errors.New("result carries no selector")
	}
	token, err := selector.Encode(*sel)
	if err != nil {
		return "", err
	}
	return "/selectors/" + token + ".ndjson", nil
}

// ledgerID resolves the ledger the caller's token is scoped to.
func (h *Handler) ledgerID(r *http.Request) (string, error) {
	user := auth.GetUser(r.Context())
	if user == nil || user.Ledger == "" {
		return "", apperrors.Forbidden("token does not name a ledger")
	}
	id, err := eventid.NormalizeLedgerID(user.Ledger)
	if err != nil {
		return "", apperrors.Forbidden("token names an invalid ledger")
	}
	return id, nil
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
