package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/auth"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
	"github.com/evently-hq/evently/internal/shared/hal"
	"github.com/evently-hq/evently/internal/source"
)

// Handler provides the /ledgers HTTP surface.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "ledgers").Logger()}
}

// Routes registers the ledger routes. Management is admin-only; downloads
// are open to readers scoped to the ledger.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleAdmin))
		r.Get("/", h.Index)
		r.Post("/create-ledger", h.CreateLedger)
		r.Get("/{ledgerID}", h.GetLedger)
		r.Delete("/{ledgerID}", h.RemoveLedger)
		r.Post("/{ledgerID}/reset", h.ResetLedger)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleReader, auth.RoleAdmin))
		r.Post("/{ledgerID}/download", h.CreateDownload)
		r.Head("/{ledgerID}/download/{download}", h.DownloadHead)
		r.Get("/{ledgerID}/download/{download}", h.DownloadEvents)
	})

	return r
}

// Index describes the ledger collection. There is no enumeration in the
// store contract, so the collection is hypermedia only.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	doc := hal.New().
		Self("/ledgers").
		Link("create-ledger", "/ledgers/create-ledger").
		LinkTemplated("ledger", "/ledgers/{id}").
		LinkTemplated("download", "/ledgers/{id}/download")
	hal.Write(w, http.StatusOK, doc)
}

// CreateLedger makes a new ledger. Names are unique: a name already
// mapping to a ledger resolves to that ledger.
func (h *Handler) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, apperrors.BadRequest("invalid request body"))
		return
	}

	l, err := h.svc.Create(r.Context(), req.Name, req.Description)
	if err != nil {
		h.error(w, err)
		return
	}

	count, err := h.svc.EventCount(r.Context(), l.ID)
	if err != nil {
		h.error(w, err)
		return
	}

	w.Header().Set("Location", "/ledgers/"+l.ID)
	hal.Write(w, http.StatusCreated, ledgerResource(l, count))
}

// GetLedger renders one ledger.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.lookup(r)
	if err != nil {
		h.error(w, err)
		return
	}

	count, err := h.svc.EventCount(r.Context(), l.ID)
	if err != nil {
		h.error(w, err)
		return
	}

	hal.Write(w, http.StatusOK, ledgerResource(l, count))
}

// RemoveLedger deletes a ledger and all of its events.
func (h *Handler) RemoveLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), chi.URLParam(r, "ledgerID")); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetLedger trims the ledger to the given position, or to its genesis
// marker when the body names none.
func (h *Handler) ResetLedger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		After string `json:"after"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.error(w, apperrors.BadRequest("invalid request body"))
		return
	}

	var after *eventid.ID
	if req.After != "" {
		id, err := eventid.Parse(req.After)
		if err != nil {
			h.error(w, apperrors.BadRequest("invalid after id"))
			return
		}
		after = &id
	}

	if err := h.svc.Reset(r.Context(), chi.URLParam(r, "ledgerID"), after); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateDownload resolves a download URI for a plain selector over the
// ledger. An empty body downloads everything. The default answer is a
// 303 redirect; Prefer: return=representation streams inline.
func (h *Handler) CreateDownload(w http.ResponseWriter, r *http.Request) {
	l, err := h.authorizedLedger(r)
	if err != nil {
		h.error(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.error(w, apperrors.BadRequest("unreadable request body"))
		return
	}

	var sel selector.Selector
	if len(bytes.TrimSpace(body)) > 0 {
		sel, err = selector.Parse(body)
		if err != nil {
			h.error(w, apperrors.BadRequest(err.Error()))
			return
		}
	}
	if sel.IsFilter() {
		h.error(w, apperrors.BadRequest("downloads accept plain selectors only"))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		h.error(w, apperrors.BadRequest(err.Error()))
		return
	}
	href := downloadHref(l.ID, token)

	if !prefersRepresentation(r) {
		w.Header().Set("Location", href)
		w.WriteHeader(http.StatusSeeOther)
		return
	}

	page, err := h.svc.DownloadPage(r.Context(), l, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	w.Header().Set("Content-Location", href)
	w.Header().Set("Preference-Applied", "return=representation")
	h.writeDownload(w, l, page)
	h.stream(w, r, l, sel)
}

// DownloadHead answers the caching headers for a download without
// running it.
func (h *Handler) DownloadHead(w http.ResponseWriter, r *http.Request) {
	l, sel, err := h.parseDownloadRequest(r)
	if err != nil {
		h.error(w, err)
		return
	}

	page, err := h.svc.DownloadPage(r.Context(), l, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	h.writeDownload(w, l, page)
	w.WriteHeader(http.StatusOK)
}

// DownloadEvents streams the ledger slice named by the download token as
// an NDJSON attachment. A matching If-None-Match short-circuits to 304.
func (h *Handler) DownloadEvents(w http.ResponseWriter, r *http.Request) {
	l, sel, err := h.parseDownloadRequest(r)
	if err != nil {
		h.error(w, err)
		return
	}

	page, err := h.svc.DownloadPage(r.Context(), l, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	h.writeDownload(w, l, page)
	if source.ETagMatches(r.Header.Get("If-None-Match"), page.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.stream(w, r, l, sel)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, l *Ledger, sel selector.Selector) {
	st, err := h.svc.Download(r.Context(), l.ID, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := source.WriteNDJSON(w, st); err != nil {
		h.log.Warn().Err(err).Str("ledger", l.ID).Msg("ledger download ended early")
	}
}

func (h *Handler) writeDownload(w http.ResponseWriter, l *Ledger, page source.Page) {
	w.Header().Set("Content-Type", source.NDJSONType)
	w.Header().Set("Cache-Control", "private,max-age=0")
	w.Header().Set("ETag", page.ETag)
	w.Header().Add("Link", "<"+page.Start+`>; rel="start"`)
	w.Header().Add("Link", "<"+page.Current+`>; rel="current"`)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", l.Name+".ndjson"))
}

// parseDownloadRequest resolves the ledger and decodes the download
// token. Filter selectors never name a download.
func (h *Handler) parseDownloadRequest(r *http.Request) (*Ledger, selector.Selector, error) {
	l, err := h.authorizedLedger(r)
	if err != nil {
		return nil, selector.Selector{}, err
	}

	raw := chi.URLParam(r, "download")
	token, ok := strings.CutSuffix(raw, ".ndjson")
	if !ok {
		return nil, selector.Selector{}, apperrors.NotFound("download", raw)
	}

	sel, err := selector.Decode(token)
	if err != nil {
		return nil, selector.Selector{}, apperrors.BadRequest("invalid selector token")
	}
	if sel.IsFilter() {
		return nil, selector.Selector{}, apperrors.BadRequest("downloads accept plain selectors only")
	}
	return l, sel, nil
}

// authorizedLedger resolves the route's ledger and checks the caller may
// read it. Readers may only touch the ledger their token is scoped to.
func (h *Handler) authorizedLedger(r *http.Request) (*Ledger, error) {
	l, err := h.lookup(r)
	if err != nil {
		return nil, err
	}
	if !canReadLedger(auth.GetUser(r.Context()), l.ID) {
		return nil, apperrors.Forbidden("token is not scoped to this ledger")
	}
	return l, nil
}

func (h *Handler) lookup(r *http.Request) (*Ledger, error) {
	id := chi.URLParam(r, "ledgerID")
	l, ok, err := h.svc.ForLedgerID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NotFound("ledger", id)
	}
	return l, nil
}

func canReadLedger(user *auth.User, id string) bool {
	if user == nil {
		return false
	}
	if user.HasAnyRole(auth.RoleAdmin) {
		return true
	}
	return user.Ledger == id
}

func downloadHref(ledgerID, token string) string {
	return "/ledgers/" + ledgerID + "/download/" + token + ".ndjson"
}

func ledgerResource(l *Ledger, count int64) hal.Resource {
	return hal.New().
		Self("/ledgers/" + l.ID).
		Link("download", "/ledgers/"+l.ID+"/download").
		Link("reset", "/ledgers/"+l.ID+"/reset").
		Field("id", l.ID).
		Field("name", l.Name).
		Field("description", l.Description).
		Field("genesis", l.Genesis).
		Field("createdAt", l.CreatedAt).
		Field("eventCount", count)
}

func prefersRepresentation(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		if strings.Contains(strings.ToLower(v), "return=representation") {
			return true
		}
	}
	return false
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
