package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/eventid"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/auth"
	apperrors "github.com/evently-hq/evently/internal/shared/errors"
)

// NDJSONType is the media type selector streams are served as.
const NDJSONType = "application/x-ndjson"

// highWater is the buffered byte count past which a stream is flushed to
// the client.
const highWater = 4096

// Ledgers resolves ledger existence and genesis positions for the
// selector surface.
type Ledgers interface {
	Genesis(ctx context.Context, ledgerID string) (eventid.ID, bool, error)
}

// Handler provides the /selectors HTTP surface.
type Handler struct {
	svc     *Service
	ledgers Ledgers
	log     zerolog.Logger
}

// NewHandler creates a new selectors handler.
func NewHandler(svc *Service, ledgers Ledgers, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, ledgers: ledgers, log: log.With().Str("component", "selectors").Logger()}
}

// Routes registers the selector routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleReader))

	r.Post("/", h.CreateSelector)
	r.Head("/{token}", h.SelectorHead)
	r.Get("/{token}", h.SelectorStream)

	return r
}

// CreateSelector canonicalizes a selector document into its URI. The
// default response is a redirect to the selector resource; a
// return=representation preference streams it inline.
func (h *Handler) CreateSelector(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		h.error(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.error(w, apperrors.BadRequest("unreadable request body"))
		return
	}

	sel, err := selector.Parse(body)
	if err != nil {
		h.error(w, apperrors.BadRequest(err.Error()))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		h.error(w, apperrors.BadRequest(err.Error()))
		return
	}
	href := "/selectors/" + token + ".ndjson"

	if !prefersRepresentation(r) {
		w.Header().Set("Location", href)
		w.WriteHeader(http.StatusSeeOther)
		return
	}

	page, err := h.resolve(r.Context(), ledgerID, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	w.Header().Set("Content-Location", href)
	w.Header().Set("Preference-Applied", "return=representation")
	h.writePage(w, page)
	h.stream(w, r, ledgerID, sel)
}

// SelectorHead answers the caching headers for a selector stream without
// running it.
func (h *Handler) SelectorHead(w http.ResponseWriter, r *http.Request) {
	ledgerID, sel, err := h.parseStreamRequest(r)
	if err != nil {
		h.error(w, err)
		return
	}

	page, err := h.resolve(r.Context(), ledgerID, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	h.writePage(w, page)
	w.WriteHeader(http.StatusOK)
}

// SelectorStream runs a selector and streams the matching events as
// NDJSON. A matching If-None-Match short-circuits to 304.
func (h *Handler) SelectorStream(w http.ResponseWriter, r *http.Request) {
	ledgerID, sel, err := h.parseStreamRequest(r)
	if err != nil {
		h.error(w, err)
		return
	}

	page, err := h.resolve(r.Context(), ledgerID, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	h.writePage(w, page)
	if ETagMatches(r.Header.Get("If-None-Match"), page.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.stream(w, r, ledgerID, sel)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, ledgerID string, sel selector.Selector) {
	st, err := h.svc.Run(r.Context(), ledgerID, sel)
	if err != nil {
		h.error(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := WriteNDJSON(w, st); err != nil {
		// The status line is gone; the client recovers by re-requesting
		// from the last id it saw.
		h.log.Warn().Err(err).Str("ledger", ledgerID).Msg("selector stream ended early")
	}
}

// WriteNDJSON drains a stream onto the wire, one JSON document per line,
// flushing at the buffer high-water mark.
func WriteNDJSON(w http.ResponseWriter, st *Stream) error {
	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriterSize(w, 2*highWater)
	enc := json.NewEncoder(bw)

	flush := func() {
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	for ev := range st.Events {
		if err := enc.Encode(ev); err != nil {
			flush()
			return err
		}
		if bw.Buffered() >= highWater {
			flush()
		}
	}
	flush()
	return st.Err()
}

// Page describes the caching identity of a selector stream: its ETag and
// the start and current link targets.
type Page struct {
	ETag    string
	Start   string
	Current string
}

// PageFor computes the Page of a selector read. genesis anchors the ETag
// when the selector matches nothing yet; base prefixes the start and
// current hrefs.
func (s *Service) PageFor(ctx context.Context, ledgerID string, sel selector.Selector, genesis eventid.ID, base string) (Page, error) {
	canon, err := sel.Canonical()
	if err != nil {
		return Page{}, apperrors.BadRequest(err.Error())
	}

	latest, err := s.Latest(ctx, ledgerID, canon)
	if err != nil {
		return Page{}, err
	}
	if latest == nil {
		latest = &genesis
	}

	startToken, err := selector.Encode(canon.WithoutAfter())
	if err != nil {
		return Page{}, err
	}
	currentToken, err := selector.Encode(canon.WithAfter(*latest))
	if err != nil {
		return Page{}, err
	}

	return Page{
		ETag:    `"` + latest.Hex() + `"`,
		Start:   base + startToken + ".ndjson",
		Current: base + currentToken + ".ndjson",
	}, nil
}

// resolve looks the ledger up and computes the selector's page under
// /selectors.
func (h *Handler) resolve(ctx context.Context, ledgerID string, sel selector.Selector) (Page, error) {
	genesis, ok, err := h.ledgers.Genesis(ctx, ledgerID)
	if err != nil {
		return Page{}, err
	}
	if !ok {
		return Page{}, apperrors.NotFound("ledger", ledgerID)
	}
	return h.svc.PageFor(ctx, ledgerID, sel, genesis, "/selectors/")
}

func (h *Handler) writePage(w http.ResponseWriter, page Page) {
	w.Header().Set("Content-Type", NDJSONType)
	w.Header().Set("Cache-Control", "private,max-age=0")
	w.Header().Set("ETag", page.ETag)
	w.Header().Add("Link", "<"+page.Start+`>; rel="start"`)
	w.Header().Add("Link", "<"+page.Current+`>; rel="current"`)
}

func (h *Handler) parseStreamRequest(r *http.Request) (string, selector.Selector, error) {
	token := chi.URLParam(r, "token")
	name, ok := strings.CutSuffix(token, ".ndjson")
	if !ok {
		return "", selector.Selector{}, apperrors.NotFound("selector", token)
	}

	sel, err := selector.Decode(name)
	if err != nil {
		return "", selector.Selector{}, apperrors.BadRequest("invalid selector token")
	}

	ledgerID, err := h.ledgerID(r)
	if err != nil {
		return "", selector.Selector{}, err
	}
	return ledgerID, sel, nil
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

func prefersRepresentation(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		if strings.Contains(strings.ToLower(v), "return=representation") {
			return true
		}
	}
	return false
}

// ETagMatches reports whether an If-None-Match header names the given
// entity tag. Weak validators compare equal to their strong form.
func ETagMatches(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "W/")
		if part == etag || part == "*" {
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
