package notify

import (
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
	"github.com/evently-hq/evently/internal/shared/metrics"
)

// retryMillis is the reconnect delay advertised on every SSE message.
const retryMillis = 10000

// Handler provides the /notify HTTP surface.
type Handler struct {
	channels *Channels
	log      zerolog.Logger
}

// NewHandler creates a new notifications handler.
func NewHandler(channels *Channels, log zerolog.Logger) *Handler {
	return &Handler{channels: channels, log: log.With().Str("component", "notify").Logger()}
}

// Routes registers the notification routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleClient))

	r.Get("/", h.Index)
	r.Post("/open-channel", h.OpenChannel)
	r.Get("/{channelID}", h.GetChannel)
	r.Delete("/{channelID}", h.DeleteChannel)
	r.Get("/{channelID}/sse", h.Stream)
	r.Post("/{channelID}/subscribe", h.Subscribe)
	r.Get("/{channelID}/subscriptions/{subscriptionID}", h.GetSubscription)
	r.Delete("/{channelID}/subscriptions/{subscriptionID}", h.Unsubscribe)

	return r
}

// Index describes the notification surface.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		h.error(w, err)
		return
	}

	res := hal.New().
		Self("/notify").
		Link("open-channel", "/notify/open-channel").
		LinkTemplated("channel", "/notify/{channelId}").
		Field("ledger", ledgerID)
	hal.Write(w, http.StatusOK, res)
}

// OpenChannel creates a notification channel scoped to the caller's
// ledger.
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		h.error(w, err)
		return
	}

	ch := h.channels.Open(ledgerID)
	h.log.Debug().Str("ledger", ledgerID).Str("channel", ch.ID).Msg("channel opened")

	w.Header().Set("Location", channelHref(ch.ID))
	hal.Write(w, http.StatusCreated, h.channelResource(ch))
}

// GetChannel returns a channel and its subscriptions.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channel(r)
	if err != nil {
		h.error(w, err)
		return
	}
	hal.Write(w, http.StatusOK, h.channelResource(ch))
}

// DeleteChannel closes a channel, terminating any open SSE streams.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		h.error(w, err)
		return
	}

	id := chi.URLParam(r, "channelID")
	if !h.channels.Close(ledgerID, id) {
		h.error(w, apperrors.NotFound("channel", id))
		return
	}
	metrics.SetSubscriptions(h.channels.TotalSubscriptions())
	h.log.Debug().Str("ledger", ledgerID).Str("channel", id).Msg("channel closed")
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe registers a selector on a channel. Subscribing a selector the
// channel already carries returns the existing subscription.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channel(r)
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

	sub, err := ch.Subscribe(sel)
	if err != nil {
		h.error(w, apperrors.BadRequest(err.Error()))
		return
	}
	metrics.SetSubscriptions(h.channels.TotalSubscriptions())

	w.Header().Set("Location", subscriptionHref(ch.ID, sub.ID))
	hal.Write(w, http.StatusCreated, subscriptionResource(ch.ID, sub))
}

// GetSubscription returns one subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channel(r)
	if err != nil {
		h.error(w, err)
		return
	}

	id := chi.URLParam(r, "subscriptionID")
	sub, ok := ch.Subscription(id)
	if !ok {
		h.error(w, apperrors.NotFound("subscription", id))
		return
	}
	hal.Write(w, http.StatusOK, subscriptionResource(ch.ID, sub))
}

// Unsubscribe removes a subscription.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channel(r)
	if err != nil {
		h.error(w, err)
		return
	}

	id := chi.URLParam(r, "subscriptionID")
	if !ch.Unsubscribe(id) {
		h.error(w, apperrors.NotFound("subscription", id))
		return
	}
	metrics.SetSubscriptions(h.channels.TotalSubscriptions())
	w.WriteHeader(http.StatusNoContent)
}

// Stream serves the channel's SSE feed. Each message names the
// subscriptions an event matched; the client fetches the events themselves
// through the selectors API.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Last-Event-Id") != "" {
		h.error(w, apperrors.BadRequest("resuming from Last-Event-Id is not supported"))
		return
	}

	ch, err := h.channel(r)
	if err != nil {
		h.error(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.error(w, apperrors.Internal(errors.New("response writer does not support streaming")))
		return
	}

	mb := ch.OpenStream()
	defer mb.Close()

	metrics.SSEClientConnected()
	defer metrics.SSEClientDisconnected()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		n, ok := mb.Pull(r.Context())
		if !ok {
			return
		}
		fmt.Fprintf(w, "retry: %d\nid: %s\nevent: Subscriptions Triggered\ndata: %s\n\n",
			retryMillis, n.EventID, strings.Join(n.Matched, ","))
		flusher.Flush()
	}
}

func (h *Handler) channel(r *http.Request) (*Channel, error) {
	ledgerID, err := h.ledgerID(r)
	if err != nil {
		return nil, err
	}
	id := chi.URLParam(r, "channelID")
	ch, ok := h.channels.Get(ledgerID, id)
	if !ok {
		return nil, apperrors.NotFound("channel", id)
	}
	return ch, nil
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

func channelHref(id string) string {
	return "/notify/" + id
}

func subscriptionHref(channelID, subscriptionID string) string {
	return channelHref(channelID) + "/subscriptions/" + subscriptionID
}

func (h *Handler) channelResource(ch *Channel) hal.Resource {
	subs := ch.Subscriptions()
	embedded := make([]hal.Resource, 0, len(subs))
	for _, sub := range subs {
		embedded = append(embedded, subscriptionResource(ch.ID, sub))
	}
	return hal.New().
		Self(channelHref(ch.ID)).
		Link("sse", channelHref(ch.ID)+"/sse").
		Link("subscribe", channelHref(ch.ID)+"/subscribe").
		Field("channelId", ch.ID).
		Field("subscriptionCount", len(subs)).
		Embed("subscriptions", embedded)
}

func subscriptionResource(channelID string, sub *Subscription) hal.Resource {
	return hal.New().
		Self(subscriptionHref(channelID, sub.ID)).
		Link("events", "/selectors/"+sub.Token+".ndjson").
		Field("subscriptionId", sub.ID).
		Field("selector", sub.Selector)
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
