package notify

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/selector"
	"github.com/evently-hq/evently/internal/shared/metrics"
)

// Subscription is one filter registered on a channel. Token is the
// canonical encoding of the selector (stripped of any limit) and keys the
// subscription: re-subscribing the same selector yields the existing id.
type Subscription struct {
	ID       string
	Token    string
	Selector selector.Selector
	match    Matcher
}

// Channel fans notifications out to the SSE streams opened on one channel
// id. Subscriptions and streams live only in this process.
type Channel struct {
	ID       string
	LedgerID string

	mu      sync.Mutex
	subs    map[string]*Subscription
	streams map[*Mailbox]struct{}
}

// Subscribe registers a filter on the channel, keyed by its canonical
// token.
func (ch *Channel) Subscribe(sel selector.Selector) (*Subscription, error) {
	canon, err := sel.WithoutLimit().Canonical()
	if err != nil {
		return nil, err
	}
	token, err := selector.Encode(canon)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if sub, ok := ch.subs[token]; ok {
		return sub, nil
	}
	match, err := Compile(canon)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{ID: uuid.NewString(), Token: token, Selector: canon, match: match}
	ch.subs[token] = sub
	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (ch *Channel) Unsubscribe(id string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for token, sub := range ch.subs {
		if sub.ID == id {
			delete(ch.subs, token)
			return true
		}
	}
	return false
}

// Subscription looks a subscription up by id.
func (ch *Channel) Subscription(id string) (*Subscription, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, sub := range ch.subs {
		if sub.ID == id {
			return sub, true
		}
	}
	return nil, false
}

// Subscriptions lists the channel's subscriptions ordered by id.
func (ch *Channel) Subscriptions() []*Subscription {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	subs := make([]*Subscription, 0, len(ch.subs))
	for _, sub := range ch.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// OpenStream attaches a new SSE stream to the channel. Closing the
// returned mailbox detaches it again.
func (ch *Channel) OpenStream() *Mailbox {
	var mb *Mailbox
	mb = NewMailbox(func() { ch.detach(mb) })
	ch.mu.Lock()
	ch.streams[mb] = struct{}{}
	ch.mu.Unlock()
	return mb
}

func (ch *Channel) detach(mb *Mailbox) {
	ch.mu.Lock()
	delete(ch.streams, mb)
	ch.mu.Unlock()
}

// evaluate runs every filter against the event and returns the notice plus
// the open streams it should be delivered to.
func (ch *Channel) evaluate(ev event.Persisted) (Notice, []*Mailbox) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var matched []string
	for _, sub := range ch.subs {
		if sub.match(ev) {
			matched = append(matched, sub.ID)
		}
	}
	sort.Strings(matched)

	streams := make([]*Mailbox, 0, len(ch.streams))
	for mb := range ch.streams {
		streams = append(streams, mb)
	}
	return Notice{EventID: ev.EventID, Matched: matched}, streams
}

func (ch *Channel) closeStreams() {
	ch.mu.Lock()
	streams := make([]*Mailbox, 0, len(ch.streams))
	for mb := range ch.streams {
		streams = append(streams, mb)
	}
	ch.mu.Unlock()

	for _, mb := range streams {
		mb.Close()
	}
}

// Channels is the process-local registry of notification channels, keyed
// by ledger and channel id, and the fan-out target for the upstream
// listener.
type Channels struct {
	mu   sync.RWMutex
	open map[string]*Channel
	log  zerolog.Logger
}

// NewChannels creates an empty channel registry.
func NewChannels(log zerolog.Logger) *Channels {
	return &Channels{
		open: make(map[string]*Channel),
		log:  log.With().Str("component", "notify").Logger(),
	}
}

func channelKey(ledgerID, channelID string) string {
	return ledgerID + "/" + channelID
}

// Open creates a channel with a fresh id.
func (c *Channels) Open(ledgerID string) *Channel {
	ch := &Channel{
		ID:       uuid.NewString(),
		LedgerID: ledgerID,
		subs:     make(map[string]*Subscription),
		streams:  make(map[*Mailbox]struct{}),
	}
	c.mu.Lock()
	c.open[channelKey(ledgerID, ch.ID)] = ch
	c.mu.Unlock()
	return ch
}

// Get returns the channel with the given id within the ledger.
func (c *Channels) Get(ledgerID, channelID string) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.open[channelKey(ledgerID, channelID)]
	return ch, ok
}

// Close removes a channel and terminates its streams.
func (c *Channels) Close(ledgerID, channelID string) bool {
	key := channelKey(ledgerID, channelID)
	c.mu.Lock()
	ch, ok := c.open[key]
	if ok {
		delete(c.open, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch.closeStreams()
	return true
}

// CloseAll terminates every channel. Called on shutdown so open SSE
// handlers unwind before the server stops.
func (c *Channels) CloseAll() {
	c.mu.Lock()
	open := make([]*Channel, 0, len(c.open))
	for _, ch := range c.open {
		open = append(open, ch)
	}
	c.open = make(map[string]*Channel)
	c.mu.Unlock()

	for _, ch := range open {
		ch.closeStreams()
	}
}

// TotalSubscriptions counts subscriptions across all open channels.
func (c *Channels) TotalSubscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, ch := range c.open {
		ch.mu.Lock()
		total += len(ch.subs)
		ch.mu.Unlock()
	}
	return total
}

// Dispatch evaluates an event against every channel of its ledger and
// emits one notice per channel naming the matched subscription ids. No
// notice is emitted for a channel when nothing matches.
func (c *Channels) Dispatch(ev event.Persisted) {
	id, err := ev.ID()
	if err != nil {
		c.log.Warn().Err(err).Str("event", ev.Event).Msg("dropping notification with unreadable id")
		return
	}

	c.mu.RLock()
	targets := make([]*Channel, 0, len(c.open))
	for _, ch := range c.open {
		if ch.LedgerID == id.LedgerID {
			targets = append(targets, ch)
		}
	}
	c.mu.RUnlock()

	for _, ch := range targets {
		notice, streams := ch.evaluate(ev)
		if len(notice.Matched) == 0 || len(streams) == 0 {
			continue
		}
		for _, mb := range streams {
			mb.Push(notice)
		}
		metrics.RecordNotifications(len(streams))
	}
}
