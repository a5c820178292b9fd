package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
)

// allEventsChannel is the database channel every append is broadcast on.
const allEventsChannel = "ALL_EVENTS"

// Reconnect backoff bounds for the LISTEN connection.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// ListenDB provides the dedicated notification connection and the lookup
// for payloads truncated by the notification size limit.
type ListenDB interface {
	ListenConn(ctx context.Context) (*pgx.Conn, error)
	FetchMissingData(ctx context.Context, ledgerID string, timestamp int64, needMeta bool) (meta, data []byte, err error)
}

// Listener holds the process's single LISTEN subscription and feeds
// decoded events to a sink, normally Channels.Dispatch.
type Listener struct {
	db   ListenDB
	sink func(event.Persisted)
	log  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener delivering to sink.
func NewListener(db ListenDB, sink func(event.Persisted), log zerolog.Logger) *Listener {
	return &Listener{
		db:   db,
		sink: sink,
		log:  log.With().Str("component", "notify-listener").Logger(),
	}
}

// Start opens the dedicated connection, subscribes to ALL_EVENTS and
// consumes notifications until Stop or ctx cancellation. A failure to
// establish the initial subscription is returned; later connection drops
// reconnect with backoff.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := l.listen(ctx)
	if err != nil {
		cancel()
		return err
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, conn)
	l.log.Info().Msg("listening for event notifications")
	return nil
}

// Stop terminates the LISTEN loop and waits for it to exit. No-op when the
// listener never started.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := l.db.ListenConn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{allEventsChannel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (l *Listener) run(ctx context.Context, conn *pgx.Conn) {
	defer close(l.done)
	defer func() {
		if conn != nil {
			conn.Close(context.Background())
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn.Close(context.Background())
			conn = l.reconnect(ctx, err)
			if conn == nil {
				return
			}
			continue
		}
		l.handle(ctx, n.Payload)
	}
}

// reconnect retries the LISTEN subscription with exponential backoff until
// it succeeds or ctx ends.
func (l *Listener) reconnect(ctx context.Context, cause error) *pgx.Conn {
	backoff := reconnectMin
	for {
		l.log.Warn().Err(cause).Dur("retry_in", backoff).Msg("notification connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := l.listen(ctx)
		if err == nil {
			l.log.Info().Msg("notification connection restored")
			return conn
		}
		cause = err
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// handle decodes one payload, completes it when meta or data were omitted
// for size, and hands the event to the sink. Undecodable payloads are
// dropped: the client's recovery path is its selector, not the stream.
func (l *Listener) handle(ctx context.Context, payload string) {
	note, err := ParseNotification(payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("dropping unreadable notification")
		return
	}

	if !note.HasMeta || !note.HasData {
		meta, data, err := l.db.FetchMissingData(ctx, note.LedgerID, note.Timestamp, !note.HasMeta)
		if err != nil {
			l.log.Warn().Err(err).Str("ledger", note.LedgerID).Msg("dropping notification, missing data fetch failed")
			return
		}
		if !note.HasMeta {
			note.Meta = meta
		}
		if !note.HasData {
			note.Data = data
		}
	}

	id, err := eventid.New(uint64(note.Timestamp), note.Checksum, note.LedgerID)
	if err != nil {
		l.log.Warn().Err(err).Str("ledger", note.LedgerID).Msg("dropping notification with invalid position")
		return
	}
	l.sink(event.New(id, note.Event, note.Entities, note.Meta, note.Data))
}
