package notify

import (
	"context"
	"sync"
)

// Notice is one notification delivered to an SSE stream: the event that
// fired and the ids of the subscriptions it matched.
type Notice struct {
	EventID string
	Matched []string
}

// Mailbox links the upstream listener to one SSE stream. Pushes resolve
// the oldest parked consumer when one is waiting and buffer otherwise;
// pulls drain the buffer in order and park when it is empty. Close is
// idempotent: it releases parked consumers, drops the buffer and fires the
// close hook exactly once.
type Mailbox struct {
	mu      sync.Mutex
	buf     []Notice
	waiters []chan Notice
	closed  bool
	onClose func()
}

// NewMailbox creates a mailbox. onClose runs once when the mailbox closes,
// detaching the stream from whatever registered it.
func NewMailbox(onClose func()) *Mailbox {
	return &Mailbox{onClose: onClose}
}

// Push delivers a notice. Pushes after Close are dropped.
func (m *Mailbox) Push(n Notice) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		w <- n
		return
	}
	m.buf = append(m.buf, n)
	m.mu.Unlock()
}

// Pull returns the oldest buffered notice, parking until one arrives. The
// second return is false once the mailbox is closed or ctx ends.
func (m *Mailbox) Pull(ctx context.Context) (Notice, bool) {
	m.mu.Lock()
	if len(m.buf) > 0 {
		n := m.buf[0]
		m.buf = m.buf[1:]
		m.mu.Unlock()
		return n, true
	}
	if m.closed {
		m.mu.Unlock()
		return Notice{}, false
	}
	w := make(chan Notice, 1)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case n, ok := <-w:
		return n, ok
	case <-ctx.Done():
		m.abandon(w)
		return Notice{}, false
	}
}

// abandon retracts a parked consumer whose context ended. When a push
// already resolved it, the in-flight notice is requeued so it is not lost.
func (m *Mailbox) abandon(w chan Notice) {
	m.mu.Lock()
	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	select {
	case n, ok := <-w:
		if ok {
			m.Push(n)
		}
	default:
	}
}

// Close terminates the mailbox: parked consumers return done, the buffer
// is dropped and the close hook fires. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	waiters := m.waiters
	m.waiters = nil
	m.buf = nil
	onClose := m.onClose
	m.onClose = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onClose != nil {
		onClose()
	}
}
