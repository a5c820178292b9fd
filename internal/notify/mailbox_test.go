package notify

import (
	"context"
	"testing"
	"time"
)

func TestMailboxBuffersInOrder(t *testing.T) {
	mb := NewMailbox(nil)
	mb.Push(Notice{EventID: "a"})
	mb.Push(Notice{EventID: "b"})

	n, ok := mb.Pull(context.Background())
	if !ok || n.EventID != "a" {
		t.Fatalf("first pull = %+v, %v; want a, true", n, ok)
	}
	n, ok = mb.Pull(context.Background())
	if !ok || n.EventID != "b" {
		t.Fatalf("second pull = %+v, %v; want b, true", n, ok)
	}
}

func TestMailboxResolvesParkedConsumer(t *testing.T) {
	mb := NewMailbox(nil)

	got := make(chan Notice, 1)
	go func() {
		if n, ok := mb.Pull(context.Background()); ok {
			got <- n
		}
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Push(Notice{EventID: "a"})

	select {
	case n := <-got:
		if n.EventID != "a" {
			t.Errorf("pulled %q, want a", n.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("parked pull never resolved")
	}
}

func TestMailboxCloseReleasesConsumers(t *testing.T) {
	mb := NewMailbox(nil)

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Pull(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("pull reported a notice after close")
		}
	case <-time.After(time.Second):
		t.Fatal("pull did not return after close")
	}
}

func TestMailboxCloseIsIdempotent(t *testing.T) {
	closes := 0
	mb := NewMailbox(func() { closes++ })

	mb.Close()
	mb.Close()

	if closes != 1 {
		t.Errorf("onClose ran %d times, want 1", closes)
	}
}

func TestMailboxDropsAfterClose(t *testing.T) {
	mb := NewMailbox(nil)
	mb.Push(Notice{EventID: "a"})
	mb.Close()
	mb.Push(Notice{EventID: "b"})

	if n, ok := mb.Pull(context.Background()); ok {
		t.Errorf("pull after close returned %+v", n)
	}
}

func TestMailboxPullHonorsContext(t *testing.T) {
	mb := NewMailbox(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Pull(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("cancelled pull reported a notice")
		}
	case <-time.After(time.Second):
		t.Fatal("pull did not return after cancellation")
	}

	// The mailbox itself stays open.
	mb.Push(Notice{EventID: "a"})
	if n, ok := mb.Pull(context.Background()); !ok || n.EventID != "a" {
		t.Errorf("pull after cancellation = %+v, %v; want a, true", n, ok)
	}
}
