package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestRunLIFO(t *testing.T) {
	s := New()
	var order []string

	s.Register("pool", func(context.Context) error {
		order = append(order, "pool")
		return nil
	})
	s.Register("listener", func(context.Context) error {
		order = append(order, "listener")
		return nil
	})
	s.Register("server", func(context.Context) error {
		order = append(order, "server")
		return nil
	})

	s.Run(context.Background(), zerolog.Nop())

	want := []string{"server", "listener", "pool"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
}

func TestRunOnce(t *testing.T) {
	s := New()
	calls := 0
	s.Register("once", func(context.Context) error {
		calls++
		return nil
	})

	s.Run(context.Background(), zerolog.Nop())
	s.Run(context.Background(), zerolog.Nop())

	if calls != 1 {
		t.Fatalf("hook ran %d times", calls)
	}
}

func TestRunContinuesPastErrors(t *testing.T) {
	s := New()
	var ran []string

	s.Register("first", func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	s.Register("broken", func(context.Context) error {
		ran = append(ran, "broken")
		return errors.New("boom")
	})

	s.Run(context.Background(), zerolog.Nop())

	if len(ran) != 2 {
		t.Fatalf("ran %v, want both hooks", ran)
	}
}
