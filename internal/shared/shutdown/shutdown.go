// Package shutdown coordinates graceful teardown: hooks registered during
// startup run in reverse order, so the last subsystem brought up is the
// first one stopped.
package shutdown

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Stack holds shutdown hooks and runs them LIFO exactly once.
type Stack struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{}
}

// Register pushes a named hook. Safe for concurrent use.
func (s *Stack) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Run executes the hooks from last-registered to first. Errors are
// logged and do not stop the remaining hooks. Subsequent calls are
// no-ops.
func (s *Stack) Run(ctx context.Context, log zerolog.Logger) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	hooks := s.hooks
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		log.Debug().Str("hook", h.name).Msg("shutting down")
		if err := h.fn(ctx); err != nil {
			log.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
		}
	}
}
