package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ShutdownCoordinator runs registered shutdown handlers in LIFO order, so
// resources close in the reverse order they were opened.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Register adds a shutdown handler. Handlers run in LIFO order.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
}

// Shutdown runs all registered handlers in reverse order. Every handler
// runs even when earlier ones fail; failures are joined into one error.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		slog.Info("shutting down", "component", h.name)
		if err := h.fn(ctx); err != nil {
			slog.Error("shutdown error", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
