// Package shutdown stops the relay's components in reverse order of
// registration, so the HTTP listener stops accepting before live connections
// are closed.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Shutdowner is implemented by anything that can be stopped with a deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator runs registered shutdowns last-in, first-out.
type Coordinator struct {
	mu         sync.Mutex
	components []component
	logger     *slog.Logger
	once       sync.Once
	err        error
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Components registered later are stopped first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.mu.Lock()
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.mu.Unlock()

	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every component once. A failing component does not stop the
// rest; the first error is returned. If ctx expires the remaining components
// are skipped. Later calls return the first call's result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.shutdown(ctx)
	})
	return c.err
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.mu.Lock()
	components := make([]component, len(c.components))
	copy(components, c.components)
	c.mu.Unlock()

	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(components)))

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]

		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_component", comp.name),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at component %s: %w", comp.name, err)
			}
			return firstErr
		}

		start := time.Now()
		err := comp.shutdowner.Shutdown(ctx)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shutdown %s: %w", comp.name, err)
			}
			continue
		}
		c.logger.Info("component shutdown complete",
			slog.String("handler", comp.name),
			slog.Duration("duration", duration),
		)
	}

	if firstErr != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}
	return firstErr
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.components)
}
