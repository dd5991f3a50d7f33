// Package applife defines the lifecycle contract every long-running sync
// engine subsystem implements, modeled on the teacher's scheduler
// Start/Drain contract so the engine can fan subsystems out and bring them
// down uniformly (spec.md §5).
package applife

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Component is a subsystem with a name and a start/drain lifecycle. Start
// should block until ctx is canceled or an unrecoverable error occurs; Drain
// asks the component to stop accepting new work and finish in-flight work
// before its own deadline expires.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Drain(ctx context.Context) error
}

// Group fans a set of Components out and brings them down together, the way
// cmd/syncengine wires the Sync Engine, Subscription Manager, Health
// Reporter, and webhook retry worker as one process (spec.md §5: "the sync
// engine's Start() fans them out and waits; Stop() cancels them in reverse
// order").
type Group struct {
	components []Component
}

// NewGroup builds a Group over components, in the order they should start.
// Drain runs them in the reverse order.
func NewGroup(components ...Component) *Group {
	return &Group{components: components}
}

// Run starts every component concurrently and blocks until ctx is canceled
// or one of them returns an error, then drains them all in reverse start
// order within drainTimeout.
func (g *Group) Run(ctx context.Context, drainTimeout func() context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for _, c := range g.components {
		c := c
		group.Go(func() error {
			if err := c.Start(gctx); err != nil {
				return fmt.Errorf("applife: %s: %w", c.Name(), err)
			}
			return nil
		})
	}

	runErr := group.Wait()

	drainCtx := ctx
	if drainTimeout != nil {
		drainCtx = drainTimeout()
	}

	var drainErr error
	for i := len(g.components) - 1; i >= 0; i-- {
		c := g.components[i]
		if err := c.Drain(drainCtx); err != nil && drainErr == nil {
			drainErr = fmt.Errorf("applife: drain %s: %w", c.Name(), err)
		}
	}

	if runErr != nil {
		return runErr
	}
	return drainErr
}
