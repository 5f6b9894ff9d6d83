// Package lane implements the bounded worker pool shared by the four
// named lanes from spec.md §5 (search, fetch, parse, llm): an
// errgroup.Group bounded by a semaphore, so a lane never runs more than
// its configured concurrency regardless of how many units of work are
// submitted.
package lane

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution of work submitted to one named lane.
type Pool struct {
	name string
	sem  *semaphore.Weighted
	g    *errgroup.Group
	ctx  context.Context
}

// NewPool builds a Pool bound to ctx (closed on run timeout/convergence)
// with the given concurrency.
func NewPool(ctx context.Context, name string, concurrency int) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{name: name, sem: semaphore.NewWeighted(int64(concurrency)), g: g, ctx: gctx}
}

// Name returns the lane's name (search|fetch|parse|llm).
func (p *Pool) Name() string { return p.name }

// Submit runs fn on its own goroutine once a concurrency slot is free and
// returns without waiting for it; Wait collects the work. A unit that
// reaches its slot after ctx is done is skipped, the
// cooperative-cancellation point (spec.md §5: workers select on ctx.Done
// between pacer-admission and the next unit of work).
func (p *Pool) Submit(fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return nil // ctx done; draining, not an error for the group
		}
		defer p.sem.Release(1)
		select {
		case <-p.ctx.Done():
			return nil
		default:
		}
		return fn(p.ctx)
	})
}

// Wait blocks until every submitted unit of work has returned, draining
// in-flight work cooperatively rather than aborting it.
func (p *Pool) Wait() error {
	return p.g.Wait()
}
