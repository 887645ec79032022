package workers

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/IVOES/splinterdb/internal/config"
)

// Groups holds one Pool per spec.md §5 thread-pool class
// (config.BGPool), sized from config.Config.NumBGThreads.
type Groups struct {
	pools map[config.BGPool]*Pool
}

// NewGroups creates one Pool per entry in sizes.
func NewGroups(sizes map[config.BGPool]int) *Groups {
	g := &Groups{pools: make(map[config.BGPool]*Pool, len(sizes))}
	for class, n := range sizes {
		g.pools[class] = New(n)
	}
	return g
}

// Pool returns the pool for class, creating a single-worker pool on
// first use if class wasn't sized at construction.
func (g *Groups) Pool(class config.BGPool) *Pool {
	if p, ok := g.pools[class]; ok {
		return p
	}
	p := New(1)
	g.pools[class] = p
	return p
}

// Stop tears down every pool.
func (g *Groups) Stop() {
	for _, p := range g.pools {
		p.Stop()
	}
}

// Batch runs a bounded-concurrency group of tasks belonging to one
// flush/compaction batch (spec.md §4.11 domain stack): an
// errgroup.Group so the first failing task cancels its ctx and the
// group's Wait reports that error, and a semaphore.Weighted throttling
// how many of the batch's tasks run at once regardless of the
// underlying Pool's own sizing (used by Tree.CompactAll to bound
// concurrent compactions across the whole trunk, and by
// Tree.checkChildrenOverflow to bound concurrent child re-checks).
type Batch struct {
	ctx context.Context
	grp *errgroup.Group
	sem *semaphore.Weighted
}

// NewBatch creates a Batch capped at maxConcurrent simultaneous tasks.
func NewBatch(ctx context.Context, maxConcurrent int64) *Batch {
	grp, ctx := errgroup.WithContext(ctx)
	return &Batch{ctx: ctx, grp: grp, sem: semaphore.NewWeighted(maxConcurrent)}
}

// Go submits fn to run once a semaphore slot is free, subject to
// cancellation if an earlier task in the batch failed.
func (b *Batch) Go(fn func(ctx context.Context) error) {
	b.grp.Go(func() error {
		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			return err
		}
		defer b.sem.Release(1)
		return fn(b.ctx)
	})
}

// Wait blocks until every submitted task has finished, returning the
// first error (if any).
func (b *Batch) Wait() error {
	return b.grp.Wait()
}
