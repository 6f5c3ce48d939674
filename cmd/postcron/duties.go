package main

import (
	"context"
	"sync"
)

// duties are the loops only one instance may run at a time: the scheduler
// and the reconciler. With leader election they follow the lock; without
// it they start once and stop at shutdown.
type duties struct {
	runners []func(ctx context.Context)

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDuties(runners ...func(ctx context.Context)) *duties {
	return &duties{runners: runners}
}

func (d *duties) add(run func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runners = append(d.runners, run)
}

// start launches every runner under a child of parent. It is a no-op while
// the duties are already running.
func (d *duties) start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		if d.ctx.Err() == nil {
			return
		}
		// Started under a context that has since ended; let those runners
		// finish before starting over.
		d.wg.Wait()
	}

	ctx, cancel := context.WithCancel(parent)
	d.ctx, d.cancel = ctx, cancel
	for _, run := range d.runners {
		d.wg.Add(1)
		go func(run func(context.Context)) {
			defer d.wg.Done()
			run(ctx)
		}(run)
	}
}

// stop cancels the runners and blocks until all of them returned. Safe to
// call repeatedly.
func (d *duties) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.ctx, d.cancel = nil, nil
}
