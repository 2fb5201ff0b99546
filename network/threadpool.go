// File: network/threadpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package network

import (
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-tcp/affinity"
	"github.com/momentics/hioload-tcp/api"
)

// ThreadPool is a fixed set of independent EvThreads handed out
// round-robin. There is no work stealing: a connection stays on the thread
// it was given.
type ThreadPool struct {
	threads []*EvThread
	next    atomic.Uint64
}

// NewThreadPool creates n threads sharing opts.
func NewThreadPool(n int, opts ...ThreadOption) (*ThreadPool, error) {
	if n <= 0 {
		return nil, api.NewError(api.KindGeneric, "network: thread pool size must be positive").WithContext("size", n)
	}
	cfg := threadConfig{cpu: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &ThreadPool{threads: make([]*EvThread, 0, n)}
	for i := 0; i < n; i++ {
		tc := cfg
		if cfg.pinAll {
			tc.cpu = i % affinity.NumCPU()
		}
		t, err := newEvThread(tc)
		if err != nil {
			return nil, multierr.Append(err, p.Close())
		}
		p.threads = append(p.threads, t)
	}
	return p, nil
}

// Start launches every thread in parallel. On failure the threads that did
// start are stopped again.
func (p *ThreadPool) Start() error {
	var g errgroup.Group
	for _, t := range p.threads {
		g.Go(t.Start)
	}
	if err := g.Wait(); err != nil {
		return multierr.Append(err, p.Stop())
	}
	logger.WithField("threads", len(p.threads)).Debug("thread pool started")
	return nil
}

// Stop stops every thread in parallel and waits for all of them.
func (p *ThreadPool) Stop() error {
	errs := make([]error, len(p.threads))
	var g errgroup.Group
	for i, t := range p.threads {
		g.Go(func() error {
			errs[i] = t.Stop()
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Close stops the pool and releases every loop.
func (p *ThreadPool) Close() error {
	var err error
	for _, t := range p.threads {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// Next returns the next thread in round-robin order.
func (p *ThreadPool) Next() *EvThread {
	i := p.next.Add(1) - 1
	return p.threads[i%uint64(len(p.threads))]
}

// Threads returns a copy of the pool's threads.
func (p *ThreadPool) Threads() []*EvThread {
	return append([]*EvThread(nil), p.threads...)
}

// Size returns the number of threads.
func (p *ThreadPool) Size() int { return len(p.threads) }
