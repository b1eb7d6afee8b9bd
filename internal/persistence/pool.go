package persistence

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs one Worker per partition range and waits for all of them.
type Pool struct {
	workers []*Worker
	log     *slog.Logger
}

// NewPool lays out cfg.Workers ranges of cfg.PartitionsPerWorker partitions
// over cfg.Topic and creates a worker for each. dlq may be nil.
func NewPool(cfg Config, factory ConsumerFactory, store MessageStore, dlq DeadLetter, log *slog.Logger) (*Pool, error) {
	ranges, err := AssignRanges(cfg.Workers, cfg.PartitionsPerWorker, cfg.Topic.Partitions)
	if err != nil {
		return nil, err
	}
	p := &Pool{log: log.With("component", "worker")}
	for i, r := range ranges {
		p.workers = append(p.workers, NewWorker(i, r, cfg, factory, store, dlq, log))
	}
	return p, nil
}

// Workers returns the pool's workers in range order.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run starts every worker and blocks until all have stopped. Cancelling ctx
// stops them after their current batch. If any worker cannot assign its
// partitions the others are stopped and the error is returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	p.log.Info("worker pool running", "workers", len(p.workers))
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}
