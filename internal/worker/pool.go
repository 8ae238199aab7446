package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs a fixed number of independent processor loops. There is no
// central lock: workers coordinate only through the queue's atomic dequeue
// and the store's conditional updates.
type Pool struct {
	processor *Processor
	size      int
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(processor *Processor, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{processor: processor, size: size, logger: logger}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("starting worker pool", "size", p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.processor.Run(ctx, slot)
		}(i)
	}
}

// Stop signals all workers and waits for in-flight jobs to settle their
// final state writes.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
