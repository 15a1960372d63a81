package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
)

// DefaultStopTimeout bounds how long Stop waits for in-flight jobs.
const DefaultStopTimeout = 30 * time.Second

// Pool runs several workers over one Runner. Sharing a Runner is only safe
// when its job repository claims jobs atomically.
type Pool struct {
	runner      Runner
	interval    time.Duration
	stopTimeout time.Duration
	logger      *logger.Logger

	mu      sync.RWMutex
	workers []*Worker
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewPool(runner Runner, interval time.Duration, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		runner:      runner,
		interval:    interval,
		stopTimeout: DefaultStopTimeout,
		logger:      log.WithComponent("worker_pool"),
	}
}

func (p *Pool) Start(ctx context.Context, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return errors.New("worker pool already started")
	}
	if count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Infow("Starting worker pool", "workers", count)

	for i := 0; i < count; i++ {
		if err := p.spawn(); err != nil {
			p.stopAll()
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
	}
	return nil
}

func (p *Pool) spawn() error {
	w := NewWorker(p.runner, p.interval, p.logger)
	if err := w.Start(p.ctx); err != nil {
		return err
	}
	p.workers = append(p.workers, w)
	return nil
}

// Scale grows or shrinks a started pool to count workers.
func (p *Pool) Scale(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return errors.New("worker pool not started")
	}
	if count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	current := len(p.workers)
	switch {
	case count > current:
		p.logger.Infow("Scaling up worker pool", "from", current, "to", count)
		for i := current; i < count; i++ {
			if err := p.spawn(); err != nil {
				return fmt.Errorf("failed to start worker %d: %w", i, err)
			}
		}
	case count < current:
		p.logger.Infow("Scaling down worker pool", "from", current, "to", count)
		excess := p.workers[count:]
		p.workers = p.workers[:count]
		if err := p.stop(excess); err != nil {
			return fmt.Errorf("failed to stop workers: %w", err)
		}
	}
	return nil
}

// Stop cancels every worker and waits for them to return.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return errors.New("worker pool not started")
	}
	p.logger.Infow("Stopping worker pool", "workers", len(p.workers))
	return p.stopAll()
}

// Wait blocks until every worker has returned, which happens once the
// context given to Start is done.
func (p *Pool) Wait() {
	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	for _, w := range workers {
		<-w.Done()
	}
}

func (p *Pool) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

func (p *Pool) stop(workers []*Worker) error {
	g := new(errgroup.Group)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Stop(p.stopTimeout) })
	}
	return g.Wait()
}

func (p *Pool) stopAll() error {
	p.cancel()
	err := p.stop(p.workers)
	p.workers = nil
	p.ctx = nil
	p.cancel = nil
	return err
}
