package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

// WorkerPool owns a fixed set of media workers and hands them out in
// strict round-robin order. A worker dying unexpectedly is fatal for the
// whole process: rooms bound to it hold unrecoverable state, and a
// supervised full restart is judged safer than partial migration. The
// onFatal callback is where the process decides to die.
type WorkerPool struct {
	engine  engine.Engine
	onFatal func(error)

	mu      sync.Mutex
	workers []engine.Worker
	next    int
	stop    chan struct{}
}

func NewWorkerPool(e engine.Engine, onFatal func(error)) *WorkerPool {
	return &WorkerPool{engine: e, onFatal: onFatal}
}

// Start spawns n workers. Idempotent: a second call is a no-op while
// workers exist.
func (p *WorkerPool) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return nil
	}
	p.stop = make(chan struct{})
	for i := 0; i < n; i++ {
		w, err := p.engine.CreateWorker(ctx)
		if err != nil {
			return domain.Upstream(err, "spawn worker %d of %d", i+1, n)
		}
		p.workers = append(p.workers, w)
		go p.watch(w, p.stop)
	}
	p.next = 0
	log.Info().Str("module", "app.pool").Int("workers", n).Msg("worker pool started")
	return nil
}

func (p *WorkerPool) watch(w engine.Worker, stop <-chan struct{}) {
	select {
	case <-stop:
	case err := <-w.Dead():
		log.Error().Err(err).Str("module", "app.pool").Str("worker", string(w.ID())).
			Msg("worker died unexpectedly")
		if p.onFatal != nil {
			p.onFatal(domain.Fatal(err, "worker %s died", w.ID()))
		}
	}
}

// Acquire returns the next worker in cyclic order, distributing load
// evenly across acquisitions regardless of per-room cost.
func (p *WorkerPool) Acquire() (engine.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil, domain.InvalidState("worker pool not started")
	}
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w, nil
}

func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown closes all workers and resets the pool. Safe during graceful
// termination; the death watchers are released first so a closing worker
// is not mistaken for a crash.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.pool").Str("worker", string(w.ID())).Msg("worker close")
		}
	}
	p.workers = nil
	p.next = 0
	log.Info().Str("module", "app.pool").Msg("worker pool shut down")
}
