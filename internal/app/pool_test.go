package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine/enginetest"
)

func TestPoolRoundRobin(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		calls   int
	}{
		{"even split", 3, 9},
		{"uneven split", 4, 10},
		{"single worker", 1, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(enginetest.New(), nil)
			if err := pool.Start(context.Background(), tt.workers); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer pool.Shutdown()

			counts := make(map[domain.WorkerID]int)
			var order []domain.WorkerID
			for i := 0; i < tt.calls; i++ {
				w, err := pool.Acquire()
				if err != nil {
					t.Fatalf("Acquire: %v", err)
				}
				counts[w.ID()]++
				order = append(order, w.ID())
			}

			lo, hi := tt.calls/tt.workers, (tt.calls+tt.workers-1)/tt.workers
			if len(counts) != tt.workers {
				t.Fatalf("expected %d distinct workers, got %d", tt.workers, len(counts))
			}
			for id, n := range counts {
				if n < lo || n > hi {
					t.Errorf("worker %s acquired %d times, want %d..%d", id, n, lo, hi)
				}
			}

			// Strict cyclic order: position i mod workers always yields
			// the same worker.
			for i, id := range order {
				if id != order[i%tt.workers] {
					t.Fatalf("acquisition %d returned %s, want %s", i, id, order[i%tt.workers])
				}
			}
		})
	}
}

func TestPoolStartIdempotent(t *testing.T) {
	eng := enginetest.New()
	pool := NewWorkerPool(eng, nil)
	if err := pool.Start(context.Background(), 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Start(context.Background(), 5); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := pool.Size(); got != 2 {
		t.Fatalf("pool size = %d after repeated Start, want 2", got)
	}
	if got := len(eng.Workers()); got != 2 {
		t.Fatalf("engine spawned %d workers, want 2", got)
	}
}

func TestPoolAcquireBeforeStart(t *testing.T) {
	pool := NewWorkerPool(enginetest.New(), nil)
	if _, err := pool.Acquire(); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("Acquire on empty pool = %v, want InvalidState", err)
	}
}

func TestPoolWorkerDeathIsFatal(t *testing.T) {
	fatal := make(chan error, 1)
	eng := enginetest.New()
	pool := NewWorkerPool(eng, func(err error) { fatal <- err })
	if err := pool.Start(context.Background(), 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Shutdown()

	eng.Workers()[1].Kill(errors.New("segfault"))

	select {
	case err := <-fatal:
		if domain.KindOf(err) != domain.KindFatal {
			t.Fatalf("onFatal got %v, want Fatal kind", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker death not reported")
	}
}

func TestPoolShutdownClosesWorkers(t *testing.T) {
	fatal := make(chan error, 1)
	eng := enginetest.New()
	pool := NewWorkerPool(eng, func(err error) { fatal <- err })
	if err := pool.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pool.Shutdown()

	for i, w := range eng.Workers() {
		if !w.Closed() {
			t.Errorf("worker %d not closed after Shutdown", i)
		}
	}
	if got := pool.Size(); got != 0 {
		t.Fatalf("pool size = %d after Shutdown, want 0", got)
	}

	select {
	case err := <-fatal:
		t.Fatalf("Shutdown triggered fatal: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
