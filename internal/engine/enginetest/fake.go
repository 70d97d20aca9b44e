// Package enginetest provides an in-memory engine implementation for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

type Engine struct {
	mu      sync.Mutex
	workers []*Worker

	// FailCreateWorker, when set, makes CreateWorker return it.
	FailCreateWorker error
}

func New() *Engine { return &Engine{} }

func (e *Engine) CreateWorker(_ context.Context) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreateWorker != nil {
		return nil, e.FailCreateWorker
	}
	w := &Worker{
		id:   domain.WorkerID(fmt.Sprintf("worker-%d", len(e.workers))),
		dead: make(chan error, 1),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

type Worker struct {
	id   domain.WorkerID
	dead chan error

	mu      sync.Mutex
	closed  bool
	routers int
}

func (w *Worker) ID() domain.WorkerID { return w.id }
func (w *Worker) Dead() <-chan error  { return w.dead }

// Kill simulates an unexpected worker death.
func (w *Worker) Kill(err error) { w.dead <- err }

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routers
}

func (w *Worker) CreateRouter(_ context.Context) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	w.routers++
	return &Router{
		worker:    w,
		producers: make(map[domain.ProducerID]*Producer),
	}, nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type Router struct {
	worker *Worker

	mu         sync.Mutex
	seq        int
	producers  map[domain.ProducerID]*Producer
	RouterDown bool // when set, CreateTransport fails
	ClosedFlag bool
}

func (r *Router) Capabilities() engine.RouterCapabilities {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)
}

func (r *Router) CreateTransport(_ context.Context, dir domain.Direction) (engine.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RouterDown {
		return nil, fmt.Errorf("router down")
	}
	r.seq++
	t := &Transport{
		id:     domain.TransportID(fmt.Sprintf("transport-%s-%d", dir, r.seq)),
		dir:    dir,
		router: r,
	}
	t.params, _ = json.Marshal(map[string]string{"transportId": string(t.id)})
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ClosedFlag = true
	return nil
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	router *Router
	params engine.TransportParams

	mu        sync.Mutex
	seq       int
	connected bool
	closed    bool

	// FailConnect / FailProduce / FailConsume force upstream errors.
	FailConnect error
	FailProduce error
	FailConsume error
}

func (t *Transport) ID() domain.TransportID         { return t.id }
func (t *Transport) Direction() domain.Direction    { return t.dir }
func (t *Transport) Params() engine.TransportParams { return t.params }

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connect(_ context.Context, _ engine.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, _ engine.ProduceParams) (engine.Producer, error) {
	t.mu.Lock()
	if t.FailProduce != nil {
		err := t.FailProduce
		t.mu.Unlock()
		return nil, err
	}
	t.seq++
	p := &Producer{
		id:     domain.ProducerID(fmt.Sprintf("%s-producer-%d", t.id, t.seq)),
		kind:   kind,
		router: t.router,
	}
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID domain.ProducerID) (engine.Consumer, error) {
	t.mu.Lock()
	if t.FailConsume != nil {
		err := t.FailConsume
		t.mu.Unlock()
		return nil, err
	}
	t.seq++
	id := domain.ConsumerID(fmt.Sprintf("%s-consumer-%d", t.id, t.seq))
	t.mu.Unlock()

	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, engine.ErrProducerNotFound
	}
	c := &Consumer{id: id, producerID: p.id}
	c.params, _ = json.Marshal(map[string]string{
		"consumerId": string(c.id),
		"producerId": string(p.id),
		"kind":       string(p.kind),
	})
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	router *Router

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	params     engine.ConsumerParams

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *Consumer) Params() engine.ConsumerParams { return c.params }

func (c *Consumer) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
