package pionengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

type routerCaps struct {
	Codecs []codecCap `json:"codecs"`
}

type codecCap struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

type router struct {
	worker *worker
	caps   engine.RouterCapabilities

	mu        sync.RWMutex
	producers map[domain.ProducerID]*producer
	closed    bool
}

func newRouter(w *worker) *router {
	caps, _ := json.Marshal(routerCaps{Codecs: []codecCap{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}})
	return &router{
		worker:    w,
		caps:      caps,
		producers: make(map[domain.ProducerID]*producer),
	}
}

func (r *router) Capabilities() engine.RouterCapabilities { return r.caps }

func (r *router) CreateTransport(ctx context.Context, direction domain.Direction) (engine.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("router closed")
	}
	return newTransport(ctx, r, direction)
}

func (r *router) registerProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) unregisterProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) producer(id domain.ProducerID) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) Close() error {
	r.mu.Lock()
	producers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[domain.ProducerID]*producer)
	r.closed = true
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}
