// Package pionengine implements the engine boundary on top of pion/webrtc.
// A worker is an isolated webrtc.API with its own slice of the configured
// UDP port range, so routers on different workers never contend for ports.
package pionengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

type Config struct {
	MinPort    uint16
	MaxPort    uint16
	Workers    int
	ICEServers []string
}

type Engine struct {
	cfg Config

	mu      sync.Mutex
	carved  int
	perSpan uint16
}

func New(cfg Config) *Engine {
	span := (cfg.MaxPort - cfg.MinPort + 1) / uint16(cfg.Workers)
	return &Engine{cfg: cfg, perSpan: span}
}

func (e *Engine) CreateWorker(ctx context.Context) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.carved >= e.cfg.Workers {
		return nil, fmt.Errorf("port range exhausted after %d workers", e.carved)
	}
	lo := e.cfg.MinPort + uint16(e.carved)*e.perSpan
	hi := lo + e.perSpan - 1

	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(lo, hi); err != nil {
		return nil, fmt.Errorf("set port range %d..%d: %w", lo, hi, err)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	w := &worker{
		id:         domain.WorkerID(uuid.NewString()),
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		iceServers: e.cfg.ICEServers,
		dead:       make(chan error, 1),
	}
	e.carved++
	log.Info().Str("module", "pionengine").Str("worker", string(w.id)).
		Uint16("min_port", lo).Uint16("max_port", hi).Msg("worker created")
	return w, nil
}

type worker struct {
	id         domain.WorkerID
	api        *webrtc.API
	iceServers []string
	dead       chan error

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (w *worker) ID() domain.WorkerID { return w.id }

func (w *worker) Dead() <-chan error { return w.dead }

// fail reports an unexpected death exactly once. Close never calls it.
func (w *worker) fail(err error) {
	w.once.Do(func() { w.dead <- err })
}

func (w *worker) CreateRouter(ctx context.Context) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	return newRouter(w), nil
}

func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
