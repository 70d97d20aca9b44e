package core

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

type producerState struct {
	handle engine.Producer
	paused bool
}

type consumerState struct {
	handle engine.Consumer
	paused bool
}

// Peer is the per-connection media state: at most one transport per
// direction plus the producers and consumers it owns. All methods are
// safe for concurrent use, though the signaling layer already serializes
// calls per connection. Never acquire room.mu while holding p.mu.
type Peer struct {
	id   domain.PeerID
	room *Room
	conn SignalConn

	mu            sync.Mutex
	closed        bool
	sendTransport engine.Transport
	recvTransport engine.Transport
	sendConnected bool
	recvConnected bool
	producers     map[domain.ProducerID]*producerState
	consumers     map[domain.ConsumerID]*consumerState
}

func newPeer(id domain.PeerID, room *Room, conn SignalConn) *Peer {
	return &Peer{
		id:        id,
		room:      room,
		conn:      conn,
		producers: make(map[domain.ProducerID]*producerState),
		consumers: make(map[domain.ConsumerID]*consumerState),
	}
}

func (p *Peer) ID() domain.PeerID { return p.id }
func (p *Peer) Room() *Room       { return p.room }
func (p *Peer) Conn() SignalConn  { return p.conn }

// CreateTransport creates at most one transport per direction. A repeated
// request for an existing direction returns the stored transport's
// parameters instead of creating a duplicate, so a client retry after a
// lost response converges.
func (p *Peer) CreateTransport(ctx context.Context, dir domain.Direction) (engine.TransportParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.NotFound("peer %q is closed", p.id)
	}
	if existing := p.transportLocked(dir); existing != nil {
		return existing.Params(), nil
	}
	t, err := p.room.router.CreateTransport(ctx, dir)
	if err != nil {
		return nil, domain.Upstream(err, "create %s transport", dir)
	}
	if dir == domain.DirectionSend {
		p.sendTransport = t
	} else {
		p.recvTransport = t
	}
	log.Info().Str("module", "core.peer").Str("peer", string(p.id)).
		Str("transport", string(t.ID())).Str("direction", string(dir)).Msg("transport created")
	return t.Params(), nil
}

func (p *Peer) transportLocked(dir domain.Direction) engine.Transport {
	if dir == domain.DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

// ConnectTransport completes the secure handshake on one of the peer's
// transports. InvalidState if the handshake already completed.
func (p *Peer) ConnectTransport(ctx context.Context, id domain.TransportID, params engine.ConnectParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.NotFound("peer %q is closed", p.id)
	}

	var t engine.Transport
	var connected *bool
	switch {
	case p.sendTransport != nil && p.sendTransport.ID() == id:
		t, connected = p.sendTransport, &p.sendConnected
	case p.recvTransport != nil && p.recvTransport.ID() == id:
		t, connected = p.recvTransport, &p.recvConnected
	default:
		return domain.NotFound("transport %q not found for peer %q", id, p.id)
	}
	if *connected {
		return domain.InvalidState("transport %q already connected", id)
	}
	if err := t.Connect(ctx, params); err != nil {
		return domain.Upstream(err, "connect transport %q", id)
	}
	*connected = true
	return nil
}

// Produce publishes an inbound stream over the connected send transport.
func (p *Peer) Produce(ctx context.Context, kind domain.MediaKind, params engine.ProduceParams) (*ProducerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.NotFound("peer %q is closed", p.id)
	}
	if p.sendTransport == nil || !p.sendConnected {
		return nil, domain.InvalidState("produce requires a connected send transport")
	}
	prod, err := p.sendTransport.Produce(ctx, kind, params)
	if err != nil {
		return nil, domain.Upstream(err, "produce %s", kind)
	}
	p.producers[prod.ID()] = &producerState{handle: prod}
	log.Info().Str("module", "core.peer").Str("peer", string(p.id)).
		Str("producer", string(prod.ID())).Str("kind", string(kind)).Msg("producer created")
	return &ProducerInfo{ID: prod.ID(), PeerID: p.id, Kind: kind}, nil
}

// Consume subscribes to a producer over the connected recv transport.
// NotFound when the producer has since closed; the race between the
// newProducer push and this call is expected.
func (p *Peer) Consume(ctx context.Context, producerID domain.ProducerID) (engine.ConsumerParams, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.NotFound("peer %q is closed", p.id)
	}
	t := p.recvTransport
	connected := p.recvConnected
	p.mu.Unlock()

	if t == nil || !connected {
		return nil, domain.InvalidState("consume requires a connected recv transport")
	}
	if _, ok := p.room.FindProducer(producerID); !ok {
		return nil, domain.NotFound("producer %q not found", producerID)
	}

	cons, err := t.Consume(ctx, producerID)
	if err != nil {
		if errors.Is(err, engine.ErrProducerNotFound) {
			return nil, domain.NotFound("producer %q not found", producerID)
		}
		return nil, domain.Upstream(err, "consume producer %q", producerID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// The peer left while the engine call was in flight; the result
		// is discarded and the resource torn down right away.
		_ = cons.Close()
		return nil, domain.NotFound("peer %q is closed", p.id)
	}
	p.consumers[cons.ID()] = &consumerState{handle: cons}
	p.mu.Unlock()

	log.Info().Str("module", "core.peer").Str("peer", string(p.id)).
		Str("consumer", string(cons.ID())).Str("producer", string(producerID)).Msg("consumer created")
	return cons.Params(), nil
}

func (p *Peer) PauseProducer(id domain.ProducerID) error {
	return p.toggleProducer(id, true)
}

func (p *Peer) ResumeProducer(id domain.ProducerID) error {
	return p.toggleProducer(id, false)
}

func (p *Peer) toggleProducer(id domain.ProducerID, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.producers[id]
	if !ok {
		return domain.NotFound("producer %q not owned by peer %q", id, p.id)
	}
	var err error
	if paused {
		err = ps.handle.Pause()
	} else {
		err = ps.handle.Resume()
	}
	if err != nil {
		return domain.Upstream(err, "toggle producer %q", id)
	}
	ps.paused = paused
	return nil
}

func (p *Peer) PauseConsumer(id domain.ConsumerID) error {
	return p.toggleConsumer(id, true)
}

func (p *Peer) ResumeConsumer(id domain.ConsumerID) error {
	return p.toggleConsumer(id, false)
}

func (p *Peer) toggleConsumer(id domain.ConsumerID, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.consumers[id]
	if !ok {
		return domain.NotFound("consumer %q not owned by peer %q", id, p.id)
	}
	var err error
	if paused {
		err = cs.handle.Pause()
	} else {
		err = cs.handle.Resume()
	}
	if err != nil {
		return domain.Upstream(err, "toggle consumer %q", id)
	}
	cs.paused = paused
	return nil
}

// CloseProducer closes a producer and cascades to every consumer in the
// room referencing it.
func (p *Peer) CloseProducer(id domain.ProducerID) ([]ClosedConsumer, error) {
	p.mu.Lock()
	ps, ok := p.producers[id]
	if !ok {
		p.mu.Unlock()
		return nil, domain.NotFound("producer %q not owned by peer %q", id, p.id)
	}
	delete(p.producers, id)
	p.mu.Unlock()

	if err := ps.handle.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.peer").Str("producer", string(id)).Msg("producer close")
	}
	return p.room.closeConsumersOf(id), nil
}

// CloseConsumer closes a single consumer owned by this peer.
func (p *Peer) CloseConsumer(id domain.ConsumerID) error {
	p.mu.Lock()
	cs, ok := p.consumers[id]
	if !ok {
		p.mu.Unlock()
		return domain.NotFound("consumer %q not owned by peer %q", id, p.id)
	}
	delete(p.consumers, id)
	p.mu.Unlock()
	if err := cs.handle.Close(); err != nil {
		return domain.Upstream(err, "close consumer %q", id)
	}
	return nil
}

func (p *Peer) hasProducer(id domain.ProducerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.producers[id]
	return ok
}

func (p *Peer) snapshotProducers() []ProducerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProducerInfo, 0, len(p.producers))
	for id, ps := range p.producers {
		out = append(out, ProducerInfo{ID: id, PeerID: p.id, Kind: ps.handle.Kind(), Paused: ps.paused})
	}
	return out
}

// closeConsumersOf closes this peer's consumers referencing a producer.
func (p *Peer) closeConsumersOf(producerID domain.ProducerID) []domain.ConsumerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ConsumerID
	for id, cs := range p.consumers {
		if cs.handle.ProducerID() != producerID {
			continue
		}
		_ = cs.handle.Close()
		delete(p.consumers, id)
		out = append(out, id)
	}
	return out
}

// teardown destroys all of the peer's media state atomically and returns
// the producers it owned so the caller can cascade and notify.
func (p *Peer) teardown() []ProducerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for id, cs := range p.consumers {
		_ = cs.handle.Close()
		delete(p.consumers, id)
	}

	out := make([]ProducerInfo, 0, len(p.producers))
	for id, ps := range p.producers {
		out = append(out, ProducerInfo{ID: id, PeerID: p.id, Kind: ps.handle.Kind(), Paused: ps.paused})
		_ = ps.handle.Close()
		delete(p.producers, id)
	}

	if p.sendTransport != nil {
		_ = p.sendTransport.Close()
		p.sendTransport = nil
	}
	if p.recvTransport != nil {
		_ = p.recvTransport.Close()
		p.recvTransport = nil
	}
	return out
}
