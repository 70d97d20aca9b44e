package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

// Room is a threadsafe in-memory conferencing session. It is bound to
// exactly one worker for its whole lifetime; the router never migrates.
// Lock order: a registry lock, if any, is acquired before r.mu, and r.mu
// before any peer.mu.
type Room struct {
	id        domain.RoomID
	workerID  domain.WorkerID
	router    engine.Router
	createdAt time.Time

	mu     sync.RWMutex
	peers  map[domain.PeerID]*Peer
	closed bool

	// deleteTimer is armed when the last peer leaves; the registry owns
	// arming and cancelling it under its own lock.
	deleteTimer *time.Timer
}

func NewRoom(id domain.RoomID, workerID domain.WorkerID, router engine.Router) *Room {
	return &Room{
		id:        id,
		workerID:  workerID,
		router:    router,
		createdAt: time.Now(),
		peers:     make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID         { return r.id }
func (r *Room) WorkerID() domain.WorkerID { return r.workerID }
func (r *Room) Router() engine.Router     { return r.router }
func (r *Room) CreatedAt() time.Time      { return r.createdAt }

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// AddPeer registers a new peer. Conflict if the id is already present.
func (r *Room) AddPeer(id domain.PeerID, conn SignalConn) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.NotFound("room %q is closing", r.id)
	}
	if _, ok := r.peers[id]; ok {
		return nil, domain.Conflict("peer %q already in room %q", id, r.id)
	}
	p := newPeer(id, r, conn)
	r.peers[id] = p
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(id)).Msg("peer added")
	return p, nil
}

func (r *Room) GetPeer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Broadcast fans a frame out to every peer except the originator.
func (r *Room) Broadcast(from domain.PeerID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, p := range r.peers {
		if id == from {
			continue
		}
		if err := p.conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SentTo++
	}
	return res
}

// SendTo delivers a frame to a single peer, if still present.
func (r *Room) SendTo(id domain.PeerID, data Frame) {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = p.conn.TrySend(data)
}

// ProducersSnapshot lists every active producer in the room; the join
// response carries it so late joiners can enumerate what to consume.
func (r *Room) ProducersSnapshot() []ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerInfo, 0)
	for _, p := range r.peers {
		out = append(out, p.snapshotProducers()...)
	}
	return out
}

// FindProducer locates a producer by id and returns its owning peer.
func (r *Room) FindProducer(id domain.ProducerID) (domain.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, p := range r.peers {
		if p.hasProducer(id) {
			return peerID, true
		}
	}
	return "", false
}

// closeConsumersOf closes every consumer in the room referencing the
// given producer. A consumer cannot outlive its producer.
func (r *Room) closeConsumersOf(producerID domain.ProducerID) []ClosedConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClosedConsumer, 0)
	for peerID, p := range r.peers {
		for _, cid := range p.closeConsumersOf(producerID) {
			out = append(out, ClosedConsumer{ConsumerID: cid, Owner: peerID})
		}
	}
	return out
}

// RemovePeer tears the peer down atomically: its consumers, producers
// (cascading to consumers on other peers) and transports are destroyed
// together. NotFound when the peer already left.
func (r *Room) RemovePeer(id domain.PeerID) (*LeaveResult, error) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NotFound("peer %q not in room %q", id, r.id)
	}
	delete(r.peers, id)
	r.mu.Unlock()

	producers := p.teardown()

	res := &LeaveResult{Producers: producers}
	for _, info := range producers {
		res.ClosedConsumers = append(res.ClosedConsumers, r.closeConsumersOf(info.ID)...)
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(id)).
		Int("producers_closed", len(producers)).Msg("peer removed")
	return res, nil
}

// Close tears down every peer including its signaling connection, then
// releases the routing context. Used by the registry on room deletion.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[domain.PeerID]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.teardown()
		p.conn.Close()
	}
	if err := r.router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.id)).Msg("router close")
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Msg("room closed")
}

// SetDeleteTimer swaps the pending-deletion timer, stopping any previous
// one. Called by the registry under its lock.
func (r *Room) SetDeleteTimer(t *time.Timer) {
	if r.deleteTimer != nil {
		r.deleteTimer.Stop()
	}
	r.deleteTimer = t
}
