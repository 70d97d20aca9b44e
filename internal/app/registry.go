package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/core"
	"github.com/veselov/conclave/internal/domain"
)

// RoomStats is a read-only snapshot for the administrative surface.
type RoomStats struct {
	ID            domain.RoomID   `json:"id"`
	WorkerID      domain.WorkerID `json:"workerId"`
	PeerCount     int             `json:"peerCount"`
	ProducerCount int             `json:"producerCount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// RoomRegistry maps room ids to rooms, each bound to one worker-scoped
// router for its whole lifetime. Lock order: the registry lock is
// acquired before any room lock, never the reverse.
type RoomRegistry struct {
	pool  *WorkerPool
	grace time.Duration

	mu sync.Mutex
	// A nil value is a reservation: the id is taken but the router is
	// still being created. GetRoom treats it as absent; CreateRoom
	// treats it as a conflict.
	rooms map[domain.RoomID]*core.Room
}

func NewRoomRegistry(pool *WorkerPool, grace time.Duration) *RoomRegistry {
	return &RoomRegistry{
		pool:  pool,
		grace: grace,
		rooms: make(map[domain.RoomID]*core.Room),
	}
}

// CreateRoom atomically reserves the id, binds a worker and creates the
// routing context. Conflict when the id is already present. The engine
// call happens outside the registry lock so a slow worker does not stall
// unrelated rooms.
func (r *RoomRegistry) CreateRoom(ctx context.Context, id domain.RoomID) (*RoomStats, error) {
	if id == "" || len(id) > domain.MaxRoomIDLen {
		return nil, domain.InvalidState("invalid room id %q", id)
	}

	r.mu.Lock()
	if _, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return nil, domain.Conflict("room %q already exists", id)
	}
	r.rooms[id] = nil
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.rooms, id)
		r.mu.Unlock()
	}

	worker, err := r.pool.Acquire()
	if err != nil {
		release()
		return nil, err
	}
	router, err := worker.CreateRouter(ctx)
	if err != nil {
		release()
		return nil, domain.Upstream(err, "create router for room %q", id)
	}

	room := core.NewRoom(id, worker.ID(), router)
	r.mu.Lock()
	r.rooms[id] = room
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("room", string(id)).
		Str("worker", string(worker.ID())).Msg("room created")
	return snapshot(room), nil
}

// GetRoom returns the room or NotFound. Read-only.
func (r *RoomRegistry) GetRoom(id domain.RoomID) (*core.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok || room == nil {
		return nil, domain.NotFound("room %q not found", id)
	}
	return room, nil
}

// DeleteRoom closes every peer in the room (cascading teardown), releases
// the routing context and removes the room.
func (r *RoomRegistry) DeleteRoom(id domain.RoomID) error {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok || room == nil {
		r.mu.Unlock()
		return domain.NotFound("room %q not found", id)
	}
	delete(r.rooms, id)
	room.SetDeleteTimer(nil)
	r.mu.Unlock()

	room.Close()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room deleted")
	return nil
}

func (r *RoomRegistry) GetStats(id domain.RoomID) (*RoomStats, error) {
	room, err := r.GetRoom(id)
	if err != nil {
		return nil, err
	}
	return snapshot(room), nil
}

func (r *RoomRegistry) ListStats() []RoomStats {
	r.mu.Lock()
	rooms := make([]*core.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room != nil {
			rooms = append(rooms, room)
		}
	}
	r.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, *snapshot(room))
	}
	return out
}

func snapshot(room *core.Room) *RoomStats {
	return &RoomStats{
		ID:            room.ID(),
		WorkerID:      room.WorkerID(),
		PeerCount:     room.PeerCount(),
		ProducerCount: len(room.ProducersSnapshot()),
		CreatedAt:     room.CreatedAt(),
	}
}

// Join registers a peer in a room and cancels any pending deletion timer.
// NotFound when the room is absent; Conflict when the peer id is taken.
func (r *RoomRegistry) Join(roomID domain.RoomID, peerID domain.PeerID, conn core.SignalConn) (*core.Peer, error) {
	if peerID == "" || len(peerID) > domain.MaxPeerIDLen {
		return nil, domain.InvalidState("invalid peer id %q", peerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok || room == nil {
		return nil, domain.NotFound("room %q not found", roomID)
	}
	peer, err := room.AddPeer(peerID, conn)
	if err != nil {
		return nil, err
	}
	room.SetDeleteTimer(nil)
	return peer, nil
}

// PeerLeft removes the peer and arms the grace timer when the room ends
// up empty. The timer callback re-checks emptiness under the registry
// lock, so a join racing the callback wins.
func (r *RoomRegistry) PeerLeft(roomID domain.RoomID, peerID domain.PeerID) (*core.LeaveResult, error) {
	room, err := r.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	res, err := room.RemovePeer(peerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if current, ok := r.rooms[roomID]; ok && current == room && room.PeerCount() == 0 {
		room.SetDeleteTimer(time.AfterFunc(r.grace, func() { r.graceExpired(roomID, room) }))
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).
			Dur("grace", r.grace).Msg("room empty, deletion scheduled")
	}
	r.mu.Unlock()
	return res, nil
}

func (r *RoomRegistry) graceExpired(id domain.RoomID, room *core.Room) {
	r.mu.Lock()
	current, ok := r.rooms[id]
	if !ok || current != room || room.PeerCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	room.Close()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("empty room deleted after grace period")
}

// CloseAll deletes every room. Used on graceful shutdown.
func (r *RoomRegistry) CloseAll() {
	r.mu.Lock()
	rooms := make([]*core.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room != nil {
			room.SetDeleteTimer(nil)
			rooms = append(rooms, room)
		}
	}
	r.rooms = make(map[domain.RoomID]*core.Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}
