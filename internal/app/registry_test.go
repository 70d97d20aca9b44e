package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veselov/conclave/internal/core"
	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine/enginetest"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(t *testing.T, grace time.Duration) *RoomRegistry {
	t.Helper()
	pool := NewWorkerPool(enginetest.New(), nil)
	if err := pool.Start(context.Background(), 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pool.Shutdown)
	return NewRoomRegistry(pool, grace)
}

func TestCreateRoomConflict(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("first CreateRoom: %v", err)
	}
	_, err := reg.CreateRoom(context.Background(), "r1")
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("second CreateRoom = %v, want Conflict", err)
	}

	// A different id still works.
	if _, err := reg.CreateRoom(context.Background(), "r2"); err != nil {
		t.Fatalf("CreateRoom r2: %v", err)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	if _, err := reg.GetRoom("ghost"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("GetRoom = %v, want NotFound", err)
	}
}

func TestDeleteRoom(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	if err := reg.DeleteRoom("ghost"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("DeleteRoom absent = %v, want NotFound", err)
	}

	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	conn := &fakeConn{}
	if _, err := reg.Join("r1", "alice", conn); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := reg.DeleteRoom("r1"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if !conn.Closed() {
		t.Error("peer connection not closed by room deletion")
	}
	for _, st := range reg.ListStats() {
		if st.ID == "r1" {
			t.Error("deleted room still listed in stats")
		}
	}
}

func TestJoinErrors(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if _, err := reg.Join("ghost", "alice", &fakeConn{}); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("Join absent room = %v, want NotFound", err)
	}
	if _, err := reg.Join("r1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := reg.Join("r1", "alice", &fakeConn{}); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("duplicate Join = %v, want Conflict", err)
	}
}

func TestStats(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)
	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.Join("r1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	st, err := reg.GetStats("r1")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.PeerCount != 1 || st.ProducerCount != 0 {
		t.Fatalf("stats = %+v, want 1 peer, 0 producers", st)
	}
	if st.WorkerID == "" {
		t.Error("stats missing worker id")
	}
}

func TestGracePeriodDeletion(t *testing.T) {
	reg := newTestRegistry(t, 30*time.Millisecond)
	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.Join("r1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := reg.PeerLeft("r1", "alice"); err != nil {
		t.Fatalf("PeerLeft: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := reg.GetRoom("r1"); domain.KindOf(err) == domain.KindNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty room not deleted after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGracePeriodCancelledByJoin(t *testing.T) {
	reg := newTestRegistry(t, 50*time.Millisecond)
	if _, err := reg.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.Join("r1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := reg.PeerLeft("r1", "alice"); err != nil {
		t.Fatalf("PeerLeft: %v", err)
	}

	// Rejoin before the timer fires; the pending removal must be
	// cancelled and the room must persist.
	if _, err := reg.Join("r1", "bob", &fakeConn{}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	room, err := reg.GetRoom("r1")
	if err != nil {
		t.Fatalf("room deleted despite rejoin: %v", err)
	}
	if room.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", room.PeerCount())
	}
}
