package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
	"github.com/veselov/conclave/internal/engine/enginetest"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	fail   bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	eng := enginetest.New()
	w, err := eng.CreateWorker(context.Background())
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	router, err := w.CreateRouter(context.Background())
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	return NewRoom("r1", w.ID(), router)
}

func transportID(t *testing.T, params engine.TransportParams) domain.TransportID {
	t.Helper()
	var p struct {
		TransportID domain.TransportID `json:"transportId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TransportID == "" {
		t.Fatalf("bad transport params %s: %v", params, err)
	}
	return p.TransportID
}

// addConnectedPeer joins a peer and connects both of its transports.
func addConnectedPeer(t *testing.T, room *Room, id domain.PeerID) *Peer {
	t.Helper()
	peer, err := room.AddPeer(id, &fakeConn{})
	if err != nil {
		t.Fatalf("AddPeer %s: %v", id, err)
	}
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		params, err := peer.CreateTransport(context.Background(), dir)
		if err != nil {
			t.Fatalf("CreateTransport %s: %v", dir, err)
		}
		if err := peer.ConnectTransport(context.Background(), transportID(t, params), nil); err != nil {
			t.Fatalf("ConnectTransport %s: %v", dir, err)
		}
	}
	return peer
}

func TestCreateTransportIdempotent(t *testing.T) {
	room := newTestRoom(t)
	peer, err := room.AddPeer("alice", &fakeConn{})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	first, err := peer.CreateTransport(context.Background(), domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	again, err := peer.CreateTransport(context.Background(), domain.DirectionSend)
	if err != nil {
		t.Fatalf("repeat CreateTransport: %v", err)
	}
	if transportID(t, first) != transportID(t, again) {
		t.Fatal("repeated createTransport created a duplicate transport")
	}

	recv, err := peer.CreateTransport(context.Background(), domain.DirectionRecv)
	if err != nil {
		t.Fatalf("CreateTransport recv: %v", err)
	}
	if transportID(t, first) == transportID(t, recv) {
		t.Fatal("send and recv transports share an id")
	}
}

func TestConnectTransportStates(t *testing.T) {
	room := newTestRoom(t)
	peer, _ := room.AddPeer("alice", &fakeConn{})

	if err := peer.ConnectTransport(context.Background(), "nope", nil); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("connect unknown transport = %v, want NotFound", err)
	}

	params, err := peer.CreateTransport(context.Background(), domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	id := transportID(t, params)
	if err := peer.ConnectTransport(context.Background(), id, nil); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if err := peer.ConnectTransport(context.Background(), id, nil); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("double connect = %v, want InvalidState", err)
	}
}

func TestProduceRequiresConnectedSendTransport(t *testing.T) {
	room := newTestRoom(t)
	peer, _ := room.AddPeer("alice", &fakeConn{})

	if _, err := peer.Produce(context.Background(), domain.MediaAudio, nil); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("produce without transport = %v, want InvalidState", err)
	}

	if _, err := peer.CreateTransport(context.Background(), domain.DirectionSend); err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if _, err := peer.Produce(context.Background(), domain.MediaAudio, nil); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("produce before connect = %v, want InvalidState", err)
	}
}

func TestProduceAndConsume(t *testing.T) {
	room := newTestRoom(t)
	alice := addConnectedPeer(t, room, "alice")
	bob := addConnectedPeer(t, room, "bob")

	info, err := alice.Produce(context.Background(), domain.MediaVideo, nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if info.PeerID != "alice" || info.Kind != domain.MediaVideo {
		t.Fatalf("producer info = %+v", info)
	}

	if _, err := bob.Consume(context.Background(), "ghost"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("consume unknown producer = %v, want NotFound", err)
	}

	params, err := bob.Consume(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	var got struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := json.Unmarshal(params, &got); err != nil || got.ProducerID != info.ID {
		t.Fatalf("consumer params %s reference producer %q, want %q", params, got.ProducerID, info.ID)
	}
}

func TestCloseProducerCascadesToConsumers(t *testing.T) {
	room := newTestRoom(t)
	alice := addConnectedPeer(t, room, "alice")
	bob := addConnectedPeer(t, room, "bob")

	info, err := alice.Produce(context.Background(), domain.MediaAudio, nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if _, err := bob.Consume(context.Background(), info.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	closed, err := alice.CloseProducer(info.ID)
	if err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}
	if len(closed) != 1 || closed[0].Owner != "bob" {
		t.Fatalf("cascade closed %+v, want bob's consumer", closed)
	}

	// The producer is gone for late consumers too.
	if _, err := bob.Consume(context.Background(), info.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("consume closed producer = %v, want NotFound", err)
	}
}

func TestRemovePeerTearsDownEverything(t *testing.T) {
	room := newTestRoom(t)
	alice := addConnectedPeer(t, room, "alice")
	bob := addConnectedPeer(t, room, "bob")

	info, err := alice.Produce(context.Background(), domain.MediaVideo, nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if _, err := bob.Consume(context.Background(), info.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	res, err := room.RemovePeer("alice")
	if err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if len(res.Producers) != 1 || res.Producers[0].ID != info.ID {
		t.Fatalf("leave result producers = %+v", res.Producers)
	}
	if len(res.ClosedConsumers) != 1 || res.ClosedConsumers[0].Owner != "bob" {
		t.Fatalf("leave result consumers = %+v", res.ClosedConsumers)
	}

	if _, err := room.RemovePeer("alice"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("repeated RemovePeer = %v, want NotFound", err)
	}
	if room.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", room.PeerCount())
	}
	if len(room.ProducersSnapshot()) != 0 {
		t.Fatal("producers survive their peer")
	}
}

// A producer whose peer disconnects before anyone consumed it leaves no
// consumer behind.
func TestProduceThenLeaveBeforeConsume(t *testing.T) {
	room := newTestRoom(t)
	alice := addConnectedPeer(t, room, "alice")
	bob := addConnectedPeer(t, room, "bob")

	info, err := alice.Produce(context.Background(), domain.MediaVideo, nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	res, err := room.RemovePeer("alice")
	if err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if len(res.ClosedConsumers) != 0 {
		t.Fatalf("no consumer existed, yet cascade closed %+v", res.ClosedConsumers)
	}
	if _, err := bob.Consume(context.Background(), info.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("consume after producer's peer left = %v, want NotFound", err)
	}
}

func TestPauseResumeProducer(t *testing.T) {
	room := newTestRoom(t)
	alice := addConnectedPeer(t, room, "alice")

	if err := alice.PauseProducer("ghost"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("pause unknown producer = %v, want NotFound", err)
	}

	info, err := alice.Produce(context.Background(), domain.MediaAudio, nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := alice.PauseProducer(info.ID); err != nil {
		t.Fatalf("PauseProducer: %v", err)
	}
	if snap := room.ProducersSnapshot(); len(snap) != 1 || !snap[0].Paused {
		t.Fatalf("snapshot after pause = %+v, want paused", snap)
	}
	if err := alice.ResumeProducer(info.ID); err != nil {
		t.Fatalf("ResumeProducer: %v", err)
	}
	if snap := room.ProducersSnapshot(); len(snap) != 1 || snap[0].Paused {
		t.Fatalf("snapshot after resume = %+v, want running", snap)
	}
}

func TestBroadcastSkipsOriginAndReportsBackpressure(t *testing.T) {
	room := newTestRoom(t)
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{fail: true}

	if _, err := room.AddPeer("alice", aliceConn); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if _, err := room.AddPeer("bob", bobConn); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	res := room.Broadcast("alice", Frame(`{"type":"x"}`))
	if res.SentTo != 0 {
		t.Fatalf("sent to %d peers, want 0 (bob backpressured)", res.SentTo)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != "bob" {
		t.Fatalf("dropped = %v, want [bob]", res.Dropped)
	}
	if len(aliceConn.Frames()) != 0 {
		t.Fatal("broadcast delivered the frame back to its origin")
	}
}
