package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/core"
	"github.com/veselov/conclave/internal/domain"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateJoined
	stateLeaving
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	case stateLeaving:
		return "leaving"
	default:
		return "closed"
	}
}

// Session is the per-connection protocol state machine:
// connecting -> joined -> leaving -> closed, linear, no re-entry.
// Handle is only ever called from the connection's single read loop, so
// message processing is strictly sequential per peer; no field needs a
// lock of its own.
type Session struct {
	ctl   *Controller
	conn  core.SignalConn
	token string

	state  sessionState
	roomID domain.RoomID
	peer   *core.Peer
}

func newSession(ctl *Controller, conn core.SignalConn, token string) *Session {
	return &Session{ctl: ctl, conn: conn, token: token}
}

// Handle processes one inbound message.
func (s *Session) Handle(ctx context.Context, data []byte) {
	if s.state == stateClosed || s.state == stateLeaving {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = s.conn.TrySend(errorFrame("", domain.UnknownMessage("malformed message: %v", err)))
		return
	}

	switch s.state {
	case stateConnecting:
		s.handleConnecting(ctx, env)
	case stateJoined:
		s.handleJoined(ctx, env)
	}
}

// Disconnect is invoked on transport-level disconnect; it runs the same
// leaving path as an explicit leave message.
func (s *Session) Disconnect() {
	s.leave()
}

func (s *Session) handleConnecting(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeJoin:
		s.handleJoin(ctx, env)
	case TypePing:
		_ = s.conn.TrySend(push(TypePong, nil))
	case TypeLeave, TypeCreateTransport, TypeConnectTransport, TypeProduce, TypeConsume,
		TypePauseProducer, TypeResumeProducer, TypeCloseProducer,
		TypePauseConsumer, TypeResumeConsumer, TypeCloseConsumer, TypeGetRouterCaps:
		s.reject(env, domain.InvalidState("%q requires a joined session", env.Type))
	default:
		s.reject(env, domain.UnknownMessage("unknown message type %q", env.Type))
	}
}

func (s *Session) handleJoin(ctx context.Context, env Envelope) {
	var p JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env, domain.UnknownMessage("bad join payload: %v", err))
		return
	}

	if s.ctl.joins != nil && !s.ctl.joins.Allow(s.token) {
		s.reject(env, domain.InvalidState("too many join attempts"))
		return
	}

	peer, err := s.ctl.Registry.Join(p.RoomID, p.PeerID, s.conn)
	if err != nil {
		// A failed join is terminal: the connection never reaches joined.
		_ = s.conn.TrySend(errorFrame(env.RequestID, err))
		s.close()
		return
	}

	s.peer = peer
	s.roomID = p.RoomID
	s.state = stateJoined

	room := peer.Room()
	producers := room.ProducersSnapshot()
	_ = s.conn.TrySend(response(env.RequestID, JoinResponse{
		RoomID:             p.RoomID,
		PeerID:             p.PeerID,
		RouterCapabilities: room.Router().Capabilities(),
		Producers:          producers,
	}))
	s.ctl.broadcast(room, p.PeerID, push(TypePeerJoined, PeerPush{PeerID: p.PeerID}))

	log.Info().Str("module", "signal").Str("room", string(p.RoomID)).
		Str("peer", string(p.PeerID)).Msg("peer joined")
}

func (s *Session) handleJoined(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeLeave:
		_ = s.conn.TrySend(response(env.RequestID, struct{}{}))
		s.leave()
	case TypePing:
		_ = s.conn.TrySend(push(TypePong, nil))
	case TypeGetRouterCaps:
		_ = s.conn.TrySend(response(env.RequestID, s.peer.Room().Router().Capabilities()))
	case TypeCreateTransport:
		s.handleCreateTransport(ctx, env)
	case TypeConnectTransport:
		s.handleConnectTransport(ctx, env)
	case TypeProduce:
		s.handleProduce(ctx, env)
	case TypeConsume:
		s.handleConsume(ctx, env)
	case TypePauseProducer, TypeResumeProducer, TypeCloseProducer:
		s.handleProducerOp(env)
	case TypePauseConsumer, TypeResumeConsumer, TypeCloseConsumer:
		s.handleConsumerOp(env)
	case TypeJoin:
		s.reject(env, domain.InvalidState("already joined room %q", s.roomID))
	default:
		s.reject(env, domain.UnknownMessage("unknown message type %q", env.Type))
	}
}

func (s *Session) handleCreateTransport(ctx context.Context, env Envelope) {
	var p CreateTransportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || !p.Direction.Valid() {
		s.reject(env, domain.InvalidState("bad createTransport payload"))
		return
	}
	params, err := s.peer.CreateTransport(ctx, p.Direction)
	if err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, params))
}

func (s *Session) handleConnectTransport(ctx context.Context, env Envelope) {
	var p ConnectTransportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env, domain.InvalidState("bad connectTransport payload"))
		return
	}
	if err := s.peer.ConnectTransport(ctx, p.TransportID, p.Params); err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, struct{}{}))
}

func (s *Session) handleProduce(ctx context.Context, env Envelope) {
	var p ProducePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || !p.Kind.Valid() {
		s.reject(env, domain.InvalidState("bad produce payload"))
		return
	}
	info, err := s.peer.Produce(ctx, p.Kind, p.Params)
	if err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, ProduceResponse{ProducerID: info.ID, Kind: info.Kind}))

	// Peers already in the room learn about the producer by push; later
	// joiners enumerate it from the join response instead.
	s.ctl.broadcast(s.peer.Room(), s.peer.ID(), push(TypeNewProducer, NewProducerPush{
		ProducerID: info.ID,
		PeerID:     info.PeerID,
		Kind:       info.Kind,
	}))
}

func (s *Session) handleConsume(ctx context.Context, env Envelope) {
	var p ConsumePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env, domain.InvalidState("bad consume payload"))
		return
	}
	params, err := s.peer.Consume(ctx, p.ProducerID)
	if err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, params))
}

func (s *Session) handleProducerOp(env Envelope) {
	var p ProducerRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env, domain.InvalidState("bad producer payload"))
		return
	}
	var err error
	switch env.Type {
	case TypePauseProducer:
		err = s.peer.PauseProducer(p.ProducerID)
	case TypeResumeProducer:
		err = s.peer.ResumeProducer(p.ProducerID)
	case TypeCloseProducer:
		var closed []core.ClosedConsumer
		closed, err = s.peer.CloseProducer(p.ProducerID)
		if err == nil {
			s.notifyConsumersClosed(p.ProducerID, closed)
		}
	}
	if err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, struct{}{}))
}

func (s *Session) handleConsumerOp(env Envelope) {
	var p ConsumerRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env, domain.InvalidState("bad consumer payload"))
		return
	}
	var err error
	switch env.Type {
	case TypePauseConsumer:
		err = s.peer.PauseConsumer(p.ConsumerID)
	case TypeResumeConsumer:
		err = s.peer.ResumeConsumer(p.ConsumerID)
	case TypeCloseConsumer:
		err = s.peer.CloseConsumer(p.ConsumerID)
	}
	if err != nil {
		s.reject(env, err)
		return
	}
	_ = s.conn.TrySend(response(env.RequestID, struct{}{}))
}

// notifyConsumersClosed tells each affected consumer's owner that the
// producer behind it is gone.
func (s *Session) notifyConsumersClosed(producerID domain.ProducerID, closed []core.ClosedConsumer) {
	room := s.peer.Room()
	for _, cc := range closed {
		room.SendTo(cc.Owner, push(TypeProducerClosed, ProducerClosedPush{
			ProducerID: producerID,
			ConsumerID: cc.ConsumerID,
		}))
	}
}

// leave tears the peer down and notifies the remaining peers. It is safe
// to call more than once; only the first transition does work.
func (s *Session) leave() {
	if s.state == stateLeaving || s.state == stateClosed {
		return
	}
	if s.state != stateJoined {
		s.close()
		return
	}
	s.state = stateLeaving

	peerID := s.peer.ID()
	room := s.peer.Room()
	res, err := s.ctl.Registry.PeerLeft(s.roomID, peerID)
	if err == nil {
		for _, info := range res.Producers {
			s.ctl.broadcast(room, peerID, push(TypeProducerClosed, ProducerClosedPush{
				ProducerID: info.ID,
				PeerID:     peerID,
			}))
		}
		s.ctl.broadcast(room, peerID, push(TypePeerLeft, PeerPush{PeerID: peerID}))
	}

	log.Info().Str("module", "signal").Str("room", string(s.roomID)).
		Str("peer", string(peerID)).Msg("peer left")
	s.close()
}

func (s *Session) close() {
	s.state = stateClosed
	s.conn.Close()
}

func (s *Session) reject(env Envelope, err error) {
	_ = s.conn.TrySend(errorFrame(env.RequestID, err))
}
