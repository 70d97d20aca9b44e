package pionengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

// produceTimeout bounds how long Produce waits for the remote track that
// the client announced to actually arrive over the wire.
const produceTimeout = 15 * time.Second

type transportParams struct {
	TransportID domain.TransportID `json:"transportId"`
	SDP         string             `json:"sdp"`
	SDPType     string             `json:"sdpType"`
}

type connectParams struct {
	SDP string `json:"sdp"`
}

type transport struct {
	id     domain.TransportID
	dir    domain.Direction
	router *router
	pc     *webrtc.PeerConnection
	params engine.TransportParams

	mu        sync.Mutex
	connected bool
	closed    bool

	// send direction only: remote tracks keyed by kind, filled by OnTrack.
	tracks map[domain.MediaKind]chan *webrtc.TrackRemote
}

func newTransport(ctx context.Context, r *router, dir domain.Direction) (*transport, error) {
	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: r.worker.iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &transport{
		id:     domain.TransportID(uuid.NewString()),
		dir:    dir,
		router: r,
		pc:     pc,
		tracks: map[domain.MediaKind]chan *webrtc.TrackRemote{
			domain.MediaAudio: make(chan *webrtc.TrackRemote, 1),
			domain.MediaVideo: make(chan *webrtc.TrackRemote, 1),
		},
	}

	if dir == domain.DirectionSend {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			t.onRemoteTrack(track)
		})
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "pionengine").Str("transport", string(t.id)).
			Str("ice_state", s.String()).Msg("ICE state")
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	t.params, _ = json.Marshal(transportParams{
		TransportID: t.id,
		SDP:         pc.LocalDescription().SDP,
		SDPType:     "offer",
	})
	return t, nil
}

func (t *transport) onRemoteTrack(track *webrtc.TrackRemote) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	select {
	case t.tracks[kind] <- track:
	default:
		log.Warn().Str("module", "pionengine").Str("transport", string(t.id)).
			Str("kind", string(kind)).Msg("dropping extra remote track")
	}
}

func (t *transport) ID() domain.TransportID         { return t.id }
func (t *transport) Direction() domain.Direction    { return t.dir }
func (t *transport) Params() engine.TransportParams { return t.params }

func (t *transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("bad connect params: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	t.connected = true
	return nil
}

func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, _ engine.ProduceParams) (engine.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport", t.dir)
	}

	var track *webrtc.TrackRemote
	select {
	case track = <-t.tracks[kind]:
	case <-time.After(produceTimeout):
		return nil, fmt.Errorf("no %s track arrived", kind)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p := newProducer(t.router, kind, track)
	t.router.registerProducer(p)
	go p.relayLoop()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, producerID domain.ProducerID) (engine.Consumer, error) {
	if t.dir != domain.DirectionRecv {
		return nil, fmt.Errorf("consume on %s transport", t.dir)
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, engine.ErrProducerNotFound
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		p.track.Codec().RTPCodecCapability,
		uuid.NewString(),
		string(producerID),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := newConsumer(p, local, sender)
	p.addOut(c)
	return c, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
