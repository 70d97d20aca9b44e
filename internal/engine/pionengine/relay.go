package pionengine

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

type outState int32

const (
	outStateOk outState = iota
	outStateMuted
	outStateDelete
)

// producer owns one remote track and fans its RTP out to consumers.
type producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	router *router
	track  *webrtc.TrackRemote
	paused atomic.Bool
	closed atomic.Bool

	mu   sync.RWMutex
	outs map[domain.ConsumerID]*consumer
}

func newProducer(r *router, kind domain.MediaKind, track *webrtc.TrackRemote) *producer {
	return &producer{
		id:     domain.ProducerID(uuid.NewString()),
		kind:   kind,
		router: r,
		track:  track,
		outs:   make(map[domain.ConsumerID]*consumer),
	}
}

func (p *producer) ID() domain.ProducerID  { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) Pause() error  { p.paused.Store(true); return nil }
func (p *producer) Resume() error { p.paused.Store(false); return nil }

func (p *producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.router.unregisterProducer(p.id)
	p.mu.Lock()
	for _, c := range p.outs {
		c.state.Store(int32(outStateDelete))
	}
	p.outs = make(map[domain.ConsumerID]*consumer)
	p.mu.Unlock()
	return nil
}

func (p *producer) addOut(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs[c.id] = c
}

func (p *producer) removeOut(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outs, id)
}

// relayLoop reads RTP from the source track and forwards it to every
// live consumer. It exits when the source track errors or the producer
// closes, marking remaining consumers for delete.
func (p *producer) relayLoop() {
	logger := log.With().Str("module", "pionengine").Str("producer", string(p.id)).Logger()
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				logger.Warn().Err(err).Msg("relay read error, stopping")
			}
			_ = p.Close()
			return
		}
		if p.closed.Load() {
			return
		}
		if p.paused.Load() {
			continue
		}
		p.forward(pkt, &logger)
	}
}

func (p *producer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*consumer, len(p.outs))
	maps.Copy(snapshot, p.outs)
	p.mu.RUnlock()

	dirty := make([]domain.ConsumerID, 0, len(snapshot))
	for id, c := range snapshot {
		switch outState(c.state.Load()) {
		case outStateDelete:
			dirty = append(dirty, id)
		case outStateMuted:
		case outStateOk:
			if err := c.local.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", string(id)).Msg("relay write error")
				c.state.Store(int32(outStateDelete))
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		p.mu.Lock()
		for _, id := range dirty {
			delete(p.outs, id)
		}
		p.mu.Unlock()
	}
}

type consumerParams struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
	MimeType   string            `json:"mimeType"`
	TrackID    string            `json:"trackId"`
}

type consumer struct {
	id     domain.ConsumerID
	prod   *producer
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	params engine.ConsumerParams
	state  atomic.Int32 // zero value is outStateOk
}

func newConsumer(p *producer, local *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *consumer {
	c := &consumer{
		id:     domain.ConsumerID(uuid.NewString()),
		prod:   p,
		local:  local,
		sender: sender,
	}
	c.params, _ = json.Marshal(consumerParams{
		ConsumerID: c.id,
		ProducerID: p.id,
		Kind:       p.kind,
		MimeType:   p.track.Codec().MimeType,
		TrackID:    local.ID(),
	})
	return c
}

func (c *consumer) ID() domain.ConsumerID         { return c.id }
func (c *consumer) ProducerID() domain.ProducerID { return c.prod.id }
func (c *consumer) Params() engine.ConsumerParams { return c.params }

func (c *consumer) Pause() error {
	c.state.CompareAndSwap(int32(outStateOk), int32(outStateMuted))
	return nil
}

func (c *consumer) Resume() error {
	c.state.CompareAndSwap(int32(outStateMuted), int32(outStateOk))
	return nil
}

func (c *consumer) Close() error {
	c.state.Store(int32(outStateDelete))
	c.prod.removeOut(c.id)
	return c.sender.Stop()
}
