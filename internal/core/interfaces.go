// Package core holds the room and peer state: who is in which room and
// which transports, producers and consumers belong to whom. It drives the
// media engine through the opaque engine interfaces and never touches the
// signaling transport beyond the SignalConn indirection.
package core

import "github.com/veselov/conclave/internal/domain"

// Frame is a raw signaling payload (marshaled JSON).
type Frame []byte

// SignalConn abstracts the signaling transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// ProducerInfo is a read-only view of a producer for join responses
// and pushes.
type ProducerInfo struct {
	ID     domain.ProducerID `json:"id"`
	PeerID domain.PeerID     `json:"peerId"`
	Kind   domain.MediaKind  `json:"kind"`
	Paused bool              `json:"paused"`
}

// ClosedConsumer identifies a consumer torn down by a producer-close
// cascade, so the signaling layer can notify its owning peer.
type ClosedConsumer struct {
	ConsumerID domain.ConsumerID
	Owner      domain.PeerID
}

// PublishResult reports fanout delivery and backpressured peers.
type PublishResult struct {
	SentTo  int
	Dropped []domain.PeerID
}

// LeaveResult is everything the signaling layer needs to notify the
// remaining peers after a peer was removed.
type LeaveResult struct {
	Producers       []ProducerInfo
	ClosedConsumers []ClosedConsumer
}
