package app

import "github.com/veselov/conclave/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickPeer
)

// Policy decides what happens to a peer whose signaling channel cannot
// keep up with the push fanout.
type Policy interface {
	OnBackpressure(room domain.RoomID, peer domain.PeerID) BackpressureAction
}

// SimplePolicy kicks slow peers: a signaling channel that cannot drain a
// small buffer is effectively dead and holding resources.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.RoomID, domain.PeerID) BackpressureAction {
	return KickPeer
}
