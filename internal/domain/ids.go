// Package domain contains entity identifiers and meta-data, no logic.
package domain

type (
	RoomID      string
	PeerID      string
	WorkerID    string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// MediaKind is the media type carried by a producer or consumer.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Direction is the transport direction relative to the client:
// "send" carries media from the client into the server,
// "recv" delivers media from the server to the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

const (
	MaxRoomIDLen = 64
	MaxPeerIDLen = 64
)
