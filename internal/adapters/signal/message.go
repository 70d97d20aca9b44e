package signal

import (
	"encoding/json"

	"github.com/veselov/conclave/internal/core"
	"github.com/veselov/conclave/internal/domain"
	"github.com/veselov/conclave/internal/engine"
)

// Message types form a closed union. Anything outside it is rejected
// with an UnknownMessageType error, never silently ignored.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeCreateTransport  = "createTransport"
	TypeConnectTransport = "connectTransport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypePauseProducer    = "pauseProducer"
	TypeResumeProducer   = "resumeProducer"
	TypeCloseProducer    = "closeProducer"
	TypePauseConsumer    = "pauseConsumer"
	TypeResumeConsumer   = "resumeConsumer"
	TypeCloseConsumer    = "closeConsumer"
	TypeGetRouterCaps    = "getRouterCapabilities"
	TypePing             = "ping"

	TypeResponse       = "response"
	TypeError          = "error"
	TypePong           = "pong"
	TypeNewProducer    = "newProducer"
	TypePeerJoined     = "peerJoined"
	TypePeerLeft       = "peerLeft"
	TypeProducerClosed = "producerClosed"
)

// Envelope is the wire shape of every message: {type, requestId?, payload}.
// The requestId is caller-chosen and echoed on the response or error, so
// replies can be matched out of order on the single duplex channel that
// also carries unsolicited pushes.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type CreateTransportPayload struct {
	Direction domain.Direction `json:"direction"`
}

type ConnectTransportPayload struct {
	TransportID domain.TransportID `json:"transportId"`
	Params      json.RawMessage    `json:"params"`
}

type ProducePayload struct {
	TransportID domain.TransportID `json:"transportId"`
	Kind        domain.MediaKind   `json:"kind"`
	Params      json.RawMessage    `json:"params"`
}

type ConsumePayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ProducerRefPayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerRefPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type JoinResponse struct {
	RoomID             domain.RoomID             `json:"roomId"`
	PeerID             domain.PeerID             `json:"peerId"`
	RouterCapabilities engine.RouterCapabilities `json:"routerCapabilities"`
	Producers          []core.ProducerInfo       `json:"producers"`
}

type ProduceResponse struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type NewProducerPush struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type PeerPush struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerClosedPush struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId,omitempty"`
	ConsumerID domain.ConsumerID `json:"consumerId,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func response(requestID string, payload any) core.Frame {
	body, _ := json.Marshal(payload)
	b, _ := json.Marshal(Envelope{Type: TypeResponse, RequestID: requestID, Payload: body})
	return b
}

func push(msgType string, payload any) core.Frame {
	body, _ := json.Marshal(payload)
	b, _ := json.Marshal(Envelope{Type: msgType, Payload: body})
	return b
}

// errorFrame maps a domain error kind onto the wire.
func errorFrame(requestID string, err error) core.Frame {
	kind := domain.KindOf(err)
	if kind == domain.KindUnknown {
		kind = domain.KindUpstream
	}
	body, _ := json.Marshal(ErrorBody{Code: kind.String(), Message: err.Error()})
	b, _ := json.Marshal(Envelope{Type: TypeError, RequestID: requestID, Payload: body})
	return b
}
