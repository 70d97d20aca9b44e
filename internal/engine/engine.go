// Package engine defines the boundary to the media engine. The engine is
// treated as an external collaborator: the control plane only creates,
// connects and tears down opaque handles and never looks inside them.
// Every engine failure surfaces to callers as a domain.Upstream error.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/veselov/conclave/internal/domain"
)

// ErrProducerNotFound is returned by Consume when the producer is gone.
// The race between a newProducer push and the consume request makes this
// an expected outcome, not a bug; callers map it to NotFound on the wire.
var ErrProducerNotFound = errors.New("producer not found")

// Opaque parameter blobs passed through between the client and the engine.
type (
	RouterCapabilities = json.RawMessage
	TransportParams    = json.RawMessage
	ConnectParams      = json.RawMessage
	ProduceParams      = json.RawMessage
	ConsumerParams     = json.RawMessage
)

type Engine interface {
	// CreateWorker spawns one media worker. Workers are independent;
	// a worker's death is observable through Dead().
	CreateWorker(ctx context.Context) (Worker, error)
}

type Worker interface {
	ID() domain.WorkerID
	// CreateRouter creates a routing context scoped to this worker.
	CreateRouter(ctx context.Context) (Router, error)
	// Dead delivers exactly one error if the worker dies unexpectedly.
	// A clean Close never signals Dead.
	Dead() <-chan error
	Close() error
}

// Router connects producers to consumers within one room. It lives and
// dies with its room and never migrates between workers.
type Router interface {
	Capabilities() RouterCapabilities
	CreateTransport(ctx context.Context, direction domain.Direction) (Transport, error)
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	// Params returns the ICE/DTLS connection parameters produced at
	// creation time; the client needs them to complete the handshake.
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	// Produce publishes an inbound stream. Send transports only.
	Produce(ctx context.Context, kind domain.MediaKind, params ProduceParams) (Producer, error)
	// Consume subscribes to a producer known to this transport's router.
	// Recv transports only.
	Consume(ctx context.Context, producerID domain.ProducerID) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Pause() error
	Resume() error
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Params() ConsumerParams
	Pause() error
	Resume() error
	Close() error
}
