package core

import (
	"context"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

type TransportOptions struct {
	EnableData bool
}

// ConnectParams are the remote parameters of a transport. ICE fields are
// optional for peers that already exchanged them.
type ConnectParams struct {
	DTLS       protocol.DTLSParameters
	ICE        *protocol.ICEParameters
	Candidates []protocol.ICECandidate
	SCTP       *protocol.SCTPCapabilities
}

type ConsumerDescriptor struct {
	ID            domain.ConsumerID
	Kind          domain.Kind
	RTPParameters protocol.RTPParameters
}

type DataProducerOptions struct {
	Label    string
	Protocol string
	// Stream is set when the remote side writes into the data producer over
	// its own SCTP stream. Without it the data producer is fed by SendData only.
	Stream *protocol.SCTPStreamParameters
}

type DataConsumerDescriptor struct {
	ID       domain.DataConsumerID
	Stream   protocol.SCTPStreamParameters
	Label    string
	Protocol string
}

// TransportEvent reports an asynchronous transport state change.
type TransportEvent struct {
	ID        domain.TransportID
	State     domain.TransportState
	ICEState  string
	DTLSState string
	SCTPState string
	Err       error
}

// MediaEngine is the capability surface of the media relay.
// Every call may block on the engine and must honour ctx.
type MediaEngine interface {
	GetCapabilities(ctx context.Context) (protocol.RTPCapabilities, error)

	CreateTransport(ctx context.Context, owner domain.ConnectionID, opts TransportOptions) (protocol.TransportDescriptor, error)
	ConnectTransport(ctx context.Context, id domain.TransportID, params ConnectParams) error
	// CloseTransport releases every producer and consumer of the transport. Idempotent.
	CloseTransport(id domain.TransportID) error

	Produce(ctx context.Context, id domain.TransportID, kind domain.Kind, rtp protocol.RTPParameters) (domain.ProducerID, error)
	Consume(ctx context.Context, id domain.TransportID, producer domain.ProducerID, caps protocol.RTPCapabilities) (ConsumerDescriptor, error)
	ProduceData(ctx context.Context, id domain.TransportID, opts DataProducerOptions) (domain.DataProducerID, error)
	ConsumeData(ctx context.Context, id domain.TransportID, producer domain.DataProducerID) (DataConsumerDescriptor, error)

	// SendData pushes payload to every consumer of the data producer.
	SendData(ctx context.Context, producer domain.DataProducerID, payload []byte) error

	CloseProducer(id domain.ProducerID)
	CloseConsumer(id domain.ConsumerID)
	CloseDataProducer(id domain.DataProducerID)
	CloseDataConsumer(id domain.DataConsumerID)

	// OnTransportState sets a callback for asynchronous transport state changes.
	OnTransportState(func(TransportEvent))
	// OnDataMessage sets a callback for messages the remote side wrote into a data producer.
	OnDataMessage(func(producer domain.DataProducerID, payload []byte))
}
