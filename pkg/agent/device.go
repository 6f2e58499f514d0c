package agent

import (
	"context"

	"github.com/dkeye/Stream/pkg/protocol"
)

// Device is the local media stack negotiated against the server.
type Device interface {
	// Load prepares the device for the server's codecs. It fails with an
	// IncompatibleCapabilities error when nothing usable is offered.
	Load(caps protocol.RTPCapabilities) error
	RTPCapabilities() protocol.RTPCapabilities
	NewTransport(ctx context.Context, desc protocol.TransportDescriptor) (LocalTransport, error)
}

// LocalTransport is the client end of one server transport.
type LocalTransport interface {
	// ConnectRequest carries this side's parameters for connectTransport.
	ConnectRequest() protocol.ConnectTransportRequest
	// Start runs ICE and DTLS towards the server and blocks until connected.
	Start(ctx context.Context) error
	Produce(ctx context.Context, kind string) (Sender, error)
	Consume(ctx context.Context, c protocol.ConsumeResponse) (Receiver, error)
	ConsumeData(ctx context.Context, d protocol.ConsumeDataResponse, onMessage func([]byte)) error
	Close() error
}

// Sender is a local track. Parameters go into the produce request and
// Start begins sending once the server accepted it.
type Sender interface {
	Parameters() protocol.RTPParameters
	Start(ctx context.Context) error
	Stop()
}

type ReceiverStats struct {
	Packets uint64
	Bytes   uint64
}

type Receiver interface {
	Stats() ReceiverStats
	Stop()
}
