package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

var testCaps = protocol.RTPCapabilities{Codecs: []protocol.Codec{
	{Kind: "audio", MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
	{Kind: "video", MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
}}

type fakeEngine struct {
	mu            sync.Mutex
	seq           int
	transports    map[domain.TransportID]bool
	producers     map[domain.ProducerID]domain.Kind
	consumers     map[domain.ConsumerID]bool
	dataProducers map[domain.DataProducerID]bool
	dataConsumers map[domain.DataConsumerID]bool
	sent          map[domain.DataProducerID][][]byte

	produceDataErr error
	createGate     chan struct{}
	creating       atomic.Int32

	onState func(core.TransportEvent)
	onData  func(domain.DataProducerID, []byte)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		transports:    map[domain.TransportID]bool{},
		producers:     map[domain.ProducerID]domain.Kind{},
		consumers:     map[domain.ConsumerID]bool{},
		dataProducers: map[domain.DataProducerID]bool{},
		dataConsumers: map[domain.DataConsumerID]bool{},
		sent:          map[domain.DataProducerID][][]byte{},
	}
}

func (f *fakeEngine) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *fakeEngine) GetCapabilities(context.Context) (protocol.RTPCapabilities, error) {
	return testCaps, nil
}

func (f *fakeEngine) CreateTransport(_ context.Context, _ domain.ConnectionID, opts core.TransportOptions) (protocol.TransportDescriptor, error) {
	if f.createGate != nil {
		// Completes late on purpose, ignoring ctx like a slow engine would.
		f.creating.Add(1)
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := domain.TransportID(f.id("T"))
	f.transports[id] = opts.EnableData
	desc := protocol.TransportDescriptor{
		ID:             string(id),
		ICEParameters:  protocol.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		DTLSParameters: protocol.DTLSParameters{Role: "auto", Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}},
	}
	if opts.EnableData {
		desc.SCTPParameters = &protocol.SCTPParameters{Port: 5000, OS: 1024, MIS: 1024, MaxMessageSize: 262144}
	}
	return desc, nil
}

func (f *fakeEngine) ConnectTransport(_ context.Context, id domain.TransportID, _ core.ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transports[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return nil
}

func (f *fakeEngine) CloseTransport(id domain.TransportID) error {
	f.mu.Lock()
	delete(f.transports, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Produce(_ context.Context, id domain.TransportID, kind domain.Kind, _ protocol.RTPParameters) (domain.ProducerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transports[id]; !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	pid := domain.ProducerID(f.id("P"))
	f.producers[pid] = kind
	return pid, nil
}

func (f *fakeEngine) Consume(_ context.Context, id domain.TransportID, pid domain.ProducerID, _ protocol.RTPCapabilities) (core.ConsumerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind, ok := f.producers[pid]
	if !ok {
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, pid)
	}
	cid := domain.ConsumerID(f.id("C"))
	f.consumers[cid] = true
	codec := testCaps.Codecs[1]
	if kind == domain.KindAudio {
		codec = testCaps.Codecs[0]
	}
	return core.ConsumerDescriptor{
		ID:   cid,
		Kind: kind,
		RTPParameters: protocol.RTPParameters{
			Codecs:    []protocol.Codec{codec},
			Encodings: []protocol.Encoding{{SSRC: 1234, PayloadType: codec.PayloadType}},
		},
	}, nil
}

func (f *fakeEngine) ProduceData(_ context.Context, id domain.TransportID, _ core.DataProducerOptions) (domain.DataProducerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.produceDataErr != nil {
		return "", f.produceDataErr
	}
	if !f.transports[id] {
		return "", fmt.Errorf("%w: %s", domain.ErrSctpNotEnabled, id)
	}
	dpid := domain.DataProducerID(f.id("D"))
	f.dataProducers[dpid] = true
	return dpid, nil
}

func (f *fakeEngine) ConsumeData(_ context.Context, id domain.TransportID, dpid domain.DataProducerID) (core.DataConsumerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.transports[id] {
		return core.DataConsumerDescriptor{}, fmt.Errorf("%w: %s", domain.ErrSctpNotEnabled, id)
	}
	if !f.dataProducers[dpid] {
		return core.DataConsumerDescriptor{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, dpid)
	}
	dcid := domain.DataConsumerID(f.id("DC"))
	f.dataConsumers[dcid] = true
	ordered := true
	return core.DataConsumerDescriptor{
		ID:     dcid,
		Stream: protocol.SCTPStreamParameters{StreamID: 1, Ordered: &ordered},
		Label:  "chat",
	}, nil
}

func (f *fakeEngine) SendData(_ context.Context, id domain.DataProducerID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dataProducers[id] {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}
	f.sent[id] = append(f.sent[id], payload)
	return nil
}

func (f *fakeEngine) CloseProducer(id domain.ProducerID) {
	f.mu.Lock()
	delete(f.producers, id)
	f.mu.Unlock()
}

func (f *fakeEngine) CloseConsumer(id domain.ConsumerID) {
	f.mu.Lock()
	delete(f.consumers, id)
	f.mu.Unlock()
}

func (f *fakeEngine) CloseDataProducer(id domain.DataProducerID) {
	f.mu.Lock()
	delete(f.dataProducers, id)
	f.mu.Unlock()
}

func (f *fakeEngine) CloseDataConsumer(id domain.DataConsumerID) {
	f.mu.Lock()
	delete(f.dataConsumers, id)
	f.mu.Unlock()
}

func (f *fakeEngine) OnTransportState(fn func(core.TransportEvent)) { f.onState = fn }

func (f *fakeEngine) OnDataMessage(fn func(domain.DataProducerID, []byte)) { f.onData = fn }

func (f *fakeEngine) sentTo(id domain.DataProducerID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[id]...)
}

func (f *fakeEngine) counts() (producers, consumers, dataProducers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.producers), len(f.consumers), len(f.dataProducers)
}

func (f *fakeEngine) transportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}
