package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Stream/internal/app/sfu"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ICEServers    []string
	UDPPortMin    uint16
	UDPPortMax    uint16
	GatherTimeout time.Duration
	PLIInterval   time.Duration
	LoggerFactory logging.LoggerFactory
}

type producer struct {
	id       domain.ProducerID
	kind     domain.Kind
	owner    domain.ConnectionID
	t        *transport
	receiver *webrtc.RTPReceiver
	codec    codecEntry
	ssrc     uint32
}

type consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	t          *transport
	sender     *webrtc.RTPSender
}

type dataProducer struct {
	id       domain.DataProducerID
	t        *transport
	label    string
	protocol string
	stream   *uint16
	channel  *webrtc.DataChannel
}

type dataConsumer struct {
	id      domain.DataConsumerID
	source  domain.DataProducerID
	t       *transport
	stream  uint16
	channel *webrtc.DataChannel
}

// Engine implements core.MediaEngine on top of the pion ORTC API. Each
// transport is a bare ICE/DTLS/SCTP stack; media is relayed with sfu.Relay.
type Engine struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool

	relays *sfu.RelayManager
	data   *sfu.DataRelay

	mu            sync.RWMutex
	transports    map[domain.TransportID]*transport
	producers     map[domain.ProducerID]*producer
	consumers     map[domain.ConsumerID]*consumer
	dataProducers map[domain.DataProducerID]*dataProducer
	dataConsumers map[domain.DataConsumerID]*dataConsumer

	hooksMu sync.RWMutex
	onState func(core.TransportEvent)
	onData  func(domain.DataProducerID, []byte)
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pliInterval := opts.PLIInterval
	if pliInterval <= 0 {
		pliInterval = 3 * time.Second
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	i.Add(pli)

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.UDPPortMin > 0 && opts.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set UDP port range: %w", err)
		}
	}

	e := &Engine{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se)),
		gatherTimeout: opts.GatherTimeout,
		relays:        sfu.NewRelayManager(),
		data:          sfu.NewDataRelay(),
		transports:    make(map[domain.TransportID]*transport),
		producers:     make(map[domain.ProducerID]*producer),
		consumers:     make(map[domain.ConsumerID]*consumer),
		dataProducers: make(map[domain.DataProducerID]*dataProducer),
		dataConsumers: make(map[domain.DataConsumerID]*dataConsumer),
	}
	if e.gatherTimeout <= 0 {
		e.gatherTimeout = 5 * time.Second
	}
	if len(opts.ICEServers) > 0 {
		e.iceServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.ready.Store(true)
	log.Info().Str("module", "rtc").Int("codecs", len(codecTable)).Msg("media engine ready")
	return e, nil
}

// Close releases every transport. The engine is unusable afterwards.
func (e *Engine) Close() {
	if !e.ready.CompareAndSwap(true, false) {
		return
	}
	e.mu.RLock()
	ids := make([]domain.TransportID, 0, len(e.transports))
	for id := range e.transports {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		_ = e.CloseTransport(id)
	}
	e.cancel()
	log.Info().Str("module", "rtc").Msg("media engine closed")
}

func (e *Engine) OnTransportState(fn func(core.TransportEvent)) {
	e.hooksMu.Lock()
	e.onState = fn
	e.hooksMu.Unlock()
}

func (e *Engine) OnDataMessage(fn func(domain.DataProducerID, []byte)) {
	e.hooksMu.Lock()
	e.onData = fn
	e.hooksMu.Unlock()
}

func (e *Engine) emitState(ev core.TransportEvent) {
	e.hooksMu.RLock()
	fn := e.onState
	e.hooksMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *Engine) emitData(id domain.DataProducerID, payload []byte) {
	e.hooksMu.RLock()
	fn := e.onData
	e.hooksMu.RUnlock()
	if fn != nil {
		fn(id, payload)
	}
}

func (e *Engine) checkReady() error {
	if !e.ready.Load() {
		return domain.ErrEngineNotReady
	}
	return nil
}

func (e *Engine) GetCapabilities(ctx context.Context) (protocol.RTPCapabilities, error) {
	if err := e.checkReady(); err != nil {
		return protocol.RTPCapabilities{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.RTPCapabilities{}, domain.FromContext(err)
	}
	return capabilities(), nil
}

func (e *Engine) transport(id domain.TransportID) (*transport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return t, nil
}

func (e *Engine) CreateTransport(ctx context.Context, owner domain.ConnectionID, opts core.TransportOptions) (protocol.TransportDescriptor, error) {
	if err := e.checkReady(); err != nil {
		return protocol.TransportDescriptor{}, err
	}
	id := domain.TransportID(domain.NewID())
	logger := log.With().Str("module", "rtc").Str("sid", string(owner)).Str("transport_id", string(id)).Logger()
	t := newTransport(id, owner, logger, e.emitState)
	t.dataEnabled = opts.EnableData

	var err error
	if t.gatherer, err = e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers}); err != nil {
		return protocol.TransportDescriptor{}, fmt.Errorf("ice gatherer: %w", err)
	}
	t.ice = e.api.NewICETransport(t.gatherer)
	if t.dtls, err = e.api.NewDTLSTransport(t.ice, nil); err != nil {
		t.close()
		return protocol.TransportDescriptor{}, fmt.Errorf("dtls transport: %w", err)
	}
	if opts.EnableData {
		t.sctp = e.api.NewSCTPTransport(t.dtls)
	}

	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed {
			t.fail(fmt.Errorf("ice %s", s), core.TransportEvent{ICEState: s.String()})
		}
	})
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		logger.Debug().Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateFailed {
			t.fail(fmt.Errorf("%w: dtls %s", domain.ErrDtlsHandshakeFailed, s), core.TransportEvent{DTLSState: s.String()})
		}
	})

	if err := e.gather(ctx, t); err != nil {
		t.close()
		return protocol.TransportDescriptor{}, err
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		t.close()
		return protocol.TransportDescriptor{}, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		t.close()
		return protocol.TransportDescriptor{}, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		t.close()
		return protocol.TransportDescriptor{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	desc := protocol.TransportDescriptor{
		ID:             string(id),
		ICEParameters:  toICEParameters(iceParams),
		ICECandidates:  toICECandidates(candidates),
		DTLSParameters: toDTLSParameters(dtlsParams),
	}
	if t.sctp != nil {
		desc.SCTPParameters = sctpParameters(t.sctp.GetCapabilities().MaxMessageSize)
	}

	e.mu.Lock()
	if !e.ready.Load() {
		e.mu.Unlock()
		t.close()
		return protocol.TransportDescriptor{}, domain.ErrEngineNotReady
	}
	e.transports[id] = t
	e.mu.Unlock()

	logger.Info().Bool("data", opts.EnableData).Int("candidates", len(candidates)).Msg("transport created")
	return desc, nil
}

// gather waits for candidate gathering, keeping whatever arrived when the
// gather timeout fires first.
func (e *Engine) gather(ctx context.Context, t *transport) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}
	timer := time.NewTimer(e.gatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.logger.Warn().Dur("timeout", e.gatherTimeout).Msg("ice gathering incomplete, using partial candidates")
	case <-ctx.Done():
		return domain.FromContext(ctx.Err())
	}
	return nil
}

func (e *Engine) ConnectTransport(ctx context.Context, id domain.TransportID, params core.ConnectParams) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	t, err := e.transport(id)
	if err != nil {
		return err
	}
	if len(params.DTLS.Fingerprints) == 0 {
		return fmt.Errorf("%w: no remote fingerprints", domain.ErrDtlsHandshakeFailed)
	}
	for _, f := range params.DTLS.Fingerprints {
		if f.Algorithm == "" || f.Value == "" || !strings.Contains(f.Value, ":") {
			return fmt.Errorf("%w: malformed fingerprint %q", domain.ErrDtlsHandshakeFailed, f.Value)
		}
	}
	if params.ICE == nil || params.ICE.UsernameFragment == "" || params.ICE.Password == "" {
		return fmt.Errorf("%w: iceParameters required", domain.ErrBadRequest)
	}
	candidates, err := fromICECandidates(params.Candidates)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.FromContext(err)
	}
	if !t.markStarted() {
		return fmt.Errorf("%w: transport %s already connecting", domain.ErrInvalidState, id)
	}
	t.logger.Info().Int("remote_candidates", len(candidates)).Msg("connecting transport")
	e.emitState(core.TransportEvent{ID: id, State: domain.TransportConnecting})
	go t.start(params, candidates)
	return nil
}

func (e *Engine) CloseTransport(id domain.TransportID) error {
	e.mu.Lock()
	t, ok := e.transports[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.transports, id)
	var (
		producers     []domain.ProducerID
		consumers     []domain.ConsumerID
		dataProducers []domain.DataProducerID
		dataConsumers []domain.DataConsumerID
	)
	for pid, p := range e.producers {
		if p.t == t {
			producers = append(producers, pid)
		}
	}
	for cid, c := range e.consumers {
		if c.t == t {
			consumers = append(consumers, cid)
		}
	}
	for dpid, dp := range e.dataProducers {
		if dp.t == t {
			dataProducers = append(dataProducers, dpid)
		}
	}
	for dcid, dc := range e.dataConsumers {
		if dc.t == t {
			dataConsumers = append(dataConsumers, dcid)
		}
	}
	e.mu.Unlock()

	for _, cid := range consumers {
		e.CloseConsumer(cid)
	}
	for _, pid := range producers {
		e.CloseProducer(pid)
	}
	for _, dcid := range dataConsumers {
		e.CloseDataConsumer(dcid)
	}
	for _, dpid := range dataProducers {
		e.CloseDataProducer(dpid)
	}
	t.close()
	return nil
}

func (e *Engine) Produce(ctx context.Context, id domain.TransportID, kind domain.Kind, rtpParams protocol.RTPParameters) (domain.ProducerID, error) {
	if err := e.checkReady(); err != nil {
		return "", err
	}
	t, err := e.transport(id)
	if err != nil {
		return "", err
	}
	codec, ok := matchCodec(kind, rtpParams)
	if !ok {
		return "", fmt.Errorf("%w: no supported %s codec offered", domain.ErrIncompatibleCapabilities, kind)
	}
	if len(rtpParams.Encodings) == 0 || rtpParams.Encodings[0].SSRC == 0 {
		return "", fmt.Errorf("%w: rtpParameters need an encoding with ssrc", domain.ErrBadRequest)
	}
	if err := t.waitConnected(ctx); err != nil {
		return "", err
	}

	enc := rtpParams.Encodings[0]
	pt := webrtc.PayloadType(enc.PayloadType)
	if pt == 0 {
		pt = codec.params.PayloadType
	}
	receiver, err := e.api.NewRTPReceiver(codec.kind, t.dtls)
	if err != nil {
		return "", fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(enc.SSRC), PayloadType: pt},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return "", fmt.Errorf("rtp receive: %w", err)
	}

	p := &producer{
		id:       domain.ProducerID(domain.NewID()),
		kind:     kind,
		owner:    t.owner,
		t:        t,
		receiver: receiver,
		codec:    codec,
		ssrc:     enc.SSRC,
	}
	e.mu.Lock()
	if e.transports[id] != t || ctx.Err() != nil {
		e.mu.Unlock()
		_ = receiver.Stop()
		if ctx.Err() != nil {
			return "", domain.FromContext(ctx.Err())
		}
		return "", fmt.Errorf("%w: transport %s closed", domain.ErrStaleResource, id)
	}
	e.producers[p.id] = p
	e.mu.Unlock()

	e.relays.StartRelay(e.ctx, p.id, receiver.Track())
	go e.drainReceiverRTCP(p)

	t.logger.Info().Str("producer_id", string(p.id)).Str("kind", string(kind)).
		Str("codec", codec.params.MimeType).Uint32("ssrc", enc.SSRC).Msg("producer created")
	return p.id, nil
}

func (e *Engine) drainReceiverRTCP(p *producer) {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyframe asks the publisher for a fresh keyframe.
func (e *Engine) requestKeyframe(p *producer) {
	if p.kind != domain.KindVideo || !p.t.isConnected() {
		return
	}
	if _, err := p.t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}}); err != nil {
		p.t.logger.Debug().Err(err).Str("producer_id", string(p.id)).Msg("PLI write failed")
	}
}

func (e *Engine) Consume(ctx context.Context, id domain.TransportID, producerID domain.ProducerID, caps protocol.RTPCapabilities) (core.ConsumerDescriptor, error) {
	if err := e.checkReady(); err != nil {
		return core.ConsumerDescriptor{}, err
	}
	t, err := e.transport(id)
	if err != nil {
		return core.ConsumerDescriptor{}, err
	}
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	codec := toProtocolCodec(p.codec.kind, p.codec.params)
	if !caps.Supports(codec) {
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: consumer cannot receive %s", domain.ErrIncompatibleCapabilities, codec.MimeType)
	}
	if err := t.waitConnected(ctx); err != nil {
		return core.ConsumerDescriptor{}, err
	}

	c := &consumer{id: domain.ConsumerID(domain.NewID()), producerID: producerID, t: t}
	track, err := webrtc.NewTrackLocalStaticRTP(p.codec.params.RTPCodecCapability, string(c.id), string(p.owner))
	if err != nil {
		return core.ConsumerDescriptor{}, fmt.Errorf("local track: %w", err)
	}
	if c.sender, err = e.api.NewRTPSender(track, t.dtls); err != nil {
		return core.ConsumerDescriptor{}, fmt.Errorf("rtp sender: %w", err)
	}
	if !e.relays.AddSubscriber(producerID, c.id, sfu.NewPendingOutTrack(track)) {
		_ = c.sender.Stop()
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: producer %s closed", domain.ErrStaleResource, producerID)
	}
	params := c.sender.GetParameters()
	if err := c.sender.Send(params); err != nil {
		e.relays.MarkSubscriberDelete(producerID, c.id)
		_ = c.sender.Stop()
		return core.ConsumerDescriptor{}, fmt.Errorf("rtp send: %w", err)
	}

	e.mu.Lock()
	_, producerAlive := e.producers[producerID]
	if e.transports[id] != t || !producerAlive || ctx.Err() != nil {
		e.mu.Unlock()
		e.relays.MarkSubscriberDelete(producerID, c.id)
		_ = c.sender.Stop()
		if ctx.Err() != nil {
			return core.ConsumerDescriptor{}, domain.FromContext(ctx.Err())
		}
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: consumer target closed", domain.ErrStaleResource)
	}
	e.consumers[c.id] = c
	e.mu.Unlock()

	e.relays.ResumeSubscriber(producerID, c.id)
	go e.forwardKeyframeRequests(c, p)
	e.requestKeyframe(p)

	for _, pc := range params.Codecs {
		if strings.EqualFold(pc.MimeType, codec.MimeType) {
			codec.PayloadType = uint8(pc.PayloadType)
			break
		}
	}
	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}
	t.logger.Info().Str("consumer_id", string(c.id)).Str("producer_id", string(producerID)).Msg("consumer created")
	return core.ConsumerDescriptor{
		ID:   c.id,
		Kind: p.kind,
		RTPParameters: protocol.RTPParameters{
			Codecs:    []protocol.Codec{codec},
			Encodings: []protocol.Encoding{{SSRC: ssrc, PayloadType: codec.PayloadType}},
		},
	}, nil
}

// forwardKeyframeRequests relays subscriber PLI/FIR to the publisher.
func (e *Engine) forwardKeyframeRequests(c *consumer, p *producer) {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.requestKeyframe(p)
			}
		}
	}
}

func (e *Engine) ProduceData(ctx context.Context, id domain.TransportID, opts core.DataProducerOptions) (domain.DataProducerID, error) {
	if err := e.checkReady(); err != nil {
		return "", err
	}
	t, err := e.transport(id)
	if err != nil {
		return "", err
	}
	if !t.dataEnabled {
		return "", fmt.Errorf("%w: transport %s has no sctp", domain.ErrSctpNotEnabled, id)
	}
	if err := ctx.Err(); err != nil {
		return "", domain.FromContext(err)
	}
	dp := &dataProducer{id: domain.DataProducerID(domain.NewID()), t: t, label: opts.Label, protocol: opts.Protocol}
	if opts.Stream != nil {
		if err := t.reserveStream(opts.Stream.StreamID); err != nil {
			return "", err
		}
		sid := opts.Stream.StreamID
		dp.stream = &sid
	}

	e.mu.Lock()
	if e.transports[id] != t {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: transport %s closed", domain.ErrStaleResource, id)
	}
	e.dataProducers[dp.id] = dp
	e.mu.Unlock()
	e.data.Open(dp.id)

	if opts.Stream != nil {
		go e.openDataProducer(dp, *opts.Stream)
	}
	t.logger.Info().Str("data_producer_id", string(dp.id)).Bool("remote_stream", opts.Stream != nil).Msg("data producer created")
	return dp.id, nil
}

// openDataProducer opens the peer's negotiated channel once SCTP is up.
func (e *Engine) openDataProducer(dp *dataProducer, stream protocol.SCTPStreamParameters) {
	if err := dp.t.waitConnected(e.ctx); err != nil {
		return
	}
	ch, err := e.api.NewDataChannel(dp.t.sctp, dataChannelParameters(dp.label, dp.protocol, stream))
	if err != nil {
		dp.t.logger.Warn().Err(err).Str("data_producer_id", string(dp.id)).Msg("open data producer channel")
		return
	}
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.data.Forward(dp.id, msg.Data)
		e.emitData(dp.id, msg.Data)
	})

	e.mu.Lock()
	if _, ok := e.dataProducers[dp.id]; !ok {
		e.mu.Unlock()
		_ = ch.Close()
		return
	}
	dp.channel = ch
	e.mu.Unlock()
}

func (e *Engine) ConsumeData(ctx context.Context, id domain.TransportID, source domain.DataProducerID) (core.DataConsumerDescriptor, error) {
	if err := e.checkReady(); err != nil {
		return core.DataConsumerDescriptor{}, err
	}
	t, err := e.transport(id)
	if err != nil {
		return core.DataConsumerDescriptor{}, err
	}
	if !t.dataEnabled {
		return core.DataConsumerDescriptor{}, fmt.Errorf("%w: transport %s has no sctp", domain.ErrSctpNotEnabled, id)
	}
	e.mu.RLock()
	dp, ok := e.dataProducers[source]
	e.mu.RUnlock()
	if !ok {
		return core.DataConsumerDescriptor{}, fmt.Errorf("%w: data producer %s", domain.ErrProducerNotFound, source)
	}
	if err := ctx.Err(); err != nil {
		return core.DataConsumerDescriptor{}, domain.FromContext(err)
	}
	stream, err := t.allocStream()
	if err != nil {
		return core.DataConsumerDescriptor{}, err
	}

	dc := &dataConsumer{id: domain.DataConsumerID(domain.NewID()), source: source, t: t, stream: stream}
	e.mu.Lock()
	_, sourceAlive := e.dataProducers[source]
	if e.transports[id] != t || !sourceAlive {
		e.mu.Unlock()
		t.releaseStream(stream)
		return core.DataConsumerDescriptor{}, fmt.Errorf("%w: data consumer target closed", domain.ErrStaleResource)
	}
	e.dataConsumers[dc.id] = dc
	e.mu.Unlock()

	ordered := true
	params := protocol.SCTPStreamParameters{StreamID: stream, Ordered: &ordered}
	go e.openDataConsumer(dc, dp.label, dp.protocol, params)

	t.logger.Info().Str("data_consumer_id", string(dc.id)).Str("data_producer_id", string(source)).Uint16("stream", stream).Msg("data consumer created")
	return core.DataConsumerDescriptor{ID: dc.id, Stream: params, Label: dp.label, Protocol: dp.protocol}, nil
}

// openDataConsumer opens the negotiated channel once SCTP is up and attaches it
// to the data relay. Messages sent before that only travel by broadcast.
func (e *Engine) openDataConsumer(dc *dataConsumer, label, proto string, stream protocol.SCTPStreamParameters) {
	if err := dc.t.waitConnected(e.ctx); err != nil {
		return
	}
	ch, err := e.api.NewDataChannel(dc.t.sctp, dataChannelParameters(label, proto, stream))
	if err != nil {
		dc.t.logger.Warn().Err(err).Str("data_consumer_id", string(dc.id)).Msg("open data consumer channel")
		return
	}
	e.mu.Lock()
	if _, ok := e.dataConsumers[dc.id]; !ok {
		e.mu.Unlock()
		_ = ch.Close()
		return
	}
	dc.channel = ch
	e.mu.Unlock()
	if !e.data.Attach(dc.source, dc.id, ch) {
		e.CloseDataConsumer(dc.id)
	}
}

func (e *Engine) SendData(ctx context.Context, id domain.DataProducerID, payload []byte) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.FromContext(err)
	}
	if _, ok := e.data.Forward(id, payload); !ok {
		return fmt.Errorf("%w: data producer %s", domain.ErrProducerNotFound, id)
	}
	return nil
}

func (e *Engine) CloseProducer(id domain.ProducerID) {
	e.mu.Lock()
	p, ok := e.producers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.producers, id)
	var consumers []*consumer
	for cid, c := range e.consumers {
		if c.producerID == id {
			consumers = append(consumers, c)
			delete(e.consumers, cid)
		}
	}
	e.mu.Unlock()

	e.relays.StopRelay(id)
	if err := p.receiver.Stop(); err != nil {
		p.t.logger.Debug().Err(err).Str("producer_id", string(id)).Msg("receiver stop")
	}
	for _, c := range consumers {
		_ = c.sender.Stop()
	}
	p.t.logger.Info().Str("producer_id", string(id)).Int("consumers", len(consumers)).Msg("producer closed")
}

func (e *Engine) CloseConsumer(id domain.ConsumerID) {
	e.mu.Lock()
	c, ok := e.consumers[id]
	if ok {
		delete(e.consumers, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.relays.MarkSubscriberDelete(c.producerID, id)
	if err := c.sender.Stop(); err != nil {
		c.t.logger.Debug().Err(err).Str("consumer_id", string(id)).Msg("sender stop")
	}
}

func (e *Engine) CloseDataProducer(id domain.DataProducerID) {
	e.mu.Lock()
	dp, ok := e.dataProducers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.dataProducers, id)
	ch := dp.channel
	var dependents []domain.DataConsumerID
	for dcid, dc := range e.dataConsumers {
		if dc.source == id {
			dependents = append(dependents, dcid)
		}
	}
	e.mu.Unlock()

	e.data.Close(id)
	for _, dcid := range dependents {
		e.CloseDataConsumer(dcid)
	}
	if ch != nil {
		_ = ch.Close()
	}
	if dp.stream != nil {
		dp.t.releaseStream(*dp.stream)
	}
}

func (e *Engine) CloseDataConsumer(id domain.DataConsumerID) {
	e.mu.Lock()
	dc, ok := e.dataConsumers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.dataConsumers, id)
	ch := dc.channel
	e.mu.Unlock()

	e.data.Detach(id)
	if ch != nil {
		_ = ch.Close()
	}
	dc.t.releaseStream(dc.stream)
}
