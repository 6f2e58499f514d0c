package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errNotLoaded = errors.New("device not loaded")

type DeviceOptions struct {
	ICEServers    []string
	GatherTimeout time.Duration
	LoggerFactory logging.LoggerFactory
}

// ORTCDevice negotiates bare ICE/DTLS/SCTP transports with the pion ORTC API
// and sends a synthetic test pattern on published tracks.
type ORTCDevice struct {
	opts DeviceOptions

	mu     sync.RWMutex
	api    *webrtc.API
	caps   protocol.RTPCapabilities
	codecs []protocol.Codec
}

func NewORTCDevice(opts DeviceOptions) *ORTCDevice {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	return &ORTCDevice{opts: opts}
}

func (d *ORTCDevice) Load(caps protocol.RTPCapabilities) error {
	m := &webrtc.MediaEngine{}
	var usable []protocol.Codec
	for _, c := range caps.Codecs {
		kind, ok := rtpCodecType(c.Kind)
		if !ok {
			continue
		}
		if err := m.RegisterCodec(toCodecParameters(c), kind); err != nil {
			log.Debug().Str("module", "agent").Err(err).Str("codec", c.MimeType).Msg("codec skipped")
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return &protocol.Error{Code: protocol.CodeIncompatibleCapabilities, Message: "server offers no usable codec"}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if d.opts.LoggerFactory != nil {
		se.LoggerFactory = d.opts.LoggerFactory
	}

	d.mu.Lock()
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se))
	d.caps = protocol.RTPCapabilities{Codecs: usable}
	d.codecs = usable
	d.mu.Unlock()
	log.Info().Str("module", "agent").Int("codecs", len(usable)).Msg("device loaded")
	return nil
}

func (d *ORTCDevice) RTPCapabilities() protocol.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *ORTCDevice) codec(kind string) (protocol.Codec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return protocol.Codec{}, false
}

func (d *ORTCDevice) NewTransport(ctx context.Context, desc protocol.TransportDescriptor) (LocalTransport, error) {
	d.mu.RLock()
	api := d.api
	d.mu.RUnlock()
	if api == nil {
		return nil, errNotLoaded
	}

	t := &ortcTransport{
		device: d,
		api:    api,
		remote: desc,
		logger: log.With().Str("module", "agent").Str("transport_id", desc.ID).Logger(),
	}
	var opts webrtc.ICEGatherOptions
	if len(d.opts.ICEServers) > 0 {
		opts.ICEServers = []webrtc.ICEServer{{URLs: d.opts.ICEServers}}
	}
	var err error
	if t.gatherer, err = api.NewICEGatherer(opts); err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	t.ice = api.NewICETransport(t.gatherer)
	if t.dtls, err = api.NewDTLSTransport(t.ice, nil); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	if desc.SCTPParameters != nil {
		t.sctp = api.NewSCTPTransport(t.dtls)
	}
	if err := t.gather(ctx, d.opts.GatherTimeout); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

type ortcTransport struct {
	device *ORTCDevice
	api    *webrtc.API
	remote protocol.TransportDescriptor
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	mu        sync.Mutex
	channels  []*webrtc.DataChannel
	closeOnce sync.Once
}

func (t *ortcTransport) gather(ctx context.Context, timeout time.Duration) error {
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
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.logger.Warn().Dur("timeout", timeout).Msg("ice gathering incomplete, using partial candidates")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *ortcTransport) ConnectRequest() protocol.ConnectTransportRequest {
	req := protocol.ConnectTransportRequest{TransportID: t.remote.ID}
	if p, err := t.gatherer.GetLocalParameters(); err == nil {
		ice := protocol.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password}
		req.ICEParameters = &ice
	}
	if cs, err := t.gatherer.GetLocalCandidates(); err == nil {
		req.ICECandidates = toICECandidates(cs)
	}
	if p, err := t.dtls.GetLocalParameters(); err == nil {
		for _, f := range p.Fingerprints {
			req.DTLSParameters.Fingerprints = append(req.DTLSParameters.Fingerprints,
				protocol.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
		}
	}
	// The agent is ICE controlling and accepts the DTLS handshake.
	req.DTLSParameters.Role = "server"
	if t.sctp != nil {
		req.SCTPCapabilities = &protocol.SCTPCapabilities{MaxMessageSize: t.sctp.GetCapabilities().MaxMessageSize}
	}
	return req
}

func (t *ortcTransport) Start(ctx context.Context) error {
	candidates, err := fromICECandidates(t.remote.ICECandidates)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- t.start(candidates) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

func (t *ortcTransport) start(candidates []webrtc.ICECandidate) error {
	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			return fmt.Errorf("remote candidates: %w", err)
		}
	}
	role := webrtc.ICERoleControlling
	remoteICE := webrtc.ICEParameters{
		UsernameFragment: t.remote.ICEParameters.UsernameFragment,
		Password:         t.remote.ICEParameters.Password,
		ICELite:          t.remote.ICEParameters.ICELite,
	}
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	remoteDTLS := webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}
	for _, f := range t.remote.DTLSParameters.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		return &protocol.Error{Code: protocol.CodeDtlsHandshakeFailed, Message: err.Error()}
	}
	if t.sctp != nil {
		caps := webrtc.SCTPCapabilities{MaxMessageSize: t.remote.SCTPParameters.MaxMessageSize}
		if err := t.sctp.Start(caps); err != nil {
			return &protocol.Error{Code: protocol.CodeSctpNotEnabled, Message: err.Error()}
		}
	}
	t.logger.Info().Bool("sctp", t.sctp != nil).Msg("transport started")
	return nil
}

func (t *ortcTransport) Produce(_ context.Context, kind string) (Sender, error) {
	codec, ok := t.device.codec(kind)
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeIncompatibleCapabilities, Message: "no " + kind + " codec loaded"}
	}
	params := toCodecParameters(codec)
	track, err := webrtc.NewTrackLocalStaticRTP(params.RTPCodecCapability, kind, "agent-"+uuid.NewString()[:8])
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	return &patternSender{codec: codec, track: track, sender: sender, send: sender.GetParameters(), stop: make(chan struct{})}, nil
}

func (t *ortcTransport) Consume(_ context.Context, c protocol.ConsumeResponse) (Receiver, error) {
	kind, ok := rtpCodecType(c.Kind)
	if !ok || len(c.RTPParameters.Encodings) == 0 {
		return nil, fmt.Errorf("consume %s: no usable encoding", c.ID)
	}
	enc := c.RTPParameters.Encodings[0]
	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(enc.SSRC), PayloadType: webrtc.PayloadType(enc.PayloadType)},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}
	r := &countingReceiver{receiver: receiver}
	go r.read(t.logger.With().Str("consumer_id", c.ID).Logger())
	return r, nil
}

func (t *ortcTransport) ConsumeData(_ context.Context, d protocol.ConsumeDataResponse, onMessage func([]byte)) error {
	if t.sctp == nil {
		return &protocol.Error{Code: protocol.CodeSctpNotEnabled, Message: "transport has no sctp"}
	}
	if d.SCTPStreamParameters == nil {
		return fmt.Errorf("data consumer %s: no stream parameters", d.ID)
	}
	s := d.SCTPStreamParameters
	id := s.StreamID
	ordered := s.Ordered == nil || *s.Ordered
	dc, err := t.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:             d.Label,
		Protocol:          d.Protocol,
		ID:                &id,
		Ordered:           ordered,
		MaxPacketLifeTime: s.MaxPacketLifeTime,
		MaxRetransmits:    s.MaxRetransmits,
		Negotiated:        true,
	})
	if err != nil {
		return fmt.Errorf("data channel: %w", err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { onMessage(msg.Data) })
	t.mu.Lock()
	t.channels = append(t.channels, dc)
	t.mu.Unlock()
	t.logger.Debug().Str("data_consumer_id", d.ID).Uint16("stream", id).Msg("data channel open")
	return nil
}

func (t *ortcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		channels := t.channels
		t.channels = nil
		t.mu.Unlock()
		for _, dc := range channels {
			_ = dc.Close()
		}
		if t.sctp != nil {
			_ = t.sctp.Stop()
		}
		if t.dtls != nil {
			_ = t.dtls.Stop()
		}
		if t.ice != nil {
			_ = t.ice.Stop()
		}
		if t.gatherer != nil {
			_ = t.gatherer.Close()
		}
	})
	return nil
}

// patternSender writes a synthetic payload at a fixed frame rate.
type patternSender struct {
	codec  protocol.Codec
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	send   webrtc.RTPSendParameters

	stopOnce sync.Once
	stop     chan struct{}
}

func (s *patternSender) Parameters() protocol.RTPParameters {
	var ssrc uint32
	if len(s.send.Encodings) > 0 {
		ssrc = uint32(s.send.Encodings[0].SSRC)
	}
	return protocol.RTPParameters{
		Codecs:    []protocol.Codec{s.codec},
		Encodings: []protocol.Encoding{{SSRC: ssrc, PayloadType: s.codec.PayloadType}},
	}
}

func (s *patternSender) Start(ctx context.Context) error {
	if err := s.sender.Send(s.send); err != nil {
		return fmt.Errorf("rtp send: %w", err)
	}
	go func() {
		for {
			if _, _, err := s.sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	go s.loop(ctx)
	return nil
}

func (s *patternSender) loop(ctx context.Context) {
	interval, payload := 33*time.Millisecond, []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
	if s.codec.Kind == "audio" {
		// one opus silence frame
		interval, payload = 20*time.Millisecond, []byte{0xf8, 0xff, 0xfe}
	}
	step := uint32(float64(s.codec.ClockRate) * interval.Seconds())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, Marker: true}, Payload: payload}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
		pkt.SequenceNumber++
		pkt.Timestamp += step
		if err := s.track.WriteRTP(pkt); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Str("module", "agent").Err(err).Msg("pattern write")
		}
	}
}

func (s *patternSender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.sender.Stop()
	})
}

type countingReceiver struct {
	receiver *webrtc.RTPReceiver
	packets  atomic.Uint64
	bytes    atomic.Uint64
}

func (r *countingReceiver) read(logger zerolog.Logger) {
	track := r.receiver.Track()
	if track == nil {
		logger.Warn().Msg("receiver has no track")
		return
	}
	go func() {
		for {
			if _, _, err := r.receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Uint64("packets", r.packets.Load()).Msg("receiver stopped")
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (r *countingReceiver) Stats() ReceiverStats {
	return ReceiverStats{Packets: r.packets.Load(), Bytes: r.bytes.Load()}
}

func (r *countingReceiver) Stop() { _ = r.receiver.Stop() }

func rtpCodecType(kind string) (webrtc.RTPCodecType, bool) {
	switch kind {
	case "audio":
		return webrtc.RTPCodecTypeAudio, true
	case "video":
		return webrtc.RTPCodecTypeVideo, true
	}
	return 0, false
}

func toCodecParameters(c protocol.Codec) webrtc.RTPCodecParameters {
	p := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
	if strings.HasPrefix(strings.ToLower(c.MimeType), "video/") {
		p.RTCPFeedback = []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}
	}
	return p
}

func toICECandidates(in []webrtc.ICECandidate) []protocol.ICECandidate {
	out := make([]protocol.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, protocol.ICECandidate{
			Foundation:     c.Foundation,
			Priority:       c.Priority,
			Address:        c.Address,
			Protocol:       c.Protocol.String(),
			Port:           c.Port,
			Type:           c.Typ.String(),
			TCPType:        c.TCPType,
			RelatedAddress: c.RelatedAddress,
			RelatedPort:    c.RelatedPort,
		})
	}
	return out
}

func fromICECandidates(in []protocol.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate protocol %q: %w", c.Protocol, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate type %q: %w", c.Type, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation:     c.Foundation,
			Priority:       c.Priority,
			Address:        c.Address,
			Protocol:       proto,
			Port:           c.Port,
			Typ:            typ,
			Component:      1,
			TCPType:        c.TCPType,
			RelatedAddress: c.RelatedAddress,
			RelatedPort:    c.RelatedPort,
		})
	}
	return out, nil
}
