package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// transport is one ICE+DTLS(+SCTP) stack negotiated with a single client.
type transport struct {
	id          domain.TransportID
	owner       domain.ConnectionID
	dataEnabled bool

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	logger zerolog.Logger
	notify func(core.TransportEvent)

	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	state      domain.TransportState
	started    bool
	nextStream uint16
	streams    map[uint16]struct{}
}

func newTransport(id domain.TransportID, owner domain.ConnectionID, logger zerolog.Logger, notify func(core.TransportEvent)) *transport {
	return &transport{
		id:         id,
		owner:      owner,
		logger:     logger,
		notify:     notify,
		connected:  make(chan struct{}),
		closed:     make(chan struct{}),
		state:      domain.TransportNew,
		nextStream: 1,
		streams:    make(map[uint16]struct{}),
	}
}

// waitConnected blocks until the transport is usable for media.
func (t *transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.closed:
		return fmt.Errorf("%w: transport %s closed", domain.ErrStaleResource, t.id)
	case <-ctx.Done():
		return domain.FromContext(ctx.Err())
	}
}

func (t *transport) isConnected() bool {
	select {
	case <-t.connected:
		return true
	default:
		return false
	}
}

// markStarted reports false when connect was already requested.
func (t *transport) markStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.state.Terminal() {
		return false
	}
	t.started = true
	t.state = domain.TransportConnecting
	return true
}

func (t *transport) setState(s domain.TransportState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.state == s {
		return false
	}
	t.state = s
	return true
}

func (t *transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// allocStream reserves an odd SCTP stream id for a server-opened channel.
func (t *transport) allocStream() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < sctpStreams/2; i++ {
		id := t.nextStream
		t.nextStream += 2
		if t.nextStream >= sctpStreams {
			t.nextStream = 1
		}
		if _, used := t.streams[id]; !used {
			t.streams[id] = struct{}{}
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no free sctp stream on %s", domain.ErrInvalidState, t.id)
}

// reserveStream claims a client-chosen stream id.
func (t *transport) reserveStream(id uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= sctpStreams {
		return fmt.Errorf("%w: sctp stream %d out of range", domain.ErrBadRequest, id)
	}
	if _, used := t.streams[id]; used {
		return fmt.Errorf("%w: sctp stream %d in use", domain.ErrInvalidState, id)
	}
	t.streams[id] = struct{}{}
	return nil
}

func (t *transport) releaseStream(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// fail moves the transport to failed once and reports it.
func (t *transport) fail(err error, ev core.TransportEvent) {
	if !t.setState(domain.TransportFailed) {
		return
	}
	t.logger.Warn().Err(err).Msg("transport failed")
	ev.ID = t.id
	ev.State = domain.TransportFailed
	ev.Err = err
	t.notify(ev)
}

// start runs ICE, DTLS and SCTP in sequence. It blocks until connected or failed.
func (t *transport) start(params core.ConnectParams, candidates []webrtc.ICECandidate) {
	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			t.fail(err, core.TransportEvent{ICEState: webrtc.ICETransportStateFailed.String()})
			return
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, fromICEParameters(*params.ICE), &role); err != nil {
		t.fail(err, core.TransportEvent{ICEState: webrtc.ICETransportStateFailed.String()})
		return
	}
	if err := t.dtls.Start(fromDTLSParameters(params.DTLS)); err != nil {
		t.fail(fmt.Errorf("%w: %v", domain.ErrDtlsHandshakeFailed, err),
			core.TransportEvent{DTLSState: webrtc.DTLSTransportStateFailed.String()})
		return
	}
	if t.sctp != nil {
		caps := webrtc.SCTPCapabilities{MaxMessageSize: sctpMaxMessageSize}
		if params.SCTP != nil && params.SCTP.MaxMessageSize > 0 {
			caps.MaxMessageSize = params.SCTP.MaxMessageSize
		}
		if err := t.sctp.Start(caps); err != nil {
			t.fail(fmt.Errorf("%w: %v", domain.ErrSctpNotEnabled, err), core.TransportEvent{SCTPState: "failed"})
			return
		}
	}

	if !t.setState(domain.TransportConnected) {
		return
	}
	close(t.connected)
	t.logger.Info().Msg("transport connected")
	ev := core.TransportEvent{
		ID:        t.id,
		State:     domain.TransportConnected,
		ICEState:  webrtc.ICETransportStateConnected.String(),
		DTLSState: webrtc.DTLSTransportStateConnected.String(),
	}
	if t.sctp != nil {
		ev.SCTPState = "connected"
	}
	t.notify(ev)
}

// close stops every layer. Safe to call more than once.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		t.setState(domain.TransportClosed)
		close(t.closed)
		if t.sctp != nil {
			if err := t.sctp.Stop(); err != nil {
				t.logger.Debug().Err(err).Msg("sctp stop")
			}
		}
		if t.dtls != nil {
			if err := t.dtls.Stop(); err != nil {
				t.logger.Debug().Err(err).Msg("dtls stop")
			}
		}
		if t.ice != nil {
			if err := t.ice.Stop(); err != nil {
				t.logger.Debug().Err(err).Msg("ice stop")
			}
		}
		if t.gatherer != nil {
			if err := t.gatherer.Close(); err != nil {
				t.logger.Debug().Err(err).Msg("gatherer close")
			}
		}
		t.logger.Info().Msg("transport closed")
	})
}
