package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), Options{GatherTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestCapabilities(t *testing.T) {
	e := newTestEngine(t)
	caps, err := e.GetCapabilities(context.Background())
	require.NoError(t, err)

	assert.True(t, caps.Supports(protocol.Codec{MimeType: "audio/opus", ClockRate: 48000}))
	assert.True(t, caps.Supports(protocol.Codec{MimeType: "video/VP8", ClockRate: 90000}))
	assert.False(t, caps.Supports(protocol.Codec{MimeType: "video/AV1", ClockRate: 90000}))

	e.Close()
	_, err = e.GetCapabilities(context.Background())
	assert.ErrorIs(t, err, domain.ErrEngineNotReady)
}

func TestUnknownIDs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.ConnectTransport(ctx, "nope", core.ConnectParams{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	_, err = e.Produce(ctx, "nope", domain.KindVideo, protocol.RTPParameters{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	_, err = e.ProduceData(ctx, "nope", core.DataProducerOptions{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	assert.ErrorIs(t, e.SendData(ctx, "nope", []byte("x")), domain.ErrProducerNotFound)

	assert.NoError(t, e.CloseTransport("nope"))
	e.CloseProducer("nope")
	e.CloseConsumer("nope")
	e.CloseDataProducer("nope")
	e.CloseDataConsumer("nope")
}

func TestTransportLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	desc, err := e.CreateTransport(ctx, "A", core.TransportOptions{EnableData: true})
	require.NoError(t, err)
	assert.NotEmpty(t, desc.ID)
	assert.NotEmpty(t, desc.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, desc.ICEParameters.Password)
	require.NotEmpty(t, desc.DTLSParameters.Fingerprints)
	require.NotNil(t, desc.SCTPParameters)
	assert.Equal(t, uint16(5000), desc.SCTPParameters.Port)
	id := domain.TransportID(desc.ID)

	err = e.ConnectTransport(ctx, id, core.ConnectParams{})
	assert.ErrorIs(t, err, domain.ErrDtlsHandshakeFailed)
	err = e.ConnectTransport(ctx, id, core.ConnectParams{DTLS: protocol.DTLSParameters{
		Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}})
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = e.Consume(ctx, id, "missing", protocol.RTPCapabilities{})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	_, err = e.ConsumeData(ctx, id, "missing")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	dp, err := e.ProduceData(ctx, id, core.DataProducerOptions{Label: "chat"})
	require.NoError(t, err)
	assert.NoError(t, e.SendData(ctx, dp, []byte(`{"content":"hi"}`)))

	dc, err := e.ConsumeData(ctx, id, dp)
	require.NoError(t, err)
	assert.Equal(t, "chat", dc.Label)
	assert.Equal(t, uint16(1), dc.Stream.StreamID%2)

	require.NoError(t, e.CloseTransport(id))
	require.NoError(t, e.CloseTransport(id))
	assert.ErrorIs(t, e.SendData(ctx, dp, []byte("x")), domain.ErrProducerNotFound)
	err = e.ConnectTransport(ctx, id, core.ConnectParams{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestDataRequiresSCTP(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	desc, err := e.CreateTransport(ctx, "A", core.TransportOptions{EnableData: false})
	require.NoError(t, err)
	assert.Nil(t, desc.SCTPParameters)

	_, err = e.ProduceData(ctx, domain.TransportID(desc.ID), core.DataProducerOptions{})
	assert.ErrorIs(t, err, domain.ErrSctpNotEnabled)
	_, err = e.ConsumeData(ctx, domain.TransportID(desc.ID), "any")
	assert.ErrorIs(t, err, domain.ErrSctpNotEnabled)
}

func TestProduceRejectsUnsupportedCodec(t *testing.T) {
	e := newTestEngine(t)
	desc, err := e.CreateTransport(context.Background(), "A", core.TransportOptions{})
	require.NoError(t, err)

	_, err = e.Produce(context.Background(), domain.TransportID(desc.ID), domain.KindVideo, protocol.RTPParameters{
		Codecs:    []protocol.Codec{{MimeType: "video/AV1", ClockRate: 90000, PayloadType: 45}},
		Encodings: []protocol.Encoding{{SSRC: 1234, PayloadType: 45}},
	})
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)
}

func TestProduceTimesOutBeforeConnect(t *testing.T) {
	e := newTestEngine(t)
	desc, err := e.CreateTransport(context.Background(), "A", core.TransportOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Produce(ctx, domain.TransportID(desc.ID), domain.KindVideo, protocol.RTPParameters{
		Codecs:    []protocol.Codec{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}},
		Encodings: []protocol.Encoding{{SSRC: 1234, PayloadType: 96}},
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestTransportStreams(t *testing.T) {
	tr := newTransport("T", "A", zerolog.Nop(), func(core.TransportEvent) {})

	a, err := tr.allocStream()
	require.NoError(t, err)
	b, err := tr.allocStream()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), a)
	assert.Equal(t, uint16(3), b)

	require.NoError(t, tr.reserveStream(0))
	assert.ErrorIs(t, tr.reserveStream(3), domain.ErrInvalidState)
	assert.ErrorIs(t, tr.reserveStream(sctpStreams), domain.ErrBadRequest)
	tr.releaseStream(3)
	assert.NoError(t, tr.reserveStream(3))
}

func TestTransportWaitAndClose(t *testing.T) {
	var events []core.TransportEvent
	tr := newTransport("T", "A", zerolog.Nop(), func(ev core.TransportEvent) { events = append(events, ev) })

	assert.True(t, tr.markStarted())
	assert.False(t, tr.markStarted())
	assert.Equal(t, domain.TransportConnecting, tr.State())

	tr.fail(domain.ErrDtlsHandshakeFailed, core.TransportEvent{DTLSState: "failed"})
	tr.fail(domain.ErrDtlsHandshakeFailed, core.TransportEvent{})
	require.Len(t, events, 1)
	assert.Equal(t, domain.TransportFailed, events[0].State)
	assert.Equal(t, domain.TransportID("T"), events[0].ID)

	tr.close()
	tr.close()
	assert.ErrorIs(t, tr.waitConnected(context.Background()), domain.ErrStaleResource)
	assert.Equal(t, domain.TransportFailed, tr.State())
}
