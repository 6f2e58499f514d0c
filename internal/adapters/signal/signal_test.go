package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stream/internal/adapters/bus"
	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/app/chat"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	chatinbox "github.com/dkeye/Stream/pkg/chat"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	t   *testing.T
	url string
	eng *fakeEngine
	dir *app.Directory
	hub *Hub
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub()
	dir := app.NewDirectory(hub.OnEvent)
	eng := newFakeEngine()
	b := bus.NewLocal()
	relay := chat.NewRelay(b, eng, dir, nil, time.Second)
	ctl := NewSignalWSController(hub, dir, eng, relay, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	go func() { _ = relay.Run(ctx, hub.BroadcastChat) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, waitFor, 5*time.Millisecond)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &harness{
		t:   t,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		eng: eng,
		dir: dir,
		hub: hub,
	}
}

func defaultOptions() Options {
	return Options{AutoDataProducer: true, PingPeriod: time.Second}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn

	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan protocol.Envelope
	pushes  chan protocol.Envelope
}

// dial connects and waits until the server has registered the connection.
func (h *harness) dial() *testClient {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(h.t, err)
	c := &testClient{
		t:       h.t,
		ws:      ws,
		pending: map[uint64]chan protocol.Envelope{},
		pushes:  make(chan protocol.Envelope, 128),
	}
	go c.readLoop()
	h.t.Cleanup(func() { _ = ws.Close() })
	c.ok(protocol.TypePing, nil, nil)
	return c
}

func (c *testClient) readLoop() {
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == protocol.TypeResponse && env.ID != 0 {
			c.mu.Lock()
			ch := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- env
				continue
			}
		}
		c.pushes <- env
	}
}

func (c *testClient) send(typ string, data any) chan protocol.Envelope {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	ch := make(chan protocol.Envelope, 1)
	c.pending[c.next] = ch
	env, err := protocol.NewEnvelope(c.next, typ, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(env))
	return ch
}

func (c *testClient) call(typ string, data any) protocol.Envelope {
	c.t.Helper()
	select {
	case env := <-c.send(typ, data):
		return env
	case <-time.After(waitFor):
		c.t.Fatalf("%s: no response", typ)
	}
	return protocol.Envelope{}
}

func (c *testClient) ok(typ string, data, out any) {
	c.t.Helper()
	env := c.call(typ, data)
	require.Nil(c.t, env.Error, "%s failed: %v", typ, env.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, out))
	}
}

func (c *testClient) fails(typ string, data any, code string) {
	c.t.Helper()
	env := c.call(typ, data)
	require.NotNil(c.t, env.Error, "%s unexpectedly succeeded", typ)
	assert.Equal(c.t, code, env.Error.Code, env.Error.Message)
}

// expectPush skips other pushes until one of typ arrives.
func (c *testClient) expectPush(typ string) protocol.Envelope {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-c.pushes:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			c.t.Fatalf("no %s push", typ)
			return protocol.Envelope{}
		}
	}
}

func (c *testClient) collect(d time.Duration) []protocol.Envelope {
	var out []protocol.Envelope
	deadline := time.After(d)
	for {
		select {
		case env := <-c.pushes:
			out = append(out, env)
		case <-deadline:
			return out
		}
	}
}

func (c *testClient) caps() {
	c.t.Helper()
	var caps protocol.RTPCapabilities
	c.ok(protocol.TypeGetCapabilities, nil, &caps)
	require.NotEmpty(c.t, caps.Codecs)
}

func (c *testClient) transport(role string) protocol.TransportDescriptor {
	c.t.Helper()
	var desc protocol.TransportDescriptor
	c.ok(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: role}, &desc)
	require.NotEmpty(c.t, desc.ID)
	return desc
}

func (c *testClient) connect(id string) {
	c.t.Helper()
	var res protocol.ConnectTransportResponse
	c.ok(protocol.TypeConnectTransport, protocol.ConnectTransportRequest{
		TransportID: id,
		DTLSParameters: protocol.DTLSParameters{
			Role:         "client",
			Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "CC:DD"}},
		},
		ICEParameters: &protocol.ICEParameters{UsernameFragment: "u", Password: "p"},
	}, &res)
	require.True(c.t, res.Success)
}

// publisher negotiates a connected publish transport and produces kind.
func (c *testClient) publisher(kind string) string {
	c.t.Helper()
	c.caps()
	desc := c.transport("publish")
	c.connect(desc.ID)
	var res protocol.IDResponse
	c.ok(protocol.TypeProduce, protocol.ProduceRequest{
		Kind: kind,
		RTPParameters: protocol.RTPParameters{
			Codecs:    []protocol.Codec{testCaps.Codecs[1]},
			Encodings: []protocol.Encoding{{SSRC: 42, PayloadType: 96}},
		},
	}, &res)
	require.NotEmpty(c.t, res.ID)
	return res.ID
}

func (c *testClient) subscriber() string {
	c.t.Helper()
	c.caps()
	desc := c.transport("subscribe")
	c.connect(desc.ID)
	return desc.ID
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestChatReachesSubscriberOnce(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	subT := b.subscriber()
	pid := a.publisher("video")

	ev := decodeData[protocol.NewProducerEvent](t, b.expectPush(protocol.TypeNewProducer))
	assert.Equal(t, pid, ev.ProducerID)
	assert.Equal(t, "video", ev.Kind)
	assert.NotEmpty(t, ev.StreamID)

	key := domain.ChatKeyFor(domain.ProducerID(pid))
	dp, ok := h.dir.ChatProducer(key)
	require.True(t, ok, "companion chat producer registered")

	var cons protocol.ConsumeResponse
	b.ok(protocol.TypeConsume, protocol.ConsumeRequest{TransportID: subT, ProducerID: pid, RTPCapabilities: testCaps}, &cons)
	assert.Equal(t, pid, cons.ProducerID)
	assert.Equal(t, "video", cons.Kind)
	assert.NotEmpty(t, cons.RTPParameters.Codecs)

	var cd protocol.ConsumeDataResponse
	b.ok(protocol.TypeConsumeData, protocol.ConsumeDataRequest{DataProducerID: string(key)}, &cd)
	assert.False(t, cd.Fallback)
	assert.NotEmpty(t, cd.ID)
	assert.Equal(t, string(dp.ID), cd.DataProducerID)
	require.NotNil(t, cd.SCTPStreamParameters)

	msg := protocol.ChatMessage{Sender: "A", Content: "hi", Timestamp: 1700000000000}
	a.send(protocol.TypeChatMessage, protocol.ChatPayload{StreamID: pid, Message: msg})

	inbox := chatinbox.NewInbox(0, nil)
	p := decodeData[protocol.ChatPayload](t, b.expectPush(protocol.TypeBroadcastChatMessage))
	assert.Equal(t, pid, p.StreamID)
	assert.True(t, inbox.Apply(p.StreamID, p.Message, chatinbox.PathBroadcast))

	require.Eventually(t, func() bool { return len(h.eng.sentTo(dp.ID)) == 1 }, waitFor, 5*time.Millisecond)
	var viaData protocol.ChatMessage
	require.NoError(t, json.Unmarshal(h.eng.sentTo(dp.ID)[0], &viaData))
	assert.False(t, inbox.Apply(pid, viaData, chatinbox.PathDataChannel))

	for _, env := range b.collect(100 * time.Millisecond) {
		assert.NotEqual(t, protocol.TypeBroadcastChatMessage, env.Type)
	}
	msgs := inbox.Messages(pid)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestDisconnectCascadesAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	subT := b.subscriber()
	pid := a.publisher("video")
	b.expectPush(protocol.TypeNewProducer)
	b.ok(protocol.TypeConsume, protocol.ConsumeRequest{TransportID: subT, ProducerID: pid, RTPCapabilities: testCaps}, nil)

	require.NoError(t, a.ws.Close())

	ev := decodeData[protocol.ProducerClosedEvent](t, b.expectPush(protocol.TypeProducerClosed))
	assert.Equal(t, pid, ev.ProducerID)
	for _, env := range b.collect(150 * time.Millisecond) {
		assert.NotEqual(t, protocol.TypeProducerClosed, env.Type, "duplicate producerClosed")
	}

	var list []protocol.ProducerInfo
	b.ok(protocol.TypeGetProducers, nil, &list)
	assert.Empty(t, list)

	stats := h.dir.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Zero(t, stats.Producers)
	assert.Zero(t, stats.Consumers)
	assert.Zero(t, stats.DataProducers)
	require.Eventually(t, func() bool {
		producers, consumers, dataProducers := h.eng.counts()
		return producers == 0 && consumers == 0 && dataProducers == 0
	}, waitFor, 5*time.Millisecond)
}

func TestConsumeStaleProducer(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	subT := b.subscriber()
	b.fails(protocol.TypeConsume, protocol.ConsumeRequest{TransportID: subT, ProducerID: "missing", RTPCapabilities: testCaps}, protocol.CodeProducerNotFound)

	pid := a.publisher("audio")
	a.ok(protocol.TypeCloseProducer, protocol.CloseProducerRequest{ProducerID: pid}, nil)
	b.fails(protocol.TypeConsume, protocol.ConsumeRequest{TransportID: subT, ProducerID: pid, RTPCapabilities: testCaps}, protocol.CodeProducerNotFound)

	var pong protocol.PongResponse
	b.ok(protocol.TypePing, nil, &pong)
	assert.True(t, pong.Pong)
}

func TestPublishAndSubscribeTransportsCoexist(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a := h.dial()
	a.caps()
	pub := a.transport("publish")
	sub := a.transport("subscribe")
	assert.NotEqual(t, pub.ID, sub.ID)

	a.fails(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: "publish"}, protocol.CodeInvalidState)

	for _, id := range []string{pub.ID, sub.ID} {
		_, ok := h.dir.Transport(domain.TransportID(id))
		assert.True(t, ok, id)
	}
	assert.Equal(t, 2, h.dir.Stats().Transports)
}

func TestCreateTransportNeedsCapabilities(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a := h.dial()
	a.fails(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: "publish"}, protocol.CodeInvalidState)
	a.caps()
	a.transport("publish")
}

func TestProduceNeedsConnectedTransport(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a := h.dial()
	a.caps()
	a.transport("publish")
	a.fails(protocol.TypeProduce, protocol.ProduceRequest{Kind: "video"}, protocol.CodeInvalidState)
	a.fails(protocol.TypeConnectTransport, protocol.ConnectTransportRequest{TransportID: "nope"}, protocol.CodeTransportNotFound)
}

func TestConsumeDataFallsBackWithoutChatProducer(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	b.subscriber()
	pid := a.publisher("audio")

	var cd protocol.ConsumeDataResponse
	b.ok(protocol.TypeConsumeData, protocol.ConsumeDataRequest{DataProducerID: string(domain.ChatKeyFor(domain.ProducerID(pid)))}, &cd)
	assert.True(t, cd.Fallback)
	assert.Empty(t, cd.ID)

	a.send(protocol.TypeChatMessage, protocol.ChatPayload{StreamID: pid, Message: protocol.NewChatMessage("A", "still here")})
	p := decodeData[protocol.ChatPayload](t, b.expectPush(protocol.TypeBroadcastChatMessage))
	assert.Equal(t, "still here", p.Message.Content)
}

func TestCompanionFailureKeepsStream(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.eng.produceDataErr = domain.ErrSctpNotEnabled
	a := h.dial()

	pid := a.publisher("video")
	_, ok := h.dir.Producer(domain.ProducerID(pid))
	assert.True(t, ok)
	_, ok = h.dir.ChatProducer(domain.ChatKeyFor(domain.ProducerID(pid)))
	assert.False(t, ok)
}

func TestExplicitProduceData(t *testing.T) {
	h := newHarness(t, Options{PingPeriod: time.Second})
	a := h.dial()

	pid := a.publisher("video")
	_, ok := h.dir.ChatProducer(domain.ChatKeyFor(domain.ProducerID(pid)))
	require.False(t, ok, "companion creation disabled")

	var res protocol.IDResponse
	a.ok(protocol.TypeProduceData, protocol.ProduceDataRequest{ProducerID: pid, Label: "chat"}, &res)
	dp, ok := h.dir.ChatProducer(domain.ChatKeyFor(domain.ProducerID(pid)))
	require.True(t, ok)
	assert.Equal(t, res.ID, string(dp.ID))

	a.fails(protocol.TypeProduceData, protocol.ProduceDataRequest{ProducerID: "someone-else"}, protocol.CodeProducerNotFound)
}

func TestTransportFailurePushesTransportClosed(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a := h.dial()
	a.caps()
	desc := a.transport("publish")

	h.eng.onState(core.TransportEvent{ID: domain.TransportID(desc.ID), State: domain.TransportFailed, ICEState: "failed"})

	ev := decodeData[protocol.TransportClosedEvent](t, a.expectPush(protocol.TypeTransportClosed))
	assert.Equal(t, desc.ID, ev.TransportID)
	assert.Equal(t, "failed", ev.Reason)

	require.Eventually(t, func() bool {
		return a.call(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: "publish"}).Error == nil
	}, waitFor, 20*time.Millisecond)
}

func TestLateEngineResultIsDiscarded(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.eng.createGate = make(chan struct{})
	a := h.dial()
	a.caps()

	a.send(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: "publish"})
	require.Eventually(t, func() bool { return h.eng.creating.Load() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool { return h.hub.Len() == 0 }, waitFor, 5*time.Millisecond)
	close(h.eng.createGate)

	require.Eventually(t, func() bool { return h.eng.transportCount() == 0 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, h.dir.Stats().Transports)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a := h.dial()

	a.fails("bogus", nil, protocol.CodeBadRequest)
	a.fails(protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: "sideways"}, protocol.CodeBadRequest)
	a.fails(protocol.TypeChatMessage, protocol.ChatPayload{StreamID: "S"}, protocol.CodeBadRequest)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := a.expectPush(protocol.TypeResponse)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeBadRequest, env.Error.Code)
}

func TestChatRateLimit(t *testing.T) {
	opts := defaultOptions()
	opts.ChatRateLimit = 2
	opts.ChatRateInterval = time.Minute
	h := newHarness(t, opts)
	a := h.dial()

	var replies []chan protocol.Envelope
	for i := 0; i < 3; i++ {
		replies = append(replies, a.send(protocol.TypeChatMessage, protocol.ChatPayload{StreamID: "S", Message: protocol.NewChatMessage("A", "spam")}))
	}
	var limited int
	for _, ch := range replies {
		select {
		case env := <-ch:
			require.NotNil(t, env.Error)
			assert.Equal(t, protocol.CodeInvalidState, env.Error.Code)
			limited++
		case <-time.After(200 * time.Millisecond):
		}
	}
	assert.Equal(t, 1, limited)
}

func TestCloseConsumerNeedsOwnership(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	subT := b.subscriber()
	pid := a.publisher("audio")
	var cons protocol.ConsumeResponse
	b.ok(protocol.TypeConsume, protocol.ConsumeRequest{TransportID: subT, ProducerID: pid, RTPCapabilities: testCaps}, &cons)

	a.fails(protocol.TypeCloseConsumer, protocol.CloseConsumerRequest{ConsumerID: cons.ID}, protocol.CodeStaleResource)
	b.fails(protocol.TypeCloseProducer, protocol.CloseProducerRequest{ProducerID: pid}, protocol.CodeProducerNotFound)

	b.ok(protocol.TypeCloseConsumer, protocol.CloseConsumerRequest{ConsumerID: cons.ID}, nil)
	_, ok := h.dir.Consumer(domain.ConsumerID(cons.ID))
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		_, consumers, _ := h.eng.counts()
		return consumers == 0
	}, waitFor, 5*time.Millisecond)

	b.fails(protocol.TypeCloseConsumer, protocol.CloseConsumerRequest{ConsumerID: cons.ID}, protocol.CodeStaleResource)
}

func TestConsumeDataWithoutTransportFallsBack(t *testing.T) {
	h := newHarness(t, defaultOptions())
	b := h.dial()

	var cd protocol.ConsumeDataResponse
	b.ok(protocol.TypeConsumeData, protocol.ConsumeDataRequest{DataProducerID: "P404-data"}, &cd)
	assert.True(t, cd.Fallback)
	assert.Empty(t, cd.ID)
}

func TestConsumeDataNeedsConnectedTransport(t *testing.T) {
	h := newHarness(t, defaultOptions())
	a, b := h.dial(), h.dial()

	pid := a.publisher("video")
	key := string(domain.ChatKeyFor(domain.ProducerID(pid)))

	b.caps()
	desc := b.transport("subscribe")
	b.fails(protocol.TypeConsumeData, protocol.ConsumeDataRequest{DataProducerID: key}, protocol.CodeInvalidState)

	b.connect(desc.ID)
	var cd protocol.ConsumeDataResponse
	b.ok(protocol.TypeConsumeData, protocol.ConsumeDataRequest{DataProducerID: key}, &cd)
	assert.False(t, cd.Fallback)
	assert.Equal(t, desc.ID, cd.TransportID)
}
