// Package agent is a client for the signaling server: it negotiates
// transports through a Device, publishes and subscribes to streams, and keeps
// a chat inbox per stream, de-duplicated across streams.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stream/pkg/chat"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RolePublish   = "publish"
	RoleSubscribe = "subscribe"
)

// ErrChatDegraded is reported through OnWarning when a stream's chat runs on
// the broadcast path only.
var ErrChatDegraded = errors.New("chat is broadcast only")

type ChatMode int

const (
	ChatUnknown ChatMode = iota
	ChatDataChannel
	ChatBroadcastOnly
)

func (m ChatMode) String() string {
	switch m {
	case ChatDataChannel:
		return "datachannel"
	case ChatBroadcastOnly:
		return "broadcast-only"
	}
	return "unknown"
}

type Options struct {
	Name string
	// ChatReadyTimeout bounds the wait for a published stream to become
	// visible before chat setup gives up.
	ChatReadyTimeout time.Duration
	ChatPollInterval time.Duration
	InboxCapacity    int
	OnChat           func(chat.Applied)
	OnWarning        func(error)
}

type localTransport struct {
	id string
	lt LocalTransport
}

type remoteStream struct {
	info       protocol.ProducerInfo
	consumerID string
	receiver   Receiver
}

type Agent struct {
	client *Client
	device Device
	opts   Options
	inbox  *chat.Inbox
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// tmu serializes transport creation per agent.
	tmu sync.Mutex

	mu          sync.Mutex
	capsLoaded  bool
	subscribing bool
	transports  map[string]*localTransport
	senders     map[string]Sender
	streams     map[string]*remoteStream
	closed      map[string]bool
	chatModes   map[string]ChatMode
}

// Connect dials url and returns an agent bound to device.
func Connect(ctx context.Context, url string, device Device, timeout time.Duration, opts Options) (*Agent, error) {
	c, err := Dial(ctx, url, timeout)
	if err != nil {
		return nil, err
	}
	return New(c, device, opts), nil
}

func New(client *Client, device Device, opts Options) *Agent {
	if opts.Name == "" {
		opts.Name = "anonymous"
	}
	if opts.ChatReadyTimeout <= 0 {
		opts.ChatReadyTimeout = 5 * time.Second
	}
	if opts.ChatPollInterval <= 0 {
		opts.ChatPollInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		client:     client,
		device:     device,
		opts:       opts,
		inbox:      chat.NewInbox(opts.InboxCapacity, opts.OnChat),
		logger:     log.With().Str("module", "agent").Str("name", opts.Name).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]*localTransport),
		senders:    make(map[string]Sender),
		streams:    make(map[string]*remoteStream),
		closed:     make(map[string]bool),
		chatModes:  make(map[string]ChatMode),
	}
	client.On(protocol.TypeNewProducer, a.onNewProducer)
	client.On(protocol.TypeProducerClosed, a.onProducerClosed)
	client.On(protocol.TypeBroadcastChatMessage, a.onBroadcast)
	client.On(protocol.TypeTransportClosed, a.onTransportClosed)
	client.OnError(func(e *protocol.Error) { a.warn(e) })
	return a
}

func (a *Agent) warn(err error) {
	a.logger.Warn().Err(err).Msg("agent warning")
	if a.opts.OnWarning != nil {
		a.opts.OnWarning(err)
	}
}

func (a *Agent) loadDevice(ctx context.Context) error {
	a.mu.Lock()
	loaded := a.capsLoaded
	a.mu.Unlock()
	if loaded {
		return nil
	}
	var caps protocol.RTPCapabilities
	if err := a.client.Request(ctx, protocol.TypeGetCapabilities, nil, &caps); err != nil {
		return fmt.Errorf("get capabilities: %w", err)
	}
	if err := a.device.Load(caps); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	a.mu.Lock()
	a.capsLoaded = true
	a.mu.Unlock()
	return nil
}

// transport creates and connects the transport for role once.
func (a *Agent) transport(ctx context.Context, role string) (*localTransport, error) {
	a.tmu.Lock()
	defer a.tmu.Unlock()
	a.mu.Lock()
	t, ok := a.transports[role]
	a.mu.Unlock()
	if ok {
		return t, nil
	}

	var desc protocol.TransportDescriptor
	if err := a.client.Request(ctx, protocol.TypeCreateTransport, protocol.CreateTransportRequest{Role: role}, &desc); err != nil {
		return nil, fmt.Errorf("create %s transport: %w", role, err)
	}
	lt, err := a.device.NewTransport(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("local %s transport: %w", role, err)
	}
	req := lt.ConnectRequest()
	req.TransportID = desc.ID
	var res protocol.ConnectTransportResponse
	if err := a.client.Request(ctx, protocol.TypeConnectTransport, req, &res); err != nil {
		_ = lt.Close()
		return nil, fmt.Errorf("connect %s transport: %w", role, err)
	}
	if err := lt.Start(ctx); err != nil {
		_ = lt.Close()
		return nil, fmt.Errorf("start %s transport: %w", role, err)
	}

	t = &localTransport{id: desc.ID, lt: lt}
	a.mu.Lock()
	a.transports[role] = t
	a.mu.Unlock()
	a.logger.Info().Str("role", role).Str("transport_id", desc.ID).Msg("transport connected")
	return t, nil
}

// Publish produces a local track of kind and returns its producer id. For
// video the chat data path is set up afterwards; chat failure never fails
// the publication.
func (a *Agent) Publish(ctx context.Context, kind string) (string, error) {
	if err := a.loadDevice(ctx); err != nil {
		return "", err
	}
	t, err := a.transport(ctx, RolePublish)
	if err != nil {
		return "", err
	}
	sender, err := t.lt.Produce(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("local %s track: %w", kind, err)
	}
	var res protocol.IDResponse
	err = a.client.Request(ctx, protocol.TypeProduce, protocol.ProduceRequest{
		TransportID:   t.id,
		Kind:          kind,
		RTPParameters: sender.Parameters(),
	}, &res)
	if err != nil {
		sender.Stop()
		return "", fmt.Errorf("produce %s: %w", kind, err)
	}
	if err := sender.Start(a.ctx); err != nil {
		sender.Stop()
		return "", fmt.Errorf("start %s track: %w", kind, err)
	}
	a.mu.Lock()
	a.senders[res.ID] = sender
	a.mu.Unlock()
	a.logger.Info().Str("producer_id", res.ID).Str("kind", kind).Msg("publishing")

	if kind == "video" {
		a.setupChat(ctx, res.ID, t)
	}
	return res.ID, nil
}

// setupChat waits, bounded, for the stream to be listed and then attaches to
// its chat data producer.
func (a *Agent) setupChat(ctx context.Context, producerID string, t *localTransport) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ChatReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(a.opts.ChatPollInterval)
	defer ticker.Stop()
	for {
		list, err := a.ListProducers(ctx)
		if err == nil && containsProducer(list, producerID) {
			break
		}
		select {
		case <-ctx.Done():
			a.degrade(producerID, "stream not listed in time")
			return
		case <-ticker.C:
		}
	}
	a.attachChat(ctx, producerID, t)
}

func containsProducer(list []protocol.ProducerInfo, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (a *Agent) attachChat(ctx context.Context, producerID string, t *localTransport) {
	var res protocol.ConsumeDataResponse
	err := a.client.Request(ctx, protocol.TypeConsumeData, protocol.ConsumeDataRequest{
		DataProducerID: protocol.ChatKey(producerID),
		TransportID:    t.id,
	}, &res)
	if err != nil {
		a.degrade(producerID, err.Error())
		return
	}
	if res.Fallback {
		a.degrade(producerID, "no chat data producer")
		return
	}
	err = t.lt.ConsumeData(ctx, res, func(b []byte) { a.onDataMessage(producerID, b) })
	if err != nil {
		a.degrade(producerID, err.Error())
		return
	}
	a.setChatMode(producerID, ChatDataChannel)
	a.logger.Info().Str("producer_id", producerID).Str("data_consumer_id", res.ID).Msg("chat data channel attached")
}

func (a *Agent) degrade(streamID, reason string) {
	a.setChatMode(streamID, ChatBroadcastOnly)
	a.warn(fmt.Errorf("%w: stream %s: %s", ErrChatDegraded, streamID, reason))
}

func (a *Agent) setChatMode(streamID string, m ChatMode) {
	a.mu.Lock()
	a.chatModes[streamID] = m
	a.mu.Unlock()
}

func (a *Agent) ChatMode(streamID string) ChatMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatModes[streamID]
}

// Subscribe consumes every listed stream and, from then on, every announced one.
func (a *Agent) Subscribe(ctx context.Context) error {
	if err := a.loadDevice(ctx); err != nil {
		return err
	}
	if _, err := a.transport(ctx, RoleSubscribe); err != nil {
		return err
	}
	a.mu.Lock()
	a.subscribing = true
	a.mu.Unlock()

	list, err := a.ListProducers(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		a.consume(ctx, p)
	}
	return nil
}

func (a *Agent) ListProducers(ctx context.Context) ([]protocol.ProducerInfo, error) {
	var list []protocol.ProducerInfo
	if err := a.client.Request(ctx, protocol.TypeGetProducers, nil, &list); err != nil {
		return nil, fmt.Errorf("get producers: %w", err)
	}
	return list, nil
}

// consume attaches to one remote producer. A stale producer only ends this attempt.
func (a *Agent) consume(ctx context.Context, info protocol.ProducerInfo) {
	a.mu.Lock()
	_, own := a.senders[info.ID]
	_, have := a.streams[info.ID]
	t := a.transports[RoleSubscribe]
	a.mu.Unlock()
	if own || have || t == nil {
		return
	}

	var res protocol.ConsumeResponse
	err := a.client.Request(ctx, protocol.TypeConsume, protocol.ConsumeRequest{
		TransportID:     t.id,
		ProducerID:      info.ID,
		RTPCapabilities: a.device.RTPCapabilities(),
	}, &res)
	if err != nil {
		if protocol.IsCode(err, protocol.CodeProducerNotFound) {
			a.logger.Info().Str("producer_id", info.ID).Msg("producer gone before consume")
			return
		}
		a.warn(fmt.Errorf("consume %s: %w", info.ID, err))
		return
	}
	receiver, err := t.lt.Consume(ctx, res)
	if err != nil {
		a.warn(fmt.Errorf("local receiver for %s: %w", info.ID, err))
		a.closeConsumer(res.ID)
		return
	}

	a.mu.Lock()
	if a.closed[info.ID] {
		a.mu.Unlock()
		receiver.Stop()
		a.closeConsumer(res.ID)
		return
	}
	a.streams[info.ID] = &remoteStream{info: info, consumerID: res.ID, receiver: receiver}
	a.mu.Unlock()
	a.logger.Info().Str("producer_id", info.ID).Str("kind", res.Kind).Msg("consuming")

	if res.Kind == "video" {
		a.attachChat(ctx, info.ID, t)
	}
}

func (a *Agent) closeConsumer(id string) {
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := a.client.Request(ctx, protocol.TypeCloseConsumer, protocol.CloseConsumerRequest{ConsumerID: id}, nil); err != nil {
		a.logger.Debug().Err(err).Str("consumer_id", id).Msg("close consumer")
	}
}

// SendChat applies the message locally and sends it. Echoes of it from
// either delivery path are suppressed by the inbox.
func (a *Agent) SendChat(streamID, content string) (protocol.ChatMessage, error) {
	msg := protocol.NewChatMessage(a.opts.Name, content)
	a.inbox.Apply(streamID, msg, chat.PathLocal)
	if err := a.client.Notify(protocol.TypeChatMessage, protocol.ChatPayload{StreamID: streamID, Message: msg}); err != nil {
		return msg, fmt.Errorf("send chat: %w", err)
	}
	return msg, nil
}

func (a *Agent) Messages(streamID string) []protocol.ChatMessage {
	return a.inbox.Messages(streamID)
}

// Streams reports the receive counters of every consumed producer.
func (a *Agent) Streams() map[string]ReceiverStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ReceiverStats, len(a.streams))
	for id, s := range a.streams {
		out[id] = s.receiver.Stats()
	}
	return out
}

func (a *Agent) onNewProducer(data json.RawMessage) {
	var ev protocol.NewProducerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("bad newProducer")
		return
	}
	a.mu.Lock()
	subscribing := a.subscribing
	delete(a.closed, ev.ProducerID)
	a.mu.Unlock()
	a.logger.Info().Str("producer_id", ev.ProducerID).Str("kind", ev.Kind).Str("stream_id", ev.StreamID).Msg("new producer")
	if subscribing {
		go a.consume(a.ctx, protocol.ProducerInfo{ID: ev.ProducerID, Kind: ev.Kind, StreamID: ev.StreamID})
	}
}

func (a *Agent) onProducerClosed(data json.RawMessage) {
	var ev protocol.ProducerClosedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("bad producerClosed")
		return
	}
	a.mu.Lock()
	a.closed[ev.ProducerID] = true
	s := a.streams[ev.ProducerID]
	delete(a.streams, ev.ProducerID)
	delete(a.chatModes, ev.ProducerID)
	a.mu.Unlock()
	if s != nil {
		s.receiver.Stop()
	}
	a.inbox.Forget(ev.ProducerID)
	a.logger.Info().Str("producer_id", ev.ProducerID).Msg("producer closed")
}

func (a *Agent) onBroadcast(data json.RawMessage) {
	var p protocol.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		a.logger.Warn().Err(err).Msg("bad broadcastChatMessage")
		return
	}
	a.applyChat(p.StreamID, p.Message, chat.PathBroadcast)
}

func (a *Agent) onDataMessage(streamID string, b []byte) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		a.logger.Debug().Err(err).Str("stream_id", streamID).Msg("non-chat data message")
		return
	}
	a.applyChat(streamID, msg, chat.PathDataChannel)
}

// applyChat drops messages for streams whose producer has closed.
func (a *Agent) applyChat(streamID string, msg protocol.ChatMessage, path chat.Path) {
	a.mu.Lock()
	closed := a.closed[streamID]
	a.mu.Unlock()
	if closed {
		a.logger.Debug().Str("stream_id", streamID).Str("path", string(path)).Msg("chat for closed stream")
		return
	}
	a.inbox.Apply(streamID, msg, path)
}

func (a *Agent) onTransportClosed(data json.RawMessage) {
	var ev protocol.TransportClosedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	a.mu.Lock()
	for role, t := range a.transports {
		if t.id == ev.TransportID {
			delete(a.transports, role)
			go func() { _ = t.lt.Close() }()
		}
	}
	a.mu.Unlock()
	a.warn(fmt.Errorf("transport %s closed: %s", ev.TransportID, ev.Reason))
}

func (a *Agent) Close() error {
	a.cancel()
	a.mu.Lock()
	senders := a.senders
	streams := a.streams
	transports := a.transports
	a.senders = map[string]Sender{}
	a.streams = map[string]*remoteStream{}
	a.transports = map[string]*localTransport{}
	a.mu.Unlock()

	for _, s := range senders {
		s.Stop()
	}
	for _, s := range streams {
		s.receiver.Stop()
	}
	for _, t := range transports {
		_ = t.lt.Close()
	}
	return a.client.Close()
}
