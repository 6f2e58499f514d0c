// Package chat relays chat messages between the control channel and the
// per-stream data producers.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/internal/metrics"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// DataSender is the part of the media engine the relay writes into.
type DataSender interface {
	SendData(ctx context.Context, producer domain.DataProducerID, payload []byte) error
}

type Relay struct {
	bus     core.ChatBus
	data    DataSender
	dir     *app.Directory
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewRelay(bus core.ChatBus, data DataSender, dir *app.Directory, m *metrics.Metrics, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{bus: bus, data: data, dir: dir, metrics: m, timeout: timeout}
}

// Run delivers every bus payload to deliver until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver func(protocol.ChatPayload)) error {
	return r.bus.Subscribe(ctx, func(p protocol.ChatPayload) {
		r.metrics.Chat("broadcast")
		deliver(p)
	})
}

// Send broadcasts p to every connection and, when the stream has a chat data
// producer, also pushes it to the data consumers. The data path is best effort.
func (r *Relay) Send(ctx context.Context, from domain.ConnectionID, p protocol.ChatPayload) error {
	if p.StreamID == "" {
		return fmt.Errorf("%w: chat message without streamId", domain.ErrBadRequest)
	}
	if p.Message.Content == "" {
		return fmt.Errorf("%w: empty chat message", domain.ErrBadRequest)
	}
	streamID, dp, ok := r.resolveStream(p.StreamID)
	// Both paths carry the message under the same stream id so receivers
	// see one identity per stream.
	p.StreamID = streamID
	if err := r.bus.Publish(ctx, p); err != nil {
		return domain.FromContext(err)
	}

	logger := log.With().Str("module", "chat").Str("sid", string(from)).Str("stream", p.StreamID).Logger()
	if !ok {
		r.metrics.ChatDegraded("no_data_producer")
		logger.Debug().Msg("no chat data producer, broadcast only")
		return nil
	}
	payload, err := json.Marshal(p.Message)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.data.SendData(sctx, dp.ID, payload); err != nil {
		r.metrics.ChatDegraded("send_failed")
		logger.Warn().Err(err).Str("data_producer", string(dp.ID)).Msg("chat data path failed, broadcast only")
		return nil
	}
	r.metrics.Chat("datachannel")
	return nil
}

// OnDataMessage re-broadcasts a message a peer wrote straight into its data producer.
func (r *Relay) OnDataMessage(id domain.DataProducerID, payload []byte) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Content == "" {
		log.Debug().Str("module", "chat").Str("data_producer", string(id)).Msg("ignoring non-chat data message")
		return
	}
	streamID := string(id)
	if dp, ok := r.dir.DataProducer(id); ok {
		if pid, ok := dp.ChatKey.ProducerID(); ok {
			streamID = string(pid)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.Publish(ctx, protocol.ChatPayload{StreamID: streamID, Message: msg}); err != nil {
		log.Warn().Str("module", "chat").Err(err).Str("stream", streamID).Msg("chat re-broadcast failed")
	}
}

// resolveStream maps a stream id to the producer id the stream is known by
// and that producer's chat data producer. A publishing connection id resolves
// to the producer carrying its chat, else its first video producer, else its
// first producer. Unknown ids are returned unchanged.
func (r *Relay) resolveStream(streamID string) (string, domain.DataProducer, bool) {
	if dp, ok := r.dir.ChatProducer(domain.ChatKeyFor(domain.ProducerID(streamID))); ok {
		return streamID, dp, true
	}
	if _, ok := r.dir.Producer(domain.ProducerID(streamID)); ok {
		return streamID, domain.DataProducer{}, false
	}
	var video, first domain.ProducerID
	for _, p := range r.dir.Producers() {
		if p.StreamID() != streamID {
			continue
		}
		if dp, ok := r.dir.ChatProducer(domain.ChatKeyFor(p.ID)); ok {
			return string(p.ID), dp, true
		}
		if first == "" {
			first = p.ID
		}
		if video == "" && p.Kind == domain.KindVideo {
			video = p.ID
		}
	}
	switch {
	case video != "":
		return string(video), domain.DataProducer{}, false
	case first != "":
		return string(first), domain.DataProducer{}, false
	}
	return streamID, domain.DataProducer{}, false
}
