package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

const chatLabel = "chat"

func (ctl *SignalWSController) handleProduce(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ProduceRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	kind, err := domain.ParseKind(in.Kind)
	if err != nil {
		return nil, err
	}
	t, err := ctl.resolveTransport(s, in.TransportID, domain.RolePublish)
	if err != nil {
		return nil, err
	}
	if t.Role != domain.RolePublish {
		return nil, fmt.Errorf("%w: produce on a %s transport", domain.ErrInvalidState, t.Role)
	}
	if err := s.requireConnected(domain.RolePublish); err != nil {
		return nil, err
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	pid, err := ctl.Engine.Produce(ectx, t.ID, kind, in.RTPParameters)
	if err != nil {
		return nil, domain.FromContext(err)
	}

	// The chat producer is registered first so that anyone told about the
	// stream can already find its chat key.
	var chatDP domain.DataProducerID
	if kind == domain.KindVideo && ctl.opts.AutoDataProducer {
		chatDP = ctl.attachChat(ectx, s, t, pid)
	}

	s.markKnown(pid)
	p := domain.Producer{ID: pid, Kind: kind, Owner: s.id, TransportID: t.ID}
	if err := ctl.Directory.AddProducer(p); err != nil {
		s.forget(pid)
		ctl.Engine.CloseProducer(pid)
		if chatDP != "" {
			if rm, ok := ctl.Directory.RemoveDataProducer(chatDP); ok {
				ctl.release(rm)
			} else {
				ctl.Engine.CloseDataProducer(chatDP)
			}
		}
		return nil, err
	}
	s.logger.Info().Str("producer_id", string(pid)).Str("kind", string(kind)).Bool("chat", chatDP != "").Msg("producing")
	return protocol.IDResponse{ID: string(pid)}, nil
}

// attachChat creates the companion chat data producer of a video producer.
// Failure only degrades chat to the broadcast path.
func (ctl *SignalWSController) attachChat(ctx context.Context, s *session, t domain.Transport, pid domain.ProducerID) domain.DataProducerID {
	if !t.DataEnabled {
		ctl.Metrics.ChatDegraded("sctp_not_enabled")
		s.logger.Info().Str("producer_id", string(pid)).Msg("no sctp on transport, chat is broadcast only")
		return ""
	}
	dpid, err := ctl.Engine.ProduceData(ctx, t.ID, core.DataProducerOptions{Label: chatLabel})
	if err != nil {
		ctl.Metrics.ChatDegraded("produce_data_failed")
		s.logger.Warn().Err(err).Str("producer_id", string(pid)).Msg("companion data producer failed, chat is broadcast only")
		return ""
	}
	dp := domain.DataProducer{
		ID:          dpid,
		ChatKey:     domain.ChatKeyFor(pid),
		Owner:       s.id,
		TransportID: t.ID,
		Label:       chatLabel,
	}
	if _, err := ctl.Directory.AddDataProducer(dp); err != nil {
		ctl.Engine.CloseDataProducer(dpid)
		ctl.Metrics.ChatDegraded("produce_data_failed")
		s.logger.Warn().Err(err).Str("producer_id", string(pid)).Msg("register companion data producer")
		return ""
	}
	return dpid
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ConsumeRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	t, err := ctl.resolveTransport(s, in.TransportID, domain.RoleSubscribe)
	if err != nil {
		return nil, err
	}
	if t.Role != domain.RoleSubscribe {
		return nil, fmt.Errorf("%w: consume on a %s transport", domain.ErrInvalidState, t.Role)
	}
	if err := s.requireConnected(domain.RoleSubscribe); err != nil {
		return nil, err
	}
	pid := domain.ProducerID(in.ProducerID)
	if _, ok := ctl.Directory.Producer(pid); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, pid)
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	desc, err := ctl.Engine.Consume(ectx, t.ID, pid, in.RTPCapabilities)
	if err != nil {
		return nil, domain.FromContext(err)
	}
	c := domain.Consumer{ID: desc.ID, ProducerID: pid, Kind: desc.Kind, Owner: s.id, TransportID: t.ID}
	if err := ctl.Directory.AddConsumer(c); err != nil {
		ctl.Engine.CloseConsumer(desc.ID)
		return nil, err
	}
	s.logger.Info().Str("consumer_id", string(desc.ID)).Str("producer_id", string(pid)).Msg("consuming")
	return protocol.ConsumeResponse{
		ID:            string(desc.ID),
		ProducerID:    string(pid),
		Kind:          string(desc.Kind),
		RTPParameters: desc.RTPParameters,
	}, nil
}

func (ctl *SignalWSController) handleCloseProducer(_ context.Context, s *session, req request) (any, error) {
	var in protocol.CloseProducerRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	pid := domain.ProducerID(in.ProducerID)
	p, ok := ctl.Directory.Producer(pid)
	if !ok || p.Owner != s.id {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, pid)
	}
	rm, ok := ctl.Directory.RemoveProducer(pid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, pid)
	}
	ctl.release(rm)
	return protocol.SuccessResponse{Success: true}, nil
}

func (ctl *SignalWSController) handleCloseConsumer(_ context.Context, s *session, req request) (any, error) {
	var in protocol.CloseConsumerRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	cid := domain.ConsumerID(in.ConsumerID)
	c, ok := ctl.Directory.Consumer(cid)
	if !ok || c.Owner != s.id {
		return nil, fmt.Errorf("%w: consumer %s", domain.ErrStaleResource, cid)
	}
	if _, ok := ctl.Directory.RemoveConsumer(cid); ok {
		ctl.release(app.Removed{Consumers: []domain.Consumer{c}})
	}
	return protocol.SuccessResponse{Success: true}, nil
}
