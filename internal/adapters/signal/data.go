package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

func (ctl *SignalWSController) handleProduceData(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ProduceDataRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	t, err := ctl.resolveTransport(s, in.TransportID, domain.RolePublish)
	if err != nil {
		return nil, err
	}
	if !t.DataEnabled {
		return nil, fmt.Errorf("%w: transport %s has no sctp", domain.ErrSctpNotEnabled, t.ID)
	}
	if err := s.requireConnected(t.Role); err != nil {
		return nil, err
	}

	var key domain.ChatKey
	if in.ProducerID != "" {
		key = domain.ChatKey(in.ProducerID)
		pid, ok := key.ProducerID()
		if !ok {
			pid = domain.ProducerID(in.ProducerID)
			key = domain.ChatKeyFor(pid)
		}
		if p, ok := ctl.Directory.Producer(pid); !ok || p.Owner != s.id {
			return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, pid)
		}
	}
	label := in.Label
	if label == "" {
		label = chatLabel
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	dpid, err := ctl.Engine.ProduceData(ectx, t.ID, core.DataProducerOptions{
		Label:    label,
		Protocol: in.Protocol,
		Stream:   in.SCTPStreamParameters,
	})
	if err != nil {
		return nil, domain.FromContext(err)
	}
	dp := domain.DataProducer{ID: dpid, ChatKey: key, Owner: s.id, TransportID: t.ID, Label: label, Protocol: in.Protocol}
	replaced, err := ctl.Directory.AddDataProducer(dp)
	if err != nil {
		ctl.Engine.CloseDataProducer(dpid)
		return nil, err
	}
	if replaced != nil {
		// The old producer stays registered but no longer carries the stream's chat.
		s.logger.Info().Str("data_producer_id", string(replaced.ID)).Str("chat_key", string(key)).Msg("chat data producer replaced")
	}
	s.logger.Info().Str("data_producer_id", string(dpid)).Str("chat_key", string(key)).Msg("data producer created")
	return protocol.IDResponse{ID: string(dpid)}, nil
}

var fallback = protocol.ConsumeDataResponse{Fallback: true}

func (ctl *SignalWSController) handleConsumeData(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ConsumeDataRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	if in.DataProducerID == "" {
		return nil, fmt.Errorf("%w: dataProducerId required", domain.ErrBadRequest)
	}
	// A missing chat producer is the fallback outcome whatever the caller's
	// transport state.
	dp, ok := ctl.lookupDataProducer(in.DataProducerID)
	if !ok {
		ctl.Metrics.ChatDegraded("no_data_producer")
		s.logger.Info().Str("data_producer_id", in.DataProducerID).Msg("no chat data producer, fallback to broadcast")
		return fallback, nil
	}
	t, err := ctl.resolveTransport(s, in.TransportID, domain.RoleSubscribe, domain.RolePublish)
	if err != nil {
		return nil, err
	}
	if err := s.requireConnected(t.Role); err != nil {
		return nil, err
	}
	if !t.DataEnabled {
		ctl.Metrics.ChatDegraded("sctp_not_enabled")
		return fallback, nil
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	desc, err := ctl.Engine.ConsumeData(ectx, t.ID, dp.ID)
	if err != nil {
		if degraded(err) {
			ctl.Metrics.ChatDegraded("consume_data_failed")
			s.logger.Info().Err(err).Str("data_producer_id", string(dp.ID)).Msg("chat data path unavailable, fallback to broadcast")
			return fallback, nil
		}
		return nil, domain.FromContext(err)
	}
	dc := domain.DataConsumer{
		ID:             desc.ID,
		DataProducerID: dp.ID,
		Owner:          s.id,
		TransportID:    t.ID,
		Label:          desc.Label,
		Protocol:       desc.Protocol,
	}
	if err := ctl.Directory.AddDataConsumer(dc); err != nil {
		ctl.Engine.CloseDataConsumer(desc.ID)
		if errors.Is(err, domain.ErrProducerNotFound) {
			ctl.Metrics.ChatDegraded("consume_data_failed")
			return fallback, nil
		}
		return nil, err
	}
	stream := desc.Stream
	return protocol.ConsumeDataResponse{
		ID:                   string(desc.ID),
		DataProducerID:       string(dp.ID),
		TransportID:          string(t.ID),
		SCTPStreamParameters: &stream,
		Label:                desc.Label,
		Protocol:             desc.Protocol,
	}, nil
}

// lookupDataProducer accepts a chat key, a raw data producer id or a bare
// media producer id.
func (ctl *SignalWSController) lookupDataProducer(ref string) (domain.DataProducer, bool) {
	if dp, ok := ctl.Directory.ChatProducer(domain.ChatKey(ref)); ok {
		return dp, true
	}
	if dp, ok := ctl.Directory.DataProducer(domain.DataProducerID(ref)); ok {
		return dp, true
	}
	return ctl.Directory.ChatProducer(domain.ChatKeyFor(domain.ProducerID(ref)))
}

func degraded(err error) bool {
	return errors.Is(err, domain.ErrSctpNotEnabled) || errors.Is(err, domain.ErrProducerNotFound)
}
