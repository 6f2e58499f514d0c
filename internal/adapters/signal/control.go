package signal

import (
	"context"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

func (ctl *SignalWSController) handlePing(_ context.Context, _ *session, _ request) (any, error) {
	return protocol.PongResponse{Pong: true}, nil
}

func (ctl *SignalWSController) handleGetCapabilities(ctx context.Context, s *session, _ request) (any, error) {
	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	caps, err := ctl.Engine.GetCapabilities(ectx)
	if err != nil {
		return nil, domain.FromContext(err)
	}
	s.markCapsSent()
	return caps, nil
}

func (ctl *SignalWSController) handleGetProducers(_ context.Context, s *session, req request) (any, error) {
	s.listProducers(ctl.Directory.Producers, func(ps []domain.Producer) {
		out := make([]protocol.ProducerInfo, 0, len(ps))
		for _, p := range ps {
			out = append(out, protocol.ProducerInfo{ID: string(p.ID), Kind: string(p.Kind), StreamID: p.StreamID()})
		}
		ctl.respond(s, req.ID, out, nil)
	})
	return noReply{}, nil
}

// ProducerInfos is the snapshot served over REST.
func (ctl *SignalWSController) ProducerInfos() []protocol.ProducerInfo {
	ps := ctl.Directory.Producers()
	out := make([]protocol.ProducerInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, protocol.ProducerInfo{ID: string(p.ID), Kind: string(p.Kind), StreamID: p.StreamID()})
	}
	return out
}
