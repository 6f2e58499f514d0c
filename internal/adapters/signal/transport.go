package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.CreateTransportRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	role, err := domain.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}
	enableData := in.EnableData == nil || *in.EnableData
	if err := s.beginTransport(role); err != nil {
		return nil, err
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	desc, err := ctl.Engine.CreateTransport(ectx, s.id, core.TransportOptions{EnableData: enableData})
	if err != nil {
		s.resetRole(role)
		return nil, domain.FromContext(err)
	}
	t := domain.Transport{
		ID:          domain.TransportID(desc.ID),
		Owner:       s.id,
		Role:        role,
		DataEnabled: enableData,
		State:       domain.TransportNew,
	}
	if err := ctl.Directory.AddTransport(t); err != nil {
		s.resetRole(role)
		_ = ctl.Engine.CloseTransport(t.ID)
		return nil, err
	}
	s.logger.Info().Str("transport_id", desc.ID).Str("role", string(role)).Bool("data", enableData).Msg("transport created")
	return desc, nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ConnectTransportRequest
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	t, err := ctl.Directory.OwnedTransport(s.id, domain.TransportID(in.TransportID))
	if err != nil {
		return nil, err
	}
	if ph := s.phase(t.Role); ph != PhaseTransportCreated {
		return nil, fmt.Errorf("%w: %s transport is %s", domain.ErrInvalidState, t.Role, ph)
	}

	ectx, cancel := ctl.engineCtx(ctx)
	defer cancel()
	err = ctl.Engine.ConnectTransport(ectx, t.ID, core.ConnectParams{
		DTLS:       in.DTLSParameters,
		ICE:        in.ICEParameters,
		Candidates: in.ICECandidates,
		SCTP:       in.SCTPCapabilities,
	})
	if err != nil {
		return nil, domain.FromContext(err)
	}
	if err := s.advance(t.Role, PhaseConnected, PhaseTransportCreated); err != nil {
		return nil, err
	}
	s.logger.Info().Str("transport_id", in.TransportID).Str("role", string(t.Role)).Msg("transport connected")
	return protocol.ConnectTransportResponse{Success: true}, nil
}

// resolveTransport returns the transport named by id, or the connection's
// transport for the first role in fallback that has one.
func (ctl *SignalWSController) resolveTransport(s *session, id string, fallback ...domain.Role) (domain.Transport, error) {
	if id != "" {
		return ctl.Directory.OwnedTransport(s.id, domain.TransportID(id))
	}
	for _, role := range fallback {
		if t, ok := ctl.Directory.TransportFor(s.id, role); ok {
			return t, nil
		}
	}
	return domain.Transport{}, fmt.Errorf("%w: no %v transport", domain.ErrTransportNotFound, fallback)
}
