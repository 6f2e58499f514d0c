package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
)

// handleChatMessage answers only on failure; success shows up as the
// broadcastChatMessage push.
func (ctl *SignalWSController) handleChatMessage(ctx context.Context, s *session, req request) (any, error) {
	var in protocol.ChatPayload
	if err := decode(req.Data, &in); err != nil {
		return nil, err
	}
	if !ctl.limiter.Allow(s.id) {
		return nil, fmt.Errorf("%w: chat rate limit exceeded", domain.ErrInvalidState)
	}
	if err := ctl.Chat.Send(ctx, s.id, in); err != nil {
		return nil, err
	}
	return noReply{}, nil
}
