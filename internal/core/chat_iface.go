package core

import (
	"context"

	"github.com/dkeye/Stream/pkg/protocol"
)

// ChatBus carries control-channel chat broadcasts. Every subscriber receives
// every published payload exactly once, including the publishing node.
type ChatBus interface {
	Publish(ctx context.Context, p protocol.ChatPayload) error
	// Subscribe blocks delivering payloads to fn until ctx is done.
	Subscribe(ctx context.Context, fn func(protocol.ChatPayload)) error
}
