package bus

import (
	"context"
	"sync"

	"github.com/dkeye/Stream/pkg/protocol"
)

// Local is an in-process bus for single-node deployments.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(protocol.ChatPayload)
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(protocol.ChatPayload))}
}

func (l *Local) Publish(ctx context.Context, p protocol.ChatPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	subs := make([]func(protocol.ChatPayload), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.RUnlock()
	for _, fn := range subs {
		fn(p)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, fn func(protocol.ChatPayload)) error {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
	return nil
}

// Subscribers reports how many subscriptions are live.
func (l *Local) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}
