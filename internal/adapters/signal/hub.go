package signal

import (
	"context"
	"sync"

	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// Hub tracks live sessions and delivers directory events to them in commit order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*session

	qmu   sync.Mutex
	queue []app.Event
	wake  chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[domain.ConnectionID]*session),
		wake:     make(chan struct{}, 1),
	}
}

// OnEvent is the directory sink. It never blocks.
func (h *Hub) OnEvent(ev app.Event) {
	h.qmu.Lock()
	h.queue = append(h.queue, ev)
	h.qmu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.wake:
		}
		for {
			h.qmu.Lock()
			batch := h.queue
			h.queue = nil
			h.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				h.deliver(ev)
			}
		}
	}
}

func (h *Hub) deliver(ev app.Event) {
	switch ev.Kind {
	case app.ProducerAdded:
		msg := protocol.NewProducerEvent{
			ProducerID: string(ev.Producer.ID),
			Kind:       string(ev.Producer.Kind),
			StreamID:   ev.Producer.StreamID(),
		}
		for _, s := range h.snapshot() {
			if s.id == ev.Producer.Owner {
				continue
			}
			s.markKnown(ev.Producer.ID)
			s.push(protocol.TypeNewProducer, msg)
		}
	case app.ProducerRemoved:
		msg := protocol.ProducerClosedEvent{ProducerID: string(ev.Producer.ID), StreamID: ev.Producer.StreamID()}
		for _, s := range h.snapshot() {
			if s.forget(ev.Producer.ID) {
				s.push(protocol.TypeProducerClosed, msg)
			}
		}
	case app.TransportRemoved:
		// Only still-connected owners learn about it; a disconnect removes the session first.
		if s, ok := h.get(ev.Transport.Owner); ok {
			reason := string(ev.Transport.State)
			if reason == "" || reason == string(domain.TransportConnected) {
				reason = "closed"
			}
			s.push(protocol.TypeTransportClosed, protocol.TransportClosedEvent{TransportID: string(ev.Transport.ID), Reason: reason})
		}
	}
	log.Debug().Str("module", "signal.hub").Str("event", ev.Kind.String()).Msg("event delivered")
}

// BroadcastChat pushes p to every live session, the sender included.
func (h *Hub) BroadcastChat(p protocol.ChatPayload) {
	for _, s := range h.snapshot() {
		s.push(protocol.TypeBroadcastChatMessage, p)
	}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) remove(id domain.ConnectionID) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Hub) get(id domain.ConnectionID) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
