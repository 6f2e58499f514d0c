package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the negotiation state of one role of a connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTransportCreated
	PhaseConnected
	PhaseActive // producing or consuming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTransportCreated:
		return "transport_created"
	case PhaseConnected:
		return "connected"
	case PhaseActive:
		return "active"
	}
	return "unknown"
}

type session struct {
	id     domain.ConnectionID
	token  string
	conn   *WsSignalConn
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	onDrop func()

	mu       sync.Mutex
	capsSent bool
	closed   bool
	phases   map[domain.Role]Phase
	known    map[domain.ProducerID]struct{}
}

func newSession(ctx context.Context, id domain.ConnectionID, token string, conn *WsSignalConn) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		id:     id,
		token:  token,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("module", "signal").Str("sid", string(id)).Logger(),
		phases: map[domain.Role]Phase{domain.RolePublish: PhaseIdle, domain.RoleSubscribe: PhaseIdle},
		known:  make(map[domain.ProducerID]struct{}),
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) markCapsSent() {
	s.mu.Lock()
	s.capsSent = true
	s.mu.Unlock()
}

func (s *session) phase(role domain.Role) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[role]
}

// advance moves role from one of the allowed phases to next.
func (s *session) advance(role domain.Role, next Phase, from ...Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrStaleResource)
	}
	cur := s.phases[role]
	for _, f := range from {
		if cur == f {
			if next > cur {
				s.phases[role] = next
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s transport is %s", domain.ErrInvalidState, role, cur)
}

// beginTransport guards createTransport: capabilities first, one transport per role.
func (s *session) beginTransport(role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrStaleResource)
	}
	if !s.capsSent {
		return fmt.Errorf("%w: getCapabilities first", domain.ErrInvalidState)
	}
	if cur := s.phases[role]; cur != PhaseIdle {
		return fmt.Errorf("%w: %s transport already %s", domain.ErrInvalidState, role, cur)
	}
	s.phases[role] = PhaseTransportCreated
	return nil
}

func (s *session) resetRole(role domain.Role) {
	s.mu.Lock()
	s.phases[role] = PhaseIdle
	s.mu.Unlock()
}

// requireConnected reports whether role may carry media.
func (s *session) requireConnected(role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrStaleResource)
	}
	if s.phases[role] < PhaseConnected {
		return fmt.Errorf("%w: %s transport is %s", domain.ErrInvalidState, role, s.phases[role])
	}
	s.phases[role] = PhaseActive
	return nil
}

func (s *session) markKnown(id domain.ProducerID) {
	s.mu.Lock()
	s.known[id] = struct{}{}
	s.mu.Unlock()
}

// forget reports whether the producer had been announced to this connection.
func (s *session) forget(id domain.ProducerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[id]; !ok {
		return false
	}
	delete(s.known, id)
	return true
}

func (s *session) push(typ string, v any) {
	env, err := protocol.NewEnvelope(0, typ, v)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("push marshal")
		return
	}
	s.write(env)
}

func (s *session) write(env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("envelope marshal")
		return
	}
	if err := s.conn.TrySend(b); err != nil {
		s.logger.Warn().Err(err).Str("type", env.Type).Uint64("id", env.ID).Msg("frame dropped")
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// listProducers marks every listed producer as known and writes the listing
// while holding the session lock, so a producerClosed for any of them can only
// follow the listing.
func (s *session) listProducers(list func() []domain.Producer, respond func([]domain.Producer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := list()
	for _, p := range ps {
		s.known[p.ID] = struct{}{}
	}
	respond(ps)
}
