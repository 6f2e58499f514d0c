package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/app/chat"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	SendBuffer       int
	ReadLimit        int64
	PingPeriod       time.Duration
	WriteWait        time.Duration
	RequestTimeout   time.Duration
	EngineTimeout    time.Duration
	AutoDataProducer bool
	ChatRateLimit    int
	ChatRateInterval time.Duration
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.EngineTimeout <= 0 {
		o.EngineTimeout = 10 * time.Second
	}
	if o.ChatRateLimit <= 0 {
		o.ChatRateLimit = 20
	}
	if o.ChatRateInterval <= 0 {
		o.ChatRateInterval = 10 * time.Second
	}
}

// SignalWSController is the signaling protocol handler: one session per
// WebSocket, every request answered explicitly.
type SignalWSController struct {
	Hub       *Hub
	Directory *app.Directory
	Engine    core.MediaEngine
	Chat      *chat.Relay
	Metrics   *metrics.Metrics

	opts    Options
	limiter *RateLimiter
	table   map[string]handlerFunc
}

func NewSignalWSController(hub *Hub, dir *app.Directory, engine core.MediaEngine, relay *chat.Relay, m *metrics.Metrics, opts Options) *SignalWSController {
	opts.defaults()
	ctl := &SignalWSController{
		Hub:       hub,
		Directory: dir,
		Engine:    engine,
		Chat:      relay,
		Metrics:   m,
		opts:      opts,
		limiter:   NewRateLimiter(opts.ChatRateLimit, opts.ChatRateInterval),
	}
	ctl.table = ctl.handlers()
	engine.OnTransportState(ctl.onTransportState)
	engine.OnDataMessage(relay.OnDataMessage)
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(conn *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: conn, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := domain.ConnectionID(domain.NewID())
	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	s := newSession(ctx, sid, token, conn)
	s.onDrop = ctl.Metrics.Dropped
	if err := ctl.Directory.AddConnection(sid); err != nil {
		s.logger.Error().Err(err).Msg("register connection")
		conn.Close()
		return
	}
	ctl.Hub.add(s)
	s.logger.Info().Str("client_token", token).Msg("new WS connection")

	go ctl.writePump(s)
	go ctl.readPump(s)
}

// teardown runs once per session after the read side ends.
func (ctl *SignalWSController) teardown(s *session) {
	s.close()
	ctl.Hub.remove(s.id)
	ctl.limiter.Forget(s.id)
	rm, ok := ctl.Directory.RemoveConnection(s.id)
	if ok {
		ctl.release(rm)
	}
	s.conn.Close()
	s.logger.Info().
		Int("producers", len(rm.Producers)).
		Int("transports", len(rm.Transports)).
		Msg("connection closed")
}

// release closes the engine side of removed directory entries.
func (ctl *SignalWSController) release(rm app.Removed) {
	for _, c := range rm.Consumers {
		ctl.Engine.CloseConsumer(c.ID)
	}
	for _, dc := range rm.DataConsumers {
		ctl.Engine.CloseDataConsumer(dc.ID)
	}
	for _, p := range rm.Producers {
		ctl.Engine.CloseProducer(p.ID)
	}
	for _, dp := range rm.DataProducers {
		ctl.Engine.CloseDataProducer(dp.ID)
	}
	for _, t := range rm.Transports {
		if err := ctl.Engine.CloseTransport(t.ID); err != nil {
			log.Warn().Str("module", "signal").Err(err).Str("transport_id", string(t.ID)).Msg("close transport")
		}
	}
}

// onTransportState mirrors engine state into the directory. A failed transport
// is removed and its owner told with transportClosed.
func (ctl *SignalWSController) onTransportState(ev core.TransportEvent) {
	t, ok := ctl.Directory.SetTransportState(ev.ID, ev.State, ev.ICEState, ev.DTLSState, ev.SCTPState)
	if !ok || ev.State != domain.TransportFailed {
		return
	}
	go func() {
		rm, ok := ctl.Directory.RemoveTransport(t.ID)
		if !ok {
			return
		}
		if s, ok := ctl.Hub.get(t.Owner); ok {
			s.resetRole(t.Role)
		}
		ctl.release(rm)
		log.Warn().Str("module", "signal").Str("sid", string(t.Owner)).Str("transport_id", string(t.ID)).
			Err(ev.Err).Msg("transport failed and was removed")
	}()
}

func (ctl *SignalWSController) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ctl.opts.EngineTimeout)
}
