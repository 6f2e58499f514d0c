package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func (ctl *SignalWSController) writePump(s *session) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	c := s.conn.conn
	for {
		select {
		case data, ok := <-s.conn.send:
			if !ok {
				_ = c.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait))
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				s.logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(s *session) {
	defer ctl.teardown(s)

	c := s.conn.conn
	c.SetReadLimit(ctl.opts.ReadLimit)
	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		ctl.dispatch(s, data)
	}
}

type request struct {
	ID   uint64
	Type string
	Data json.RawMessage
}

type handlerFunc func(ctx context.Context, s *session, req request) (any, error)

// noReply is returned by handlers whose success has no response frame.
type noReply struct{}

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypePing:             ctl.handlePing,
		protocol.TypeGetCapabilities:  ctl.handleGetCapabilities,
		protocol.TypeGetProducers:     ctl.handleGetProducers,
		protocol.TypeCreateTransport:  ctl.handleCreateTransport,
		protocol.TypeConnectTransport: ctl.handleConnectTransport,
		protocol.TypeProduce:          ctl.handleProduce,
		protocol.TypeConsume:          ctl.handleConsume,
		protocol.TypeCloseProducer:    ctl.handleCloseProducer,
		protocol.TypeCloseConsumer:    ctl.handleCloseConsumer,
		protocol.TypeProduceData:      ctl.handleProduceData,
		protocol.TypeConsumeData:      ctl.handleConsumeData,
		protocol.TypeChatMessage:      ctl.handleChatMessage,
	}
}

// dispatch runs each request in its own goroutine bound to the session
// lifetime. A result that completes after the session closed is discarded.
func (ctl *SignalWSController) dispatch(s *session, data []byte) {
	if !gjson.ValidBytes(data) {
		s.logger.Warn().Msg("bad json")
		ctl.reply(s, 0, "", nil, fmt.Errorf("%w: malformed frame", domain.ErrBadRequest))
		return
	}
	res := gjson.GetManyBytes(data, "id", "type", "data")
	id, typ := res[0].Uint(), res[1].String()
	req := request{ID: id, Type: typ}
	if res[2].Exists() {
		req.Data = json.RawMessage(res[2].Raw)
	}

	h, ok := ctl.handler(typ)
	if !ok {
		s.logger.Warn().Str("type", typ).Msg("unknown signal")
		ctl.reply(s, id, typ, nil, fmt.Errorf("%w: unknown request type %q", domain.ErrBadRequest, typ))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, ctl.opts.RequestTimeout)
		defer cancel()
		out, err := h(ctx, s, req)
		if s.isClosed() {
			s.logger.Debug().Str("type", typ).Uint64("id", id).Msg("late result discarded")
			return
		}
		ctl.reply(s, id, typ, out, err)
	}()
}

func (ctl *SignalWSController) handler(typ string) (handlerFunc, bool) {
	h, ok := ctl.table[typ]
	return h, ok
}

func (ctl *SignalWSController) reply(s *session, id uint64, typ string, out any, err error) {
	code := ""
	if err != nil {
		code = domain.CodeOf(err)
		s.logger.Warn().Err(err).Str("type", typ).Uint64("id", id).Str("code", code).Msg("request failed")
	}
	ctl.Metrics.Request(typ, code)
	if err == nil {
		if _, skip := out.(noReply); skip {
			return
		}
	}
	ctl.respond(s, id, out, err)
}

// respond writes the response envelope. Requests without an id only hear
// about failures.
func (ctl *SignalWSController) respond(s *session, id uint64, out any, err error) {
	if id == 0 && err == nil {
		return
	}
	env := protocol.Envelope{ID: id, Type: protocol.TypeResponse}
	switch {
	case err != nil:
		env.Error = domain.ToProtocol(err)
	case out != nil:
		b, merr := json.Marshal(out)
		if merr != nil {
			s.logger.Error().Err(merr).Msg("response marshal")
			env.Error = domain.ToProtocol(merr)
			break
		}
		env.Data = b
	}
	s.write(env)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return nil
}
