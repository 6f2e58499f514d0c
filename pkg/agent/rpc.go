package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var (
	ErrClosed  = errors.New("signaling connection closed")
	ErrTimeout = errors.New("request timed out")
)

// Client is a request/response client for the signaling protocol.
// Push handlers run on the read goroutine in arrival order and must not block.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	wmu sync.Mutex

	mu       sync.Mutex
	next     uint64
	pending  map[uint64]chan protocol.Envelope
	handlers map[string]func(json.RawMessage)
	onError  func(*protocol.Error)

	done chan struct{}
	err  error
}

func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		timeout:  timeout,
		pending:  make(map[uint64]chan protocol.Envelope),
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// On registers fn for pushes of typ. Register before the first request.
func (c *Client) On(typ string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[typ] = fn
	c.mu.Unlock()
}

// OnError receives failures of requests sent without an id.
func (c *Client) OnError(fn func(*protocol.Error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Request sends typ and decodes the response data into out when out is not nil.
// A failed request returns its *protocol.Error.
func (c *Client) Request(ctx context.Context, typ string, in, out any) error {
	c.mu.Lock()
	c.next++
	id := c.next
	ch := make(chan protocol.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(id, typ, in); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", typ, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", typ, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Notify sends typ without waiting. Failures arrive through OnError.
func (c *Client) Notify(typ string, in any) error {
	return c.write(0, typ, in)
}

func (c *Client) write(id uint64, typ string, in any) error {
	env, err := protocol.NewEnvelope(id, typ, in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			log.Debug().Str("module", "agent").Err(err).Msg("signaling read loop closed")
			return
		}
		c.route(data)
	}
}

func (c *Client) route(data []byte) {
	res := gjson.GetManyBytes(data, "type", "id", "data")
	typ, id := res[0].String(), res[1].Uint()

	if typ == protocol.TypeResponse {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "agent").Err(err).Msg("bad response frame")
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		onError := c.onError
		c.mu.Unlock()
		switch {
		case ok:
			ch <- env
		case env.Error != nil && onError != nil:
			onError(env.Error)
		default:
			log.Debug().Str("module", "agent").Uint64("id", id).Msg("response without waiter")
		}
		return
	}

	c.mu.Lock()
	fn := c.handlers[typ]
	c.mu.Unlock()
	if fn == nil {
		log.Debug().Str("module", "agent").Str("type", typ).Msg("unhandled push")
		return
	}
	fn(json.RawMessage(res[2].Raw))
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
