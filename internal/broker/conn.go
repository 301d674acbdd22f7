package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// socket is the subset of *websocket.Conn the connection needs. Kept as
// an interface so correlation logic can be exercised against a fake
// transport.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// pushBuffer bounds the per-subscription frame queue. A consumer that
// falls this far behind loses frames instead of stalling the reader.
const pushBuffer = 64

type subscription struct {
	key string
	sid string // broker stream id, set once known
	ch  chan *Envelope
}

// Conn is one authenticated broker connection. Concurrent requests are
// multiplexed over it: responses are matched by echoed req_id first, and
// by submission order for frames that carry none. Push frames matching an
// installed subscription key bypass request matching entirely.
type Conn struct {
	token string
	ws    socket
	cfg   connConfig

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Envelope
	order   []int64 // submission order, FIFO fallback
	subs    map[string]*subscription

	authorized bool
	auth       *AuthorizeResult

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(*Conn)
}

type connConfig struct {
	keepAlive time.Duration
}

func newConn(token string, ws socket, keepAlive time.Duration) *Conn {
	return &Conn{
		token:   token,
		ws:      ws,
		cfg:     connConfig{keepAlive: keepAlive},
		pending: make(map[int64]chan *Envelope),
		subs:    make(map[string]*subscription),
		closed:  make(chan struct{}),
	}
}

// Open reports whether the connection has not been torn down
func (c *Conn) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Closed returns a channel closed on teardown
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Authorized reports whether the authorize handshake completed
func (c *Conn) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// AccountInfo returns the authorize payload (balance, login id)
func (c *Conn) AccountInfo() *AuthorizeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *Conn) markAuthorized(auth *AuthorizeResult) {
	c.mu.Lock()
	c.authorized = true
	c.auth = auth
	c.mu.Unlock()
}

// SendRequest writes the payload with an injected req_id and blocks until
// the matched response arrives, the timeout expires, or the connection
// closes. A broker-reported error frame is returned as *APIError.
func (c *Conn) SendRequest(ctx context.Context, payload map[string]interface{}, timeout time.Duration) (*Envelope, error) {
	c.mu.Lock()
	if !c.Open() {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Envelope, 1)
	c.pending[id] = ch
	c.order = append(c.order, id)
	c.mu.Unlock()

	payload["req_id"] = id

	if err := c.writeJSON(payload); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if env.Error != nil {
			return env, env.Error
		}
		return env, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// Subscribe installs cb under key, sends the subscribe payload and waits
// for its confirming response. The confirmation envelope is returned;
// subsequent pushes for the key invoke cb until Unsubscribe. Pushes are
// dispatched on a per-subscription goroutine so a slow consumer cannot
// stall frame routing for the whole connection.
func (c *Conn) Subscribe(ctx context.Context, payload map[string]interface{}, key string, cb func(*Envelope), timeout time.Duration) (*Envelope, error) {
	sub := &subscription{key: key, ch: make(chan *Envelope, pushBuffer)}

	c.mu.Lock()
	if !c.Open() {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.subs[key] = sub
	c.mu.Unlock()

	go func() {
		for env := range sub.ch {
			cb(env)
		}
	}()

	env, err := c.SendRequest(ctx, payload, timeout)
	if err != nil {
		c.removeSub(key)
		return env, err
	}

	if env.Subscription != nil {
		c.mu.Lock()
		sub.sid = env.Subscription.ID
		c.mu.Unlock()
	}

	return env, nil
}

// Unsubscribe removes the callback and tells the broker to stop the stream
func (c *Conn) Unsubscribe(key string) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
		close(sub.ch)
	}
	c.mu.Unlock()

	if !ok || sub.sid == "" || !c.Open() {
		return
	}
	if err := c.writeJSON(ForgetRequest(sub.sid)); err != nil {
		logger.Debug("forget request failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Conn) removeSub(key string) {
	c.mu.Lock()
	if sub, ok := c.subs[key]; ok {
		delete(c.subs, key)
		close(sub.ch)
	}
	c.mu.Unlock()
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.teardown(err)
		return ErrConnClosed
	}
	return nil
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// readLoop reads and routes frames until the socket fails
func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("failed to parse broker frame", zap.Error(err))
			continue
		}

		c.route(&env)
	}
}

// route matches one incoming frame: explicit req_id first, subscription
// key second, oldest pending request last (ordered protocol fallback).
func (c *Conn) route(env *Envelope) {
	c.mu.Lock()

	if env.ReqID != 0 {
		ch, ok := c.pending[env.ReqID]
		if ok {
			delete(c.pending, env.ReqID)
			for i, v := range c.order {
				if v == env.ReqID {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			ch <- env
			return
		}
		if _, push := pushKey(env); !push {
			// stale response for an already timed-out request
			c.mu.Unlock()
			logger.Debug("stale broker response dropped", zap.Int64("req_id", env.ReqID))
			return
		}
	}

	if key, ok := pushKey(env); ok {
		if sub, found := c.subs[key]; found {
			select {
			case sub.ch <- env:
			default:
				logger.Warn("subscriber lagging, push frame dropped", zap.String("key", key))
			}
			c.mu.Unlock()
			return
		}
	}

	if len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}
		return
	}

	c.mu.Unlock()
	logger.Debug("unmatched broker frame dropped", zap.String("msg_type", env.MsgType))
}

// pushKey derives the subscription routing key for push-style frames
func pushKey(env *Envelope) (string, bool) {
	switch {
	case env.MsgType == "tick" && env.Tick != nil:
		return TickKey(env.Tick.Symbol), true
	case env.MsgType == "proposal_open_contract" && env.Contract != nil:
		return ContractKey(env.Contract.ContractID), true
	}
	return "", false
}

// keepAlive pings on a fixed interval so the broker keeps the socket open
func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.cfg.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]interface{}{"ping": 1}); err != nil {
				return
			}
		}
	}
}

// teardown fails every in-flight request, clears subscriptions and closes
// the socket. Safe to call more than once.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan *Envelope)
		c.order = nil
		for _, sub := range c.subs {
			close(sub.ch)
		}
		c.subs = make(map[string]*subscription)
		c.authorized = false
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}

		_ = c.ws.Close()

		if cause != nil {
			logger.Warn("broker connection closed", zap.Error(cause))
		}

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
