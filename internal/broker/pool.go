package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// Pool owns one persistent, authorized connection per broker credential.
// Connections are opened lazily on first acquire and dropped from the
// pool when their socket dies, forcing a fresh open on next use.
type Pool struct {
	cfg  *config.BrokerConfig
	dial func(ctx context.Context, url string) (socket, error)

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes opens per credential: a slow dial or handshake for
// one token never blocks acquires for another.
type entry struct {
	openMu sync.Mutex
	conn   *Conn // guarded by Pool.mu
}

// NewPool creates an empty connection pool
func NewPool(cfg *config.BrokerConfig) *Pool {
	return &Pool{
		cfg: cfg,
		dial: func(ctx context.Context, url string) (socket, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		},
		entries: make(map[string]*entry),
	}
}

// Acquire returns a ready (open and authorized) connection for the
// credential, opening and authorizing a new one if needed. Users sharing
// a credential share the connection and its request-ordering guarantee.
func (p *Pool) Acquire(ctx context.Context, token string) (*Conn, error) {
	e := p.entry(token)

	if c := p.current(e); c != nil {
		return c, nil
	}

	e.openMu.Lock()
	defer e.openMu.Unlock()

	// another caller may have finished the open while we waited
	if c := p.current(e); c != nil {
		return c, nil
	}

	c, err := p.open(ctx, token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	e.conn = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) entry(token string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[token]
	if !ok {
		e = &entry{}
		p.entries[token] = e
	}
	return e
}

func (p *Pool) current(e *entry) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.conn != nil && e.conn.Open() && e.conn.Authorized() {
		return e.conn
	}
	return nil
}

// open dials the socket, runs the authorize handshake and starts the
// keep-alive loop
func (p *Pool) open(ctx context.Context, token string) (*Conn, error) {
	url := fmt.Sprintf("%s?app_id=%s", p.cfg.URL, p.cfg.AppID)

	ws, err := p.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	c := newConn(token, ws, p.cfg.KeepAliveInterval)
	go c.readLoop()

	env, err := c.SendRequest(ctx, AuthorizeRequest(token), p.cfg.AuthTimeout)
	if err != nil {
		c.teardown(nil)
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, apiErr.Message)
		case errors.Is(err, ErrTimeout):
			return nil, ErrAuthTimeout
		default:
			return nil, err
		}
	}

	c.markAuthorized(env.Authorize)
	// installed only after the handshake so a failed open cannot call back
	// into the pool while the acquire lock is held
	c.onClose = func(closed *Conn) { p.remove(token, closed) }
	go c.keepAlive()

	fields := []zap.Field{zap.String("url", p.cfg.URL)}
	if env.Authorize != nil {
		fields = append(fields,
			zap.String("loginid", env.Authorize.LoginID),
			zap.Float64("balance", env.Authorize.Balance),
		)
	}
	logger.Info("broker connection authorized", fields...)

	return c, nil
}

// remove drops a dead connection so the next acquire opens a fresh one
func (p *Pool) remove(token string, closed *Conn) {
	p.mu.Lock()
	if e, ok := p.entries[token]; ok && e.conn == closed {
		e.conn = nil
	}
	p.mu.Unlock()
}

// CloseAll tears down every pooled connection
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.entries))
	for _, e := range p.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.teardown(nil)
	}
}
