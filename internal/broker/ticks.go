package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// TickStream multiplexes broker tick subscriptions: one upstream stream
// per instrument, fanned out to every registered subscriber. The stream
// re-subscribes with a delay when its connection dies.
type TickStream struct {
	pool  *Pool
	token string
	cfg   *config.BrokerConfig

	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]func(models.Tick) // symbol -> subscriber id -> fn
	active map[string]bool                        // symbols with a live upstream subscription
}

// NewTickStream creates a tick stream over the shared read-only credential
func NewTickStream(pool *Pool, token string, cfg *config.BrokerConfig) *TickStream {
	return &TickStream{
		pool:   pool,
		token:  token,
		cfg:    cfg,
		subs:   make(map[string]map[int64]func(models.Tick)),
		active: make(map[string]bool),
	}
}

// Subscribe registers fn for an instrument and returns an unsubscribe
// closure. The first subscriber for a symbol opens the upstream stream.
func (ts *TickStream) Subscribe(ctx context.Context, symbol string, fn func(models.Tick)) (func(), error) {
	ts.mu.Lock()
	if ts.subs[symbol] == nil {
		ts.subs[symbol] = make(map[int64]func(models.Tick))
	}
	ts.nextID++
	id := ts.nextID
	ts.subs[symbol][id] = fn
	needUpstream := !ts.active[symbol]
	if needUpstream {
		ts.active[symbol] = true
	}
	ts.mu.Unlock()

	if needUpstream {
		if err := ts.openUpstream(ctx, symbol); err != nil {
			ts.mu.Lock()
			delete(ts.subs[symbol], id)
			ts.active[symbol] = false
			ts.mu.Unlock()
			return nil, err
		}
	}

	unsubscribe := func() {
		ts.mu.Lock()
		delete(ts.subs[symbol], id)
		last := len(ts.subs[symbol]) == 0
		if last {
			delete(ts.subs, symbol)
			ts.active[symbol] = false
		}
		ts.mu.Unlock()

		if last {
			if conn, err := ts.pool.Acquire(context.Background(), ts.token); err == nil {
				conn.Unsubscribe(TickKey(symbol))
			}
		}
	}

	return unsubscribe, nil
}

// openUpstream subscribes to the broker tick stream for one symbol and
// arranges re-subscription if the connection dies
func (ts *TickStream) openUpstream(ctx context.Context, symbol string) error {
	conn, err := ts.pool.Acquire(ctx, ts.token)
	if err != nil {
		return fmt.Errorf("failed to acquire tick connection: %w", err)
	}

	_, err = conn.Subscribe(ctx, TicksSubscribeRequest(symbol), TickKey(symbol), func(env *Envelope) {
		ts.dispatch(env)
	}, ts.cfg.SubscribeTimeout)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ticks for %s: %w", symbol, err)
	}

	logger.Info("tick stream subscribed", zap.String("symbol", symbol))

	go ts.watch(conn, symbol)
	return nil
}

// watch re-subscribes after a connection loss while the symbol still has
// subscribers
func (ts *TickStream) watch(conn *Conn, symbol string) {
	<-conn.Closed()

	for {
		ts.mu.Lock()
		wanted := ts.active[symbol] && len(ts.subs[symbol]) > 0
		ts.mu.Unlock()
		if !wanted {
			return
		}

		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ts.openUpstream(ctx, symbol)
		cancel()
		if err == nil {
			logger.Info("tick stream re-subscribed", zap.String("symbol", symbol))
			return
		}
		logger.Error("tick stream re-subscribe failed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
}

// dispatch fans one tick push out to every subscriber for the symbol
func (ts *TickStream) dispatch(env *Envelope) {
	if env.Tick == nil {
		return
	}

	tick := models.Tick{
		Symbol:    env.Tick.Symbol,
		Value:     models.NewDecimal(env.Tick.Quote),
		Timestamp: time.Unix(env.Tick.Epoch, 0).UTC(),
	}

	ts.mu.Lock()
	fns := make([]func(models.Tick), 0, len(ts.subs[tick.Symbol]))
	for _, fn := range ts.subs[tick.Symbol] {
		fns = append(fns, fn)
	}
	ts.mu.Unlock()

	for _, fn := range fns {
		fn(tick)
	}
}
