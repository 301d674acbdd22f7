package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/broker"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// ContractSpec describes the contract a trade decision wants to place
type ContractSpec struct {
	Symbol        string
	Type          models.ContractType
	Stake         decimal.Decimal
	DurationTicks int
	Currency      string
}

// Proposal is a broker quote for a prospective contract
type Proposal struct {
	ID       string
	AskPrice decimal.Decimal
	Payout   decimal.Decimal
	Spot     decimal.Decimal
}

// PayoutFraction is the quoted profit as a fraction of the ask price
func (p Proposal) PayoutFraction() decimal.Decimal {
	if p.AskPrice.IsZero() {
		return decimal.Zero
	}
	return p.Payout.Sub(p.AskPrice).Div(p.AskPrice)
}

// Placed reports a successfully bought contract
type Placed struct {
	ContractID     string
	BuyPrice       decimal.Decimal
	PayoutFraction decimal.Decimal
	EntrySpot      decimal.Decimal // quoted spot at purchase time
}

// Outcome is the terminal result of a placed contract, delivered exactly
// once through the caller's callback
type Outcome struct {
	ContractID string
	Status     models.TradeStatus
	Profit     decimal.Decimal
	EntrySpot  decimal.Decimal
	ExitSpot   decimal.Decimal
	Err        error
}

// Client executes trades against the broker: quote, buy, then an
// asynchronous contract lifecycle subscription for the outcome.
type Client struct {
	pool *broker.Pool
	cfg  *config.BrokerConfig
}

// NewClient creates an order execution client over the connection pool
func NewClient(pool *broker.Pool, cfg *config.BrokerConfig) *Client {
	return &Client{pool: pool, cfg: cfg}
}

// Warm opens and authorizes the credential's connection ahead of trading
// and returns the account balance reported by the handshake
func (c *Client) Warm(ctx context.Context, token string) (decimal.Decimal, error) {
	conn, err := c.pool.Acquire(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	if info := conn.AccountInfo(); info != nil {
		return models.NewDecimal(info.Balance), nil
	}
	return decimal.Zero, nil
}

// Execute places one trade. Transient failures are retried with
// exponential backoff; terminal broker rejections fail immediately. On
// success the contract lifecycle is monitored asynchronously and
// onOutcome is invoked exactly once when it settles. A connection loss
// while monitoring surfaces as an error outcome, never a silent drop.
func (c *Client) Execute(ctx context.Context, token string, spec ContractSpec, onOutcome func(Outcome)) (*Placed, error) {
	// let a freshly opened connection stabilize before the first attempt
	select {
	case <-time.After(c.cfg.WarmupDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	policy := Policy{
		MaxAttempts: c.cfg.MaxRetries + 1,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Classify: func(err error) Classification {
			if broker.Terminal(err) {
				return Fatal
			}
			return Retryable
		},
	}

	var placed *Placed
	var conn *broker.Conn

	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = c.pool.Acquire(ctx, token)
		if err != nil {
			return err
		}

		proposal, err := c.quote(ctx, conn, spec)
		if err != nil {
			return err
		}

		contractID, buyPrice, err := c.buy(ctx, conn, proposal)
		if err != nil {
			return err
		}

		placed = &Placed{
			ContractID:     contractID,
			BuyPrice:       buyPrice,
			PayoutFraction: proposal.PayoutFraction(),
			EntrySpot:      proposal.Spot,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.monitor(ctx, conn, placed.ContractID, onOutcome)

	return placed, nil
}

// quote sends a pricing request for the contract
func (c *Client) quote(ctx context.Context, conn *broker.Conn, spec ContractSpec) (*Proposal, error) {
	stake, _ := spec.Stake.Float64()
	payload := broker.ProposalRequest(spec.Symbol, string(spec.Type), spec.Currency, stake, spec.DurationTicks)

	env, err := conn.SendRequest(ctx, payload, c.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("proposal request failed: %w", err)
	}
	if env.Proposal == nil {
		return nil, fmt.Errorf("proposal response missing payload: %w", broker.ErrTimeout)
	}

	return &Proposal{
		ID:       env.Proposal.ID,
		AskPrice: models.NewDecimal(env.Proposal.AskPrice),
		Payout:   models.NewDecimal(env.Proposal.Payout),
		Spot:     models.NewDecimal(env.Proposal.Spot),
	}, nil
}

// buy purchases the quoted proposal at its ask price
func (c *Client) buy(ctx context.Context, conn *broker.Conn, p *Proposal) (string, decimal.Decimal, error) {
	ask, _ := p.AskPrice.Float64()

	env, err := conn.SendRequest(ctx, broker.BuyRequest(p.ID, ask), c.cfg.RequestTimeout)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("buy request failed: %w", err)
	}
	if env.Buy == nil {
		return "", decimal.Zero, fmt.Errorf("buy response missing payload: %w", broker.ErrTimeout)
	}

	return strconv.FormatInt(env.Buy.ContractID, 10), models.NewDecimal(env.Buy.BuyPrice), nil
}

// delivery funnels every settlement path for one contract through a
// single guard so the outcome callback fires exactly once, whichever
// path wins: the lifecycle push, a subscription failure, or the
// connection dying.
type delivery struct {
	contractID string
	once       sync.Once
	done       chan struct{}
	onOutcome  func(Outcome)
	cleanup    func()
}

func newDelivery(contractID string, onOutcome func(Outcome)) *delivery {
	return &delivery{
		contractID: contractID,
		done:       make(chan struct{}),
		onOutcome:  onOutcome,
	}
}

func (d *delivery) deliver(out Outcome) {
	d.once.Do(func() {
		close(d.done)
		if d.cleanup != nil {
			d.cleanup()
		}
		d.onOutcome(out)
	})
}

func (d *delivery) fail(err error) {
	d.deliver(Outcome{
		ContractID: d.contractID,
		Status:     models.TradeError,
		Err:        err,
	})
}

// monitor subscribes to the contract lifecycle. Every settlement path
// runs through the delivery guard, including monitoring's own failures:
// a settlement push can race the subscribe confirmation timing out, and
// the trade record must never stay pending forever.
func (c *Client) monitor(ctx context.Context, conn *broker.Conn, contractID string, onOutcome func(Outcome)) {
	d := newDelivery(contractID, onOutcome)

	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil {
		d.fail(fmt.Errorf("invalid contract id %q: %w", contractID, err))
		return
	}

	key := broker.ContractKey(id)
	d.cleanup = func() { conn.Unsubscribe(key) }

	handle := func(env *broker.Envelope) {
		if out, terminal := contractOutcome(contractID, env.Contract); terminal {
			d.deliver(out)
		}
	}

	env, err := conn.Subscribe(ctx, broker.ContractSubscribeRequest(id), key, handle, c.cfg.SubscribeTimeout)
	if err != nil {
		// the installed callback may have delivered the settlement before
		// the confirmation failed; the guard keeps this single-shot
		d.fail(fmt.Errorf("contract subscription failed: %w", err))
		return
	}

	// fail the outcome if the connection dies while the contract is open
	go func() {
		select {
		case <-d.done:
		case <-conn.Closed():
			d.fail(broker.ErrConnClosed)
		}
	}()

	// the confirmation frame may already carry a settled state
	if env != nil && env.Contract != nil {
		handle(env)
	}

	logger.Debug("contract lifecycle subscribed", zap.String("contract_id", contractID))
}

// contractOutcome maps a lifecycle update to a terminal outcome
func contractOutcome(contractID string, c *broker.ContractResult) (Outcome, bool) {
	if c == nil {
		return Outcome{}, false
	}

	out := Outcome{
		ContractID: contractID,
		Profit:     models.NewDecimal(c.Profit),
		EntrySpot:  models.NewDecimal(c.EntrySpot),
		ExitSpot:   models.NewDecimal(c.ExitTick),
	}

	switch c.Status {
	case "won":
		out.Status = models.TradeWon
	case "lost":
		out.Status = models.TradeLost
	case "sold":
		if c.Profit >= 0 {
			out.Status = models.TradeWon
		} else {
			out.Status = models.TradeLost
		}
	case "cancelled", "rejected", "expired":
		out.Status = models.TradeError
		out.Err = fmt.Errorf("contract ended in state %q", c.Status)
	default:
		if c.IsSold == 0 {
			return Outcome{}, false
		}
		if c.Profit >= 0 {
			out.Status = models.TradeWon
		} else {
			out.Status = models.TradeLost
		}
	}

	return out, true
}
