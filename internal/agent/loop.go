package agent

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/execution"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/money"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Loop is the per-user decision loop: it consumes ticks, runs the
// strategy over the buffered window, sizes the stake through the money
// manager and hands the trade to the executor. At most one trade is in
// flight at a time; ticks arriving while analysis runs or an outcome is
// pending are dropped, not queued.
type Loop struct {
	ctx context.Context

	userID  int64
	variant string

	mu  sync.RWMutex
	cfg models.AgentConfig

	strategy Strategy
	manager  *money.Manager
	exec     Executor
	store    TradeStore
	events   EventSink
	notifier Notifier

	engCfg    *config.EngineConfig
	brokerCfg *config.BrokerConfig

	procMu   sync.Mutex
	buf      *tickBuffer
	awaiting atomic.Bool
	stopped  atomic.Bool

	payoutMu   sync.Mutex
	lastPayout decimal.Decimal

	diagMu   sync.Mutex
	diagAt   time.Time
	diagDir  models.ContractType
	diagProb float64
}

// NewLoop wires a decision loop for one agent session
func NewLoop(
	ctx context.Context,
	cfg models.AgentConfig,
	strategy Strategy,
	manager *money.Manager,
	exec Executor,
	store TradeStore,
	events EventSink,
	notifier Notifier,
	engCfg *config.EngineConfig,
	brokerCfg *config.BrokerConfig,
) *Loop {
	if events == nil {
		events = NopSink{}
	}
	return &Loop{
		ctx:        ctx,
		userID:     cfg.UserID,
		variant:    cfg.Variant,
		cfg:        cfg,
		strategy:   strategy,
		manager:    manager,
		exec:       exec,
		store:      store,
		events:     events,
		notifier:   notifier,
		engCfg:     engCfg,
		brokerCfg:  brokerCfg,
		buf:        newTickBuffer(engCfg.TickBufferSize),
		lastPayout: models.NewDecimal(brokerCfg.DefaultPayout),
	}
}

// UpdateConfig swaps the trading parameters without touching loop state
func (l *Loop) UpdateConfig(cfg models.AgentConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.manager.UpdateConfig(cfg)
}

func (l *Loop) config() models.AgentConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Stopped reports whether the session hit one of its daily stops
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}

// OnTick processes one tick. Ticks are dropped while a previous tick is
// still being analyzed or a trade outcome is pending.
func (l *Loop) OnTick(tick models.Tick) {
	if l.stopped.Load() || l.awaiting.Load() {
		return
	}
	if !l.procMu.TryLock() {
		return
	}
	defer l.procMu.Unlock()

	// re-check under the lock: an outcome handler may have flipped it
	if l.stopped.Load() || l.awaiting.Load() {
		return
	}

	l.buf.Append(tick)

	window := l.buf.Window(l.strategy.WindowSize())
	if window == nil {
		l.diagnose(models.Signal{}, 0, fmt.Sprintf("warming up: %d/%d ticks", l.buf.Len(), l.strategy.WindowSize()))
		return
	}

	cfg := l.config()
	signal := l.strategy.Analyze(window)
	threshold := l.strategy.MinProbability(cfg.OperatingMode, l.manager.InRecovery())

	if !signal.HasDirection() {
		l.diagnose(signal, threshold, "no directional signal")
		return
	}
	if signal.Probability < threshold {
		l.diagnose(signal, threshold, fmt.Sprintf("probability %.2f below threshold %.2f", signal.Probability, threshold))
		return
	}

	if status, stop := l.manager.CheckStops(); stop {
		l.stopSession(status)
		return
	}

	decision := l.manager.NextStake(l.payoutFraction())
	switch decision.Action {
	case money.ActionStop:
		l.stopSession(models.SessionStoppedLoss)
		return
	case money.ActionWait:
		l.diagnose(signal, threshold, decision.Reason)
		return
	}

	// gate further ticks before leaving the lock
	l.awaiting.Store(true)
	go l.placeTrade(cfg, signal, decision)
}

func (l *Loop) payoutFraction() decimal.Decimal {
	l.payoutMu.Lock()
	defer l.payoutMu.Unlock()
	return l.lastPayout
}

func (l *Loop) setPayoutFraction(f decimal.Decimal) {
	if !f.IsPositive() {
		return
	}
	l.payoutMu.Lock()
	l.lastPayout = f
	l.payoutMu.Unlock()
}

// placeTrade persists the pending record and runs the execution flow.
// The awaiting gate is released by the outcome handler, or here when the
// trade never reaches the broker.
func (l *Loop) placeTrade(cfg models.AgentConfig, signal models.Signal, decision money.Decision) {
	snap := l.manager.Snapshot()
	rec := &models.TradeRecord{
		ID:            uuid.NewString(),
		UserID:        l.userID,
		ContractType:  signal.Direction,
		Symbol:        cfg.Symbol,
		Stake:         decision.Stake,
		RecoveryLevel: snap.RecoveryLevel,
		CompoundLevel: snap.CompoundLevel,
		Status:        models.TradePending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.store.CreateTradeRecord(l.ctx, rec); err != nil {
		logger.Error("failed to persist trade record",
			zap.Int64("user_id", l.userID),
			zap.Error(err),
		)
		l.awaiting.Store(false)
		return
	}

	l.events.Log(l.userID, "info", "trade",
		fmt.Sprintf("placing %s %s stake %s (%s)", signal.Direction, cfg.Symbol, decision.Stake.String(), decision.Reason))

	spec := execution.ContractSpec{
		Symbol:        cfg.Symbol,
		Type:          signal.Direction,
		Stake:         decision.Stake,
		DurationTicks: l.brokerCfg.DurationTicks,
		Currency:      l.brokerCfg.Currency,
	}

	placed, err := l.exec.Execute(l.ctx, cfg.BrokerToken, spec, func(out execution.Outcome) {
		l.handleOutcome(rec, decision.Stake, out)
	})
	if err != nil {
		l.awaiting.Store(false)
		logger.Error("trade execution failed",
			zap.Int64("user_id", l.userID),
			zap.String("trade_id", rec.ID),
			zap.Error(err),
		)
		l.events.Log(l.userID, "error", "trade", fmt.Sprintf("execution failed: %v", err))
		if serr := l.store.SettleTrade(l.ctx, rec.ID, models.TradeError, decimal.Zero, decimal.Zero); serr != nil {
			logger.Error("failed to settle errored trade", zap.String("trade_id", rec.ID), zap.Error(serr))
		}
		return
	}

	l.setPayoutFraction(placed.PayoutFraction)
	// rec is shared with the outcome handler, so the contract id and
	// entry spot go straight to the store instead of through the record
	if err := l.store.MarkTradeActive(l.ctx, rec.ID, placed.ContractID, placed.EntrySpot); err != nil {
		logger.Error("failed to mark trade active", zap.String("trade_id", rec.ID), zap.Error(err))
	}
}

// handleOutcome settles the trade, folds it into the money state and
// releases the awaiting gate
func (l *Loop) handleOutcome(rec *models.TradeRecord, stake decimal.Decimal, out execution.Outcome) {
	defer l.awaiting.Store(false)

	if out.Err != nil {
		logger.Error("contract settlement failed",
			zap.Int64("user_id", l.userID),
			zap.String("contract_id", out.ContractID),
			zap.Error(out.Err),
		)
	}

	l.manager.RecordOutcome(out.Status, out.Profit, stake)

	if err := l.store.SettleTrade(l.ctx, rec.ID, out.Status, out.Profit, out.ExitSpot); err != nil {
		logger.Error("failed to settle trade", zap.String("trade_id", rec.ID), zap.Error(err))
	}
	if out.Status == models.TradeWon || out.Status == models.TradeLost {
		if err := l.store.UpdateDailyAggregates(l.ctx, l.userID, l.variant, out.Profit, out.Status == models.TradeWon); err != nil {
			logger.Error("failed to update daily aggregates", zap.Int64("user_id", l.userID), zap.Error(err))
		}
	}

	snap := l.manager.Snapshot()
	l.events.Log(l.userID, "info", "trade",
		fmt.Sprintf("contract %s settled %s, profit %s, session %s",
			out.ContractID, out.Status, out.Profit.String(), snap.SessionProfit.String()))

	if l.notifier != nil && out.Status.Terminal() {
		settled := *rec
		settled.Status = out.Status
		settled.Profit = out.Profit
		settled.ExitSpot = out.ExitSpot
		settled.ContractID = out.ContractID
		if out.EntrySpot.IsPositive() {
			// the lifecycle push reports the actual entry tick
			settled.EntrySpot = out.EntrySpot
		}
		l.notifier.TradeSettled(l.userID, &settled, snap.SessionProfit)
	}

	if status, stop := l.manager.CheckStops(); stop {
		l.stopSession(status)
	}
}

// stopSession marks the session stopped exactly once
func (l *Loop) stopSession(status models.SessionStatus) {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}

	snap := l.manager.Snapshot()
	logger.Info("session stopped",
		zap.Int64("user_id", l.userID),
		zap.String("status", string(status)),
		zap.String("session_profit", snap.SessionProfit.String()),
	)
	l.events.Log(l.userID, "info", "session", fmt.Sprintf("stopped: %s", status))

	if err := l.store.SetSessionStatus(l.ctx, l.userID, l.variant, status); err != nil {
		logger.Error("failed to persist session status", zap.Int64("user_id", l.userID), zap.Error(err))
	}
	if l.notifier != nil {
		l.notifier.SessionStopped(l.userID, status, snap.SessionProfit)
	}
}

// ResetDaily reopens the session for a new trading day
func (l *Loop) ResetDaily(ctx context.Context) {
	l.manager.ResetDaily()
	l.stopped.Store(false)

	if err := l.store.SetSessionStatus(ctx, l.userID, l.variant, models.SessionActive); err != nil {
		logger.Error("failed to reopen session", zap.Int64("user_id", l.userID), zap.Error(err))
	}
	l.events.Log(l.userID, "info", "session", "daily reset")
}

// diagnose emits a rate-limited analysis event. The cooldown is skipped
// when the direction flips or the probability moves materially.
func (l *Loop) diagnose(signal models.Signal, threshold float64, msg string) {
	l.diagMu.Lock()
	now := time.Now()
	changed := signal.Direction != l.diagDir || math.Abs(signal.Probability-l.diagProb) >= 0.05
	if !changed && now.Sub(l.diagAt) < l.engCfg.DiagnosticCooldown {
		l.diagMu.Unlock()
		return
	}
	l.diagAt = now
	l.diagDir = signal.Direction
	l.diagProb = signal.Probability
	l.diagMu.Unlock()

	if signal.HasDirection() {
		msg = fmt.Sprintf("%s (direction %s, probability %.2f, threshold %.2f)",
			msg, signal.Direction, signal.Probability, threshold)
	}
	l.events.Log(l.userID, "debug", "analysis", msg)
	logger.Debug("analysis", zap.Int64("user_id", l.userID), zap.String("detail", msg))
}
