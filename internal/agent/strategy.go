package agent

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/execution"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Strategy analyzes a tick window and emits a directional signal
type Strategy interface {
	Name() string
	// WindowSize is the number of ticks the strategy needs before it can
	// produce a signal
	WindowSize() int
	// MinProbability is the entry threshold for the operating mode,
	// raised while the session is recovering losses
	MinProbability(mode models.OperatingMode, inRecovery bool) float64
	Analyze(ticks []models.Tick) models.Signal
}

// Executor places trades and reports their settlement
type Executor interface {
	Execute(ctx context.Context, token string, spec execution.ContractSpec, onOutcome func(execution.Outcome)) (*execution.Placed, error)
}

// TradeStore persists trade records and per-day aggregates
type TradeStore interface {
	CreateTradeRecord(ctx context.Context, rec *models.TradeRecord) error
	MarkTradeActive(ctx context.Context, id, contractID string, entrySpot decimal.Decimal) error
	SettleTrade(ctx context.Context, id string, status models.TradeStatus, profit, exitSpot decimal.Decimal) error
	UpdateDailyAggregates(ctx context.Context, userID int64, variant string, profit decimal.Decimal, won bool) error
	SetSessionStatus(ctx context.Context, userID int64, variant string, status models.SessionStatus) error
}

// EventSink receives structured engine events. Implementations must not
// block the trading path.
type EventSink interface {
	Log(userID int64, level, category, message string)
}

// NopSink discards events
type NopSink struct{}

func (NopSink) Log(int64, string, string, string) {}

// Notifier delivers user-facing alerts
type Notifier interface {
	TradeSettled(userID int64, rec *models.TradeRecord, sessionProfit decimal.Decimal)
	SessionStopped(userID int64, status models.SessionStatus, sessionProfit decimal.Decimal)
}
