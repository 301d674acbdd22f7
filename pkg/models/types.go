package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// NewDecimalFromString creates decimal from string, zero on parse failure
func NewDecimalFromString(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RiskProfile controls recovery margin and depth limits
type RiskProfile string

const (
	ProfileConservative RiskProfile = "conservative"
	ProfileModerate     RiskProfile = "moderate"
	ProfileAggressive   RiskProfile = "aggressive"
)

// MarginFraction returns the profit margin added on top of recovered losses
func (p RiskProfile) MarginFraction() decimal.Decimal {
	switch p {
	case ProfileConservative:
		return decimal.NewFromFloat(0.10)
	case ProfileAggressive:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.NewFromFloat(0.15)
	}
}

// MaxRecoveryDepth returns the maximum consecutive-loss depth before a
// forced reset to base. Zero means unlimited (moderate/aggressive recover
// until the daily loss limit stops them).
func (p RiskProfile) MaxRecoveryDepth() int {
	if p == ProfileConservative {
		return 3
	}
	return 0
}

// CompoundCap returns how many consecutive wins may be compounded
func (p RiskProfile) CompoundCap() int {
	if p == ProfileConservative {
		return 1
	}
	return 2
}

// StopLossMode selects between a plain daily limit and the ratcheted
// trailing stop ("blindado")
type StopLossMode string

const (
	StopLossNormal   StopLossMode = "normal"
	StopLossBlindado StopLossMode = "blindado"
)

// OperatingMode tunes analysis thresholds per agent variant
type OperatingMode string

const (
	ModeFast   OperatingMode = "fast"
	ModeNormal OperatingMode = "normal"
	ModeSlow   OperatingMode = "slow"
)

// ContractType is the broker-side contract direction
type ContractType string

const (
	ContractCall ContractType = "CALL"
	ContractPut  ContractType = "PUT"
)

// TradeStatus is the lifecycle status of a trade record
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeActive  TradeStatus = "active"
	TradeWon     TradeStatus = "won"
	TradeLost    TradeStatus = "lost"
	TradeError   TradeStatus = "error"
)

// Terminal reports whether the status is final
func (s TradeStatus) Terminal() bool {
	return s == TradeWon || s == TradeLost || s == TradeError
}

// SessionStatus is the persisted per-user session state
type SessionStatus string

const (
	SessionActive          SessionStatus = "active"
	SessionStoppedProfit   SessionStatus = "stopped_profit"
	SessionStoppedLoss     SessionStatus = "stopped_loss"
	SessionStoppedBlindado SessionStatus = "stopped_blindado"
)

// Tick represents a single price tick for an instrument
type Tick struct {
	Symbol    string          `json:"symbol"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signal is the normalized result of one strategy analysis pass
type Signal struct {
	Direction   ContractType `json:"direction"` // empty = no directional signal
	Probability float64      `json:"probability"`
	Details     string       `json:"details"`
}

// HasDirection reports whether the analysis produced a tradable direction
func (s Signal) HasDirection() bool {
	return s.Direction == ContractCall || s.Direction == ContractPut
}

// AgentConfig is the per-user, per-variant trading configuration.
// Immutable once activation completes except through reconfiguration.
type AgentConfig struct {
	UserID            int64           `json:"user_id" db:"user_id"`
	Variant           string          `json:"variant" db:"variant"`
	Symbol            string          `json:"symbol" db:"symbol"`
	BaseStake         decimal.Decimal `json:"base_stake" db:"base_stake"`
	DailyProfitTarget decimal.Decimal `json:"daily_profit_target" db:"daily_profit_target"`
	DailyLossLimit    decimal.Decimal `json:"daily_loss_limit" db:"daily_loss_limit"`
	InitialBalance    decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	BrokerToken       string          `json:"-" db:"broker_token"`
	RiskProfile       RiskProfile     `json:"risk_profile" db:"risk_profile"`
	StopLossMode      StopLossMode    `json:"stop_loss_mode" db:"stop_loss_mode"`
	OperatingMode     OperatingMode   `json:"operating_mode" db:"operating_mode"`
	TelegramChatID    int64           `json:"telegram_chat_id" db:"telegram_chat_id"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is the append-only audit row for one placed contract
type TradeRecord struct {
	ID            string          `json:"id" db:"id"`
	UserID        int64           `json:"user_id" db:"user_id"`
	ContractID    string          `json:"contract_id" db:"contract_id"`
	ContractType  ContractType    `json:"contract_type" db:"contract_type"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Stake         decimal.Decimal `json:"stake" db:"stake"`
	EntrySpot     decimal.Decimal `json:"entry_spot" db:"entry_spot"`
	ExitSpot      decimal.Decimal `json:"exit_spot" db:"exit_spot"`
	Payout        decimal.Decimal `json:"payout" db:"payout"`
	Profit        decimal.Decimal `json:"profit" db:"profit"`
	RecoveryLevel int             `json:"recovery_level" db:"recovery_level"`
	CompoundLevel int             `json:"compound_level" db:"compound_level"`
	Status        TradeStatus     `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SettledAt     *time.Time      `json:"settled_at" db:"settled_at"`
}

// EngineEvent is one structured log-sink entry. Fire-and-forget: writing
// these must never block or fail the trading path.
type EngineEvent struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    int64     `json:"user_id"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}
