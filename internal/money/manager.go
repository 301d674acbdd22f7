package money

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

var one = decimal.NewFromInt(1)

// Manager is the money-management state machine for one agent session.
// It alternates between base staking with win compounding and loss
// recovery staking, clamps every stake against the remaining daily loss
// headroom, and tracks the ratcheted trailing stop when the session runs
// in blindado mode.
type Manager struct {
	mu sync.Mutex

	cfg        models.AgentConfig
	minStake   decimal.Decimal
	commission decimal.Decimal // retained payout fraction after commission

	st State
}

// NewManager creates a manager in base phase for the given configuration
func NewManager(cfg models.AgentConfig, minStake, commissionPercent float64) *Manager {
	return &Manager{
		cfg:        cfg,
		minStake:   models.NewDecimal(minStake),
		commission: one.Sub(models.NewDecimal(commissionPercent).Div(decimal.NewFromInt(100))),
		st:         NewState(),
	}
}

// UpdateConfig swaps the staking parameters in place, keeping the
// accumulated state so reactivation never erases an open recovery
func (m *Manager) UpdateConfig(cfg models.AgentConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// InRecovery reports whether the session is recovering losses
func (m *Manager) InRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InRecovery()
}

// NextStake computes the stake for the next trade from the quoted payout
// fraction. The stake never exceeds the remaining daily loss headroom; a
// headroom below the broker minimum stops the session instead.
func (m *Manager) NextStake(payoutFraction decimal.Decimal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if payoutFraction.LessThanOrEqual(decimal.Zero) {
		return Decision{Action: ActionWait, Reason: "no usable payout quote"}
	}

	var stake decimal.Decimal
	var reason string

	if m.st.InRecovery() {
		// recover the accumulated loss plus the profile margin, sized so
		// the net payout after commission covers both
		effective := payoutFraction.Mul(m.commission)
		target := m.st.AccumulatedLoss.Mul(one.Add(m.cfg.RiskProfile.MarginFraction()))
		stake = models.RoundStake(target.Div(effective))
		reason = fmt.Sprintf("recovery level %d", m.st.RecoveryLevel)
	} else {
		stake = m.cfg.BaseStake
		if m.st.CompoundLevel > 0 && m.st.LastProfit.IsPositive() {
			stake = stake.Add(m.st.LastProfit)
			reason = fmt.Sprintf("compounding win %d", m.st.CompoundLevel)
		} else {
			reason = "base stake"
		}
	}

	if stake.LessThan(m.minStake) {
		stake = m.minStake
	}

	headroom := m.headroomLocked()
	if headroom.LessThan(m.minStake) {
		return Decision{Action: ActionStop, Reason: "daily loss headroom exhausted"}
	}
	if stake.GreaterThan(headroom) {
		stake = headroom.RoundDown(2)
		reason = reason + ", clamped to loss headroom"
	}

	return Decision{Action: ActionBuy, Stake: stake, Reason: reason}
}

// headroomLocked is how much the session may still lose today
func (m *Manager) headroomLocked() decimal.Decimal {
	drawdown := decimal.Zero
	if m.st.SessionProfit.IsNegative() {
		drawdown = m.st.SessionProfit.Neg()
	}
	return m.cfg.DailyLossLimit.Sub(drawdown)
}

// RecordOutcome folds one settled trade into the state machine
func (m *Manager) RecordOutcome(status models.TradeStatus, profit decimal.Decimal, stake decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.LastOutcome = status

	switch status {
	case models.TradeWon:
		m.st.SessionProfit = m.st.SessionProfit.Add(profit)
		m.st.WinStreak++
		m.st.LossStreak = 0

		if m.st.InRecovery() {
			// recovery win restores the drawdown: back to base, never
			// compounded
			m.st.Phase = PhaseBase
			m.st.RecoveryLevel = 0
			m.st.AccumulatedLoss = decimal.Zero
			m.st.CompoundLevel = 0
			m.st.LastProfit = decimal.Zero
		} else {
			if m.st.CompoundLevel < m.cfg.RiskProfile.CompoundCap() {
				m.st.CompoundLevel++
				m.st.LastProfit = profit
			} else {
				m.st.CompoundLevel = 0
				m.st.LastProfit = decimal.Zero
			}
		}

	case models.TradeLost:
		m.st.SessionProfit = m.st.SessionProfit.Add(profit)
		m.st.LossStreak++
		m.st.WinStreak = 0
		m.st.CompoundLevel = 0
		m.st.LastProfit = decimal.Zero

		m.st.Phase = PhaseRecovery
		m.st.RecoveryLevel++
		m.st.AccumulatedLoss = m.st.AccumulatedLoss.Add(stake)

		if depth := m.cfg.RiskProfile.MaxRecoveryDepth(); depth > 0 && m.st.RecoveryLevel > depth {
			logger.Warn("recovery depth limit reached, resetting to base stake",
				zap.Int64("user_id", m.cfg.UserID),
				zap.Int("level", m.st.RecoveryLevel),
				zap.String("abandoned_loss", m.st.AccumulatedLoss.String()),
			)
			m.st.Phase = PhaseBase
			m.st.RecoveryLevel = 0
			m.st.AccumulatedLoss = decimal.Zero
		}

	default:
		// broker-side errors leave staking state untouched
		return
	}

	m.updateRatchetLocked()
}

// updateRatchetLocked maintains the trailing stop: armed once profit
// reaches 40% of the daily target, with a floor at half the peak profit
// that only ever moves up
func (m *Manager) updateRatchetLocked() {
	if m.cfg.StopLossMode != models.StopLossBlindado {
		return
	}

	if m.st.SessionProfit.GreaterThan(m.st.PeakProfit) {
		m.st.PeakProfit = m.st.SessionProfit
	}

	if !m.st.RatchetArmed {
		armAt := m.cfg.DailyProfitTarget.Mul(decimal.NewFromFloat(0.4))
		if armAt.IsPositive() && m.st.SessionProfit.GreaterThanOrEqual(armAt) {
			m.st.RatchetArmed = true
			logger.Info("trailing stop armed",
				zap.Int64("user_id", m.cfg.UserID),
				zap.String("session_profit", m.st.SessionProfit.String()),
			)
		}
	}

	if m.st.RatchetArmed {
		floor := m.st.PeakProfit.Mul(decimal.NewFromFloat(0.5))
		if floor.GreaterThan(m.st.RatchetFloor) {
			m.st.RatchetFloor = floor
		}
	}
}

// CheckStops evaluates the session against its daily limits. The second
// return is false while the session may keep trading.
func (m *Manager) CheckStops() (models.SessionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.DailyProfitTarget.IsPositive() && m.st.SessionProfit.GreaterThanOrEqual(m.cfg.DailyProfitTarget) {
		return models.SessionStoppedProfit, true
	}
	if m.cfg.DailyLossLimit.IsPositive() && m.st.SessionProfit.LessThanOrEqual(m.cfg.DailyLossLimit.Neg()) {
		return models.SessionStoppedLoss, true
	}
	if m.cfg.StopLossMode == models.StopLossBlindado && m.st.RatchetArmed &&
		m.st.SessionProfit.LessThanOrEqual(m.st.RatchetFloor) {
		return models.SessionStoppedBlindado, true
	}

	return models.SessionActive, false
}

// ResetDaily zeroes the day's running figures. Recovery and compounding
// state survive the reset: an open drawdown carries into the new day.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.SessionProfit = decimal.Zero
	m.st.PeakProfit = decimal.Zero
	m.st.WinStreak = 0
	m.st.LossStreak = 0
	m.st.RatchetArmed = false
	m.st.RatchetFloor = decimal.Zero
}
