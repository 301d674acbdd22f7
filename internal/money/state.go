package money

import (
	"github.com/shopspring/decimal"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Phase is the staking phase of the state machine
type Phase string

const (
	PhaseBase     Phase = "base"
	PhaseRecovery Phase = "recovery"
)

// State is the full money-management state for one agent session. All
// mutation goes through Manager; State itself is a plain value so it can
// be snapshotted and inspected.
type State struct {
	Phase           Phase
	RecoveryLevel   int
	AccumulatedLoss decimal.Decimal
	CompoundLevel   int
	LastProfit      decimal.Decimal

	SessionProfit decimal.Decimal
	PeakProfit    decimal.Decimal
	WinStreak     int
	LossStreak    int

	RatchetArmed bool
	RatchetFloor decimal.Decimal

	LastOutcome models.TradeStatus
}

// NewState returns a fresh base-phase state
func NewState() State {
	return State{Phase: PhaseBase}
}

// InRecovery reports whether the state is recovering accumulated losses
func (s State) InRecovery() bool {
	return s.Phase == PhaseRecovery
}

// Action tells the decision loop what to do with the next signal
type Action string

const (
	ActionBuy  Action = "buy"
	ActionWait Action = "wait"
	ActionStop Action = "stop"
)

// Decision is the staking verdict for the next trade
type Decision struct {
	Action Action
	Stake  decimal.Decimal
	Reason string
}
