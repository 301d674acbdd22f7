package trades

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/database"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Repository persists agent configurations, trade records and daily
// aggregates in PostgreSQL
type Repository struct {
	db *database.DB
}

// NewRepository creates a trades repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// LoadActiveConfigs returns every active agent configuration for the
// engine variant
func (r *Repository) LoadActiveConfigs(ctx context.Context, variant string) ([]models.AgentConfig, error) {
	query := `
		SELECT user_id, variant, symbol, base_stake, daily_profit_target,
		       daily_loss_limit, initial_balance, broker_token, risk_profile,
		       stop_loss_mode, operating_mode, telegram_chat_id, is_active,
		       created_at, updated_at
		FROM agent_configs
		WHERE variant = $1 AND is_active = true`

	var configs []models.AgentConfig
	if err := r.db.DB().SelectContext(ctx, &configs, query, variant); err != nil {
		return nil, fmt.Errorf("failed to load active configs: %w", err)
	}
	return configs, nil
}

// SaveConfig upserts one agent configuration and marks it active
func (r *Repository) SaveConfig(ctx context.Context, cfg *models.AgentConfig) error {
	query := `
		INSERT INTO agent_configs (
			user_id, variant, symbol, base_stake, daily_profit_target,
			daily_loss_limit, initial_balance, broker_token, risk_profile,
			stop_loss_mode, operating_mode, telegram_chat_id, is_active,
			session_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, true, $13, NOW(), NOW())
		ON CONFLICT (user_id, variant) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			base_stake = EXCLUDED.base_stake,
			daily_profit_target = EXCLUDED.daily_profit_target,
			daily_loss_limit = EXCLUDED.daily_loss_limit,
			initial_balance = EXCLUDED.initial_balance,
			broker_token = EXCLUDED.broker_token,
			risk_profile = EXCLUDED.risk_profile,
			stop_loss_mode = EXCLUDED.stop_loss_mode,
			operating_mode = EXCLUDED.operating_mode,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			is_active = true,
			updated_at = NOW()`

	_, err := r.db.DB().ExecContext(ctx, query,
		cfg.UserID, cfg.Variant, cfg.Symbol, cfg.BaseStake, cfg.DailyProfitTarget,
		cfg.DailyLossLimit, cfg.InitialBalance, cfg.BrokerToken, cfg.RiskProfile,
		cfg.StopLossMode, cfg.OperatingMode, cfg.TelegramChatID, models.SessionActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save config for user %d: %w", cfg.UserID, err)
	}
	return nil
}

// DeactivateConfig flags the configuration inactive
func (r *Repository) DeactivateConfig(ctx context.Context, userID int64, variant string) error {
	query := `UPDATE agent_configs SET is_active = false, updated_at = NOW()
	          WHERE user_id = $1 AND variant = $2`

	if _, err := r.db.DB().ExecContext(ctx, query, userID, variant); err != nil {
		return fmt.Errorf("failed to deactivate config for user %d: %w", userID, err)
	}
	return nil
}

// CreateTradeRecord inserts a pending trade row
func (r *Repository) CreateTradeRecord(ctx context.Context, rec *models.TradeRecord) error {
	query := `
		INSERT INTO trade_records (
			id, user_id, contract_id, contract_type, symbol, stake,
			entry_spot, exit_spot, payout, profit, recovery_level,
			compound_level, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.DB().ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.ContractID, rec.ContractType, rec.Symbol,
		rec.Stake, rec.EntrySpot, rec.ExitSpot, rec.Payout, rec.Profit,
		rec.RecoveryLevel, rec.CompoundLevel, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create trade record: %w", err)
	}
	return nil
}

// MarkTradeActive records the broker contract id once the buy confirms
func (r *Repository) MarkTradeActive(ctx context.Context, id, contractID string, entrySpot decimal.Decimal) error {
	query := `UPDATE trade_records
	          SET contract_id = $2, entry_spot = $3, status = $4
	          WHERE id = $1`

	if _, err := r.db.DB().ExecContext(ctx, query, id, contractID, entrySpot, models.TradeActive); err != nil {
		return fmt.Errorf("failed to mark trade %s active: %w", id, err)
	}
	return nil
}

// SettleTrade writes the terminal status and realized profit
func (r *Repository) SettleTrade(ctx context.Context, id string, status models.TradeStatus, profit, exitSpot decimal.Decimal) error {
	query := `UPDATE trade_records
	          SET status = $2, profit = $3, exit_spot = $4, settled_at = $5
	          WHERE id = $1 AND settled_at IS NULL`

	res, err := r.db.DB().ExecContext(ctx, query, id, status, profit, exitSpot, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to settle trade %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("trade %s already settled", id)
	}
	return nil
}

// UpdateDailyAggregates folds one settled trade into the per-day totals
func (r *Repository) UpdateDailyAggregates(ctx context.Context, userID int64, variant string, profit decimal.Decimal, won bool) error {
	wins, losses := 0, 1
	if won {
		wins, losses = 1, 0
	}

	query := `
		INSERT INTO daily_aggregates (user_id, variant, day, profit, trades, wins, losses)
		VALUES ($1, $2, CURRENT_DATE, $3, 1, $4, $5)
		ON CONFLICT (user_id, variant, day) DO UPDATE SET
			profit = daily_aggregates.profit + EXCLUDED.profit,
			trades = daily_aggregates.trades + 1,
			wins = daily_aggregates.wins + EXCLUDED.wins,
			losses = daily_aggregates.losses + EXCLUDED.losses`

	if _, err := r.db.DB().ExecContext(ctx, query, userID, variant, profit, wins, losses); err != nil {
		return fmt.Errorf("failed to update daily aggregates for user %d: %w", userID, err)
	}
	return nil
}

// SetSessionStatus persists the session stop state
func (r *Repository) SetSessionStatus(ctx context.Context, userID int64, variant string, status models.SessionStatus) error {
	query := `UPDATE agent_configs SET session_status = $3, updated_at = NOW()
	          WHERE user_id = $1 AND variant = $2`

	if _, err := r.db.DB().ExecContext(ctx, query, userID, variant, status); err != nil {
		return fmt.Errorf("failed to set session status for user %d: %w", userID, err)
	}
	return nil
}

// GetTelegramChatID returns the notification chat for a user, zero when
// none is configured
func (r *Repository) GetTelegramChatID(ctx context.Context, userID int64) (int64, error) {
	query := `SELECT telegram_chat_id FROM agent_configs
	          WHERE user_id = $1 AND telegram_chat_id <> 0
	          ORDER BY updated_at DESC LIMIT 1`

	var chatID int64
	err := r.db.DB().GetContext(ctx, &chatID, query, userID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load telegram chat for user %d: %w", userID, err)
	}
	return chatID, nil
}
