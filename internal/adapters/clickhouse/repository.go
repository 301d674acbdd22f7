package clickhouse

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Repository handles ClickHouse data operations
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SaveEvents writes a batch of engine events
func (r *Repository) SaveEvents(ctx context.Context, events []models.EngineEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO engine_events
		(timestamp, user_id, level, category, message)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err = stmt.ExecContext(ctx,
			ev.Timestamp,
			ev.UserID,
			ev.Level,
			ev.Category,
			ev.Message,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved engine events to ClickHouse",
		zap.Int("count", len(events)),
	)

	return nil
}
