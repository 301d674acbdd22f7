package database

import (
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// NewClickHouse connects to ClickHouse through the sqlx interface
func NewClickHouse(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)

	logger.Info("clickhouse connection established")

	return &DB{conn: conn}, nil
}
