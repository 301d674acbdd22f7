package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// DailyResetWorker reopens every session when the UTC date rolls over.
// It implements worker.Worker and is meant to run on a short interval;
// the reset itself fires once per day.
type DailyResetWorker struct {
	manager *Manager

	mu      sync.Mutex
	lastDay string
}

// NewDailyResetWorker creates the worker anchored to today so a restart
// mid-day does not trigger a spurious reset
func NewDailyResetWorker(manager *Manager) *DailyResetWorker {
	return &DailyResetWorker{
		manager: manager,
		lastDay: time.Now().UTC().Format("2006-01-02"),
	}
}

// Name returns worker name for logging
func (w *DailyResetWorker) Name() string {
	return "daily_reset"
}

// Run checks for a date change and applies the reset once per day
func (w *DailyResetWorker) Run(ctx context.Context) error {
	today := time.Now().UTC().Format("2006-01-02")

	w.mu.Lock()
	changed := today != w.lastDay
	if changed {
		w.lastDay = today
	}
	w.mu.Unlock()

	if !changed {
		return nil
	}

	logger.Info("trading day rolled over", zap.String("day", today))
	w.manager.ResetAllDaily(ctx)
	return nil
}
