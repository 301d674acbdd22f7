package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/session"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
)

// LockFactory hands out short-lived RedLock locks. It serializes agent
// activation across engine instances so one user never runs twice.
type LockFactory struct {
	lockManager *redlock.RedLock
	ttl         time.Duration
}

// NewLockFactory creates a factory over the shared RedLock manager
func NewLockFactory(lockManager *redlock.RedLock) *LockFactory {
	return &LockFactory{
		lockManager: lockManager,
		ttl:         30 * time.Second,
	}
}

// Acquire takes the named lock, failing when another instance holds it
func (f *LockFactory) Acquire(ctx context.Context, key string) (session.Lock, error) {
	lockName := fmt.Sprintf("lock:%s", key)

	expiry, err := f.lockManager.Lock(ctx, lockName, f.ttl)
	if err != nil {
		return nil, fmt.Errorf("lock %s held elsewhere: %w", lockName, err)
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("failed to acquire lock %s: invalid expiry %v", lockName, expiry)
	}

	logger.Debug("distributed lock acquired",
		zap.String("lock", lockName),
		zap.Duration("expiry", expiry),
	)

	return &heldLock{manager: f.lockManager, name: lockName}, nil
}

type heldLock struct {
	manager *redlock.RedLock
	name    string
}

// Release drops the lock. An already expired lock is not an error.
func (l *heldLock) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.manager.UnLock(ctx, l.name); err != nil {
		logger.Warn("failed to release lock (may have already expired)",
			zap.String("lock", l.name),
			zap.Error(err),
		)
	}
}
