package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/agent"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/money"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Repository is the persistence surface the manager needs
type Repository interface {
	agent.TradeStore
	LoadActiveConfigs(ctx context.Context, variant string) ([]models.AgentConfig, error)
	SaveConfig(ctx context.Context, cfg *models.AgentConfig) error
	DeactivateConfig(ctx context.Context, userID int64, variant string) error
}

// Warmer pre-opens the broker connection for a credential and reports
// the account balance from the handshake
type Warmer interface {
	Warm(ctx context.Context, token string) (decimal.Decimal, error)
}

// Lock is a held distributed lock
type Lock interface {
	Release()
}

// LockFactory serializes activation across engine instances. A nil
// factory means single-instance deployment, no locking.
type LockFactory interface {
	Acquire(ctx context.Context, key string) (Lock, error)
}

// TickSource delivers instrument ticks to a subscriber
type TickSource interface {
	Subscribe(ctx context.Context, symbol string, fn func(models.Tick)) (func(), error)
}

type handle struct {
	loop         *agent.Loop
	cfg          models.AgentConfig
	startBalance decimal.Decimal
	unsubscribe  func()
	cancel       context.CancelFunc
}

// Manager owns the set of running agent sessions for one engine variant:
// activation, reconfiguration, deactivation and the daily reset.
type Manager struct {
	ctx context.Context

	engCfg    *config.EngineConfig
	brokerCfg *config.BrokerConfig

	repo       Repository
	exec       agent.Executor
	warmer     Warmer
	ticks      TickSource
	locks      LockFactory
	events     agent.EventSink
	notifier   agent.Notifier
	strategies map[string]agent.Strategy

	mu     sync.RWMutex
	agents map[int64]*handle
}

// NewManager wires a session manager
func NewManager(
	ctx context.Context,
	engCfg *config.EngineConfig,
	brokerCfg *config.BrokerConfig,
	repo Repository,
	exec agent.Executor,
	warmer Warmer,
	ticks TickSource,
	locks LockFactory,
	events agent.EventSink,
	notifier agent.Notifier,
	strategies map[string]agent.Strategy,
) *Manager {
	if events == nil {
		events = agent.NopSink{}
	}
	return &Manager{
		ctx:        ctx,
		engCfg:     engCfg,
		brokerCfg:  brokerCfg,
		repo:       repo,
		exec:       exec,
		warmer:     warmer,
		ticks:      ticks,
		locks:      locks,
		events:     events,
		notifier:   notifier,
		strategies: strategies,
		agents:     make(map[int64]*handle),
	}
}

// Start loads every persisted active configuration and activates it,
// then begins the periodic health report
func (m *Manager) Start(ctx context.Context) error {
	configs, err := m.repo.LoadActiveConfigs(ctx, m.engCfg.Variant)
	if err != nil {
		return fmt.Errorf("failed to load agent configs: %w", err)
	}

	for i := range configs {
		cfg := configs[i]
		if err := m.ActivateUser(ctx, cfg); err != nil {
			logger.Error("failed to activate persisted agent",
				zap.Int64("user_id", cfg.UserID),
				zap.Error(err),
			)
		}
	}

	logger.Info("session manager started",
		zap.String("variant", m.engCfg.Variant),
		zap.Int("agents", m.Count()),
	)

	go m.healthLoop()
	return nil
}

// ActivateUser starts (or reconfigures) the agent session for a user.
// Calling it again for a running user swaps the parameters in place and
// keeps the money-management state, so repeated activation never resets
// an open recovery.
func (m *Manager) ActivateUser(ctx context.Context, cfg models.AgentConfig) error {
	if cfg.Variant == "" {
		cfg.Variant = m.engCfg.Variant
	}

	strategy, ok := m.strategies[cfg.Variant]
	if !ok {
		return fmt.Errorf("unknown agent variant %q", cfg.Variant)
	}

	if m.locks != nil {
		lock, err := m.locks.Acquire(ctx, fmt.Sprintf("agent:%d:%s", cfg.UserID, cfg.Variant))
		if err != nil {
			return fmt.Errorf("failed to acquire activation lock for user %d: %w", cfg.UserID, err)
		}
		defer lock.Release()
	}

	m.mu.Lock()
	existing, running := m.agents[cfg.UserID]
	m.mu.Unlock()

	if running {
		existing.loop.UpdateConfig(cfg)
		m.mu.Lock()
		existing.cfg = cfg
		m.mu.Unlock()

		if err := m.repo.SaveConfig(ctx, &cfg); err != nil {
			return fmt.Errorf("failed to persist reconfiguration: %w", err)
		}
		logger.Info("agent reconfigured", zap.Int64("user_id", cfg.UserID))
		m.events.Log(cfg.UserID, "info", "session", "reconfigured")
		return nil
	}

	balance, err := m.warmer.Warm(ctx, cfg.BrokerToken)
	if err != nil {
		return fmt.Errorf("broker warm-up failed for user %d: %w", cfg.UserID, err)
	}

	agentCtx, cancel := context.WithCancel(m.ctx)
	manager := money.NewManager(cfg, m.brokerCfg.MinStake, m.brokerCfg.CommissionPercent)
	loop := agent.NewLoop(agentCtx, cfg, strategy, manager, m.exec, m.repo,
		m.events, m.notifier, m.engCfg, m.brokerCfg)

	unsubscribe, err := m.ticks.Subscribe(agentCtx, cfg.Symbol, loop.OnTick)
	if err != nil {
		cancel()
		return fmt.Errorf("tick subscription failed for user %d: %w", cfg.UserID, err)
	}

	m.mu.Lock()
	m.agents[cfg.UserID] = &handle{
		loop:         loop,
		cfg:          cfg,
		startBalance: balance,
		unsubscribe:  unsubscribe,
		cancel:       cancel,
	}
	m.mu.Unlock()

	if err := m.repo.SaveConfig(ctx, &cfg); err != nil {
		logger.Error("failed to persist agent config", zap.Int64("user_id", cfg.UserID), zap.Error(err))
	}

	logger.Info("agent activated",
		zap.Int64("user_id", cfg.UserID),
		zap.String("variant", cfg.Variant),
		zap.String("symbol", cfg.Symbol),
		zap.String("balance", balance.String()),
	)
	m.events.Log(cfg.UserID, "info", "session", "activated")
	return nil
}

// DeactivateUser stops the user's session and marks the configuration
// inactive. Deactivating an unknown user is a no-op.
func (m *Manager) DeactivateUser(ctx context.Context, userID int64) error {
	m.mu.Lock()
	h, ok := m.agents[userID]
	if ok {
		delete(m.agents, userID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	h.unsubscribe()
	h.cancel()

	if err := m.repo.DeactivateConfig(ctx, userID, h.cfg.Variant); err != nil {
		return fmt.Errorf("failed to deactivate config: %w", err)
	}

	logger.Info("agent deactivated", zap.Int64("user_id", userID))
	m.events.Log(userID, "info", "session", "deactivated")
	return nil
}

// ResetAllDaily reopens every session for a new trading day
func (m *Manager) ResetAllDaily(ctx context.Context) {
	m.mu.RLock()
	loops := make([]*agent.Loop, 0, len(m.agents))
	for _, h := range m.agents {
		loops = append(loops, h.loop)
	}
	m.mu.RUnlock()

	for _, l := range loops {
		l.ResetDaily(ctx)
	}
	logger.Info("daily reset applied", zap.Int("agents", len(loops)))
}

// Count returns the number of running agents
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// IsActive reports whether a user has a running session
func (m *Manager) IsActive(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[userID]
	return ok
}

// Stop tears every session down without deactivating its persisted
// configuration, so a restart resumes them
func (m *Manager) Stop() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.agents))
	for _, h := range m.agents {
		handles = append(handles, h)
	}
	m.agents = make(map[int64]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.unsubscribe()
		h.cancel()
	}
	logger.Info("session manager stopped", zap.Int("agents", len(handles)))
}

// healthLoop periodically reconciles running sessions with the
// persisted configurations and reports the population
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.engCfg.HealthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.syncWithStore()
		}
	}
}

// syncWithStore tears down agents whose config was switched off outside
// this process and picks up configs activated elsewhere
func (m *Manager) syncWithStore() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	configs, err := m.repo.LoadActiveConfigs(ctx, m.engCfg.Variant)
	if err != nil {
		logger.Error("health check failed to load agent configs", zap.Error(err))
		return
	}

	active := make(map[int64]models.AgentConfig, len(configs))
	for _, cfg := range configs {
		active[cfg.UserID] = cfg
	}

	m.mu.Lock()
	var orphans []*handle
	for id, h := range m.agents {
		if _, ok := active[id]; !ok {
			orphans = append(orphans, h)
			delete(m.agents, id)
		}
	}
	total := len(m.agents)
	stopped := 0
	for _, h := range m.agents {
		if h.loop.Stopped() {
			stopped++
		}
	}
	m.mu.Unlock()

	for _, h := range orphans {
		h.unsubscribe()
		h.cancel()
		logger.Info("agent stopped, config no longer active", zap.Int64("user_id", h.cfg.UserID))
		m.events.Log(h.cfg.UserID, "info", "session", "stopped by health check")
	}

	for id, cfg := range active {
		if m.IsActive(id) {
			continue
		}
		if err := m.ActivateUser(ctx, cfg); err != nil {
			logger.Error("health check failed to activate agent",
				zap.Int64("user_id", id),
				zap.Error(err),
			)
		}
	}

	logger.Info("session health",
		zap.Int("agents", total),
		zap.Int("stopped", stopped),
		zap.Int("reaped", len(orphans)),
	)
}
