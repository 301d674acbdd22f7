package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/adapters/config"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/agent"
	"github.com/LeandroPivovar/zeenix-backend-sub005/internal/execution"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

type fakeRepo struct {
	mu          sync.Mutex
	persisted   []models.AgentConfig
	saves       int
	deactivated []int64
}

func (r *fakeRepo) LoadActiveConfigs(context.Context, string) ([]models.AgentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AgentConfig(nil), r.persisted...), nil
}

func (r *fakeRepo) SaveConfig(_ context.Context, cfg *models.AgentConfig) error {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) DeactivateConfig(_ context.Context, userID int64, _ string) error {
	r.mu.Lock()
	r.deactivated = append(r.deactivated, userID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) CreateTradeRecord(context.Context, *models.TradeRecord) error { return nil }
func (r *fakeRepo) MarkTradeActive(context.Context, string, string, decimal.Decimal) error {
	return nil
}
func (r *fakeRepo) SettleTrade(context.Context, string, models.TradeStatus, decimal.Decimal, decimal.Decimal) error {
	return nil
}
func (r *fakeRepo) UpdateDailyAggregates(context.Context, int64, string, decimal.Decimal, bool) error {
	return nil
}
func (r *fakeRepo) SetSessionStatus(context.Context, int64, string, models.SessionStatus) error {
	return nil
}

func (r *fakeRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type fakeWarmer struct {
	mu     sync.Mutex
	tokens []string
	fail   bool
}

func (w *fakeWarmer) Warm(_ context.Context, token string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return decimal.Zero, errors.New("broker unreachable")
	}
	w.tokens = append(w.tokens, token)
	return models.NewDecimal(1000), nil
}

type fakeTicks struct {
	mu         sync.Mutex
	subscribed []string
	unsubs     int
}

func (f *fakeTicks) Subscribe(_ context.Context, symbol string, _ func(models.Tick)) (func(), error) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, symbol)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTicks) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, string, execution.ContractSpec, func(execution.Outcome)) (*execution.Placed, error) {
	return &execution.Placed{ContractID: "1"}, nil
}

type noopStrategy struct{}

func (noopStrategy) Name() string                                      { return "momentum" }
func (noopStrategy) WindowSize() int                                   { return 10 }
func (noopStrategy) MinProbability(models.OperatingMode, bool) float64 { return 0.5 }
func (noopStrategy) Analyze([]models.Tick) models.Signal               { return models.Signal{} }

func newTestManager(repo *fakeRepo, warmer *fakeWarmer, ticks *fakeTicks) *Manager {
	engCfg := &config.EngineConfig{
		Variant:            "momentum",
		TickBufferSize:     60,
		DiagnosticCooldown: 30 * time.Second,
		HealthCheckEvery:   time.Hour,
	}
	brokerCfg := &config.BrokerConfig{
		Currency:          "USD",
		DurationTicks:     5,
		MinStake:          0.35,
		CommissionPercent: 3.0,
		DefaultPayout:     0.92,
	}

	return NewManager(context.Background(), engCfg, brokerCfg,
		repo, noopExecutor{}, warmer, ticks, nil, nil, nil,
		map[string]agent.Strategy{"momentum": noopStrategy{}})
}

func userConfig(userID int64) models.AgentConfig {
	return models.AgentConfig{
		UserID:            userID,
		Variant:           "momentum",
		Symbol:            "R_100",
		BaseStake:         models.NewDecimal(5),
		DailyProfitTarget: models.NewDecimal(100),
		DailyLossLimit:    models.NewDecimal(50),
		BrokerToken:       "tok",
		RiskProfile:       models.ProfileModerate,
		StopLossMode:      models.StopLossNormal,
		OperatingMode:     models.ModeNormal,
	}
}

func TestActivateUser(t *testing.T) {
	t.Run("activation starts one agent", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		if err := m.ActivateUser(context.Background(), userConfig(1)); err != nil {
			t.Fatalf("activation failed: %v", err)
		}
		if m.Count() != 1 || !m.IsActive(1) {
			t.Fatal("agent not registered")
		}
		if ticks.subCount() != 1 {
			t.Fatalf("tick subscriptions = %d, want 1", ticks.subCount())
		}
	})

	t.Run("repeated activation reconfigures in place", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		if err := m.ActivateUser(context.Background(), userConfig(1)); err != nil {
			t.Fatalf("first activation failed: %v", err)
		}
		before := m.agents[1].loop

		cfg := userConfig(1)
		cfg.BaseStake = models.NewDecimal(25)
		if err := m.ActivateUser(context.Background(), cfg); err != nil {
			t.Fatalf("reactivation failed: %v", err)
		}

		if m.Count() != 1 {
			t.Fatalf("agents = %d, want 1 after reactivation", m.Count())
		}
		if ticks.subCount() != 1 {
			t.Fatalf("tick subscriptions = %d, want 1 (no resubscribe)", ticks.subCount())
		}
		if m.agents[1].loop != before {
			t.Fatal("reactivation replaced the loop, losing session state")
		}
		if repo.saveCount() != 2 {
			t.Fatalf("config saves = %d, want 2", repo.saveCount())
		}
	})

	t.Run("unknown variant is rejected", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		cfg := userConfig(1)
		cfg.Variant = "mystery"
		if err := m.ActivateUser(context.Background(), cfg); err == nil {
			t.Fatal("expected error for unknown variant")
		}
		if m.Count() != 0 {
			t.Fatal("agent registered despite failed activation")
		}
	})

	t.Run("broker warm-up failure blocks activation", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{fail: true}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		if err := m.ActivateUser(context.Background(), userConfig(1)); err == nil {
			t.Fatal("expected warm-up error")
		}
		if m.Count() != 0 {
			t.Fatal("agent registered despite failed warm-up")
		}
	})
}

func TestDeactivateUser(t *testing.T) {
	t.Run("deactivation tears the session down", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		if err := m.ActivateUser(context.Background(), userConfig(1)); err != nil {
			t.Fatalf("activation failed: %v", err)
		}
		if err := m.DeactivateUser(context.Background(), 1); err != nil {
			t.Fatalf("deactivation failed: %v", err)
		}

		if m.Count() != 0 || m.IsActive(1) {
			t.Fatal("agent still registered")
		}
		ticks.mu.Lock()
		unsubs := ticks.unsubs
		ticks.mu.Unlock()
		if unsubs != 1 {
			t.Fatalf("unsubscribes = %d, want 1", unsubs)
		}
		repo.mu.Lock()
		deactivated := len(repo.deactivated)
		repo.mu.Unlock()
		if deactivated != 1 {
			t.Fatal("config not deactivated")
		}
	})

	t.Run("deactivating an unknown user is a no-op", func(t *testing.T) {
		repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
		m := newTestManager(repo, warmer, ticks)

		if err := m.DeactivateUser(context.Background(), 99); err != nil {
			t.Fatalf("expected no-op, got %v", err)
		}
	})
}

func TestStartRestoresPersistedAgents(t *testing.T) {
	repo := &fakeRepo{persisted: []models.AgentConfig{userConfig(1), userConfig(2)}}
	warmer, ticks := &fakeWarmer{}, &fakeTicks{}
	m := newTestManager(repo, warmer, ticks)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	if m.Count() != 2 {
		t.Fatalf("agents = %d, want 2", m.Count())
	}
}

func TestSyncWithStore(t *testing.T) {
	repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
	m := newTestManager(repo, warmer, ticks)

	if err := m.ActivateUser(context.Background(), userConfig(1)); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if err := m.ActivateUser(context.Background(), userConfig(2)); err != nil {
		t.Fatalf("activation failed: %v", err)
	}

	// user 1 went inactive in the store, user 3 was activated elsewhere
	repo.mu.Lock()
	repo.persisted = []models.AgentConfig{userConfig(2), userConfig(3)}
	repo.mu.Unlock()

	m.syncWithStore()

	if m.IsActive(1) {
		t.Error("agent with inactive config still running")
	}
	if !m.IsActive(2) || !m.IsActive(3) {
		t.Errorf("expected agents 2 and 3 running, count = %d", m.Count())
	}
	ticks.mu.Lock()
	unsubs := ticks.unsubs
	ticks.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("unsubscribes = %d, want 1", unsubs)
	}
}

func TestStopTearsDownWithoutDeactivating(t *testing.T) {
	repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
	m := newTestManager(repo, warmer, ticks)

	if err := m.ActivateUser(context.Background(), userConfig(1)); err != nil {
		t.Fatalf("activation failed: %v", err)
	}

	m.Stop()

	if m.Count() != 0 {
		t.Fatal("agents still registered after stop")
	}
	repo.mu.Lock()
	deactivated := len(repo.deactivated)
	repo.mu.Unlock()
	if deactivated != 0 {
		t.Fatal("stop must not deactivate persisted configs")
	}
}

func TestDailyResetWorker(t *testing.T) {
	repo, warmer, ticks := &fakeRepo{}, &fakeWarmer{}, &fakeTicks{}
	m := newTestManager(repo, warmer, ticks)

	w := NewDailyResetWorker(m)
	if w.Name() != "daily_reset" {
		t.Errorf("unexpected worker name %q", w.Name())
	}

	// same day: nothing happens
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// simulate a date rollover
	w.mu.Lock()
	w.lastDay = "2000-01-01"
	w.mu.Unlock()

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run after rollover failed: %v", err)
	}

	w.mu.Lock()
	day := w.lastDay
	w.mu.Unlock()
	if day == "2000-01-01" {
		t.Error("rollover did not advance the tracked day")
	}
}
