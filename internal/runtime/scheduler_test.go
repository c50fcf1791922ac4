package runtime

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlytrade/onlytrade/internal/audit"
	"github.com/onlytrade/onlytrade/internal/config"
	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/market"
	"github.com/onlytrade/onlytrade/internal/memory"
	"github.com/onlytrade/onlytrade/internal/registry"
	"github.com/onlytrade/onlytrade/internal/store"
)

func minuteFrame(symbol string, start time.Time, interval string, step time.Duration, price float64) market.Frame {
	return market.Frame{
		SchemaVersion: market.FrameSchemaVersion,
		Instrument:    market.Instrument{Symbol: symbol, Exchange: "sse", Timezone: "Asia/Shanghai", Currency: "CNY"},
		Interval:      interval,
		Window: market.Window{
			StartTSMS:  start.UnixMilli(),
			EndTSMS:    start.Add(step).UnixMilli(),
			TradingDay: market.TradingDayOf(start),
		},
		SessionPhase: market.SessionPhaseAt(start),
		Open:         price,
		High:         price + 0.1,
		Low:          price - 0.1,
		Close:        price,
		VolumeShares: 10000,
		TurnoverCNY:  price * 10000,
		VWAP:         price,
		Mode:         "mock",
		Provider:     "test",
	}
}

type schedulerFixture struct {
	scheduler *Scheduler
	registry  *registry.Registry
	memory    *memory.Store
	lastBar   time.Time
}

// newSchedulerFixture assembles a replay-backed scheduler with one
// running trader and a data horizon that evaluates as ready.
func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	loc := market.ShanghaiLocation()
	intradayStart := time.Date(2025, 3, 10, 9, 30, 0, 0, loc)

	var frames []market.Frame
	for i := 0; i < 260; i++ {
		start := intradayStart.Add(time.Duration(i) * time.Minute)
		frames = append(frames, minuteFrame("600519", start, "1m", time.Minute, 100+float64(i)*0.01))
	}
	batch := &market.Batch{SchemaVersion: market.BatchSchemaVersion, Frames: frames}

	var dailyFrames []market.Frame
	for i := 0; i < 90; i++ {
		start := intradayStart.AddDate(0, 0, i-90)
		dailyFrames = append(dailyFrames, minuteFrame("600519", start, "1d", 24*time.Hour, 95+float64(i)*0.05))
	}
	daily := &market.Batch{SchemaVersion: market.BatchSchemaVersion, Frames: dailyFrames}

	replay := market.NewReplay(batch, 60, len(frames), false, zerolog.Nop())
	svc := market.NewService(market.ServiceConfig{
		Provider:     &market.ReplayProvider{Replay: replay},
		Daily:        daily,
		ProviderMode: config.ProviderMock,
		DataMode:     config.ModeReplay,
	}, zerolog.Nop())

	agentsDir := filepath.Join(t.TempDir(), "agents")
	dataDir := filepath.Join(t.TempDir(), "data")
	manifest := registry.Manifest{
		AgentID:      "trader_alpha",
		AgentName:    "Alpha",
		AIModel:      "gpt-4o-mini",
		ExchangeID:   "cn_a_sim",
		TradingStyle: "momentum_trend",
		RiskProfile:  "balanced",
		StockPool:    []string{"600519"},
	}
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(agentsDir, "trader_alpha", "agent.json"), manifest))

	reg, err := registry.New(agentsDir, dataDir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Register("trader_alpha"))
	require.NoError(t, reg.Start("trader_alpha"))

	ks, err := NewKillSwitch(dataDir, zerolog.Nop())
	require.NoError(t, err)

	memStore := memory.NewStore(filepath.Join(dataDir, "agent-memory"), zerolog.Nop())

	engine := decision.NewEngine(config.GuardrailConfig{
		LotSize:                   100,
		MaxPositionCount:          4,
		MaxSymbolConcentrationPct: 0.35,
		TurnoverThrottlePct:       1.0,
		FlatEntryMinCycles:        6,
		FlatEntryMaxRSI:           65,
		FlatEntryLots:             1,
		OpeningPhaseMaxLots:       1,
		OpeningPhaseMaxConfidence: 0.6,
	}, 0.0003, zerolog.Nop())

	builder := features.NewBuilder(svc, config.ModeReplay, false, nil, zerolog.Nop())
	auditLog := audit.NewLogger(dataDir, zerolog.Nop())

	s := NewScheduler(SchedulerConfig{
		Agent: config.AgentConfig{
			CycleMS:           60000,
			DecisionEveryBars: 30,
			CommissionRate:    0.0003,
			InitialBalance:    300000,
		},
		DataMode:   config.ModeReplay,
		Registry:   reg,
		Builder:    builder,
		Engine:     engine,
		Memory:     memStore,
		Audit:      auditLog,
		KillSwitch: ks,
		Readiness:  features.DefaultReadinessConfig(),
	}, zerolog.Nop())

	lastBar := intradayStart.Add(260 * time.Minute)
	s.SetNowFunc(func() time.Time { return lastBar })

	return &schedulerFixture{scheduler: s, registry: reg, memory: memStore, lastBar: lastBar}
}

func TestRunTraderCycleProducesDecisionRecord(t *testing.T) {
	f := newSchedulerFixture(t)

	f.scheduler.runCycleOnce()

	assert.Equal(t, int64(1), f.scheduler.CallCount("trader_alpha"))

	snap, err := f.memory.Get("trader_alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Stats.Decisions)
	assert.Equal(t, 300000.0, snap.Stats.InitialBalance)
	require.Len(t, snap.RecentActions, 1)
}

func TestOnBarsAdvancedCadence(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	// 29 of 30 bars: no decision yet, the remainder is carried.
	s.OnBarsAdvanced(29)
	assert.Never(t, func() bool { return s.CallCount("trader_alpha") > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// 31 more bars complete two periods.
	s.OnBarsAdvanced(31)
	assert.Eventually(t, func() bool { return s.CallCount("trader_alpha") == 2 }, 5*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	remainder := s.barsSinceDecision
	s.mu.Unlock()
	assert.Equal(t, 0, remainder)
}

func TestOnBarsAdvancedIgnoredWhilePaused(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	s.Pause("test")
	s.OnBarsAdvanced(90)

	s.mu.Lock()
	pending := s.pendingSteps
	bars := s.barsSinceDecision
	s.mu.Unlock()
	assert.Zero(t, pending)
	assert.Zero(t, bars)
	assert.Zero(t, s.CallCount("trader_alpha"))
}

func TestStepRunsWhilePaused(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	s.Pause("test")
	require.NoError(t, s.Step(2))
	assert.Eventually(t, func() bool { return s.CallCount("trader_alpha") == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestKillSwitchDropsPendingWork(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	// Queue work without letting the drain loop pick it up.
	s.mu.Lock()
	s.paused = true
	s.pendingSteps = 3
	s.barsSinceDecision = 12
	s.mu.Unlock()

	require.NoError(t, s.ActivateKillSwitch("manual halt", "operator"))

	st := s.Status().(SchedulerStatus)
	assert.True(t, st.Paused)
	assert.Zero(t, st.PendingSteps)
	assert.True(t, st.KillSwitch.Active)
	assert.Zero(t, s.CallCount("trader_alpha"), "dropped steps are never processed")

	// Resume and step are rejected while engaged.
	assert.ErrorIs(t, s.Resume(), ErrKillSwitchActive)
	assert.ErrorIs(t, s.Step(1), ErrKillSwitchActive)

	// Deactivation alone keeps the scheduler paused.
	require.NoError(t, s.DeactivateKillSwitch("operator"))
	st = s.Status().(SchedulerStatus)
	assert.True(t, st.Paused)
	assert.False(t, st.KillSwitch.Active)

	// An explicit resume restarts with a clean slate.
	require.NoError(t, s.Resume())
	st = s.Status().(SchedulerStatus)
	assert.False(t, st.Paused)
	assert.Zero(t, st.PendingSteps)
}

func TestSchedulerStartsPausedWhenKillSwitchPersisted(t *testing.T) {
	f := newSchedulerFixture(t)
	require.NoError(t, f.scheduler.ActivateKillSwitch("halt", "operator"))

	// A new scheduler over the same kill-switch starts paused.
	s2 := NewScheduler(SchedulerConfig{
		Agent:      config.AgentConfig{DecisionEveryBars: 30},
		DataMode:   config.ModeReplay,
		Registry:   f.registry,
		KillSwitch: f.scheduler.killSwitch,
		Readiness:  features.DefaultReadinessConfig(),
	}, zerolog.Nop())

	st := s2.Status().(SchedulerStatus)
	assert.True(t, st.Paused)
	assert.True(t, st.KillSwitch.Active)
}

func TestDispatchSingleFlight(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	s.mu.Lock()
	s.inFlight = true
	s.pendingSteps = 1
	s.mu.Unlock()

	s.dispatch()

	s.mu.Lock()
	pending := s.pendingSteps
	s.mu.Unlock()
	assert.Equal(t, 1, pending, "second dispatcher never starts while one is in flight")

	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func TestSessionGuardAutoPauseAndResume(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler
	s.dataMode = config.ModeLiveFile
	s.cfg.SessionGuardEnabled = true
	s.cfg.SessionGuardAutoResume = true

	loc := market.ShanghaiLocation()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, loc) // before pre-open
	s.SetNowFunc(func() time.Time { return now })

	s.checkSession()
	st := s.Status().(SchedulerStatus)
	assert.True(t, st.Paused)
	assert.True(t, st.AutoPaused)

	// Market opens: auto-paused schedulers resume.
	now = time.Date(2025, 3, 10, 10, 0, 0, 0, loc)
	s.checkSession()
	st = s.Status().(SchedulerStatus)
	assert.False(t, st.Paused)
}

func TestSessionGuardNeverOverridesManualPause(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler
	s.dataMode = config.ModeLiveFile
	s.cfg.SessionGuardEnabled = true
	s.cfg.SessionGuardAutoResume = true

	s.Pause("operator")

	loc := market.ShanghaiLocation()
	s.SetNowFunc(func() time.Time { return time.Date(2025, 3, 10, 10, 0, 0, 0, loc) })

	s.checkSession()
	st := s.Status().(SchedulerStatus)
	assert.True(t, st.Paused, "manual pause survives the in-session check")
	assert.False(t, st.AutoPaused)
}

func TestSessionGuardRequiresFreshLiveData(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler
	s.dataMode = config.ModeLiveFile
	s.cfg.SessionGuardEnabled = true
	s.cfg.SessionGuardAutoResume = true
	s.cfg.SessionGuardRequireFresh = true

	stale := true
	s.liveStatus = func() market.LiveFileStatus {
		return market.LiveFileStatus{Stale: stale, FrameCount: 100}
	}

	loc := market.ShanghaiLocation()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, loc)
	s.SetNowFunc(func() time.Time { return now })
	s.checkSession()
	require.True(t, s.Status().(SchedulerStatus).AutoPaused)

	// In session but stale: stays paused.
	now = time.Date(2025, 3, 10, 10, 0, 0, 0, loc)
	s.checkSession()
	assert.True(t, s.Status().(SchedulerStatus).Paused)

	// Fresh data releases the auto-pause.
	stale = false
	s.checkSession()
	assert.False(t, s.Status().(SchedulerStatus).Paused)
}

func TestFlatCycleTracking(t *testing.T) {
	f := newSchedulerFixture(t)
	s := f.scheduler

	account := &decision.Account{Cash: 1000, Holdings: map[string]decision.Holding{}}
	s.updateFlatCycles("trader_alpha", account, decision.ActionHold)
	s.updateFlatCycles("trader_alpha", account, decision.ActionHold)

	s.mu.Lock()
	flat := s.flatCycles["trader_alpha"]
	s.mu.Unlock()
	assert.Equal(t, 2, flat)

	account.Holdings["600519"] = decision.Holding{Symbol: "600519", Shares: 100}
	s.updateFlatCycles("trader_alpha", account, decision.ActionBuy)

	s.mu.Lock()
	flat = s.flatCycles["trader_alpha"]
	s.mu.Unlock()
	assert.Zero(t, flat)
}
