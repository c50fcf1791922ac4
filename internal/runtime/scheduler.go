package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/audit"
	"github.com/onlytrade/onlytrade/internal/config"
	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/llm"
	"github.com/onlytrade/onlytrade/internal/market"
	"github.com/onlytrade/onlytrade/internal/memory"
	"github.com/onlytrade/onlytrade/internal/metrics"
	"github.com/onlytrade/onlytrade/internal/registry"
)

// Scheduler drives trader cycles. In replay mode the replay ticker feeds
// it bar counts; in live_file mode a periodic timer triggers cycles.
// Either way runCycleOnce runs under a single-flight guard: overlapping
// triggers coalesce into the pending-steps counter.
type Scheduler struct {
	cfg config.AgentConfig

	registry   *registry.Registry
	builder    *features.Builder
	engine     *decision.Engine
	llmClient  *llm.Client // nil when disabled
	memory     *memory.Store
	audit      *audit.Logger
	killSwitch *KillSwitch

	readinessCfg features.ReadinessConfig
	llmEnabled   bool
	tokenSaver   bool
	dataMode     string

	// liveStatus feeds the session guard's freshness check. Nil in
	// replay mode.
	liveStatus func() market.LiveFileStatus

	mu                sync.Mutex
	inFlight          bool
	pendingSteps      int
	barsSinceDecision int
	paused            bool
	autoPaused        bool

	totalCycles      int64
	successfulCycles int64
	failedCycles     int64
	callCount        map[string]int64
	flatCycles       map[string]int

	prompts map[string]*llm.PromptBuilder

	now func() time.Time
	log zerolog.Logger
}

// SchedulerConfig wires the scheduler's collaborators.
type SchedulerConfig struct {
	Agent        config.AgentConfig
	DataMode     string
	LLMEnabled   bool
	TokenSaver   bool
	Registry     *registry.Registry
	Builder      *features.Builder
	Engine       *decision.Engine
	LLMClient    *llm.Client
	Memory       *memory.Store
	Audit        *audit.Logger
	KillSwitch   *KillSwitch
	Readiness    features.ReadinessConfig
	LiveStatus   func() market.LiveFileStatus
}

// NewScheduler creates the runtime scheduler. If the kill-switch was
// active on boot, the scheduler starts paused.
func NewScheduler(cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:          cfg.Agent,
		registry:     cfg.Registry,
		builder:      cfg.Builder,
		engine:       cfg.Engine,
		llmClient:    cfg.LLMClient,
		memory:       cfg.Memory,
		audit:        cfg.Audit,
		killSwitch:   cfg.KillSwitch,
		readinessCfg: cfg.Readiness,
		llmEnabled:   cfg.LLMEnabled,
		tokenSaver:   cfg.TokenSaver,
		dataMode:     cfg.DataMode,
		liveStatus:   cfg.LiveStatus,
		callCount:    make(map[string]int64),
		flatCycles:   make(map[string]int),
		prompts:      make(map[string]*llm.PromptBuilder),
		now:          time.Now,
		log:          log.With().Str("component", "scheduler").Logger(),
	}
	if cfg.KillSwitch != nil && cfg.KillSwitch.Active() {
		s.paused = true
		metrics.KillSwitchActive.Set(1)
		s.log.Warn().Msg("Scheduler starts paused: kill-switch active from previous run")
	}
	return s
}

// SetNowFunc overrides the clock, for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) { s.now = now }

// OnBarsAdvanced is the replay-mode trigger: n bars advanced since the
// last tick. Whole decision periods convert into pending steps.
func (s *Scheduler) OnBarsAdvanced(n int) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.barsSinceDecision += n
	if every := s.cfg.DecisionEveryBars; s.barsSinceDecision >= every {
		s.pendingSteps += s.barsSinceDecision / every
		s.barsSinceDecision %= every
	}
	s.mu.Unlock()

	s.dispatch()
}

// RunTimer drives live_file mode: one pending step per cycle_ms.
func (s *Scheduler) RunTimer(ctx context.Context) error {
	interval := time.Duration(s.cfg.CycleMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			if !s.paused {
				s.pendingSteps++
			}
			s.mu.Unlock()
			s.dispatch()
		}
	}
}

// dispatch drains pending steps under the single-flight guard.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	if s.inFlight || s.paused || s.pendingSteps == 0 {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	go s.drain()
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.paused || s.pendingSteps == 0 {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		s.pendingSteps--
		s.mu.Unlock()

		s.runCycleOnce()
	}
}

// runCycleOnce evaluates every running trader in registry order.
// Per-trader failures are isolated.
func (s *Scheduler) runCycleOnce() {
	traders := s.registry.Running()
	if len(traders) == 0 {
		return
	}

	s.mu.Lock()
	s.totalCycles++
	s.mu.Unlock()

	for _, traderID := range traders {
		if err := s.runTraderCycle(traderID); err != nil {
			s.mu.Lock()
			s.failedCycles++
			s.mu.Unlock()
			metrics.CyclesTotal.WithLabelValues("failed").Inc()
			s.log.Error().Err(err).Str("trader_id", traderID).Msg("Trader cycle failed")
			continue
		}
		s.mu.Lock()
		s.successfulCycles++
		s.mu.Unlock()
		metrics.CyclesTotal.WithLabelValues("successful").Inc()
	}
}

func (s *Scheduler) runTraderCycle(traderID string) error {
	manifest, err := registry.LoadManifest(s.agentsDirOf(), traderID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.callCount[traderID]++
	cycle := s.callCount[traderID]
	flat := s.flatCycles[traderID]
	s.mu.Unlock()

	snap, err := s.memory.Get(traderID, s.cfg.InitialBalance)
	if err != nil {
		return err
	}
	account := snap.Account()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fctx, err := s.builder.Build(ctx, traderID, cycle, manifest.StockPool, snap.PositionShares())
	if err != nil {
		return err
	}

	readiness := features.EvaluateReadiness(fctx, s.now().UnixMilli(), s.readinessCfg)
	fctx.OpeningPhaseMode = readiness.OpeningPhaseActive

	input := decision.Input{
		TraderID:     traderID,
		TradingStyle: manifest.TradingStyle,
		RiskProfile:  manifest.RiskProfile,
		Cycle:        cycle,
		Context:      fctx,
		Account:      account,
		Readiness:    readiness,
		FlatCycles:   flat,
	}

	if readiness.Level != features.LevelERROR && s.llmEnabled && s.llmClient != nil && !s.killSwitch.Active() {
		input.LLMDecision = s.askLLM(ctx, manifest, fctx, account, &input)
	}
	if readiness.Level == features.LevelERROR {
		metrics.ReadinessGates.Inc()
	}

	record, after := s.engine.Evaluate(input)

	if err := s.memory.Apply(traderID, record, after); err != nil {
		s.log.Error().Err(err).Str("trader_id", traderID).Msg("Failed to persist memory snapshot")
	}
	s.audit.AppendDecision(traderID, record)
	s.audit.AppendAudit(traderID, record, readiness)

	if len(record.Decisions) > 0 {
		sub := record.Decisions[0]
		metrics.DecisionsTotal.WithLabelValues(traderID, sub.Action, record.DecisionSource).Inc()
		s.updateFlatCycles(traderID, after, sub.Action)
	}
	metrics.TraderEquity.WithLabelValues(traderID).Set(record.AccountState.TotalBalance)

	return nil
}

// askLLM runs the model call; every failure is swallowed in favor of the
// heuristic path.
func (s *Scheduler) askLLM(ctx context.Context, manifest *registry.Manifest, fctx *features.Context, account *decision.Account, input *decision.Input) *llm.Decision {
	pb := s.promptBuilderFor(manifest)

	digest := llm.AccountDigest{
		TotalBalance:     account.TotalBalance(),
		AvailableBalance: account.Cash,
		UnrealizedProfit: account.UnrealizedProfit(),
	}
	for _, h := range account.Holdings {
		digest.Positions = append(digest.Positions, llm.PositionDigest{
			Symbol: h.Symbol, Shares: h.Shares, AvgCost: h.AvgCost, MarkPrice: h.MarkPrice,
		})
	}

	systemPrompt := pb.SystemPrompt()
	userPrompt := pb.UserPrompt(fctx, digest)
	input.SystemPrompt = systemPrompt
	input.InputPrompt = userPrompt

	start := time.Now()
	out, err := s.llmClient.Decide(ctx, systemPrompt, userPrompt, fctx.CandidateSymbols(), fctx.Symbol, s.lotSize())
	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMFallbacks.Inc()
		s.log.Warn().Err(err).Str("trader_id", manifest.AgentID).Msg("LLM call failed, using heuristic")
		return nil
	}
	return out
}

func (s *Scheduler) promptBuilderFor(manifest *registry.Manifest) *llm.PromptBuilder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pb, ok := s.prompts[manifest.AgentID]; ok {
		return pb
	}
	pb := llm.NewPromptBuilder(llm.PromptProfile{
		AgentName:     manifest.AgentName,
		TradingStyle:  manifest.TradingStyle,
		RiskProfile:   manifest.RiskProfile,
		StrategyName:  manifest.StrategyName,
		Personality:   manifest.Personality,
		StylePromptCN: manifest.StylePromptCN,
	}, s.tokenSaver)
	s.prompts[manifest.AgentID] = pb
	return pb
}

// updateFlatCycles advances the anti-stall counter: holds while flat
// accumulate, anything else resets.
func (s *Scheduler) updateFlatCycles(traderID string, account *decision.Account, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action == decision.ActionHold && len(account.Holdings) == 0 {
		s.flatCycles[traderID]++
	} else {
		s.flatCycles[traderID] = 0
	}
}

// Pause stops scheduling. Manual pauses clear the auto-pause flag so the
// session guard never overrides them.
func (s *Scheduler) Pause(by string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked(by, false)
}

func (s *Scheduler) pauseLocked(by string, auto bool) {
	if !s.paused {
		s.log.Info().Str("by", by).Bool("auto", auto).Msg("Scheduler paused")
	}
	s.paused = true
	s.autoPaused = auto
}

// Resume restarts scheduling. Rejected while the kill-switch is active.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked("manual")
}

func (s *Scheduler) resumeLocked(by string) error {
	if s.killSwitch.Active() {
		return ErrKillSwitchActive
	}
	if s.paused {
		s.log.Info().Str("by", by).Msg("Scheduler resumed")
	}
	s.paused = false
	s.autoPaused = false
	return nil
}

// Step queues n extra cycles. Rejected while the kill-switch is active.
func (s *Scheduler) Step(n int) error {
	if n < 1 {
		n = 1
	}

	s.mu.Lock()
	if s.killSwitch.Active() {
		s.mu.Unlock()
		return ErrKillSwitchActive
	}
	s.paused = false
	s.pendingSteps += n
	s.mu.Unlock()

	s.dispatch()
	return nil
}

// ActivateKillSwitch engages the global halt: persist the flag, pause,
// and drop all pending work. The dropped bars are never retroactively
// processed.
func (s *Scheduler) ActivateKillSwitch(reason, by string) error {
	if err := s.killSwitch.Activate(reason, by); err != nil {
		return err
	}
	metrics.KillSwitchActive.Set(1)

	s.mu.Lock()
	s.pauseLocked(by, false)
	s.pendingSteps = 0
	s.barsSinceDecision = 0
	s.mu.Unlock()
	return nil
}

// DeactivateKillSwitch disengages the halt. The scheduler stays paused
// until an explicit resume; pending steps restart from zero.
func (s *Scheduler) DeactivateKillSwitch(by string) error {
	if err := s.killSwitch.Deactivate(by); err != nil {
		return err
	}
	metrics.KillSwitchActive.Set(0)
	return nil
}

// SchedulerStatus is the control-API view of the scheduler.
type SchedulerStatus struct {
	Paused           bool             `json:"paused"`
	AutoPaused       bool             `json:"auto_paused"`
	InFlight         bool             `json:"in_flight"`
	PendingSteps     int              `json:"pending_steps"`
	TotalCycles      int64            `json:"total_cycles"`
	SuccessfulCycles int64            `json:"successful_cycles"`
	FailedCycles     int64            `json:"failed_cycles"`
	CallCount        map[string]int64 `json:"call_count"`
	KillSwitch       KillSwitchState  `json:"kill_switch"`
	DataMode         string           `json:"data_mode"`
}

// Status implements the control surface.
func (s *Scheduler) Status() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make(map[string]int64, len(s.callCount))
	for id, n := range s.callCount {
		calls[id] = n
	}
	return SchedulerStatus{
		Paused:           s.paused,
		AutoPaused:       s.autoPaused,
		InFlight:         s.inFlight,
		PendingSteps:     s.pendingSteps,
		TotalCycles:      s.totalCycles,
		SuccessfulCycles: s.successfulCycles,
		FailedCycles:     s.failedCycles,
		CallCount:        calls,
		KillSwitch:       s.killSwitch.State(),
		DataMode:         s.dataMode,
	}
}

// RunSessionGuard auto-pauses outside CN-A trading sessions and
// optionally auto-resumes inside them. live_file mode only.
func (s *Scheduler) RunSessionGuard(ctx context.Context) error {
	if !s.cfg.SessionGuardEnabled || s.dataMode != config.ModeLiveFile {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := time.Duration(s.cfg.SessionGuardCheckMS) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkSession()
		}
	}
}

func (s *Scheduler) checkSession() {
	inSession := market.InSession(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if !inSession {
		if !s.paused {
			s.pauseLocked("session_guard", true)
		}
		return
	}

	if !s.autoPaused || !s.cfg.SessionGuardAutoResume {
		return
	}
	if s.cfg.SessionGuardRequireFresh && s.liveStatus != nil {
		st := s.liveStatus()
		if st.Stale || st.FrameCount == 0 {
			return
		}
	}
	if err := s.resumeLocked("session_guard"); err == nil {
		s.autoPaused = false
	}
}

// CallCount returns a trader's call counter, for tests and status.
func (s *Scheduler) CallCount(traderID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount[traderID]
}

func (s *Scheduler) lotSize() int {
	return s.engine.LotSize()
}

func (s *Scheduler) agentsDirOf() string {
	return s.registry.AgentsDir()
}
