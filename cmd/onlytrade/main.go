package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/onlytrade/onlytrade/internal/audit"
	"github.com/onlytrade/onlytrade/internal/config"
	"github.com/onlytrade/onlytrade/internal/control"
	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/llm"
	"github.com/onlytrade/onlytrade/internal/market"
	"github.com/onlytrade/onlytrade/internal/memory"
	"github.com/onlytrade/onlytrade/internal/metrics"
	"github.com/onlytrade/onlytrade/internal/registry"
	"github.com/onlytrade/onlytrade/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger not configured yet; boot validation failures are fatal.
		config.InitLogger("info", "console")
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFmt)
	log.Info().
		Str("data_mode", cfg.Runtime.DataMode).
		Str("provider", cfg.Market.Provider).
		Bool("strict_live", cfg.Runtime.StrictLiveMode).
		Bool("llm_enabled", cfg.LLM.Enabled).
		Msg("Starting onlytrade runtime")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Runtime failed")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	group, ctx := errgroup.WithContext(ctx)

	daily, err := market.LoadDailyHistory(cfg.Market.DailyHistory)
	if err != nil {
		return err
	}

	var (
		provider   market.FrameProvider
		replay     *market.Replay
		liveFile   *market.LiveFile
		liveStatus func() market.LiveFileStatus
	)

	switch cfg.Runtime.DataMode {
	case config.ModeReplay:
		archive, err := market.LoadReplayArchive(cfg.Market.ReplayDir)
		if err != nil {
			return err
		}
		replay = market.NewReplay(archive, cfg.Replay.Speed, cfg.Replay.WarmupBars, cfg.Replay.Loop, log.Logger)
		provider = &market.ReplayProvider{Replay: replay}

	case config.ModeLiveFile:
		liveFile = market.NewLiveFile(cfg.LiveFile.Path, cfg.LiveFile.RefreshMS, cfg.LiveFile.StaleMS, log.Logger)
		provider = liveFile
		liveStatus = liveFile.Status
	}

	service := market.NewService(market.ServiceConfig{
		Provider:     provider,
		Daily:        daily,
		ProviderMode: cfg.Market.Provider,
		DataMode:     cfg.Runtime.DataMode,
		StrictLive:   cfg.Runtime.StrictLiveMode,
		UpstreamURL:  cfg.Market.UpstreamURL,
		UpstreamKey:  cfg.Market.UpstreamAPIKey,
	}, log.Logger)

	reg, err := registry.New(cfg.App.AgentDir, cfg.App.DataDir, log.Logger)
	if err != nil {
		return err
	}
	if err := reg.Reconcile(); err != nil {
		log.Warn().Err(err).Msg("Registry reconcile failed")
	}

	memStore := memory.NewStore(cfg.App.DataDir+"/agent-memory", log.Logger)
	if cfg.Runtime.ResetMemoryOnBoot {
		for _, id := range reg.Registered() {
			if err := memStore.Reset(id); err != nil {
				log.Warn().Err(err).Str("agent_id", id).Msg("Failed to reset agent memory")
			}
		}
		log.Info().Msg("Agent memory reset on boot")
	}

	killSwitch, err := runtime.NewKillSwitch(cfg.App.DataDir, log.Logger)
	if err != nil {
		return err
	}

	builder := features.NewBuilder(service, cfg.Runtime.DataMode, cfg.Runtime.StrictLiveMode, liveStatus, log.Logger)
	engine := decision.NewEngine(cfg.Guardrail, cfg.Agent.CommissionRate, log.Logger)
	auditLog := audit.NewLogger(cfg.App.DataDir, log.Logger)

	var llmClient *llm.Client
	if cfg.LLM.Enabled {
		llmClient = llm.NewClient(llm.ClientConfig{
			Endpoint:    cfg.LLM.Endpoint,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxOutputTokens,
			Timeout:     cfg.LLM.LLMTimeout(),
		})
	}

	scheduler := runtime.NewScheduler(runtime.SchedulerConfig{
		Agent:      cfg.Agent,
		DataMode:   cfg.Runtime.DataMode,
		LLMEnabled: cfg.LLM.Enabled,
		TokenSaver: cfg.LLM.TokenSaver,
		Registry:   reg,
		Builder:    builder,
		Engine:     engine,
		LLMClient:  llmClient,
		Memory:     memStore,
		Audit:      auditLog,
		KillSwitch: killSwitch,
		Readiness:  features.DefaultReadinessConfig(),
		LiveStatus: liveStatus,
	}, log.Logger)

	server := control.NewServer(cfg.Control.MetricsPort, cfg.Control.APIToken, scheduler, log.Logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	switch cfg.Runtime.DataMode {
	case config.ModeReplay:
		group.Go(func() error { return runReplayTicker(ctx, replay, scheduler, cfg.Replay.TickMS) })
	case config.ModeLiveFile:
		group.Go(func() error { return liveFile.Run(ctx) })
		group.Go(func() error { return scheduler.RunTimer(ctx) })
		group.Go(func() error { return watchLiveFreshness(ctx, liveFile) })
	}
	group.Go(func() error { return scheduler.RunSessionGuard(ctx) })

	return group.Wait()
}

// runReplayTicker advances the replay cursor on a fixed wall-clock tick
// and feeds the bar count to the scheduler.
func runReplayTicker(ctx context.Context, replay *market.Replay, scheduler *runtime.Scheduler, tickMS int) error {
	interval := time.Duration(tickMS) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now

			advanced := replay.Tick(float64(elapsed.Milliseconds()))
			if len(advanced) > 0 {
				scheduler.OnBarsAdvanced(len(advanced))
			}
			metrics.ReplayCursor.Set(float64(replay.Status().CursorIndex))
		}
	}
}

// watchLiveFreshness mirrors the live-file staleness into the gauge.
func watchLiveFreshness(ctx context.Context, liveFile *market.LiveFile) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if liveFile.Status().Stale {
				metrics.LiveFileStale.Set(1)
			} else {
				metrics.LiveFileStale.Set(0)
			}
		}
	}
}
