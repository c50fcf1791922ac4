// Package config loads runtime configuration from environment variables
// (optionally seeded from a config.yaml) and initialises the global logger.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Data modes selected by RUNTIME_DATA_MODE.
const (
	ModeReplay   = "replay"
	ModeLiveFile = "live_file"
)

// Market providers.
const (
	ProviderMock = "mock"
	ProviderReal = "real"
)

// Config holds all runtime configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Market    MarketConfig    `mapstructure:"market"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	LiveFile  LiveFileConfig  `mapstructure:"live_file"`
	Agent     AgentConfig     `mapstructure:"agent"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
	Control   ControlConfig   `mapstructure:"control"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFmt   string `mapstructure:"log_format"` // "json" or "console"
	DataDir  string `mapstructure:"data_dir"`   // root of the data/ layout
	AgentDir string `mapstructure:"agent_dir"`  // root of the agents/ manifests
}

// RuntimeConfig selects the data mode and runtime behavior.
type RuntimeConfig struct {
	DataMode          string `mapstructure:"data_mode"`   // replay | live_file
	StrictLiveMode    bool   `mapstructure:"strict_live"` // requires live_file + real
	ResetMemoryOnBoot bool   `mapstructure:"reset_memory_on_boot"`
}

// MarketConfig configures the market data service.
type MarketConfig struct {
	Provider       string `mapstructure:"provider"` // mock | real
	UpstreamURL    string `mapstructure:"upstream_url"`
	UpstreamAPIKey string `mapstructure:"upstream_api_key"`
	ReplayDir      string `mapstructure:"replay_dir"`    // frames.1m.json archive dir
	DailyHistory   string `mapstructure:"daily_history"` // frames.1d.<days>.json path
}

// ReplayConfig configures the replay engine.
type ReplayConfig struct {
	Speed      float64 `mapstructure:"speed"`
	WarmupBars int     `mapstructure:"warmup_bars"`
	TickMS     int     `mapstructure:"tick_ms"`
	Loop       bool    `mapstructure:"loop"`
}

// LiveFileConfig configures the live-file frame provider.
type LiveFileConfig struct {
	Path      string `mapstructure:"path"`
	RefreshMS int    `mapstructure:"refresh_ms"`
	StaleMS   int    `mapstructure:"stale_ms"`
}

// AgentConfig configures the scheduler cadence and session guard.
type AgentConfig struct {
	CycleMS                  int     `mapstructure:"cycle_ms"`
	DecisionEveryBars        int     `mapstructure:"decision_every_bars"`
	CommissionRate           float64 `mapstructure:"commission_rate"`
	SessionGuardEnabled      bool    `mapstructure:"session_guard_enabled"`
	SessionGuardAutoResume   bool    `mapstructure:"session_guard_auto_resume"`
	SessionGuardCheckMS      int     `mapstructure:"session_guard_check_ms"`
	SessionGuardRequireFresh bool    `mapstructure:"session_guard_require_fresh_live_data"`
	InitialBalance           float64 `mapstructure:"initial_balance"`
}

// LLMConfig contains LLM gateway settings.
type LLMConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Endpoint        string  `mapstructure:"endpoint"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	TimeoutMS       int     `mapstructure:"timeout_ms"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	TokenSaver      bool    `mapstructure:"token_saver"`
}

// GuardrailConfig contains the decision-engine limits. All are tunable.
type GuardrailConfig struct {
	LotSize                    int     `mapstructure:"lot_size"`
	MaxPositionCount           int     `mapstructure:"max_position_count"`
	MaxSymbolConcentrationPct  float64 `mapstructure:"max_symbol_concentration_pct"`
	MinCashReservePct          float64 `mapstructure:"min_cash_reserve_pct"`
	TurnoverThrottlePct        float64 `mapstructure:"turnover_throttle_pct"`
	FlatEntryMinCycles         int     `mapstructure:"flat_entry_min_cycles"`
	FlatEntryMaxRSI            float64 `mapstructure:"flat_entry_max_rsi"`
	FlatEntryLots              int     `mapstructure:"flat_entry_lots"`
	ConservativeProbeMinCycles int     `mapstructure:"conservative_probe_min_cycles"`
	ConservativeProbeMaxRSI    float64 `mapstructure:"conservative_probe_max_rsi"`
	ConservativeProbeRetGate   float64 `mapstructure:"conservative_probe_ret_gate"`
	ConservativeProbeLots      int     `mapstructure:"conservative_probe_lots"`
	OpeningPhaseMaxLots        int     `mapstructure:"opening_phase_max_lots"`
	OpeningPhaseMaxConfidence  float64 `mapstructure:"opening_phase_max_confidence"`
}

// ControlConfig secures the control endpoints.
type ControlConfig struct {
	APIToken    string `mapstructure:"api_token"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// envBindings maps viper keys to the flat environment variables that form
// the documented configuration surface of the runtime.
var envBindings = map[string]string{
	"app.log_level":  "LOG_LEVEL",
	"app.log_format": "LOG_FORMAT",
	"app.data_dir":   "DATA_DIR",
	"app.agent_dir":  "AGENTS_DIR",

	"runtime.data_mode":            "RUNTIME_DATA_MODE",
	"runtime.strict_live":          "STRICT_LIVE_MODE",
	"runtime.reset_memory_on_boot": "RESET_AGENT_MEMORY_ON_BOOT",

	"market.provider":         "MARKET_PROVIDER",
	"market.upstream_url":     "MARKET_UPSTREAM_URL",
	"market.upstream_api_key": "MARKET_UPSTREAM_API_KEY",
	"market.replay_dir":       "REPLAY_ARCHIVE_DIR",
	"market.daily_history":    "DAILY_HISTORY_PATH",

	"replay.speed":       "REPLAY_SPEED",
	"replay.warmup_bars": "REPLAY_WARMUP_BARS",
	"replay.tick_ms":     "REPLAY_TICK_MS",
	"replay.loop":        "REPLAY_LOOP",

	"live_file.path":       "LIVE_FRAMES_PATH",
	"live_file.refresh_ms": "LIVE_FILE_REFRESH_MS",
	"live_file.stale_ms":   "LIVE_FILE_STALE_MS",

	"agent.cycle_ms":                              "AGENT_RUNTIME_CYCLE_MS",
	"agent.decision_every_bars":                   "AGENT_DECISION_EVERY_BARS",
	"agent.commission_rate":                       "AGENT_COMMISSION_RATE",
	"agent.session_guard_enabled":                 "AGENT_SESSION_GUARD_ENABLED",
	"agent.session_guard_auto_resume":             "AGENT_SESSION_GUARD_AUTO_RESUME",
	"agent.session_guard_check_ms":                "AGENT_SESSION_GUARD_CHECK_MS",
	"agent.session_guard_require_fresh_live_data": "AGENT_SESSION_GUARD_REQUIRE_FRESH_LIVE_DATA",
	"agent.initial_balance":                       "AGENT_INITIAL_BALANCE",

	"llm.enabled":           "AGENT_LLM_ENABLED",
	"llm.endpoint":          "OPENAI_BASE_URL",
	"llm.api_key":           "OPENAI_API_KEY",
	"llm.model":             "OPENAI_MODEL",
	"llm.temperature":       "OPENAI_TEMPERATURE",
	"llm.timeout_ms":        "AGENT_LLM_TIMEOUT_MS",
	"llm.max_output_tokens": "AGENT_LLM_MAX_OUTPUT_TOKENS",
	"llm.token_saver":       "AGENT_LLM_DEV_TOKEN_SAVER",

	"guardrail.flat_entry_min_cycles":         "AGENT_FLAT_ENTRY_MIN_CYCLES",
	"guardrail.flat_entry_max_rsi":            "AGENT_FLAT_ENTRY_MAX_RSI",
	"guardrail.flat_entry_lots":               "AGENT_FLAT_ENTRY_LOTS",
	"guardrail.conservative_probe_min_cycles": "AGENT_CONSERVATIVE_PROBE_MIN_CYCLES",
	"guardrail.conservative_probe_max_rsi":    "AGENT_CONSERVATIVE_PROBE_MAX_RSI",
	"guardrail.conservative_probe_ret_gate":   "AGENT_CONSERVATIVE_PROBE_RET_GATE",
	"guardrail.conservative_probe_lots":       "AGENT_CONSERVATIVE_PROBE_LOTS",

	"control.api_token":    "CONTROL_API_TOKEN",
	"control.metrics_port": "CONTROL_METRICS_PORT",
}

// Load loads configuration from an optional config file and environment
// variables, applies defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "onlytrade")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.data_dir", "data")
	v.SetDefault("app.agent_dir", "agents")

	v.SetDefault("runtime.data_mode", ModeReplay)
	v.SetDefault("runtime.strict_live", false)
	v.SetDefault("runtime.reset_memory_on_boot", false)

	v.SetDefault("market.provider", ProviderMock)
	v.SetDefault("market.replay_dir", "onlytrade-web/public/replay/cn-a/latest")
	v.SetDefault("market.daily_history", "onlytrade-web/public/replay/cn-a/history/frames.1d.90.json")

	v.SetDefault("replay.speed", 60.0)
	v.SetDefault("replay.warmup_bars", 30)
	v.SetDefault("replay.tick_ms", 200)
	v.SetDefault("replay.loop", false)

	v.SetDefault("live_file.path", "data/live/onlytrade/frames.1m.json")
	v.SetDefault("live_file.refresh_ms", 5000)
	v.SetDefault("live_file.stale_ms", 180000)

	v.SetDefault("agent.cycle_ms", 60000)
	v.SetDefault("agent.decision_every_bars", 5)
	v.SetDefault("agent.commission_rate", 0.0003)
	v.SetDefault("agent.session_guard_enabled", true)
	v.SetDefault("agent.session_guard_auto_resume", true)
	v.SetDefault("agent.session_guard_check_ms", 30000)
	v.SetDefault("agent.session_guard_require_fresh_live_data", false)
	v.SetDefault("agent.initial_balance", 1000000.0)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.4)
	v.SetDefault("llm.timeout_ms", 7000)
	v.SetDefault("llm.max_output_tokens", 600)
	v.SetDefault("llm.token_saver", false)

	v.SetDefault("guardrail.lot_size", 100)
	v.SetDefault("guardrail.max_position_count", 4)
	v.SetDefault("guardrail.max_symbol_concentration_pct", 0.35)
	v.SetDefault("guardrail.min_cash_reserve_pct", 0.05)
	v.SetDefault("guardrail.turnover_throttle_pct", 1.0)
	v.SetDefault("guardrail.flat_entry_min_cycles", 6)
	v.SetDefault("guardrail.flat_entry_max_rsi", 65.0)
	v.SetDefault("guardrail.flat_entry_lots", 1)
	v.SetDefault("guardrail.conservative_probe_min_cycles", 10)
	v.SetDefault("guardrail.conservative_probe_max_rsi", 52.0)
	v.SetDefault("guardrail.conservative_probe_ret_gate", -0.002)
	v.SetDefault("guardrail.conservative_probe_lots", 1)
	v.SetDefault("guardrail.opening_phase_max_lots", 1)
	v.SetDefault("guardrail.opening_phase_max_confidence", 0.6)

	v.SetDefault("control.metrics_port", 9464)
}

// Validate enforces boot-time constraints. Violations are fatal.
func (c *Config) Validate() error {
	switch c.Runtime.DataMode {
	case ModeReplay, ModeLiveFile:
	default:
		return fmt.Errorf("invalid RUNTIME_DATA_MODE %q", c.Runtime.DataMode)
	}

	if c.Runtime.StrictLiveMode {
		if c.Runtime.DataMode != ModeLiveFile {
			return errors.New("strict_live_mode_requires_runtime_data_mode_live_file")
		}
		if c.Market.Provider != ProviderReal {
			return errors.New("strict_live_mode_requires_market_provider_real")
		}
	}

	switch c.Market.Provider {
	case ProviderMock, ProviderReal:
	default:
		return fmt.Errorf("invalid MARKET_PROVIDER %q", c.Market.Provider)
	}

	if c.Agent.DecisionEveryBars < 1 {
		return errors.New("AGENT_DECISION_EVERY_BARS must be >= 1")
	}
	if c.Agent.CommissionRate < 0 {
		return errors.New("AGENT_COMMISSION_RATE must be >= 0")
	}
	if c.Replay.WarmupBars < 1 {
		return errors.New("REPLAY_WARMUP_BARS must be >= 1")
	}

	return nil
}

// LLMTimeout returns the LLM timeout as a time.Duration.
func (c *LLMConfig) LLMTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
