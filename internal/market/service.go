package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/config"
)

// ErrLiveFramesUnavailable is returned in strict live mode when the 1m
// live feed cannot serve a request. Strict mode never falls back to
// synthetic data.
var ErrLiveFramesUnavailable = errors.New("live_frames_unavailable")

// FrameProvider is the capability set shared by the replay engine and the
// live-file provider. Exactly one concrete implementation is constructed
// at boot, selected by RUNTIME_DATA_MODE.
type FrameProvider interface {
	GetFrames(symbol, interval string, limit int) []Frame
	Symbols() []string
}

// ReplayProvider adapts the replay engine to the FrameProvider contract:
// 1m queries serve the cursor-visible window.
type ReplayProvider struct {
	Replay *Replay
}

// GetFrames implements FrameProvider.
func (p *ReplayProvider) GetFrames(symbol, interval string, limit int) []Frame {
	if interval != "1m" {
		return nil
	}
	return p.Replay.VisibleFrames(symbol, limit)
}

// Symbols implements FrameProvider.
func (p *ReplayProvider) Symbols() []string { return p.Replay.Symbols() }

// Service is the unified frame/kline query API. Resolution precedence:
// registered 1m provider, then the static daily archive, then the
// upstream proxy or the deterministic generator. Strict live mode turns
// 1m unavailability into a hard error instead.
type Service struct {
	provider FrameProvider
	daily    *Batch

	providerMode string // mock | real
	dataMode     string // replay | live_file
	strictLive   bool

	upstreamURL string
	upstreamKey string
	httpClient  *http.Client

	now func() time.Time
	log zerolog.Logger
}

// ServiceConfig assembles a market data service.
type ServiceConfig struct {
	Provider     FrameProvider
	Daily        *Batch
	ProviderMode string
	DataMode     string
	StrictLive   bool
	UpstreamURL  string
	UpstreamKey  string
}

// NewService creates the market data service.
func NewService(cfg ServiceConfig, log zerolog.Logger) *Service {
	daily := cfg.Daily
	if daily == nil {
		daily = &Batch{SchemaVersion: BatchSchemaVersion, Frames: []Frame{}}
	}
	return &Service{
		provider:     cfg.Provider,
		daily:        daily,
		providerMode: cfg.ProviderMode,
		dataMode:     cfg.DataMode,
		strictLive:   cfg.StrictLive,
		upstreamURL:  cfg.UpstreamURL,
		upstreamKey:  cfg.UpstreamKey,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
		log:          log.With().Str("component", "market").Logger(),
	}
}

// GetFrames resolves a frame query. limit <= 0 yields an empty batch.
func (s *Service) GetFrames(ctx context.Context, symbol, interval string, limit int) (*Batch, error) {
	if limit <= 0 {
		return s.batchOf(nil), nil
	}

	if interval == "1m" && s.provider != nil {
		frames := s.provider.GetFrames(symbol, interval, limit)
		if len(frames) > 0 {
			return s.batchOf(frames), nil
		}
		if s.strictMode() {
			return nil, ErrLiveFramesUnavailable
		}
	}

	if interval == "1d" {
		return s.batchOf(tailFor(s.daily.Frames, symbol, limit)), nil
	}

	if s.strictMode() {
		return nil, ErrLiveFramesUnavailable
	}

	if s.providerMode == config.ProviderReal && s.upstreamURL != "" {
		batch, err := s.fetchUpstream(ctx, symbol, interval, limit)
		if err == nil {
			return batch, nil
		}
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Upstream fetch failed, using generator")
	}

	return s.batchOf(GenerateFrames(symbol, interval, limit, s.now())), nil
}

// GetKlines is an alias of GetFrames kept for API symmetry with the chart
// consumers.
func (s *Service) GetKlines(ctx context.Context, symbol, interval string, limit int) (*Batch, error) {
	return s.GetFrames(ctx, symbol, interval, limit)
}

// Symbols returns the 1m symbol universe of the active provider.
func (s *Service) Symbols() []string {
	if s.provider == nil {
		return nil
	}
	return s.provider.Symbols()
}

// strictMode reports whether synthetic fallback is forbidden.
func (s *Service) strictMode() bool {
	return s.strictLive && s.dataMode == config.ModeLiveFile
}

func (s *Service) batchOf(frames []Frame) *Batch {
	if frames == nil {
		frames = []Frame{}
	}
	return &Batch{
		SchemaVersion: BatchSchemaVersion,
		Market:        "cn-a",
		Mode:          s.providerMode,
		Provider:      s.providerMode,
		Frames:        frames,
	}
}

// tailFor filters frames by symbol and returns the last limit entries.
func tailFor(frames []Frame, symbol string, limit int) []Frame {
	var filtered []Frame
	for _, f := range frames {
		if f.Instrument.Symbol == symbol {
			filtered = append(filtered, f)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// fetchUpstream proxies a frame query to the configured upstream, which
// speaks the same market.frames.v1 wire format.
func (s *Service) fetchUpstream(ctx context.Context, symbol, interval string, limit int) (*Batch, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.upstreamURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	if s.upstreamKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.upstreamKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode upstream batch: %w", err)
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream batch: %w", err)
	}

	SortFrames(batch.Frames)
	batch.Frames = DedupFrames(batch.Frames)
	return &batch, nil
}
