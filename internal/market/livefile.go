package market

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LiveFileStatus describes the poller state, including staleness.
type LiveFileStatus struct {
	FilePath      string `json:"file_path"`
	RefreshMS     int64  `json:"refresh_ms"`
	StaleAfterMS  int64  `json:"stale_after_ms"`
	LastLoadTSMS  int64  `json:"last_load_ts_ms"`
	LastAttemptMS int64  `json:"last_attempt_ts_ms"`
	LastMtimeMS   int64  `json:"last_mtime_ms"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorTSMS int64  `json:"last_error_ts_ms,omitempty"`
	FrameCount    int    `json:"frame_count"`
	Stale         bool   `json:"stale"`
	HasLastGood   bool   `json:"has_last_good"`
}

// LiveFile polls an atomically-written market.frames.v1 snapshot and
// serves the last successfully parsed batch. Read or parse failures never
// evict the cache; they only surface in Status.
type LiveFile struct {
	mu sync.Mutex

	path         string
	refreshMS    int64
	staleAfterMS int64

	lastGood      *Batch
	bySymbol      map[string][]Frame
	lastLoadTSMS  int64
	lastAttemptMS int64
	lastMtimeMS   int64
	lastError     string
	lastErrorTSMS int64

	now func() time.Time
	log zerolog.Logger
}

// NewLiveFile creates a live-file provider over path.
func NewLiveFile(path string, refreshMS, staleAfterMS int, log zerolog.Logger) *LiveFile {
	return &LiveFile{
		path:         path,
		refreshMS:    int64(refreshMS),
		staleAfterMS: int64(staleAfterMS),
		now:          time.Now,
		log:          log.With().Str("component", "live_file").Str("path", path).Logger(),
	}
}

// Run polls the file until ctx is cancelled. The first check is forced so
// a pre-existing snapshot is served immediately after boot.
func (lf *LiveFile) Run(ctx context.Context) error {
	lf.Refresh(true)

	ticker := time.NewTicker(time.Duration(lf.refreshMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lf.log.Info().Msg("Live-file poller stopped")
			return ctx.Err()
		case <-ticker.C:
			lf.Refresh(false)
		}
	}
}

// Refresh checks the file mtime and reloads when it changed (or when
// forced). Throttled to at most one attempt per refresh interval.
func (lf *LiveFile) Refresh(force bool) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	nowMS := lf.now().UnixMilli()
	if !force && lf.lastAttemptMS != 0 && nowMS-lf.lastAttemptMS < lf.refreshMS {
		return
	}
	lf.lastAttemptMS = nowMS

	info, err := os.Stat(lf.path)
	if err != nil {
		lf.recordErrorLocked(nowMS, "stat: "+err.Error())
		return
	}

	mtimeMS := info.ModTime().UnixMilli()
	if !force && mtimeMS == lf.lastMtimeMS {
		return
	}

	data, err := os.ReadFile(lf.path)
	if err != nil {
		lf.recordErrorLocked(nowMS, "read: "+err.Error())
		return
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		lf.recordErrorLocked(nowMS, "parse: "+err.Error())
		return
	}
	if err := batch.Validate(); err != nil {
		lf.recordErrorLocked(nowMS, "schema: "+err.Error())
		return
	}

	SortFrames(batch.Frames)
	batch.Frames = DedupFrames(batch.Frames)

	bySymbol := make(map[string][]Frame)
	for _, f := range batch.Frames {
		bySymbol[f.Instrument.Symbol] = append(bySymbol[f.Instrument.Symbol], f)
	}

	lf.lastGood = &batch
	lf.bySymbol = bySymbol
	lf.lastLoadTSMS = nowMS
	lf.lastMtimeMS = mtimeMS
	lf.lastError = ""

	lf.log.Debug().
		Int("frames", len(batch.Frames)).
		Int("symbols", len(bySymbol)).
		Msg("Live frames reloaded")
}

func (lf *LiveFile) recordErrorLocked(nowMS int64, msg string) {
	lf.lastError = msg
	lf.lastErrorTSMS = nowMS
	lf.log.Warn().Str("error", msg).Bool("has_last_good", lf.lastGood != nil).
		Msg("Live frame reload failed, retaining last-good batch")
}

// GetFrames returns the last limit frames for symbol. Only the canonical
// "1m" feed is served from the live file; other intervals return empty so
// the market service can fall back to daily history or the generator.
func (lf *LiveFile) GetFrames(symbol, interval string, limit int) []Frame {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if interval != "1m" || limit <= 0 || lf.lastGood == nil {
		return nil
	}

	frames := lf.bySymbol[symbol]
	if len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	out := make([]Frame, len(frames))
	copy(out, frames)
	return out
}

// Symbols returns the sorted unique symbol set of the 1m feed.
func (lf *LiveFile) Symbols() []string {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	out := make([]string, 0, len(lf.bySymbol))
	for sym := range lf.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Status reports the poller state. stale is true until a first successful
// load and whenever the last load is older than stale_after_ms.
func (lf *LiveFile) Status() LiveFileStatus {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	nowMS := lf.now().UnixMilli()
	st := LiveFileStatus{
		FilePath:      lf.path,
		RefreshMS:     lf.refreshMS,
		StaleAfterMS:  lf.staleAfterMS,
		LastLoadTSMS:  lf.lastLoadTSMS,
		LastAttemptMS: lf.lastAttemptMS,
		LastMtimeMS:   lf.lastMtimeMS,
		LastError:     lf.lastError,
		LastErrorTSMS: lf.lastErrorTSMS,
		HasLastGood:   lf.lastGood != nil,
	}
	if lf.lastGood != nil {
		st.FrameCount = len(lf.lastGood.Frames)
	}
	st.Stale = lf.lastLoadTSMS == 0 || nowMS-lf.lastLoadTSMS > lf.staleAfterMS
	return st
}

// SetNowFunc overrides the clock; used by tests to drive staleness.
func (lf *LiveFile) SetNowFunc(now func() time.Time) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.now = now
}
