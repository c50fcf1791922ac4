package market

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ReplayStatus is a snapshot of the replay engine state.
type ReplayStatus struct {
	Running        bool    `json:"running"`
	Speed          float64 `json:"speed"`
	Loop           bool    `json:"loop"`
	Completed      bool    `json:"completed"`
	CursorIndex    int     `json:"cursor_index"`
	TimelineLength int     `json:"timeline_length"`
	CurrentTSMS    int64   `json:"current_ts_ms"`
	TradingDay     string  `json:"trading_day"`
	DayIndex       int     `json:"day_index"`
	DayCount       int     `json:"day_count"`
	DayBarIndex    int     `json:"day_bar_index"`
	DayBarCount    int     `json:"day_bar_count"`
	WarmupBars     int     `json:"warmup_bars"`
}

type dayRange struct {
	day   string
	start int // first timeline index of the day
	count int
}

// Replay is a deterministic cursor over a sorted bar timeline. Speed is a
// multiplier over real time: 60 means one timeline minute per wall second.
type Replay struct {
	mu sync.Mutex

	timeline []Frame
	bySymbol map[string][]int // timeline indexes per symbol, in timeline order
	days     []dayRange
	dayOf    []int // timeline index -> days index

	cursor     int
	frac       float64 // fractional bar progress carried between ticks
	speed      float64
	warmupBars int
	loop       bool
	running    bool
	completed  bool

	log zerolog.Logger
}

// NewReplay builds a replay engine from an archive batch. The timeline is
// the batch's frames sorted by start_ts_ms with symbol tie-break; the
// cursor starts at warmupBars-1 so the first warmupBars bars are visible
// before any tick.
func NewReplay(batch *Batch, speed float64, warmupBars int, loop bool, log zerolog.Logger) *Replay {
	timeline := make([]Frame, len(batch.Frames))
	copy(timeline, batch.Frames)
	SortFrames(timeline)

	r := &Replay{
		timeline:   timeline,
		bySymbol:   make(map[string][]int),
		speed:      speed,
		warmupBars: warmupBars,
		loop:       loop,
		running:    true,
		log:        log.With().Str("component", "replay").Logger(),
	}

	for i, f := range timeline {
		sym := f.Instrument.Symbol
		r.bySymbol[sym] = append(r.bySymbol[sym], i)
	}

	r.dayOf = make([]int, len(timeline))
	for i, f := range timeline {
		day := f.Window.TradingDay
		if n := len(r.days); n == 0 || r.days[n-1].day != day {
			r.days = append(r.days, dayRange{day: day, start: i})
		}
		r.days[len(r.days)-1].count++
		r.dayOf[i] = len(r.days) - 1
	}

	r.cursor = warmupBars - 1
	if r.cursor >= len(timeline) {
		r.cursor = len(timeline) - 1
		r.completed = len(timeline) > 0
	}
	if r.cursor < 0 {
		r.cursor = 0
	}

	r.log.Info().
		Int("timeline", len(timeline)).
		Int("days", len(r.days)).
		Int("warmup_bars", warmupBars).
		Float64("speed", speed).
		Msg("Replay engine initialized")

	return r
}

// Tick advances the cursor by the bar count implied by elapsedMS at the
// current speed and returns the bars advanced past, in order. One timeline
// bar corresponds to one minute of market time.
func (r *Replay) Tick(elapsedMS float64) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || len(r.timeline) == 0 {
		return nil
	}

	r.frac += elapsedMS * r.speed / 60000.0

	var advanced []Frame
	for r.frac >= 1 && !r.completed {
		r.frac--
		advanced = append(advanced, r.advanceLocked()...)
	}
	return advanced
}

// Step advances n bars ignoring speed and returns the advanced bars.
func (r *Replay) Step(n int) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	var advanced []Frame
	for i := 0; i < n && !r.completed; i++ {
		advanced = append(advanced, r.advanceLocked()...)
	}
	return advanced
}

// advanceLocked moves the cursor forward one bar, wrapping to warmupBars
// when looping, and returns the frame(s) newly passed.
func (r *Replay) advanceLocked() []Frame {
	if r.cursor >= len(r.timeline)-1 {
		if r.loop {
			r.cursor = r.warmupBars
			r.completed = false
			r.log.Debug().Int("cursor", r.cursor).Msg("Replay wrapped to warmup cursor")
			return []Frame{r.timeline[r.cursor]}
		}
		r.completed = true
		r.running = false
		r.log.Info().Msg("Replay completed")
		return nil
	}
	r.cursor++
	return []Frame{r.timeline[r.cursor]}
}

// SetCursor positions the cursor, clamped to the timeline, and clears
// the completed flag.
func (r *Replay) SetCursor(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 {
		i = 0
	}
	if i > len(r.timeline)-1 {
		i = len(r.timeline) - 1
	}
	r.cursor = i
	r.frac = 0
	r.completed = false
}

// SetSpeed sets the real-time multiplier.
func (r *Replay) SetSpeed(x float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x > 0 {
		r.speed = x
	}
}

// SetLoop toggles wrap-around at end of timeline.
func (r *Replay) SetLoop(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop = b
}

// Pause stops cursor advancement.
func (r *Replay) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// Resume restarts cursor advancement.
func (r *Replay) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
}

// VisibleFrames returns the last limit frames for symbol whose
// start_ts_ms does not exceed the cursor frame's start_ts_ms. Repeated
// calls without cursor movement return identical, strictly
// timestamp-increasing sequences.
func (r *Replay) VisibleFrames(symbol string, limit int) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || len(r.timeline) == 0 {
		return nil
	}

	idxs := r.bySymbol[symbol]
	if len(idxs) == 0 {
		return nil
	}

	curTS := r.timeline[r.cursor].Window.StartTSMS

	// Per-symbol indexes are monotone in start_ts_ms, so binary search for
	// the first frame past the cursor timestamp.
	end := sort.Search(len(idxs), func(i int) bool {
		return r.timeline[idxs[i]].Window.StartTSMS > curTS
	})
	if end == 0 {
		return nil
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]Frame, 0, end-start)
	for _, ti := range idxs[start:end] {
		out = append(out, r.timeline[ti])
	}
	return out
}

// Symbols returns the sorted set of symbols present in the timeline.
func (r *Replay) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Status returns a consistent snapshot of the engine state.
func (r *Replay) Status() ReplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := ReplayStatus{
		Running:        r.running,
		Speed:          r.speed,
		Loop:           r.loop,
		Completed:      r.completed,
		CursorIndex:    r.cursor,
		TimelineLength: len(r.timeline),
		DayCount:       len(r.days),
		WarmupBars:     r.warmupBars,
	}
	if len(r.timeline) > 0 {
		cur := r.timeline[r.cursor]
		di := r.dayOf[r.cursor]
		st.CurrentTSMS = cur.Window.StartTSMS
		st.TradingDay = cur.Window.TradingDay
		st.DayIndex = di
		st.DayBarIndex = r.cursor - r.days[di].start
		st.DayBarCount = r.days[di].count
	}
	return st
}
