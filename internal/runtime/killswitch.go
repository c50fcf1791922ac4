// Package runtime holds the scheduler loop, the kill-switch and the
// market-session guard that together drive trader cycles.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/store"
)

// ErrKillSwitchActive is returned by resume/step while the kill-switch
// is engaged.
var ErrKillSwitchActive = errors.New("kill_switch_active")

// KillSwitchState is the persisted flag file shape.
type KillSwitchState struct {
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
	ActivatedAt   string `json:"activated_at,omitempty"`
	ActivatedBy   string `json:"activated_by,omitempty"`
	DeactivatedAt string `json:"deactivated_at,omitempty"`
	DeactivatedBy string `json:"deactivated_by,omitempty"`
}

// KillSwitch is the global halt flag, persisted across restarts at
// data/runtime/kill-switch.json.
type KillSwitch struct {
	mu    sync.Mutex
	path  string
	state KillSwitchState
	now   func() time.Time
	log   zerolog.Logger
}

// NewKillSwitch loads the persisted flag; a non-zero flag on boot keeps
// the system halted until explicitly deactivated.
func NewKillSwitch(dataDir string, log zerolog.Logger) (*KillSwitch, error) {
	ks := &KillSwitch{
		path: filepath.Join(dataDir, "runtime", "kill-switch.json"),
		now:  time.Now,
		log:  log.With().Str("component", "kill_switch").Logger(),
	}

	var state KillSwitchState
	err := store.ReadJSON(ks.path, &state)
	switch {
	case err == nil:
		ks.state = state
		if state.Active {
			ks.log.Warn().Str("reason", state.Reason).Msg("Kill-switch active from previous run")
		}
	case os.IsNotExist(err):
		// first boot, inactive
	default:
		return nil, fmt.Errorf("failed to load kill-switch state: %w", err)
	}

	return ks, nil
}

// Active reports whether the switch is engaged.
func (ks *KillSwitch) Active() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.Active
}

// State returns a copy of the persisted state.
func (ks *KillSwitch) State() KillSwitchState {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// Activate engages the switch and persists it.
func (ks *KillSwitch) Activate(reason, by string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.state.Active = true
	ks.state.Reason = reason
	ks.state.ActivatedAt = ks.now().UTC().Format(time.RFC3339)
	ks.state.ActivatedBy = by
	ks.state.DeactivatedAt = ""
	ks.state.DeactivatedBy = ""

	ks.log.Warn().Str("reason", reason).Str("by", by).Msg("Kill-switch activated")
	return ks.persistLocked()
}

// Deactivate disengages the switch and persists it.
func (ks *KillSwitch) Deactivate(by string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.state.Active = false
	ks.state.DeactivatedAt = ks.now().UTC().Format(time.RFC3339)
	ks.state.DeactivatedBy = by

	ks.log.Info().Str("by", by).Msg("Kill-switch deactivated")
	return ks.persistLocked()
}

func (ks *KillSwitch) persistLocked() error {
	if err := store.WriteJSONAtomic(ks.path, ks.state); err != nil {
		return fmt.Errorf("failed to persist kill-switch: %w", err)
	}
	return nil
}
