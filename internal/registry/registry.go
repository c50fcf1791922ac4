package registry

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

// SchemaVersion tags the persisted registry file.
const SchemaVersion = "agent.registry.v1"

// Agent statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Structured registry errors.
var (
	ErrInvalidAgentID   = errors.New("invalid_agent_id")
	ErrManifestNotFound = errors.New("agent_manifest_not_found")
	ErrNotRegistered    = errors.New("agent_not_registered")
)

// Entry is the registration state of one agent.
type Entry struct {
	RegisteredAt  string `json:"registered_at"`
	Status        string `json:"status"`
	ShowInLobby   bool   `json:"show_in_lobby"`
	LastStartedAt string `json:"last_started_at,omitempty"`
	LastStoppedAt string `json:"last_stopped_at,omitempty"`
}

// registryFile is the persisted shape of data/agents/registry.json.
type registryFile struct {
	SchemaVersion string           `json:"schema_version"`
	Agents        map[string]Entry `json:"agents"`
}

// Registry reconciles manifests on disk with registration state and
// persists every mutation atomically.
type Registry struct {
	mu        sync.Mutex
	agentsDir string
	filePath  string
	entries   map[string]Entry
	now       func() time.Time
	log       zerolog.Logger
}

// New loads (or initializes) the registry. agentsDir holds the
// manifests; dataDir is the data/ root.
func New(agentsDir, dataDir string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		agentsDir: agentsDir,
		filePath:  filepath.Join(dataDir, "agents", "registry.json"),
		entries:   make(map[string]Entry),
		now:       time.Now,
		log:       log.With().Str("component", "registry").Logger(),
	}

	var file registryFile
	err := store.ReadJSON(r.filePath, &file)
	switch {
	case err == nil && file.SchemaVersion == SchemaVersion:
		if file.Agents != nil {
			r.entries = file.Agents
		}
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to load registry: %w", err)
	case err == nil:
		r.log.Warn().Str("schema", file.SchemaVersion).Msg("Unknown registry schema, starting empty")
	}

	return r, nil
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

// AgentsDir returns the manifests directory.
func (r *Registry) AgentsDir() string { return r.agentsDir }

func (r *Registry) persistLocked() error {
	file := registryFile{SchemaVersion: SchemaVersion, Agents: r.entries}
	if err := store.WriteJSONAtomic(r.filePath, file); err != nil {
		return fmt.Errorf("failed to persist registry: %w", err)
	}
	return nil
}

// Available discovers the valid manifests under agents/.
func (r *Registry) Available() (map[string]*Manifest, error) {
	return Discover(r.agentsDir)
}

// Register adds an agent to the registry with defaults status=stopped,
// show_in_lobby=true. The manifest must exist and validate.
func (r *Registry) Register(agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}
	if _, err := LoadManifest(r.agentsDir, agentID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[agentID]; ok {
		return nil // idempotent
	}
	r.entries[agentID] = Entry{
		RegisteredAt: r.now().UTC().Format(time.RFC3339),
		Status:       StatusStopped,
		ShowInLobby:  true,
	}
	r.log.Info().Str("agent_id", agentID).Msg("Agent registered")
	return r.persistLocked()
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	delete(r.entries, agentID)
	r.log.Info().Str("agent_id", agentID).Msg("Agent unregistered")
	return r.persistLocked()
}

// Start marks an agent running.
func (r *Registry) Start(agentID string) error {
	return r.setStatus(agentID, StatusRunning)
}

// Stop marks an agent stopped.
func (r *Registry) Stop(agentID string) error {
	return r.setStatus(agentID, StatusStopped)
}

func (r *Registry) setStatus(agentID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	if entry.Status == status {
		return nil
	}

	entry.Status = status
	ts := r.now().UTC().Format(time.RFC3339)
	if status == StatusRunning {
		entry.LastStartedAt = ts
	} else {
		entry.LastStoppedAt = ts
	}
	r.entries[agentID] = entry
	r.log.Info().Str("agent_id", agentID).Str("status", status).Msg("Agent status changed")
	return r.persistLocked()
}

// Reconcile drops registry entries whose manifest disappeared, keeping
// registered a subset of available.
func (r *Registry) Reconcile() error {
	available, err := r.Available()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for id := range r.entries {
		if _, ok := available[id]; !ok {
			delete(r.entries, id)
			changed = true
			r.log.Warn().Str("agent_id", id).Msg("Removed registry entry with missing manifest")
		}
	}
	if !changed {
		return nil
	}
	return r.persistLocked()
}

// Running returns the running agent ids in deterministic order.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := make(map[string]struct{})
	for id, entry := range r.entries {
		if entry.Status == StatusRunning {
			running[id] = struct{}{}
		}
	}
	return SortedIDs(running)
}

// Lobby returns the registered agents visible in the lobby.
func (r *Registry) Lobby() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lobby := make(map[string]struct{})
	for id, entry := range r.entries {
		if entry.ShowInLobby {
			lobby[id] = struct{}{}
		}
	}
	return SortedIDs(lobby)
}

// Registered returns all registered agent ids.
func (r *Registry) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SortedIDs(r.entries)
}

// Get returns the registry entry for an agent.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[agentID]
	return entry, ok
}
