// Package registry manages agent manifests and the registration state
// that feeds the runtime loop.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/onlytrade/onlytrade/internal/store"
)

// agentIDPattern constrains agent identifiers.
var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// Manifest is the human-authored agents/<agent_id>/agent.json file.
type Manifest struct {
	AgentID       string   `json:"agent_id"`
	AgentName     string   `json:"agent_name"`
	AIModel       string   `json:"ai_model"`
	ExchangeID    string   `json:"exchange_id"`
	StrategyName  string   `json:"strategy_name,omitempty"`
	TradingStyle  string   `json:"trading_style,omitempty"`
	RiskProfile   string   `json:"risk_profile,omitempty"`
	Personality   string   `json:"personality,omitempty"`
	StylePromptCN string   `json:"style_prompt_cn,omitempty"`
	AvatarURL     string   `json:"avatar_url,omitempty"`
	StockPool     []string `json:"stock_pool,omitempty"`
}

// Validate checks required fields and the folder invariant against the
// directory the manifest was loaded from.
func (m *Manifest) Validate(folder string) error {
	if !agentIDPattern.MatchString(m.AgentID) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, m.AgentID)
	}
	if folder != "" && folder != m.AgentID {
		return fmt.Errorf("%w: folder %q != agent_id %q", ErrInvalidAgentID, folder, m.AgentID)
	}
	if m.AgentName == "" || m.AIModel == "" || m.ExchangeID == "" {
		return fmt.Errorf("%w: agent_name, ai_model and exchange_id are required", ErrInvalidAgentID)
	}
	return nil
}

// LoadManifest reads and validates one agent manifest.
func LoadManifest(agentsDir, agentID string) (*Manifest, error) {
	path := filepath.Join(agentsDir, agentID, "agent.json")

	var m Manifest
	if err := store.ReadJSON(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, agentID)
		}
		return nil, fmt.Errorf("failed to load manifest for %s: %w", agentID, err)
	}
	if err := m.Validate(agentID); err != nil {
		return nil, err
	}
	return &m, nil
}

// Discover enumerates agents/ and returns the valid manifests sorted by
// agent id. Directories without a valid manifest are skipped.
func Discover(agentsDir string) (map[string]*Manifest, error) {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read agents dir %s: %w", agentsDir, err)
	}

	available := make(map[string]*Manifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := LoadManifest(agentsDir, entry.Name())
		if err != nil {
			continue
		}
		available[m.AgentID] = m
	}
	return available, nil
}

// SortedIDs returns map keys in deterministic order.
func SortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
