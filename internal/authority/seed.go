package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/store"
)

// ParseSeed strips JSONC comments and trailing commas from data and decodes
// either one agent object or an array of them. Every agent needs an id; a
// missing name falls back to the id.
func ParseSeed(data []byte) ([]domain.AgentConfig, error) {
	stripped := bytes.TrimSpace(jsonc.ToJSON(data))

	var agents []domain.AgentConfig
	if len(stripped) > 0 && stripped[0] == '[' {
		if err := json.Unmarshal(stripped, &agents); err != nil {
			return nil, fmt.Errorf("parsing seed: %w", err)
		}
	} else {
		var one domain.AgentConfig
		if err := json.Unmarshal(stripped, &one); err != nil {
			return nil, fmt.Errorf("parsing seed: %w", err)
		}
		agents = []domain.AgentConfig{one}
	}

	seen := make(map[string]bool, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.AgentID == "" {
			return nil, fmt.Errorf("seed entry %d: %w", i, domain.ErrMissingIdentity)
		}
		if seen[a.AgentID] {
			return nil, fmt.Errorf("seed entry %d: duplicate agentId %q", i, a.AgentID)
		}
		seen[a.AgentID] = true
		if a.AgentName == "" {
			a.AgentName = a.AgentID
		}
	}
	return agents, nil
}

// LoadSeed reads a JSONC seed file from disk.
func LoadSeed(path string) ([]domain.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	agents, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return agents, nil
}

// Seed stores every agent, replacing existing records with the same id.
func Seed(ctx context.Context, st *store.AgentStore, agents []domain.AgentConfig) error {
	for _, a := range agents {
		if err := st.Upsert(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
