package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/agentsync/internal/domain"
)

// DefaultPlatform is recorded for agents created without one.
const DefaultPlatform = "openai"

// Agent is a stored agent configuration with bookkeeping columns.
type Agent struct {
	Config    domain.AgentConfig `json:"config"`
	Platform  string             `json:"platform"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// modelConfig is the JSON blob kept in agents.model_config.
type modelConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// PatchMeta describes where an applied patch came from.
type PatchMeta struct {
	EnvelopeID string
	Sender     string
}

// AgentStore reads and writes the agents table.
type AgentStore struct {
	db  *DB
	now func() time.Time
}

// NewAgentStore creates an agent store using the given database.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db, now: time.Now}
}

const agentColumns = `agent_id, agent_name, system_message, system_message_limit,
	model_platform, model_type, model_config, memory_limit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var (
		a                    Agent
		sysMsg, modelType    sql.NullString
		sysLimit, memLimit   sql.NullInt64
		mcJSON               string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.Config.AgentID, &a.Config.AgentName, &sysMsg, &sysLimit,
		&a.Platform, &modelType, &mcJSON, &memLimit, &createdAt, &updatedAt,
	)
	if err != nil {
		return Agent{}, err
	}

	if sysMsg.Valid {
		a.Config.SystemMessage = &sysMsg.String
	}
	if sysLimit.Valid {
		n := int(sysLimit.Int64)
		a.Config.SystemMessageLimit = &n
	}
	if modelType.Valid {
		a.Config.ModelType = &modelType.String
	}
	if memLimit.Valid {
		n := int(memLimit.Int64)
		a.Config.DialogRound = &n
	}

	var mc modelConfig
	if err := json.Unmarshal([]byte(mcJSON), &mc); err != nil {
		return Agent{}, fmt.Errorf("decoding model_config of %s: %w", a.Config.AgentID, err)
	}
	a.Config.Temperature = mc.Temperature
	a.Config.TopP = mc.TopP
	a.Config.OutputLimit = mc.MaxTokens

	a.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	a.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return a, nil
}

// Get returns the agent with the given id, or ErrNotFound.
func (s *AgentStore) Get(ctx context.Context, agentID string) (Agent, error) {
	return s.get(ctx, s.db.sql, agentID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *AgentStore) get(ctx context.Context, q querier, agentID string) (Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("loading agent %q: %w", agentID, err)
	}
	return a, nil
}

// GetByName returns the oldest agent with the given display name.
func (s *AgentStore) GetByName(ctx context.Context, name string) (Agent, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_name = ? ORDER BY created_at, agent_id LIMIT 1`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent named %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("loading agent named %q: %w", name, err)
	}
	return a, nil
}

// List returns every agent ordered by id.
func (s *AgentStore) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert stores cfg as the full record for its agent, replacing every
// field of an existing row.
func (s *AgentStore) Upsert(ctx context.Context, cfg domain.AgentConfig) error {
	return s.upsert(ctx, s.db.sql, cfg)
}

func (s *AgentStore) upsert(ctx context.Context, q querier, cfg domain.AgentConfig) error {
	if cfg.AgentID == "" {
		return domain.ErrMissingIdentity
	}
	mc, err := json.Marshal(modelConfig{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.OutputLimit,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return fmt.Errorf("encoding model_config: %w", err)
	}

	now := s.now().UTC().Format(time.DateTime)
	_, err = q.ExecContext(ctx,
		`INSERT INTO agents (agent_id, agent_name, system_message, system_message_limit,
			model_platform, model_type, model_config, memory_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   agent_name = excluded.agent_name,
		   system_message = excluded.system_message,
		   system_message_limit = excluded.system_message_limit,
		   model_type = excluded.model_type,
		   model_config = excluded.model_config,
		   memory_limit = excluded.memory_limit,
		   updated_at = excluded.updated_at`,
		cfg.AgentID, cfg.AgentName, nullString(cfg.SystemMessage), nullInt(cfg.SystemMessageLimit),
		DefaultPlatform, nullString(cfg.ModelType), string(mc), nullInt(cfg.DialogRound), now, now,
	)
	if err != nil {
		return fmt.Errorf("storing agent %q: %w", cfg.AgentID, err)
	}
	return nil
}

// ApplyPatch merges patch over the stored agent in one transaction and
// returns the resulting record. An unknown agent is created from seed,
// taking its identity from the patch. The stored identity is never changed
// by a patch. The patch is appended to the patch log.
func (s *AgentStore) ApplyPatch(ctx context.Context, patch domain.ConfigPatch, seed domain.AgentConfig, meta PatchMeta) (domain.AgentConfig, bool, error) {
	if err := patch.Validate(); err != nil {
		return domain.AgentConfig{}, false, err
	}

	var (
		merged  domain.AgentConfig
		created bool
	)
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, patch.AgentID)
		switch {
		case errors.Is(err, ErrNotFound):
			created = true
			current.Config = seed.Clone()
			current.Config.AgentID = patch.AgentID
			current.Config.AgentName = firstNonEmpty(patch.AgentName, seed.AgentName, domain.DefaultAgentName)
		case err != nil:
			return err
		}

		merged = current.Config.Clone()
		if err := merged.Set(patch.Field, patch.Value); err != nil {
			return err
		}
		if err := s.upsert(ctx, tx, merged); err != nil {
			return err
		}
		return appendPatch(ctx, tx, patch, meta, s.now())
	})
	if err != nil {
		return domain.AgentConfig{}, false, fmt.Errorf("applying %s patch to %q: %w", patch.Field, patch.AgentID, err)
	}
	return merged, created, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
