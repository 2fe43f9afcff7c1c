package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/agentsync/internal/domain"
)

// PatchRecord is one applied patch as kept in the patch log.
type PatchRecord struct {
	ID         int64           `json:"id"`
	AgentID    string          `json:"agentId"`
	EnvelopeID string          `json:"envelopeId,omitempty"`
	Sender     string          `json:"sender,omitempty"`
	Field      domain.FieldKey `json:"field"`
	Value      any             `json:"value"`
	AppliedAt  time.Time       `json:"appliedAt"`
}

func appendPatch(ctx context.Context, tx *sql.Tx, patch domain.ConfigPatch, meta PatchMeta, at time.Time) error {
	value, err := json.Marshal(patch.Value)
	if err != nil {
		return fmt.Errorf("encoding patch value: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO patch_log (agent_id, envelope_id, sender, field, value, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		patch.AgentID, meta.EnvelopeID, meta.Sender, string(patch.Field), string(value),
		at.UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("logging patch: %w", err)
	}
	return nil
}

// History returns the most recent applied patches for an agent, oldest
// first. A limit of zero or less returns all of them.
func (s *AgentStore) History(ctx context.Context, agentID string, limit int) ([]PatchRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, agent_id, envelope_id, sender, field, value, applied_at FROM (
			SELECT * FROM patch_log WHERE agent_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loading patch history: %w", err)
	}
	defer rows.Close()

	var out []PatchRecord
	for rows.Next() {
		var (
			r            PatchRecord
			field, value string
			appliedAt    string
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.EnvelopeID, &r.Sender, &field, &value, &appliedAt); err != nil {
			return nil, err
		}
		r.Field = domain.FieldKey(field)
		if err := json.Unmarshal([]byte(value), &r.Value); err != nil {
			s.db.log.Warn().Err(err).Int64("id", r.ID).Msg("undecodable patch log value")
		}
		r.AppliedAt, _ = time.Parse(time.DateTime, appliedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
