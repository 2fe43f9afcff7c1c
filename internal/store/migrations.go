package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create agents",
		SQL: `
			CREATE TABLE agents (
				agent_id              TEXT PRIMARY KEY,
				agent_name            TEXT NOT NULL,
				system_message        TEXT,
				system_message_limit  INTEGER,
				model_platform        TEXT NOT NULL DEFAULT 'openai',
				model_type            TEXT,
				model_config          TEXT NOT NULL DEFAULT '{}',
				memory_limit          INTEGER,
				created_at            TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at            TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_agents_name ON agents (agent_name);
		`,
	},
	{
		Version: 2,
		Name:    "create patch log",
		SQL: `
			CREATE TABLE patch_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id    TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
				envelope_id TEXT NOT NULL DEFAULT '',
				sender      TEXT NOT NULL DEFAULT '',
				field       TEXT NOT NULL,
				value       TEXT NOT NULL,
				applied_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_patch_log_agent ON patch_log (agent_id, id);
		`,
	},
}
