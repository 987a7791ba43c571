package storage

// SchemaVersion is written to PRAGMA user_version once the schema is in place.
const SchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	source_file TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	config TEXT,
	result TEXT,
	error TEXT,
	owner TEXT,
	resume_count INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	completed_at TEXT,
	created_at TEXT NOT NULL,
	total_iterations INTEGER NOT NULL DEFAULT 0,
	total_agents INTEGER NOT NULL DEFAULT 0,
	total_tool_calls INTEGER NOT NULL DEFAULT 0,
	total_tokens_used INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, created_at);

CREATE TABLE IF NOT EXISTS phases (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_phases_execution ON phases(execution_id);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	phase_id TEXT,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	phase_id TEXT,
	model TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT,
	error TEXT,
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	tool_calls_count INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_execution ON agents(execution_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	component_type TEXT NOT NULL,
	component_name TEXT NOT NULL DEFAULT '',
	iteration INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	agent_id TEXT,
	tool_name TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id);

CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT,
	key TEXT NOT NULL,
	old_value TEXT,
	new_value TEXT,
	triggered_by TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_key ON transitions(key, id);

CREATE TABLE IF NOT EXISTS build_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	status TEXT NOT NULL DEFAULT 'passing',
	fixer_agent_id TEXT,
	broken_at TEXT,
	fixing_since TEXT,
	released_at TEXT,
	last_check_at TEXT
);

CREATE TABLE IF NOT EXISTS vcs_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_vcs_queue_status ON vcs_queue(status, id);

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	priority INTEGER NOT NULL DEFAULT 100,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'todo',
	progress_notes TEXT NOT NULL DEFAULT '[]',
	blocked_reason TEXT,
	budget TEXT,
	last_run_at TEXT,
	last_report_path TEXT,
	last_review_dir TEXT,
	last_ticket_goal TEXT,
	source TEXT NOT NULL DEFAULT 'seed',
	source_report_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status, priority, created_at, id);

INSERT OR IGNORE INTO build_state (id, status) VALUES (1, 'passing')
`

// StateDefault is a state key installed when the store is created and again on reset.
type StateDefault struct {
	Key   string
	Value string
}

// StateDefaults holds the encoded values every fresh state table starts with.
var StateDefaults = []StateDefault{
	{Key: "phase", Value: `"initial"`},
	{Key: "iteration", Value: `0`},
	{Key: "data", Value: `null`},
}
