package store

const schema = `
CREATE TABLE IF NOT EXISTS routines (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    goal TEXT NOT NULL,
    trigger_mode TEXT NOT NULL DEFAULT 'on_demand',
    schedule TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    last_run_at TIMESTAMP,
    next_run_at TIMESTAMP,
    session_token TEXT,
    tool_servers TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_routines_owner ON routines(owner_id);
CREATE INDEX IF NOT EXISTS idx_routines_due ON routines(status, trigger_mode, next_run_at);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    routine_id TEXT REFERENCES routines(id),
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    priority TEXT NOT NULL DEFAULT 'medium',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    routine_id TEXT NOT NULL REFERENCES routines(id),
    owner_id TEXT NOT NULL,
    task_id TEXT,
    status TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    duration_ms INTEGER,
    cost REAL,
    error TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_routine ON executions(routine_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    level TEXT,
    stage TEXT,
    message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_logs_execution ON logs(execution_id);
`
