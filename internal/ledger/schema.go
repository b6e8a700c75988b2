package ledger

// schema is the SQLite schema for the issue ledger. The partial unique index
// on (plugin, component, rule_id) WHERE status='pending' is what makes the
// dedup invariant hold even when multiple scanner processes race to record
// the same violation: at most one of the racing inserts wins, the rest are
// ignored.
const schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_id        TEXT PRIMARY KEY,
	detected_at     TIMESTAMP NOT NULL,
	session_id      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','fixed','rejected')),
	plugin          TEXT NOT NULL,
	component       TEXT NOT NULL,
	rule_id         TEXT NOT NULL,
	check_id        TEXT NOT NULL DEFAULT '',
	severity        TEXT NOT NULL,
	confidence      REAL NOT NULL,
	path            TEXT NOT NULL,
	line            INTEGER NOT NULL DEFAULT 0,
	evidence        TEXT NOT NULL DEFAULT '{}',
	resolved_at     TIMESTAMP,
	resolution_note TEXT NOT NULL DEFAULT '',
	fix_score       INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_pending_dedup
	ON issues(plugin, component, rule_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_rule ON issues(rule_id);

CREATE TABLE IF NOT EXISTS outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id    TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	approved    INTEGER NOT NULL,
	score       INTEGER NOT NULL DEFAULT 0,
	session_id  TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_rule ON outcomes(rule_id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	pid            INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	started_at     TIMESTAMP NOT NULL,
	last_heartbeat TIMESTAMP NOT NULL
);
`
