package cache

type migration struct {
	version int
	sql     string
}

// migrations run in order; versions are sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	account  TEXT PRIMARY KEY,
	state    TEXT NOT NULL,
	run_id   TEXT NOT NULL,
	saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS records (
	account TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	id      TEXT NOT NULL,
	data    TEXT NOT NULL,
	PRIMARY KEY (account, seq)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
