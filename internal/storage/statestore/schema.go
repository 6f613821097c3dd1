package statestore

// schema is the embedded relational layout for jobs, items, and the
// settings singleton (spec.md §3, §6 "Persisted layout"). WAL mode and the
// indices spec.md §4.1 requires are applied in Open.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	start_date        TEXT NOT NULL,
	end_date          TEXT NOT NULL,
	sport_filter      TEXT NOT NULL DEFAULT '[]',
	settings_snapshot TEXT NOT NULL,
	total             INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 0,
	skipped           INTEGER NOT NULL DEFAULT 0,
	failed            INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS items (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	source_id       TEXT NOT NULL,
	sport_code      INTEGER NOT NULL DEFAULT 0,
	activity_name   TEXT NOT NULL DEFAULT '',
	activity_time   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	local_path      TEXT NOT NULL DEFAULT '',
	sink_id         TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	metadata_status TEXT NOT NULL DEFAULT 'pending',
	metadata_error  TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_job_id ON items(job_id);
CREATE INDEX IF NOT EXISTS idx_items_job_id_status ON items(job_id, status);

CREATE TABLE IF NOT EXISTS settings (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	document TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	platform   TEXT NOT NULL,
	role       TEXT NOT NULL,
	email      TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (platform, role)
);
`
