package persistence

// Schema statements are kept portable between PostgreSQL and SQLite:
// both accept this DDL and the ON CONFLICT clauses the store uses.
var SchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS attributions (
		kind          TEXT    NOT NULL,
		resource_id   TEXT    NOT NULL,
		owner_uid     INTEGER NOT NULL,
		owner_name    TEXT    NOT NULL,
		size_bytes    BIGINT  NOT NULL DEFAULT 0,
		first_seen_at TIMESTAMP NOT NULL,
		source        TEXT    NOT NULL,
		PRIMARY KEY (kind, resource_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attributions_owner
		ON attributions (kind, owner_uid)`,
	`CREATE TABLE IF NOT EXISTS user_quota_limits (
		uid              INTEGER PRIMARY KEY,
		block_hard_limit BIGINT NOT NULL DEFAULT 0,
		block_soft_limit BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}
