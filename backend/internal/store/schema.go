package store

// Schema versions for the relational store
const (
	schemaVersionV1 = 1

	currentSchemaVersion = schemaVersionV1
)

// schemaV1 is the relational companion schema. Scalar fields queried by
// downstream tools are first-class columns; everything nested travels in
// a single stringified JSON companion column decoded only at the read
// boundary.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	created       TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	payload_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS relationships (
	canonical_id     TEXT NOT NULL,
	valid_from       TEXT NOT NULL,
	from_id          TEXT NOT NULL,
	to_id            TEXT NOT NULL,
	type             TEXT NOT NULL,
	disambiguator    TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	resolution_state TEXT NOT NULL DEFAULT 'inferred',
	valid_to         TEXT,
	first_seen_at    TEXT NOT NULL,
	last_seen_at     TEXT NOT NULL,
	active           INTEGER NOT NULL DEFAULT 0,
	change_set_id    TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL DEFAULT '',
	evidence_json    TEXT NOT NULL DEFAULT '[]',
	locations_json   TEXT NOT NULL DEFAULT '[]',
	metadata_json    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (canonical_id, valid_from)
);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id);
CREATE INDEX IF NOT EXISTS idx_relationships_active ON relationships(canonical_id, active);

CREATE TABLE IF NOT EXISTS versions (
	version_id          TEXT PRIMARY KEY,
	entity_id           TEXT NOT NULL,
	content_hash        TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	change_set_id       TEXT NOT NULL DEFAULT '',
	previous_version_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_id, timestamp);

CREATE TABLE IF NOT EXISTS changesets (
	id         TEXT PRIMARY KEY,
	author     TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL,
	stats_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id            TEXT PRIMARY KEY,
	seed_ids_json TEXT NOT NULL DEFAULT '[]',
	hop_count     INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	summary_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS rollback_points (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	captured_json TEXT NOT NULL DEFAULT '{}',
	guard_json    TEXT NOT NULL DEFAULT '[]',
	ttl_seconds   INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'active'
);
`
