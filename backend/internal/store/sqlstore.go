package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"

	_ "modernc.org/sqlite"
)

// timeFmt serializes timestamps as ISO 8601 with sub-second precision so
// lexical ordering matches chronological ordering.
const timeFmt = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFmt) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFmt, s)
	return t
}

// SQLStore implements RelationalStore with SQLite
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory if it does not exist. Use ":memory:" for
// an ephemeral store.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != currentSchemaVersion {
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

// Ready verifies the database connection
func (s *SQLStore) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewDependencyUnavailable(string(NameRelational), err)
	}
	return nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertEntities bulk-writes entity rows inside one transaction
func (s *SQLStore) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entity upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entities(id, type, name, content_hash, created, last_modified, payload_json)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			content_hash = excluded.content_hash,
			last_modified = excluded.last_modified,
			payload_json = excluded.payload_json`)
	if err != nil {
		return fmt.Errorf("prepare entity upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		_, err := stmt.ExecContext(ctx, e.ID, string(e.Type), e.Name, e.ContentHash,
			formatTime(e.Created), formatTime(e.LastModified), e.PayloadJSON())
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity upsert: %w", err)
	}
	return nil
}

// UpsertRelationships bulk-writes interval rows inside one transaction
func (s *SQLStore) UpsertRelationships(ctx context.Context, relationships []model.Relationship) error {
	if len(relationships) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relationship upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relationships(canonical_id, valid_from, from_id, to_id, type, disambiguator,
			confidence, resolution_state, valid_to, first_seen_at, last_seen_at, active,
			change_set_id, content_hash, evidence_json, locations_json, metadata_json)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_id, valid_from) DO UPDATE SET
			confidence = excluded.confidence,
			resolution_state = excluded.resolution_state,
			valid_to = excluded.valid_to,
			last_seen_at = excluded.last_seen_at,
			active = excluded.active,
			change_set_id = excluded.change_set_id,
			content_hash = excluded.content_hash,
			evidence_json = excluded.evidence_json,
			locations_json = excluded.locations_json,
			metadata_json = excluded.metadata_json`)
	if err != nil {
		return fmt.Errorf("prepare relationship upsert: %w", err)
	}
	defer stmt.Close()

	for i := range relationships {
		rel := &relationships[i]
		var validTo any
		if rel.ValidTo != nil {
			validTo = formatTime(*rel.ValidTo)
		}
		evidenceJSON, _ := json.Marshal(rel.Evidence)
		locationsJSON, _ := json.Marshal(rel.Locations)
		_, err := stmt.ExecContext(ctx,
			rel.CanonicalID, formatTime(rel.ValidFrom), rel.FromEntityID, rel.ToEntityID,
			string(rel.Type), rel.Disambiguator, rel.Confidence, string(rel.ResolutionState),
			validTo, formatTime(rel.FirstSeenAt), formatTime(rel.LastSeenAt), boolToInt(rel.Active),
			rel.ChangeSetID, rel.ContentHash(), string(evidenceJSON), string(locationsJSON),
			rel.MetadataJSON())
		if err != nil {
			return fmt.Errorf("upsert relationship %s: %w", rel.CanonicalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit relationship upsert: %w", err)
	}
	return nil
}

// AppendVersion inserts one version-chain node
func (s *SQLStore) AppendVersion(ctx context.Context, version model.VersionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO versions(version_id, entity_id, content_hash, timestamp, change_set_id, previous_version_id)
		VALUES(?, ?, ?, ?, ?, ?)`,
		version.VersionID, version.EntityID, version.ContentHash,
		formatTime(version.Timestamp), version.ChangeSetID, version.PreviousVersionID)
	if err != nil {
		return fmt.Errorf("append version for %s: %w", version.EntityID, err)
	}
	return nil
}

// LatestVersion returns the newest version for an entity, or nil
func (s *SQLStore) LatestVersion(ctx context.Context, entityID string) (*model.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version_id, entity_id, content_hash, timestamp, change_set_id, previous_version_id
		FROM versions WHERE entity_id = ? ORDER BY timestamp DESC LIMIT 1`, entityID)
	v, err := scanVersion(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version for %s: %w", entityID, err)
	}
	return v, nil
}

// VersionChain returns up to limit versions, newest first
func (s *SQLStore) VersionChain(ctx context.Context, entityID string, limit int) ([]model.VersionRecord, error) {
	query := `
		SELECT version_id, entity_id, content_hash, timestamp, change_set_id, previous_version_id
		FROM versions WHERE entity_id = ? ORDER BY timestamp DESC`
	args := []any{entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("version chain for %s: %w", entityID, err)
	}
	defer rows.Close()

	var chain []model.VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		chain = append(chain, *v)
	}
	return chain, rows.Err()
}

// SaveChangeSet records a changeset's provenance row
func (s *SQLStore) SaveChangeSet(ctx context.Context, cs model.ChangeSet) error {
	statsJSON, _ := json.Marshal(cs.Stats)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO changesets(id, author, timestamp, stats_json)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stats_json = excluded.stats_json`,
		cs.ID, cs.Author, formatTime(cs.Timestamp), string(statsJSON))
	if err != nil {
		return fmt.Errorf("save changeset %s: %w", cs.ID, err)
	}
	return nil
}

// SaveCheckpoint records a reference-only checkpoint row
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	seedsJSON, _ := json.Marshal(cp.SeedEntityIDs)
	summaryJSON, _ := json.Marshal(cp.Summary)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints(id, seed_ids_json, hop_count, created_at, summary_json)
		VALUES(?, ?, ?, ?, ?)`,
		cp.ID, string(seedsJSON), cp.HopCount, formatTime(cp.CreatedAt), string(summaryJSON))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// ListCheckpoints returns up to limit checkpoints, newest first
func (s *SQLStore) ListCheckpoints(ctx context.Context, limit int) ([]model.Checkpoint, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seed_ids_json, hop_count, created_at, summary_json
		FROM checkpoints ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var seedsJSON, createdAt, summaryJSON string
		if err := rows.Scan(&cp.ID, &seedsJSON, &cp.HopCount, &createdAt, &summaryJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = parseTime(createdAt)
		_ = json.Unmarshal([]byte(seedsJSON), &cp.SeedEntityIDs)
		_ = json.Unmarshal([]byte(summaryJSON), &cp.Summary)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes checkpoints older than the retention cutoff
func (s *SQLStore) PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE created_at < ?", formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveRollbackPoint persists a rollback capture (durable mode only)
func (s *SQLStore) SaveRollbackPoint(ctx context.Context, point model.RollbackPoint) error {
	captured, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal rollback point: %w", err)
	}
	guardJSON, _ := json.Marshal(point.GuardChangeSetIDs)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollback_points(id, timestamp, captured_json, guard_json, ttl_seconds, status)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET captured_json = excluded.captured_json, status = excluded.status`,
		point.ID, formatTime(point.Timestamp), string(captured), string(guardJSON),
		int64(point.TTL.Seconds()), string(point.Status))
	if err != nil {
		return fmt.Errorf("save rollback point %s: %w", point.ID, err)
	}
	return nil
}

// DeleteRollbackPoint removes a persisted rollback capture
func (s *SQLStore) DeleteRollbackPoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rollback_points WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rollback point %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*model.VersionRecord, error) {
	var v model.VersionRecord
	var ts string
	if err := row.Scan(&v.VersionID, &v.EntityID, &v.ContentHash, &ts, &v.ChangeSetID, &v.PreviousVersionID); err != nil {
		return nil, err
	}
	v.Timestamp = parseTime(ts)
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
