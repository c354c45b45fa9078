package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jGraphStore implements GraphStore on a Neo4j driver. Relationship
// intervals are stored as FACT relationships keyed by (canonical_id,
// valid_from); structured fields travel as stringified JSON companions
// next to first-class scalar properties, since relationship parameters
// must stay primitive/array-only.
type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jGraphStore creates a graph store over an existing driver
func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{
		driver: driver,
		logger: logger.Get(),
	}
}

// Ready verifies driver connectivity
func (s *Neo4jGraphStore) Ready(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return errors.NewDependencyUnavailable(string(NameGraph), err)
	}
	return nil
}

// Close closes the Neo4j driver connection
func (s *Neo4jGraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// UpsertEntities bulk-writes entity nodes with a single UNWIND
func (s *Neo4jGraphStore) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	rows := make([]map[string]interface{}, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, map[string]interface{}{
			"id":            e.ID,
			"type":          string(e.Type),
			"name":          e.Name,
			"content_hash":  e.ContentHash,
			"created":       e.Created.UTC().Format(time.RFC3339Nano),
			"last_modified": e.LastModified.UTC().Format(time.RFC3339Nano),
			"payload_json":  e.PayloadJSON(),
		})
	}

	query := `
		UNWIND $rows AS row
		MERGE (e:Entity {id: row.id})
		ON CREATE SET e.created = datetime(row.created)
		SET e.type = row.type,
		    e.name = row.name,
		    e.content_hash = row.content_hash,
		    e.last_modified = datetime(row.last_modified),
		    e.payload_json = row.payload_json
	`

	_, err := session.Run(ctx, query, map[string]interface{}{"rows": rows})
	if err != nil {
		return fmt.Errorf("failed to upsert entities: %w", err)
	}
	return nil
}

// UpsertRelationships bulk-writes interval records with a single UNWIND.
// Both endpoints must already exist; entity upserts commit first within a
// batch.
func (s *Neo4jGraphStore) UpsertRelationships(ctx context.Context, relationships []model.Relationship) error {
	if len(relationships) == 0 {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	rows := make([]map[string]interface{}, 0, len(relationships))
	for i := range relationships {
		rows = append(rows, relationshipRow(&relationships[i]))
	}

	query := `
		UNWIND $rows AS row
		MATCH (from:Entity {id: row.from_id})
		MATCH (to:Entity {id: row.to_id})
		MERGE (from)-[r:FACT {canonical_id: row.canonical_id, valid_from: datetime(row.valid_from)}]->(to)
		SET r.type = row.type,
		    r.disambiguator = row.disambiguator,
		    r.confidence = row.confidence,
		    r.resolution_state = row.resolution_state,
		    r.valid_to = CASE WHEN row.valid_to = '' THEN null ELSE datetime(row.valid_to) END,
		    r.first_seen_at = datetime(row.first_seen_at),
		    r.last_seen_at = datetime(row.last_seen_at),
		    r.active = row.active,
		    r.change_set_id = row.change_set_id,
		    r.content_hash = row.content_hash,
		    r.evidence_json = row.evidence_json,
		    r.locations_json = row.locations_json,
		    r.metadata_json = row.metadata_json
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"rows": rows})
	if err != nil {
		return fmt.Errorf("failed to upsert relationships: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("failed to consume relationship upsert: %w", err)
	}
	return nil
}

// GetEntity returns an entity by id, or nil when absent
func (s *Neo4jGraphStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $id})
		RETURN e.id as id, e.type as type, e.name as name, e.content_hash as content_hash,
		       e.created as created, e.last_modified as last_modified, e.payload_json as payload_json
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch entity record: %w", err)
		}
		return nil, nil
	}

	record := result.Record()
	entity := &model.Entity{
		ID:           getStringFromRecord(record, "id"),
		Type:         model.EntityType(getStringFromRecord(record, "type")),
		Name:         getStringFromRecord(record, "name"),
		ContentHash:  getStringFromRecord(record, "content_hash"),
		Created:      getTimeFromRecord(record, "created"),
		LastModified: getTimeFromRecord(record, "last_modified"),
	}
	if payload := getStringFromRecord(record, "payload_json"); payload != "" && payload != "{}" {
		_ = json.Unmarshal([]byte(payload), &entity.Payload)
	}
	return entity, nil
}

// ActiveRelationship returns the single active interval for a canonical
// id. Finding two is a temporal invariant violation and is surfaced,
// never repaired by picking one.
func (s *Neo4jGraphStore) ActiveRelationship(ctx context.Context, canonicalID string) (*model.Relationship, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (from:Entity)-[r:FACT {canonical_id: $canonicalID, active: true}]->(to:Entity)
		RETURN ` + relationshipReturn + `
		LIMIT 2
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"canonicalID": canonicalID})
	if err != nil {
		return nil, fmt.Errorf("failed to get active relationship: %w", err)
	}

	var matches []*model.Relationship
	for result.Next(ctx) {
		matches = append(matches, relationshipFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active relationships: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, errors.NewTemporalInvariantViolation(canonicalID,
			"multiple active intervals found")
	}
}

// CloseRelationship closes the current active interval; no-op when none
// is active.
func (s *Neo4jGraphStore) CloseRelationship(ctx context.Context, canonicalID string, at time.Time, reason, changeSetID string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH ()-[r:FACT {canonical_id: $canonicalID, active: true}]->()
		SET r.valid_to = datetime($at),
		    r.active = false,
		    r.closed_reason = $reason,
		    r.change_set_id = $changeSetID
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"canonicalID": canonicalID,
		"at":          at.UTC().Format(time.RFC3339Nano),
		"reason":      reason,
		"changeSetID": changeSetID,
	})
	if err != nil {
		return fmt.Errorf("failed to close relationship: %w", err)
	}
	return nil
}

// RelationshipHistory returns all interval records, oldest first
func (s *Neo4jGraphStore) RelationshipHistory(ctx context.Context, canonicalID string) ([]model.Relationship, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (from:Entity)-[r:FACT {canonical_id: $canonicalID}]->(to:Entity)
		RETURN ` + relationshipReturn + `
		ORDER BY r.valid_from ASC
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"canonicalID": canonicalID})
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship history: %w", err)
	}

	var history []model.Relationship
	for result.Next(ctx) {
		history = append(history, *relationshipFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relationship history: %w", err)
	}
	return history, nil
}

// ActiveRelationshipsFor returns active intervals touching an entity
func (s *Neo4jGraphStore) ActiveRelationshipsFor(ctx context.Context, entityID string) ([]model.Relationship, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (from:Entity)-[r:FACT {active: true}]->(to:Entity)
		WHERE from.id = $entityID OR to.id = $entityID
		RETURN ` + relationshipReturn + `
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"entityID": entityID})
	if err != nil {
		return nil, fmt.Errorf("failed to get relationships for entity: %w", err)
	}

	var out []model.Relationship
	for result.Next(ctx) {
		out = append(out, *relationshipFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity relationships: %w", err)
	}
	return out, nil
}

// Neighborhood expands from seeds over active edges, bounded by hops.
// Variable-length bounds cannot be bound as parameters, so the hop count
// is formatted into the query after clamping.
func (s *Neo4jGraphStore) Neighborhood(ctx context.Context, seedIDs []string, hops int) ([]string, int, error) {
	if hops < 1 {
		hops = 1
	}
	if hops > 5 {
		hops = 5
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (seed:Entity)
		WHERE seed.id IN $seedIDs
		OPTIONAL MATCH path = (seed)-[rels:FACT*1..%d {active: true}]-(reached:Entity)
		WITH collect(DISTINCT seed.id) + collect(DISTINCT reached.id) as ids,
		     count(DISTINCT relationships(path)) as rel_count
		RETURN [id IN ids WHERE id IS NOT NULL] as ids, rel_count
	`, hops)

	result, err := session.Run(ctx, query, map[string]interface{}{"seedIDs": seedIDs})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to expand neighborhood: %w", err)
	}

	if result.Next(ctx) {
		record := result.Record()
		ids := getStringSliceFromRecord(record, "ids")
		relCount := int(getInt64FromRecord(record, "rel_count"))
		return ids, relCount, nil
	}
	if err := result.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch neighborhood: %w", err)
	}
	return seedIDs, 0, nil
}

// relationshipReturn projects an interval record with its endpoints
const relationshipReturn = `
		from.id as from_id, to.id as to_id,
		r.canonical_id as canonical_id, r.type as type, r.disambiguator as disambiguator,
		r.confidence as confidence, r.resolution_state as resolution_state,
		r.valid_from as valid_from, r.valid_to as valid_to,
		r.first_seen_at as first_seen_at, r.last_seen_at as last_seen_at,
		r.active as active, r.change_set_id as change_set_id,
		r.evidence_json as evidence_json, r.locations_json as locations_json,
		r.metadata_json as metadata_json`

func relationshipRow(rel *model.Relationship) map[string]interface{} {
	validTo := ""
	if rel.ValidTo != nil {
		validTo = rel.ValidTo.UTC().Format(time.RFC3339Nano)
	}
	evidenceJSON, _ := json.Marshal(rel.Evidence)
	locationsJSON, _ := json.Marshal(rel.Locations)
	return map[string]interface{}{
		"from_id":          rel.FromEntityID,
		"to_id":            rel.ToEntityID,
		"canonical_id":     rel.CanonicalID,
		"type":             string(rel.Type),
		"disambiguator":    rel.Disambiguator,
		"confidence":       rel.Confidence,
		"resolution_state": string(rel.ResolutionState),
		"valid_from":       rel.ValidFrom.UTC().Format(time.RFC3339Nano),
		"valid_to":         validTo,
		"first_seen_at":    rel.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		"last_seen_at":     rel.LastSeenAt.UTC().Format(time.RFC3339Nano),
		"active":           rel.Active,
		"change_set_id":    rel.ChangeSetID,
		"content_hash":     rel.ContentHash(),
		"evidence_json":    string(evidenceJSON),
		"locations_json":   string(locationsJSON),
		"metadata_json":    rel.MetadataJSON(),
	}
}

func relationshipFromRecord(record *neo4j.Record) *model.Relationship {
	rel := &model.Relationship{
		CanonicalID:     getStringFromRecord(record, "canonical_id"),
		FromEntityID:    getStringFromRecord(record, "from_id"),
		ToEntityID:      getStringFromRecord(record, "to_id"),
		Type:            model.RelationshipType(getStringFromRecord(record, "type")),
		Disambiguator:   getStringFromRecord(record, "disambiguator"),
		Confidence:      getFloat64FromRecord(record, "confidence"),
		ResolutionState: model.ResolutionState(getStringFromRecord(record, "resolution_state")),
		ValidFrom:       getTimeFromRecord(record, "valid_from"),
		FirstSeenAt:     getTimeFromRecord(record, "first_seen_at"),
		LastSeenAt:      getTimeFromRecord(record, "last_seen_at"),
		Active:          getBoolFromRecord(record, "active"),
		ChangeSetID:     getStringFromRecord(record, "change_set_id"),
	}
	if val, ok := record.Get("valid_to"); ok && val != nil {
		if t, ok := val.(time.Time); ok {
			rel.ValidTo = &t
		}
	}
	if evidence := getStringFromRecord(record, "evidence_json"); evidence != "" {
		_ = json.Unmarshal([]byte(evidence), &rel.Evidence)
	}
	if locations := getStringFromRecord(record, "locations_json"); locations != "" {
		_ = json.Unmarshal([]byte(locations), &rel.Locations)
	}
	if metadata := getStringFromRecord(record, "metadata_json"); metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &rel.Metadata)
	}
	return rel
}

// Record helpers

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getFloat64FromRecord(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if f, ok := val.(float64); ok {
		return f
	}
	return 0
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	return 0
}

func getBoolFromRecord(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

func getTimeFromRecord(record *neo4j.Record, key string) time.Time {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return time.Time{}
	}
	if t, ok := val.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func getStringSliceFromRecord(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	if slice, ok := val.([]interface{}); ok {
		result := make([]string, 0, len(slice))
		for _, v := range slice {
			if str, ok := v.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return nil
}
