package model

import "time"

// ============================================================================
// Versioning, Provenance, and Recovery Types
// ============================================================================

// VersionRecord is one node in an entity's version chain. Chains are
// singly linked through PreviousVersionID and strictly ordered by
// timestamp; PreviousVersionID is empty only for an entity's first version.
type VersionRecord struct {
	VersionID         string    `json:"version_id"`
	EntityID          string    `json:"entity_id"`
	ContentHash       string    `json:"content_hash"`
	Timestamp         time.Time `json:"timestamp"`
	ChangeSetID       string    `json:"change_set_id"`
	PreviousVersionID string    `json:"previous_version_id,omitempty"`
}

// DiffStats summarizes what a changeset touched
type DiffStats struct {
	EntitiesUpserted    int `json:"entities_upserted"`
	RelationshipsOpened int `json:"relationships_opened"`
	RelationshipsClosed int `json:"relationships_closed"`
	VersionsAppended    int `json:"versions_appended"`
}

// ChangeSet groups a batch of mutations under one provenance record
type ChangeSet struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Stats     DiffStats `json:"stats"`
}

// CheckpointSummary is the small outcome summary a checkpoint stores in
// place of subgraph content.
type CheckpointSummary struct {
	EntityCount       int      `json:"entity_count"`
	RelationshipCount int      `json:"relationship_count"`
	ImpactedIDs       []string `json:"impacted_ids,omitempty"`
}

// Checkpoint is a reference-only recovery anchor: which entities were in
// scope and what happened, never a subgraph copy.
type Checkpoint struct {
	ID            string            `json:"id"`
	SeedEntityIDs []string          `json:"seed_entity_ids"`
	HopCount      int               `json:"hop_count"`
	CreatedAt     time.Time         `json:"created_at"`
	Summary       CheckpointSummary `json:"summary"`
}

// RollbackStatus tracks a rollback point through its lifecycle
type RollbackStatus string

const (
	RollbackActive  RollbackStatus = "active"
	RollbackApplied RollbackStatus = "applied"
	RollbackExpired RollbackStatus = "expired"
)

// RollbackPoint captures enough pre-operation state to undo a specific
// multi-store write. Heavier than a checkpoint: it holds record content.
type RollbackPoint struct {
	ID                    string         `json:"id"`
	Timestamp             time.Time      `json:"timestamp"`
	CapturedEntities      []Entity       `json:"captured_entities"`
	CapturedRelationships []Relationship `json:"captured_relationships"`
	// AbsentCanonicalIDs are canonical facts that had no active interval at
	// capture time. Rolling back closes whatever was opened for them since.
	AbsentCanonicalIDs []string `json:"absent_canonical_ids,omitempty"`
	// GuardChangeSetIDs are the changesets this point was created to undo.
	// A record rewritten by any other changeset after capture has diverged.
	GuardChangeSetIDs []string       `json:"guard_change_set_ids,omitempty"`
	TTL               time.Duration  `json:"ttl"`
	Status            RollbackStatus `json:"status"`
}

// Guards reports whether changeSetID is covered by this rollback point
func (p *RollbackPoint) Guards(changeSetID string) bool {
	for _, id := range p.GuardChangeSetIDs {
		if id == changeSetID {
			return true
		}
	}
	return false
}

// Expired reports whether the point's TTL has elapsed at now
func (p *RollbackPoint) Expired(now time.Time) bool {
	return p.TTL > 0 && now.Sub(p.Timestamp) > p.TTL
}

// EntityTimeline is a read-only projection over an entity's version chain.
// Truncated is set when backfilled history is missing instead of failing
// the query.
type EntityTimeline struct {
	EntityID  string          `json:"entity_id"`
	Versions  []VersionRecord `json:"versions"`
	Truncated bool            `json:"truncated"`
}

// RelationshipTimeline is a read-only projection over a canonical fact's
// interval history, oldest first.
type RelationshipTimeline struct {
	CanonicalID string         `json:"canonical_id"`
	Intervals   []Relationship `json:"intervals"`
	Truncated   bool           `json:"truncated"`
}
