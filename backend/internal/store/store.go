// Package store defines the contracts for the four backing stores the
// write coordinator fans out to: graph (Neo4j), relational (SQLite),
// cache (Badger), and vector (embeddings). Each store is an independent
// failure domain with an explicit Ready probe and Close lifecycle; there
// are no process-wide singletons.
package store

import (
	"context"
	"time"

	"codegraph/backend/internal/model"
)

// Name identifies a store in batch results and readiness reports
type Name string

const (
	NameGraph      Name = "graph"
	NameRelational Name = "relational"
	NameCache      Name = "cache"
	NameVector     Name = "vector"
)

// GraphStore holds entities and relationship interval records. It is the
// source of truth for validity intervals.
type GraphStore interface {
	// Ready reports whether the store can accept writes
	Ready(ctx context.Context) error

	// UpsertEntities writes entities as a bulk operation
	UpsertEntities(ctx context.Context, entities []model.Entity) error

	// UpsertRelationships writes interval records as a bulk operation,
	// keyed by (canonical id, valid_from)
	UpsertRelationships(ctx context.Context, relationships []model.Relationship) error

	// GetEntity returns an entity by id, or nil when absent
	GetEntity(ctx context.Context, id string) (*model.Entity, error)

	// ActiveRelationship returns the single currently-active interval for
	// a canonical id, or nil when none is active
	ActiveRelationship(ctx context.Context, canonicalID string) (*model.Relationship, error)

	// CloseRelationship sets validTo/active on the current active interval.
	// No-op when none is active.
	CloseRelationship(ctx context.Context, canonicalID string, at time.Time, reason, changeSetID string) error

	// RelationshipHistory returns all interval records for a canonical id,
	// oldest first
	RelationshipHistory(ctx context.Context, canonicalID string) ([]model.Relationship, error)

	// ActiveRelationshipsFor returns active intervals touching an entity
	ActiveRelationshipsFor(ctx context.Context, entityID string) ([]model.Relationship, error)

	// Neighborhood expands from seed entities by at most hops traversal
	// steps and returns the reached entity ids plus the relationship count
	Neighborhood(ctx context.Context, seedIDs []string, hops int) ([]string, int, error)

	// Close releases the underlying driver
	Close(ctx context.Context) error
}

// RelationalStore holds the scalar companion rows, version chains,
// changesets, and checkpoints.
type RelationalStore interface {
	Ready(ctx context.Context) error

	UpsertEntities(ctx context.Context, entities []model.Entity) error
	UpsertRelationships(ctx context.Context, relationships []model.Relationship) error

	// AppendVersion inserts one version-chain node
	AppendVersion(ctx context.Context, version model.VersionRecord) error

	// LatestVersion returns the newest version for an entity, or nil
	LatestVersion(ctx context.Context, entityID string) (*model.VersionRecord, error)

	// VersionChain returns up to limit versions for an entity, newest
	// first (limit <= 0 means no limit)
	VersionChain(ctx context.Context, entityID string, limit int) ([]model.VersionRecord, error)

	SaveChangeSet(ctx context.Context, cs model.ChangeSet) error

	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	ListCheckpoints(ctx context.Context, limit int) ([]model.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error)

	// Rollback points are persisted only when durable capture is enabled
	SaveRollbackPoint(ctx context.Context, point model.RollbackPoint) error
	DeleteRollbackPoint(ctx context.Context, id string) error

	Close() error
}

// CacheStore is an explicit cache with invalidation hooks, owned by the
// component that writes the underlying data.
type CacheStore interface {
	Ready(ctx context.Context) error

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error

	Close() error
}

// VectorStore enriches entities with embeddings. Writes are best-effort:
// an unavailable or unconfigured backend is skipped, never a batch
// failure.
type VectorStore interface {
	Ready(ctx context.Context) error

	UpsertEmbeddings(ctx context.Context, entities []model.Entity) error

	Close() error
}
