// Package knowledge is the facade over normalization, coordination,
// temporal bookkeeping, and recovery. Handlers and ingestion producers
// talk to this service; nothing above it touches a store directly.
package knowledge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"codegraph/backend/internal/coordinator"
	"codegraph/backend/internal/model"
	"codegraph/backend/internal/normalize"
	"codegraph/backend/internal/recovery"
	"codegraph/backend/internal/store"
	"codegraph/backend/internal/temporal"
	"codegraph/backend/pkg/logger"
	"go.uber.org/zap"
)

// DefaultCacheTTL bounds how long read projections stay cached; every
// write invalidates the touched keys anyway.
const DefaultCacheTTL = 5 * time.Minute

// RawBatch is one ingestion payload before normalization
type RawBatch struct {
	Author   string                `json:"author"`
	Entities []model.Entity        `json:"entities,omitempty"`
	Facts    []model.RawFact       `json:"facts,omitempty"`
	Closures []coordinator.Closure `json:"closures,omitempty"`
}

// Counters aggregates the warning and degradation counters of the layers
// below the facade.
type Counters struct {
	Normalization normalize.Counters   `json:"normalization"`
	Coordinator   coordinator.Counters `json:"coordinator"`
	Recovery      recovery.Counters    `json:"recovery"`
	SkippedFacts  uint64               `json:"skipped_facts"`
}

// Deps are the wired components the service fronts
type Deps struct {
	Normalizer  *normalize.Normalizer
	Coordinator *coordinator.Coordinator
	Recovery    *recovery.Manager
	Ledger      *temporal.Ledger
	Graph       store.GraphStore
	Relational  store.RelationalStore
	Cache       store.CacheStore
	Vector      store.VectorStore
}

// Options tunes the facade
type Options struct {
	CacheTTL time.Duration
}

// similaritySearcher is the optional capability of vector stores that
// index embeddings locally.
type similaritySearcher interface {
	Similar(entityID string, limit int) []string
}

// Service is the single entry point for knowledge-graph persistence
type Service struct {
	deps     Deps
	cacheTTL time.Duration
	logger   *zap.Logger

	skippedFacts atomic.Uint64
}

// NewService creates the facade over wired components
func NewService(deps Deps, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Service{
		deps:     deps,
		cacheTTL: opts.CacheTTL,
		logger:   logger.Get(),
	}
}

// ============================================================================
// Writes
// ============================================================================

// CommitBatch normalizes a raw ingestion payload and commits it across
// the stores. A malformed fact or entity never fails the batch: it is
// skipped, logged, and counted. Facts resolving to the same canonical id
// within one batch are merged before the commit so batch ingestion stays
// idempotent.
func (s *Service) CommitBatch(ctx context.Context, raw RawBatch) (*coordinator.BatchResult, error) {
	batch := coordinator.Batch{Author: raw.Author, Closures: raw.Closures}

	for i := range raw.Entities {
		entity, err := s.deps.Normalizer.NormalizeEntity(raw.Entities[i])
		if err != nil {
			s.skippedFacts.Add(1)
			s.logger.Warn("Skipping malformed entity", zap.Error(err))
			continue
		}
		batch.Entities = append(batch.Entities, *entity)
	}

	merged := make(map[string]*model.Relationship)
	var order []string
	for i := range raw.Facts {
		rel, err := s.deps.Normalizer.Normalize(raw.Facts[i])
		if err != nil {
			s.skippedFacts.Add(1)
			s.logger.Warn("Skipping malformed fact", zap.Error(err))
			continue
		}
		if existing, ok := merged[rel.CanonicalID]; ok {
			merged[rel.CanonicalID] = s.deps.Normalizer.Merge(existing, rel)
			continue
		}
		merged[rel.CanonicalID] = rel
		order = append(order, rel.CanonicalID)
	}
	for _, id := range order {
		batch.Relationships = append(batch.Relationships, *merged[id])
	}

	return s.deps.Coordinator.CommitBatch(ctx, batch)
}

// Normalize validates and canonicalizes a raw fact without committing it
func (s *Service) Normalize(fact model.RawFact) (*model.Relationship, error) {
	return s.deps.Normalizer.Normalize(fact)
}

// NormalizeEntity validates an entity record without committing it
func (s *Service) NormalizeEntity(entity model.Entity) (*model.Entity, error) {
	return s.deps.Normalizer.NormalizeEntity(entity)
}

// OpenEdge commits a single normalized fact outside a batch
func (s *Service) OpenEdge(ctx context.Context, fact model.RawFact, changeSetID string) (*temporal.EdgeResult, error) {
	rel, err := s.deps.Normalizer.Normalize(fact)
	if err != nil {
		return nil, err
	}
	return s.deps.Coordinator.OpenEdge(ctx, rel, changeSetID)
}

// CloseEdge closes the active interval of a canonical fact
func (s *Service) CloseEdge(ctx context.Context, canonicalID, reason, changeSetID string) (*temporal.EdgeResult, error) {
	return s.deps.Coordinator.CloseEdge(ctx, canonicalID, reason, changeSetID)
}

// AppendVersion records a content change for an entity
func (s *Service) AppendVersion(ctx context.Context, entityID, contentHash, changeSetID string) (*model.VersionRecord, error) {
	return s.deps.Ledger.AppendVersion(ctx, entityID, contentHash, changeSetID)
}

// ============================================================================
// Reads
// ============================================================================

// GetEntity reads an entity through the cache
func (s *Service) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	key := coordinator.EntityCacheKey(id)
	var cached model.Entity
	if s.cacheRead(ctx, key, &cached) {
		return &cached, nil
	}
	entity, err := s.deps.Graph.GetEntity(ctx, id)
	if err != nil || entity == nil {
		return entity, err
	}
	s.cacheWrite(ctx, key, entity)
	return entity, nil
}

// GetEntityTimeline reads an entity's version chain through the cache,
// newest first. Uncached limits fall through to the ledger.
func (s *Service) GetEntityTimeline(ctx context.Context, entityID string, limit int) (*model.EntityTimeline, error) {
	key := coordinator.EntityTimelineCacheKey(entityID)
	if limit <= 0 {
		var cached model.EntityTimeline
		if s.cacheRead(ctx, key, &cached) {
			return &cached, nil
		}
	}
	timeline, err := s.deps.Ledger.GetEntityTimeline(ctx, entityID, temporal.TimelineOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		s.cacheWrite(ctx, key, timeline)
	}
	return timeline, nil
}

// GetRelationshipTimeline reads a canonical fact's interval history
// through the cache, oldest first.
func (s *Service) GetRelationshipTimeline(ctx context.Context, canonicalID string) (*model.RelationshipTimeline, error) {
	key := coordinator.RelationshipTimelineCacheKey(canonicalID)
	var cached model.RelationshipTimeline
	if s.cacheRead(ctx, key, &cached) {
		return &cached, nil
	}
	timeline, err := s.deps.Ledger.GetRelationshipTimeline(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	s.cacheWrite(ctx, key, timeline)
	return timeline, nil
}

// ActiveRelationships returns the active intervals touching an entity
func (s *Service) ActiveRelationships(ctx context.Context, entityID string) ([]model.Relationship, error) {
	return s.deps.Graph.ActiveRelationshipsFor(ctx, entityID)
}

// SimilarEntities returns entity ids ranked by embedding similarity, or
// nil when the vector store cannot search.
func (s *Service) SimilarEntities(entityID string, limit int) []string {
	if searcher, ok := s.deps.Vector.(similaritySearcher); ok {
		return searcher.Similar(entityID, limit)
	}
	return nil
}

// ============================================================================
// Recovery
// ============================================================================

// CreateCheckpoint records a reference-only recovery anchor
func (s *Service) CreateCheckpoint(ctx context.Context, seedIDs []string, hops int) (*model.Checkpoint, error) {
	return s.deps.Recovery.CreateCheckpoint(ctx, seedIDs, hops)
}

// ListCheckpoints returns checkpoints, newest first
func (s *Service) ListCheckpoints(ctx context.Context, limit int) ([]model.Checkpoint, error) {
	return s.deps.Recovery.ListCheckpoints(ctx, limit)
}

// CreateRollbackPoint captures record content ahead of a risky operation
func (s *Service) CreateRollbackPoint(ctx context.Context, entityIDs, canonicalIDs, guardChangeSetIDs []string) (*model.RollbackPoint, error) {
	return s.deps.Recovery.CreateRollbackPoint(ctx, entityIDs, canonicalIDs, guardChangeSetIDs)
}

// GuardRollbackPoint attaches a committed changeset to a rollback point
func (s *Service) GuardRollbackPoint(pointID, changeSetID string) error {
	return s.deps.Recovery.AddGuard(pointID, changeSetID)
}

// Rollback applies a rollback point
func (s *Service) Rollback(ctx context.Context, req recovery.RollbackRequest) (*recovery.RollbackReport, error) {
	return s.deps.Recovery.Rollback(ctx, req)
}

// ============================================================================
// Operations
// ============================================================================

// DependenciesReady probes every store
func (s *Service) DependenciesReady(ctx context.Context) map[store.Name]error {
	return s.deps.Coordinator.DependenciesReady(ctx)
}

// Events exposes the commit-event stream
func (s *Service) Events() <-chan coordinator.CommitEvent {
	return s.deps.Coordinator.Events()
}

// Counters aggregates warning and degradation counters
func (s *Service) Counters() Counters {
	return Counters{
		Normalization: s.deps.Normalizer.Counters(),
		Coordinator:   s.deps.Coordinator.Counters(),
		Recovery:      s.deps.Recovery.Counters(),
		SkippedFacts:  s.skippedFacts.Load(),
	}
}

// Close shuts the coordinator and every store
func (s *Service) Close(ctx context.Context) {
	s.deps.Coordinator.Close()
	if err := s.deps.Graph.Close(ctx); err != nil {
		s.logger.Warn("Graph store close failed", zap.Error(err))
	}
	if err := s.deps.Relational.Close(); err != nil {
		s.logger.Warn("Relational store close failed", zap.Error(err))
	}
	if err := s.deps.Cache.Close(); err != nil {
		s.logger.Warn("Cache store close failed", zap.Error(err))
	}
	if err := s.deps.Vector.Close(); err != nil {
		s.logger.Warn("Vector store close failed", zap.Error(err))
	}
}

// ============================================================================
// Internals
// ============================================================================

func (s *Service) cacheRead(ctx context.Context, key string, out any) bool {
	data, found, err := s.deps.Cache.Get(ctx, key)
	if err != nil || !found {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) cacheWrite(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.deps.Cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}
