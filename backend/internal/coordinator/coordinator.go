// Package coordinator fans one logical batch out to the graph,
// relational, cache, and vector stores with a readiness gate, bounded
// retries, and per-store outcome reporting. There is no cross-store
// transaction and no automatic rollback: a partial commit is surfaced,
// never hidden.
package coordinator

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/internal/store"
	"codegraph/backend/internal/temporal"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Batch Types
// ============================================================================

// Closure asks the batch to close the active interval of a canonical fact
type Closure struct {
	CanonicalID string `json:"canonical_id"`
	Reason      string `json:"reason"`
}

// Batch is one logical unit of normalized writes. Entities commit before
// relationships so no store ever holds an edge without its endpoints.
type Batch struct {
	Author        string               `json:"author"`
	Entities      []model.Entity       `json:"entities"`
	Relationships []model.Relationship `json:"relationships"`
	Closures      []Closure            `json:"closures,omitempty"`
}

// BatchResult reports the per-store outcome of one commit
type BatchResult struct {
	ChangeSetID     string                `json:"change_set_id"`
	Success         bool                  `json:"success"`
	CommittedStores []store.Name          `json:"committed_stores"`
	FailedStores    map[store.Name]string `json:"failed_stores,omitempty"`
	DegradedStores  []store.Name          `json:"degraded_stores,omitempty"`
	Stats           model.DiffStats       `json:"stats"`
}

// CommitEvent is published after each commit attempt that reached the
// write phase. Delivery is best-effort over a bounded channel.
type CommitEvent struct {
	ChangeSetID string          `json:"change_set_id"`
	Author      string          `json:"author"`
	Timestamp   time.Time       `json:"timestamp"`
	Success     bool            `json:"success"`
	Stats       model.DiffStats `json:"stats"`
}

// Counters is a snapshot of the coordinator's degradation counters
type Counters struct {
	EventsDropped int64 `json:"events_dropped"`
	VectorSkipped int64 `json:"vector_skipped"`
}

// Options tunes retries, timeouts, and the event channel
type Options struct {
	StoreTimeout time.Duration
	RetryCount   int
	RetryBackoff time.Duration
	EventBuffer  int
}

func (o *Options) withDefaults() {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

// ============================================================================
// Cache Keys
// ============================================================================

// Cache keys are owned here so every writer invalidates exactly what the
// readers populate.

func EntityCacheKey(entityID string) string { return "entity:" + entityID }

func RelationshipCacheKey(canonicalID string) string { return "rel:" + canonicalID }

func EntityTimelineCacheKey(entityID string) string { return "timeline:entity:" + entityID }

func RelationshipTimelineCacheKey(canonicalID string) string {
	return "timeline:rel:" + canonicalID
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator owns multi-store write consistency. Graph, relational, and
// cache are required stores; the vector store is best-effort and a failed
// embedding never fails a batch.
type Coordinator struct {
	graph      store.GraphStore
	relational store.RelationalStore
	cache      store.CacheStore
	vector     store.VectorStore
	ledger     *temporal.Ledger
	opts       Options
	logger     *zap.Logger

	events        chan CommitEvent
	eventsDropped atomic.Int64
	vectorSkipped atomic.Int64
	closed        atomic.Bool
}

// New creates a coordinator over the four stores and the temporal ledger
func New(graph store.GraphStore, relational store.RelationalStore, cache store.CacheStore, vector store.VectorStore, ledger *temporal.Ledger, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		graph:      graph,
		relational: relational,
		cache:      cache,
		vector:     vector,
		ledger:     ledger,
		opts:       opts,
		logger:     logger.Get(),
		events:     make(chan CommitEvent, opts.EventBuffer),
	}
}

// Events returns the bounded commit-event channel. Slow consumers lose
// events rather than stalling commits.
func (c *Coordinator) Events() <-chan CommitEvent {
	return c.events
}

// Counters returns a snapshot of the degradation counters
func (c *Coordinator) Counters() Counters {
	return Counters{
		EventsDropped: c.eventsDropped.Load(),
		VectorSkipped: c.vectorSkipped.Load(),
	}
}

// DependenciesReady probes every store and reports per-store status
func (c *Coordinator) DependenciesReady(ctx context.Context) map[store.Name]error {
	return map[store.Name]error{
		store.NameGraph:      c.graph.Ready(ctx),
		store.NameRelational: c.relational.Ready(ctx),
		store.NameCache:      c.cache.Ready(ctx),
		store.NameVector:     c.vector.Ready(ctx),
	}
}

// CommitBatch writes one batch across the stores.
//
// Order of operations: readiness gate, entity upserts (graph and
// relational in parallel, embeddings best-effort), relationship interval
// resolution through the ledger, relational mirroring and version
// appends, cache invalidation, changeset save, event publish. Any
// required store that fails lands in FailedStores and the call returns a
// PartialCommitFailure; committed stores are never undone automatically.
func (c *Coordinator) CommitBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	if err := c.gate(ctx); err != nil {
		return nil, err
	}

	result := &BatchResult{
		ChangeSetID:  uuid.NewString(),
		FailedStores: make(map[store.Name]string),
	}

	var graphErr, relationalErr, cacheErr error

	// Phase 1: entities before relationships, required stores in parallel.
	g := new(errgroup.Group)
	if len(batch.Entities) > 0 {
		g.Go(func() error {
			graphErr = c.withRetry(ctx, "graph upsert entities", func(ctx context.Context) error {
				return c.graph.UpsertEntities(ctx, batch.Entities)
			})
			return nil
		})
		g.Go(func() error {
			relationalErr = c.withRetry(ctx, "relational upsert entities", func(ctx context.Context) error {
				return c.relational.UpsertEntities(ctx, batch.Entities)
			})
			return nil
		})
		g.Go(func() error {
			c.embedBestEffort(ctx, batch.Entities, result)
			return nil
		})
	} else if c.vector.Ready(ctx) != nil {
		result.DegradedStores = append(result.DegradedStores, store.NameVector)
	}
	_ = g.Wait()

	// Phase 2: interval resolution. The ledger writes the graph store and
	// mirrors the touched rows relationally while it still holds the
	// per-key lock, so stale rows from a racing batch cannot land after
	// newer ones.
	if graphErr == nil && relationalErr == nil {
		if err := c.resolveIntervals(ctx, batch, result); err != nil {
			var mirrorErr *temporal.MirrorError
			if stderrors.As(err, &mirrorErr) {
				relationalErr = err
			} else {
				graphErr = err
			}
		}
	}

	// Phase 3: version chains live in the relational store.
	if relationalErr == nil {
		for i := range batch.Entities {
			entity := &batch.Entities[i]
			version, err := c.ledger.AppendVersion(ctx, entity.ID, entity.ContentHash, result.ChangeSetID)
			if err != nil {
				relationalErr = err
				break
			}
			if version.ChangeSetID == result.ChangeSetID {
				result.Stats.VersionsAppended++
			}
		}
	}

	// Phase 4: invalidate everything this batch touched.
	cacheErr = c.invalidateBatch(ctx, batch)

	if graphErr == nil && relationalErr == nil {
		result.Stats.EntitiesUpserted = len(batch.Entities)
		cs := model.ChangeSet{
			ID:        result.ChangeSetID,
			Author:    batch.Author,
			Timestamp: time.Now().UTC(),
			Stats:     result.Stats,
		}
		if err := c.relational.SaveChangeSet(ctx, cs); err != nil {
			relationalErr = err
		}
	}

	c.recordOutcome(result, store.NameGraph, graphErr)
	c.recordOutcome(result, store.NameRelational, relationalErr)
	c.recordOutcome(result, store.NameCache, cacheErr)
	result.Success = len(result.FailedStores) == 0

	c.publish(CommitEvent{
		ChangeSetID: result.ChangeSetID,
		Author:      batch.Author,
		Timestamp:   time.Now().UTC(),
		Success:     result.Success,
		Stats:       result.Stats,
	})

	if !result.Success {
		failed := make([]string, 0, len(result.FailedStores))
		for name := range result.FailedStores {
			failed = append(failed, string(name))
		}
		c.logger.Error("Batch commit incomplete",
			zap.String("change_set_id", result.ChangeSetID),
			zap.Strings("failed_stores", failed))
		return result, errors.NewPartialCommitFailure(failed)
	}

	c.logger.Info("Batch committed",
		zap.String("change_set_id", result.ChangeSetID),
		zap.Int("entities", result.Stats.EntitiesUpserted),
		zap.Int("relationships_opened", result.Stats.RelationshipsOpened),
		zap.Int("relationships_closed", result.Stats.RelationshipsClosed))
	return result, nil
}

// OpenEdge routes a single interval open through the ledger (which
// mirrors the touched rows under its key lock) and invalidates the
// affected cache entries. Used by recovery paths that replay captured
// state record by record.
func (c *Coordinator) OpenEdge(ctx context.Context, rel *model.Relationship, changeSetID string) (*temporal.EdgeResult, error) {
	res, err := c.ledger.OpenEdge(ctx, rel.CanonicalID, rel, changeSetID)
	if err != nil {
		return nil, err
	}
	c.invalidateRelationship(ctx, rel.CanonicalID)
	return res, nil
}

// CloseEdge routes a single interval close through the ledger with the
// same invalidation as OpenEdge.
func (c *Coordinator) CloseEdge(ctx context.Context, canonicalID, reason, changeSetID string) (*temporal.EdgeResult, error) {
	res, err := c.ledger.CloseEdge(ctx, canonicalID, reason, changeSetID)
	if err != nil {
		return nil, err
	}
	c.invalidateRelationship(ctx, canonicalID)
	return res, nil
}

// RestoreEdge reinstates a captured interval record verbatim through the
// ledger, then invalidates the affected cache entries.
func (c *Coordinator) RestoreEdge(ctx context.Context, captured *model.Relationship, changeSetID string) (*temporal.EdgeResult, error) {
	res, err := c.ledger.RestoreEdge(ctx, captured, changeSetID)
	if err != nil {
		return nil, err
	}
	c.invalidateRelationship(ctx, captured.CanonicalID)
	return res, nil
}

// RestoreEntities writes previously captured entities back to the
// required stores, bypassing version appends.
func (c *Coordinator) RestoreEntities(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	if err := c.graph.UpsertEntities(ctx, entities); err != nil {
		return err
	}
	if err := c.relational.UpsertEntities(ctx, entities); err != nil {
		return err
	}
	for i := range entities {
		if err := c.cache.Invalidate(ctx, EntityCacheKey(entities[i].ID)); err != nil {
			c.logger.Warn("Cache invalidation failed", zap.String("entity_id", entities[i].ID), zap.Error(err))
		}
	}
	return nil
}

// Close shuts the event channel; commits in flight must be done
func (c *Coordinator) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.events)
	}
}

// ============================================================================
// Internals
// ============================================================================

// gate fails fast before any store is touched
func (c *Coordinator) gate(ctx context.Context) error {
	required := []struct {
		name  store.Name
		ready func(context.Context) error
	}{
		{store.NameGraph, c.graph.Ready},
		{store.NameRelational, c.relational.Ready},
		{store.NameCache, c.cache.Ready},
	}
	for _, r := range required {
		if err := r.ready(ctx); err != nil {
			var dep *errors.DependencyUnavailable
			if stderrors.As(err, &dep) {
				return err
			}
			return errors.NewDependencyUnavailable(string(r.name), err)
		}
	}
	return nil
}

func (c *Coordinator) resolveIntervals(ctx context.Context, batch Batch, result *BatchResult) error {
	for i := range batch.Relationships {
		rel := batch.Relationships[i]
		res, err := c.ledger.OpenEdge(ctx, rel.CanonicalID, &rel, result.ChangeSetID)
		if err != nil {
			return err
		}
		if res.Opened != nil {
			result.Stats.RelationshipsOpened++
		}
		if res.Closed != nil {
			result.Stats.RelationshipsClosed++
		}
	}
	for _, closure := range batch.Closures {
		res, err := c.ledger.CloseEdge(ctx, closure.CanonicalID, closure.Reason, result.ChangeSetID)
		if err != nil {
			return err
		}
		if res.Closed != nil {
			result.Stats.RelationshipsClosed++
		}
	}
	return nil
}

// embedBestEffort upserts embeddings without ever failing the batch
func (c *Coordinator) embedBestEffort(ctx context.Context, entities []model.Entity, result *BatchResult) {
	if err := c.vector.Ready(ctx); err != nil {
		c.vectorSkipped.Add(1)
		result.DegradedStores = append(result.DegradedStores, store.NameVector)
		c.logger.Debug("Vector store unavailable, skipping embeddings", zap.Error(err))
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	if err := c.vector.UpsertEmbeddings(callCtx, entities); err != nil {
		c.vectorSkipped.Add(1)
		result.DegradedStores = append(result.DegradedStores, store.NameVector)
		c.logger.Warn("Embedding upsert failed, continuing without", zap.Error(err))
		return
	}
	result.CommittedStores = append(result.CommittedStores, store.NameVector)
}

func (c *Coordinator) invalidateBatch(ctx context.Context, batch Batch) error {
	var firstErr error
	invalidate := func(key string) {
		if err := c.cache.Invalidate(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range batch.Entities {
		invalidate(EntityCacheKey(batch.Entities[i].ID))
		invalidate(EntityTimelineCacheKey(batch.Entities[i].ID))
	}
	for i := range batch.Relationships {
		invalidate(RelationshipCacheKey(batch.Relationships[i].CanonicalID))
		invalidate(RelationshipTimelineCacheKey(batch.Relationships[i].CanonicalID))
	}
	for _, closure := range batch.Closures {
		invalidate(RelationshipCacheKey(closure.CanonicalID))
		invalidate(RelationshipTimelineCacheKey(closure.CanonicalID))
	}
	return firstErr
}

func (c *Coordinator) invalidateRelationship(ctx context.Context, canonicalID string) {
	for _, key := range []string{RelationshipCacheKey(canonicalID), RelationshipTimelineCacheKey(canonicalID)} {
		if err := c.cache.Invalidate(ctx, key); err != nil {
			c.logger.Warn("Cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Coordinator) recordOutcome(result *BatchResult, name store.Name, err error) {
	if err != nil {
		result.FailedStores[name] = err.Error()
		return
	}
	result.CommittedStores = append(result.CommittedStores, name)
}

// publish never blocks a commit on a slow event consumer
func (c *Coordinator) publish(event CommitEvent) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- event:
	default:
		c.eventsDropped.Add(1)
	}
}

// withRetry runs fn with a per-call timeout and doubling backoff.
// Temporal invariant violations are logic errors and never retried.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := c.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= c.opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		var violation *errors.TemporalInvariantViolation
		if stderrors.As(err, &violation) {
			return err
		}
		c.logger.Warn("Store call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}
