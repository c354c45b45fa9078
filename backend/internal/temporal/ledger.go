// Package temporal owns validity intervals and version chains. It is the
// only component allowed to mutate what was true when: every open, close,
// and version append runs as a single read-decide-write unit under a
// per-key lock.
package temporal

import (
	"context"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/internal/store"
	"codegraph/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// versionLockPrefix keeps entity version locks from colliding with
// canonical relationship ids.
const versionLockPrefix = "version:"

// MergeFunc folds an incoming normalized record into the existing active
// one for the same canonical id. Wired to the normalizer's merge so
// evidence union and confirmed-beats-inferred precedence apply under the
// same per-key lock that protects the interval decision.
type MergeFunc func(existing, incoming *model.Relationship) *model.Relationship

// TimelineOptions bounds timeline projections
type TimelineOptions struct {
	// Limit caps the number of records returned; <= 0 means no limit
	Limit int
}

// EdgeResult reports the interval rows an open, close, or restore wrote
// to the graph store and its relational mirror.
type EdgeResult struct {
	// Opened is the interval now active (or refreshed in place); nil for
	// a pure close
	Opened *model.Relationship
	// Closed is the predecessor interval closed by this operation, if any
	Closed *model.Relationship
}

// Rows returns the touched interval rows, closed row first
func (r *EdgeResult) Rows() []model.Relationship {
	var rows []model.Relationship
	if r.Closed != nil {
		rows = append(rows, *r.Closed)
	}
	if r.Opened != nil {
		rows = append(rows, *r.Opened)
	}
	return rows
}

// MirrorError marks a failed relational mirror write. The graph write
// already landed when it is returned, so callers attribute the failure
// to the relational store rather than the graph.
type MirrorError struct {
	Err error
}

func (e *MirrorError) Error() string {
	return "mirror interval rows: " + e.Err.Error()
}

func (e *MirrorError) Unwrap() error {
	return e.Err
}

// Ledger maintains the single-active-interval invariant per canonical
// relationship and the per-entity version chains. Interval writes go to
// the graph store (the source of truth) and are mirrored into the
// relational store before the per-key lock is released, so two writers
// racing on one canonical id can never interleave stale mirror rows.
// Version writes go to the relational store.
type Ledger struct {
	graph      store.GraphStore
	relational store.RelationalStore
	merge      MergeFunc
	locks      *keyLock
	logger     *zap.Logger
}

// NewLedger creates a ledger over the graph and relational stores
func NewLedger(graph store.GraphStore, relational store.RelationalStore, merge MergeFunc) *Ledger {
	return &Ledger{
		graph:      graph,
		relational: relational,
		merge:      merge,
		locks:      newKeyLock(),
		logger:     logger.Get(),
	}
}

// OpenEdge ensures an active interval exists for the canonical id with
// the given normalized content and reports what changed.
//
// No active interval: a new one opens at now. Active interval whose
// merged content is identical: the record refreshes in place (lastSeenAt,
// confidence, evidence) without touching interval boundaries. Active
// interval with different content: the old interval closes at now and a
// new one opens, preserving history across structural refactors. Safe to
// invoke twice with the same input.
func (l *Ledger) OpenEdge(ctx context.Context, canonicalID string, record *model.Relationship, changeSetID string) (*EdgeResult, error) {
	l.locks.Lock(canonicalID)
	defer l.locks.Unlock(canonicalID)

	current, err := l.graph.ActiveRelationship(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if current == nil {
		opened := record.Clone()
		opened.CanonicalID = canonicalID
		opened.ValidFrom = now
		opened.ValidTo = nil
		opened.Active = true
		opened.ChangeSetID = changeSetID
		if opened.FirstSeenAt.IsZero() {
			opened.FirstSeenAt = now
		}
		opened.LastSeenAt = now
		if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*opened}); err != nil {
			return nil, err
		}
		result := &EdgeResult{Opened: opened}
		return result, l.mirror(ctx, result)
	}

	merged := record
	if l.merge != nil {
		merged = l.merge(current, record)
	}

	if merged.ContentHash() == current.ContentHash() {
		refreshed := merged.Clone()
		refreshed.CanonicalID = canonicalID
		refreshed.ValidFrom = current.ValidFrom
		refreshed.ValidTo = nil
		refreshed.Active = true
		refreshed.ChangeSetID = changeSetID
		refreshed.FirstSeenAt = current.FirstSeenAt
		refreshed.LastSeenAt = now
		if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*refreshed}); err != nil {
			return nil, err
		}
		result := &EdgeResult{Opened: refreshed}
		return result, l.mirror(ctx, result)
	}

	// Intervals are keyed by (canonical id, validFrom); a successor opened
	// within the same clock reading must not collide with its predecessor.
	if !now.After(current.ValidFrom) {
		now = current.ValidFrom.Add(time.Nanosecond)
	}

	closed, err := l.closeCurrent(ctx, current, now, "superseded", changeSetID)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Interval closed for content change",
		zap.String("canonical_id", canonicalID),
		zap.String("change_set_id", changeSetID))

	opened := merged.Clone()
	opened.CanonicalID = canonicalID
	opened.ValidFrom = now
	opened.ValidTo = nil
	opened.Active = true
	opened.ChangeSetID = changeSetID
	if opened.FirstSeenAt.IsZero() || current.FirstSeenAt.Before(opened.FirstSeenAt) {
		opened.FirstSeenAt = current.FirstSeenAt
	}
	opened.LastSeenAt = now

	if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*opened}); err != nil {
		return nil, err
	}
	result := &EdgeResult{Opened: opened, Closed: closed}
	return result, l.mirror(ctx, result)
}

// CloseEdge closes the current active interval; no-op when none is active
func (l *Ledger) CloseEdge(ctx context.Context, canonicalID, reason, changeSetID string) (*EdgeResult, error) {
	l.locks.Lock(canonicalID)
	defer l.locks.Unlock(canonicalID)

	current, err := l.graph.ActiveRelationship(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &EdgeResult{}, nil
	}
	closed, err := l.closeCurrent(ctx, current, time.Now().UTC(), reason, changeSetID)
	if err != nil {
		return nil, err
	}
	result := &EdgeResult{Closed: closed}
	return result, l.mirror(ctx, result)
}

// RestoreEdge reinstates a previously captured record verbatim,
// bypassing merge precedence: the captured confidence, resolution state,
// and evidence win even when the current record would outrank them.
// Attribute-only drift overwrites the active interval in place;
// structural drift closes it and reopens the capture as a new interval.
func (l *Ledger) RestoreEdge(ctx context.Context, captured *model.Relationship, changeSetID string) (*EdgeResult, error) {
	canonicalID := captured.CanonicalID
	l.locks.Lock(canonicalID)
	defer l.locks.Unlock(canonicalID)

	current, err := l.graph.ActiveRelationship(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	restored := captured.Clone()
	restored.ValidTo = nil
	restored.Active = true
	restored.ChangeSetID = changeSetID

	if current == nil {
		restored.ValidFrom = now
		if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*restored}); err != nil {
			return nil, err
		}
		result := &EdgeResult{Opened: restored}
		return result, l.mirror(ctx, result)
	}

	if current.ContentHash() == restored.ContentHash() {
		if sameAttributes(current, restored) {
			return &EdgeResult{}, nil
		}
		restored.ValidFrom = current.ValidFrom
		if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*restored}); err != nil {
			return nil, err
		}
		result := &EdgeResult{Opened: restored}
		return result, l.mirror(ctx, result)
	}

	if !now.After(current.ValidFrom) {
		now = current.ValidFrom.Add(time.Nanosecond)
	}
	closed, err := l.closeCurrent(ctx, current, now, "rollback", changeSetID)
	if err != nil {
		return nil, err
	}
	restored.ValidFrom = now
	if err := l.graph.UpsertRelationships(ctx, []model.Relationship{*restored}); err != nil {
		return nil, err
	}
	result := &EdgeResult{Opened: restored, Closed: closed}
	return result, l.mirror(ctx, result)
}

// AppendVersion appends a version node when the entity's content hash
// changed; appending an unchanged hash is a no-op. Returns the latest
// version either way.
func (l *Ledger) AppendVersion(ctx context.Context, entityID, contentHash, changeSetID string) (*model.VersionRecord, error) {
	key := versionLockPrefix + entityID
	l.locks.Lock(key)
	defer l.locks.Unlock(key)

	latest, err := l.relational.LatestVersion(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.ContentHash == contentHash {
		return latest, nil
	}

	version := model.VersionRecord{
		VersionID:   uuid.NewString(),
		EntityID:    entityID,
		ContentHash: contentHash,
		Timestamp:   time.Now().UTC(),
		ChangeSetID: changeSetID,
	}
	if latest != nil {
		version.PreviousVersionID = latest.VersionID
		// Chains are strictly timestamp-ordered; a clock standing still
		// between appends must not produce equal timestamps.
		if !version.Timestamp.After(latest.Timestamp) {
			version.Timestamp = latest.Timestamp.Add(time.Nanosecond)
		}
	}
	if err := l.relational.AppendVersion(ctx, version); err != nil {
		return nil, err
	}
	return &version, nil
}

// GetEntityTimeline projects an entity's version chain, newest first.
// Broken links (missing backfilled history) set Truncated instead of
// failing the query.
func (l *Ledger) GetEntityTimeline(ctx context.Context, entityID string, opts TimelineOptions) (*model.EntityTimeline, error) {
	chain, err := l.relational.VersionChain(ctx, entityID, opts.Limit)
	if err != nil {
		return nil, err
	}

	timeline := &model.EntityTimeline{EntityID: entityID, Versions: chain}
	for i := 0; i < len(chain)-1; i++ {
		if chain[i].PreviousVersionID != chain[i+1].VersionID {
			timeline.Truncated = true
			break
		}
	}
	if len(chain) > 0 && opts.Limit > 0 && len(chain) == opts.Limit &&
		chain[len(chain)-1].PreviousVersionID != "" {
		timeline.Truncated = true
	}
	return timeline, nil
}

// GetRelationshipTimeline projects a canonical fact's interval history,
// oldest first.
func (l *Ledger) GetRelationshipTimeline(ctx context.Context, canonicalID string) (*model.RelationshipTimeline, error) {
	history, err := l.graph.RelationshipHistory(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	timeline := &model.RelationshipTimeline{CanonicalID: canonicalID, Intervals: history}
	// An interval left open anywhere before the last one means recorded
	// history is incomplete, not corrupt; flag it and return what exists.
	for i := 0; i < len(history)-1; i++ {
		if history[i].ValidTo == nil {
			timeline.Truncated = true
			break
		}
	}
	return timeline, nil
}

// mirror writes the touched interval rows into the relational store.
// Called with the key lock held, so mirror rows land in the same order
// as the graph writes they reflect.
func (l *Ledger) mirror(ctx context.Context, result *EdgeResult) error {
	rows := result.Rows()
	if len(rows) == 0 {
		return nil
	}
	if err := l.relational.UpsertRelationships(ctx, rows); err != nil {
		return &MirrorError{Err: err}
	}
	return nil
}

// sameAttributes reports whether two records with equal content hashes
// also agree on the mutable attributes outside the hash.
func sameAttributes(a, b *model.Relationship) bool {
	if a.Confidence != b.Confidence || a.ResolutionState != b.ResolutionState {
		return false
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) || len(a.Evidence) != len(b.Evidence) {
		return false
	}
	for i := range a.Evidence {
		if a.Evidence[i].Key() != b.Evidence[i].Key() {
			return false
		}
	}
	return true
}

// closeCurrent closes the interval in the graph store and returns the
// closed row for relational mirroring.
func (l *Ledger) closeCurrent(ctx context.Context, current *model.Relationship, at time.Time, reason, changeSetID string) (*model.Relationship, error) {
	if err := l.graph.CloseRelationship(ctx, current.CanonicalID, at, reason, changeSetID); err != nil {
		return nil, err
	}
	closed := current.Clone()
	end := at
	closed.ValidTo = &end
	closed.Active = false
	closed.ChangeSetID = changeSetID
	return closed, nil
}
