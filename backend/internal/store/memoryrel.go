package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
)

// MemoryRelationalStore is an in-memory RelationalStore for unit tests
// and ephemeral deployments.
type MemoryRelationalStore struct {
	mu            sync.RWMutex
	entities      map[string]model.Entity
	relationships map[string]map[string]model.Relationship // canonical id -> valid_from -> row
	versions      map[string][]model.VersionRecord         // entity id -> newest last
	changesets    map[string]model.ChangeSet
	checkpoints   []model.Checkpoint
	rollbacks     map[string]model.RollbackPoint
	ready         bool
}

// NewMemoryRelationalStore creates an empty in-memory relational store
func NewMemoryRelationalStore() *MemoryRelationalStore {
	return &MemoryRelationalStore{
		entities:      make(map[string]model.Entity),
		relationships: make(map[string]map[string]model.Relationship),
		versions:      make(map[string][]model.VersionRecord),
		changesets:    make(map[string]model.ChangeSet),
		rollbacks:     make(map[string]model.RollbackPoint),
		ready:         true,
	}
}

// SetReady toggles the readiness probe, for dependency-failure tests
func (s *MemoryRelationalStore) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *MemoryRelationalStore) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return errors.NewDependencyUnavailable(string(NameRelational), nil)
	}
	return nil
}

func (s *MemoryRelationalStore) Close() error { return nil }

func (s *MemoryRelationalStore) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return nil
}

func (s *MemoryRelationalStore) UpsertRelationships(ctx context.Context, relationships []model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range relationships {
		rel := relationships[i]
		rows := s.relationships[rel.CanonicalID]
		if rows == nil {
			rows = make(map[string]model.Relationship)
			s.relationships[rel.CanonicalID] = rows
		}
		rows[rel.ValidFrom.UTC().Format(timeFmt)] = *rel.Clone()
	}
	return nil
}

// RelationshipRows returns the mirrored interval rows for a canonical
// id, oldest first, for test assertions.
func (s *MemoryRelationalStore) RelationshipRows(canonicalID string) []model.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]model.Relationship, 0, len(s.relationships[canonicalID]))
	for _, row := range s.relationships[canonicalID] {
		rows = append(rows, *row.Clone())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ValidFrom.Before(rows[j].ValidFrom) })
	return rows
}

func (s *MemoryRelationalStore) AppendVersion(ctx context.Context, version model.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[version.EntityID] = append(s.versions[version.EntityID], version)
	return nil
}

func (s *MemoryRelationalStore) LatestVersion(ctx context.Context, entityID string) (*model.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[entityID]
	if len(chain) == 0 {
		return nil, nil
	}
	latest := chain[len(chain)-1]
	return &latest, nil
}

func (s *MemoryRelationalStore) VersionChain(ctx context.Context, entityID string, limit int) ([]model.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[entityID]
	out := make([]model.VersionRecord, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRelationalStore) SaveChangeSet(ctx context.Context, cs model.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changesets[cs.ID] = cs
	return nil
}

// GetChangeSet returns a saved changeset, for test assertions
func (s *MemoryRelationalStore) GetChangeSet(id string) (model.ChangeSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.changesets[id]
	return cs, ok
}

func (s *MemoryRelationalStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *MemoryRelationalStore) ListCheckpoints(ctx context.Context, limit int) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]model.Checkpoint(nil), s.checkpoints...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRelationalStore) PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.checkpoints[:0]
	pruned := 0
	for _, cp := range s.checkpoints {
		if cp.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, cp)
	}
	s.checkpoints = kept
	return pruned, nil
}

func (s *MemoryRelationalStore) SaveRollbackPoint(ctx context.Context, point model.RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks[point.ID] = point
	return nil
}

// GetRollbackPoint returns a persisted rollback point, for test assertions
func (s *MemoryRelationalStore) GetRollbackPoint(id string) (model.RollbackPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	point, ok := s.rollbacks[id]
	return point, ok
}

func (s *MemoryRelationalStore) DeleteRollbackPoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rollbacks, id)
	return nil
}
