package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
)

// MemoryGraphStore is an in-memory GraphStore. It backs unit tests and
// dry-run diffing, and enforces the same single-active-interval invariant
// the Neo4j store relies on.
type MemoryGraphStore struct {
	mu        sync.RWMutex
	entities  map[string]model.Entity
	intervals map[string][]*model.Relationship // canonical id -> intervals, oldest first
	ready     bool
}

// NewMemoryGraphStore creates an empty in-memory graph store
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		entities:  make(map[string]model.Entity),
		intervals: make(map[string][]*model.Relationship),
		ready:     true,
	}
}

// SetReady toggles the readiness probe, for dependency-failure tests
func (s *MemoryGraphStore) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Ready reports whether the store accepts writes
func (s *MemoryGraphStore) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return errors.NewDependencyUnavailable(string(NameGraph), nil)
	}
	return nil
}

// UpsertEntities writes entities as one bulk operation
func (s *MemoryGraphStore) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return nil
}

// UpsertRelationships writes interval records keyed by (canonical id,
// valid_from). Inserting a second active interval for one canonical id is
// rejected, never silently repaired.
func (s *MemoryGraphStore) UpsertRelationships(ctx context.Context, relationships []model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range relationships {
		rel := relationships[i].Clone()
		existing := s.intervals[rel.CanonicalID]
		replaced := false
		for j, iv := range existing {
			if iv.ValidFrom.Equal(rel.ValidFrom) {
				existing[j] = rel
				replaced = true
				break
			}
		}
		if !replaced {
			if rel.Active {
				for _, iv := range existing {
					if iv.Active {
						return errors.NewTemporalInvariantViolation(rel.CanonicalID,
							"second active interval for canonical id")
					}
				}
			}
			existing = append(existing, rel)
			sort.SliceStable(existing, func(a, b int) bool {
				return existing[a].ValidFrom.Before(existing[b].ValidFrom)
			})
		}
		s.intervals[rel.CanonicalID] = existing
	}
	return nil
}

// GetEntity returns an entity by id, or nil when absent
func (s *MemoryGraphStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entities[id]; ok {
		cp := e
		return &cp, nil
	}
	return nil, nil
}

// ActiveRelationship returns the currently-active interval, or nil
func (s *MemoryGraphStore) ActiveRelationship(ctx context.Context, canonicalID string) (*model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, iv := range s.intervals[canonicalID] {
		if iv.Active {
			return iv.Clone(), nil
		}
	}
	return nil, nil
}

// CloseRelationship closes the active interval; no-op when none is active
func (s *MemoryGraphStore) CloseRelationship(ctx context.Context, canonicalID string, at time.Time, reason, changeSetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iv := range s.intervals[canonicalID] {
		if iv.Active {
			end := at
			iv.ValidTo = &end
			iv.Active = false
			iv.ChangeSetID = changeSetID
			if reason != "" {
				if iv.Metadata == nil {
					iv.Metadata = make(map[string]any, 1)
				}
				iv.Metadata["closed_reason"] = reason
			}
			return nil
		}
	}
	return nil
}

// RelationshipHistory returns all intervals for a canonical id, oldest first
func (s *MemoryGraphStore) RelationshipHistory(ctx context.Context, canonicalID string) ([]model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intervals := s.intervals[canonicalID]
	out := make([]model.Relationship, 0, len(intervals))
	for _, iv := range intervals {
		out = append(out, *iv.Clone())
	}
	return out, nil
}

// ActiveRelationshipsFor returns active intervals touching an entity
func (s *MemoryGraphStore) ActiveRelationshipsFor(ctx context.Context, entityID string) ([]model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Relationship
	for _, intervals := range s.intervals {
		for _, iv := range intervals {
			if iv.Active && (iv.FromEntityID == entityID || iv.ToEntityID == entityID) {
				out = append(out, *iv.Clone())
			}
		}
	}
	return out, nil
}

// Neighborhood expands from seeds by at most hops steps over active edges
func (s *MemoryGraphStore) Neighborhood(ctx context.Context, seedIDs []string, hops int) ([]string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string]bool, len(seedIDs))
	frontier := append([]string(nil), seedIDs...)
	for _, id := range seedIDs {
		visited[id] = true
	}
	counted := make(map[string]bool)

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for canonicalID, intervals := range s.intervals {
			for _, iv := range intervals {
				if !iv.Active {
					continue
				}
				for _, id := range frontier {
					if iv.FromEntityID == id || iv.ToEntityID == id {
						counted[canonicalID] = true
						other := iv.ToEntityID
						if other == id {
							other = iv.FromEntityID
						}
						if !visited[other] {
							visited[other] = true
							next = append(next, other)
						}
						break
					}
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, len(counted), nil
}

// Close releases nothing for the in-memory store
func (s *MemoryGraphStore) Close(ctx context.Context) error {
	return nil
}
