package store

import (
	"context"
	"testing"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interval(canonicalID, from, to string, validFrom time.Time, active bool) model.Relationship {
	rel := model.Relationship{
		CanonicalID:     canonicalID,
		FromEntityID:    from,
		ToEntityID:      to,
		Type:            model.RelImports,
		Confidence:      1.0,
		ResolutionState: model.StateInferred,
		ValidFrom:       validFrom,
		FirstSeenAt:     validFrom,
		LastSeenAt:      validFrom,
		Active:          active,
	}
	if !active {
		end := validFrom.Add(time.Second)
		rel.ValidTo = &end
	}
	return rel
}

func TestMemoryGraph_RejectsSecondActiveInterval(t *testing.T) {
	s := NewMemoryGraphStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRelationships(ctx,
		[]model.Relationship{interval("cid-1", "a", "b", now, true)}))

	err := s.UpsertRelationships(ctx,
		[]model.Relationship{interval("cid-1", "a", "b", now.Add(time.Second), true)})
	var violation *errors.TemporalInvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "cid-1", violation.CanonicalID)
}

func TestMemoryGraph_SameKeyReplacesRow(t *testing.T) {
	s := NewMemoryGraphStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rel := interval("cid-1", "a", "b", now, true)
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{rel}))

	rel.Confidence = 0.5
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{rel}))

	history, err := s.RelationshipHistory(ctx, "cid-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.5, history[0].Confidence)
}

func TestMemoryGraph_NeighborhoodHonorsHopBound(t *testing.T) {
	s := NewMemoryGraphStore()
	ctx := context.Background()
	now := time.Now().UTC()

	// a -> b -> c -> d chain over active edges, plus a closed edge to e
	// that traversal must ignore.
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{
		interval("ab", "a", "b", now, true),
		interval("bc", "b", "c", now, true),
		interval("cd", "c", "d", now, true),
		interval("ae", "a", "e", now, false),
	}))

	ids, relCount, err := s.Neighborhood(ctx, []string{"a"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 2, relCount)

	ids, _, err = s.Neighborhood(ctx, []string{"a"}, 3)
	require.NoError(t, err)
	assert.Contains(t, ids, "d")
	assert.NotContains(t, ids, "e")
}

func TestMemoryGraph_ActiveRelationshipsForEntity(t *testing.T) {
	s := NewMemoryGraphStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{
		interval("ab", "a", "b", now, true),
		interval("cb", "c", "b", now, true),
		interval("cd", "c", "d", now, false),
	}))

	rels, err := s.ActiveRelationshipsFor(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	rels, err = s.ActiveRelationshipsFor(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, rels)
}
