package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"codegraph/backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_Ready(t *testing.T) {
	s := newTestSQLStore(t)
	assert.NoError(t, s.Ready(context.Background()))
}

func TestSQLStore_UpsertEntitiesIsIdempotent(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entity := model.Entity{
		ID:           "file:a.go",
		Type:         model.EntityFile,
		Name:         "a.go",
		ContentHash:  "h1",
		Created:      now,
		LastModified: now,
		Payload:      map[string]any{"language": "go"},
	}
	require.NoError(t, s.UpsertEntities(ctx, []model.Entity{entity}))

	// Second write with new content updates in place.
	entity.ContentHash = "h2"
	require.NoError(t, s.UpsertEntities(ctx, []model.Entity{entity}))

	var hash string
	require.NoError(t, s.db.QueryRow(
		"SELECT content_hash FROM entities WHERE id = ?", "file:a.go").Scan(&hash))
	assert.Equal(t, "h2", hash)
}

func TestSQLStore_UpsertRelationshipsKeyedByInterval(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	rel := model.Relationship{
		CanonicalID:     "cid-1",
		FromEntityID:    "file:a.go",
		ToEntityID:      "file:b.go",
		Type:            model.RelImports,
		Confidence:      0.8,
		ResolutionState: model.StateInferred,
		ValidFrom:       start,
		FirstSeenAt:     start,
		LastSeenAt:      start,
		Active:          true,
	}
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{rel}))

	// Same key: the row updates rather than duplicating.
	rel.Confidence = 0.95
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{rel}))

	// A later interval for the same canonical id is a distinct row.
	second := rel
	second.ValidFrom = start.Add(time.Second)
	require.NoError(t, s.UpsertRelationships(ctx, []model.Relationship{second}))

	var count int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM relationships WHERE canonical_id = ?", "cid-1").Scan(&count))
	assert.Equal(t, 2, count)

	var confidence float64
	require.NoError(t, s.db.QueryRow(
		"SELECT confidence FROM relationships WHERE canonical_id = ? AND valid_from = ?",
		"cid-1", formatTime(start)).Scan(&confidence))
	assert.Equal(t, 0.95, confidence)
}

func TestSQLStore_VersionChainNewestFirst(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	prev := ""
	for i := 0; i < 4; i++ {
		version := model.VersionRecord{
			VersionID:         fmt.Sprintf("v%d", i),
			EntityID:          "file:a.go",
			ContentHash:       fmt.Sprintf("h%d", i),
			Timestamp:         base.Add(time.Duration(i) * time.Millisecond),
			ChangeSetID:       "cs",
			PreviousVersionID: prev,
		}
		require.NoError(t, s.AppendVersion(ctx, version))
		prev = version.VersionID
	}

	latest, err := s.LatestVersion(ctx, "file:a.go")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v3", latest.VersionID)

	chain, err := s.VersionChain(ctx, "file:a.go", 0)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, "v3", chain[0].VersionID)
	assert.Equal(t, "v2", chain[0].PreviousVersionID)

	limited, err := s.VersionChain(ctx, "file:a.go", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	missing, err := s.LatestVersion(ctx, "file:never-seen.go")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLStore_ChangeSetRoundTrip(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	cs := model.ChangeSet{
		ID:        "cs-1",
		Author:    "ingest",
		Timestamp: time.Now().UTC(),
		Stats:     model.DiffStats{EntitiesUpserted: 3, RelationshipsOpened: 1},
	}
	require.NoError(t, s.SaveChangeSet(ctx, cs))
	// Re-saving the same id is not an error.
	require.NoError(t, s.SaveChangeSet(ctx, cs))
}

func TestSQLStore_CheckpointsListAndPrune(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := model.Checkpoint{
		ID:            "cp-old",
		SeedEntityIDs: []string{"file:a.go"},
		HopCount:      2,
		CreatedAt:     now.Add(-48 * time.Hour),
		Summary:       model.CheckpointSummary{EntityCount: 5},
	}
	fresh := model.Checkpoint{
		ID:            "cp-new",
		SeedEntityIDs: []string{"file:b.go"},
		HopCount:      1,
		CreatedAt:     now,
		Summary:       model.CheckpointSummary{EntityCount: 2, ImpactedIDs: []string{"file:b.go"}},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, old))
	require.NoError(t, s.SaveCheckpoint(ctx, fresh))

	listed, err := s.ListCheckpoints(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "cp-new", listed[0].ID)
	assert.Equal(t, []string{"file:b.go"}, listed[0].SeedEntityIDs)
	assert.Equal(t, 2, listed[0].Summary.EntityCount)

	pruned, err := s.PruneCheckpoints(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	listed, err = s.ListCheckpoints(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "cp-new", listed[0].ID)
}

func TestSQLStore_RollbackPointPersistence(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	point := model.RollbackPoint{
		ID:        "rp-1",
		Timestamp: time.Now().UTC(),
		CapturedEntities: []model.Entity{
			{ID: "file:a.go", Type: model.EntityFile, ContentHash: "h1"},
		},
		GuardChangeSetIDs: []string{"cs-1"},
		TTL:               time.Hour,
		Status:            model.RollbackActive,
	}
	require.NoError(t, s.SaveRollbackPoint(ctx, point))

	point.Status = model.RollbackApplied
	require.NoError(t, s.SaveRollbackPoint(ctx, point))

	var status string
	require.NoError(t, s.db.QueryRow(
		"SELECT status FROM rollback_points WHERE id = ?", "rp-1").Scan(&status))
	assert.Equal(t, string(model.RollbackApplied), status)

	require.NoError(t, s.DeleteRollbackPoint(ctx, "rp-1"))
	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM rollback_points").Scan(&count))
	assert.Equal(t, 0, count)
}
