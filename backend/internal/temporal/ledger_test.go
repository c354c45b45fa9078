package temporal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/internal/normalize"
	"codegraph/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() (*Ledger, *store.MemoryGraphStore, *store.MemoryRelationalStore) {
	graph := store.NewMemoryGraphStore()
	relational := store.NewMemoryRelationalStore()
	return NewLedger(graph, relational, normalize.New(20).Merge), graph, relational
}

func importEdge(alias string) *model.Relationship {
	return &model.Relationship{
		CanonicalID:     normalize.CanonicalID("file:a.go", "file:b.go", model.RelImports, ""),
		FromEntityID:    "file:a.go",
		ToEntityID:      "file:b.go",
		Type:            model.RelImports,
		Confidence:      1.0,
		ResolutionState: model.StateInferred,
		LastSeenAt:      time.Now().UTC(),
		Metadata:        map[string]any{"import_alias": alias},
	}
}

func TestOpenEdge_CreatesActiveInterval(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	res, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)
	require.NotNil(t, res.Opened)

	assert.True(t, res.Opened.Active)
	assert.Nil(t, res.Opened.ValidTo)
	assert.Nil(t, res.Closed)

	active, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "cs-1", active.ChangeSetID)
}

func TestOpenEdge_IdenticalContentRefreshesLastSeen(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	first, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	again := importEdge("b")
	again.LastSeenAt = time.Now().UTC().Add(time.Second)
	second, err := ledger.OpenEdge(ctx, rel.CanonicalID, again, "cs-2")
	require.NoError(t, err)

	// Same interval, refreshed lastSeenAt, no interval closed.
	assert.Nil(t, second.Closed)
	assert.True(t, second.Opened.ValidFrom.Equal(first.Opened.ValidFrom))
	assert.False(t, second.Opened.LastSeenAt.Before(first.Opened.LastSeenAt))

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOpenEdge_ConfidenceOnlyChangeUpdatesInPlace(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	rel.Confidence = 0.6
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	boosted := importEdge("b")
	boosted.Confidence = 0.95
	boosted.LastSeenAt = time.Now().UTC().Add(time.Second)
	res, err := ledger.OpenEdge(ctx, rel.CanonicalID, boosted, "cs-2")
	require.NoError(t, err)

	assert.Nil(t, res.Closed)
	assert.Equal(t, 0.95, res.Opened.Confidence)

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.95, history[0].Confidence)
}

func TestOpenEdge_ContentChangeClosesAndReopens(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	// The alias change represents a structural refactor: history survives.
	renamed := importEdge("bpkg")
	renamed.LastSeenAt = time.Now().UTC().Add(time.Second)
	res, err := ledger.OpenEdge(ctx, rel.CanonicalID, renamed, "cs-2")
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	require.NotNil(t, res.Closed)
	assert.True(t, res.Opened.Active)
	assert.False(t, res.Closed.Active)

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Active)
	require.NotNil(t, history[0].ValidTo)
	assert.True(t, history[1].Active)
	assert.Equal(t, "bpkg", history[1].Metadata["import_alias"])
}

func TestOpenEdge_DeprecatedIncomingDoesNotDisplaceConfirmed(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	rel.ResolutionState = model.StateConfirmed
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	stale := importEdge("bpkg")
	stale.ResolutionState = model.StateDeprecated
	stale.LastSeenAt = time.Now().UTC().Add(time.Second)
	res, err := ledger.OpenEdge(ctx, rel.CanonicalID, stale, "cs-2")
	require.NoError(t, err)

	// The confirmed record wins resolution, so the interval stays intact.
	assert.Nil(t, res.Closed)
	assert.Equal(t, "b", res.Opened.Metadata["import_alias"])

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCloseEdge_NoActiveIsNoop(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	res, err := ledger.CloseEdge(ctx, "missing-canonical-id", "cleanup", "cs-1")
	require.NoError(t, err)
	assert.Nil(t, res.Closed)
}

func TestCloseEdge_ClosesActiveInterval(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	res, err := ledger.CloseEdge(ctx, rel.CanonicalID, "file deleted", "cs-2")
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.False(t, res.Closed.Active)

	active, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// Closing again stays a no-op.
	again, err := ledger.CloseEdge(ctx, rel.CanonicalID, "file deleted", "cs-2")
	require.NoError(t, err)
	assert.Nil(t, again.Closed)
}

func TestOpenEdge_ConcurrentWritersSingleActive(t *testing.T) {
	// No merge func: every writer's content applies verbatim, which is the
	// harshest schedule for the single-active-interval invariant.
	graph := store.NewMemoryGraphStore()
	ledger := NewLedger(graph, store.NewMemoryRelationalStore(), nil)
	ctx := context.Background()
	canonicalID := importEdge("b").CanonicalID

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel := importEdge(fmt.Sprintf("alias%d", i))
			_, err := ledger.OpenEdge(ctx, canonicalID, rel, fmt.Sprintf("cs-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := graph.RelationshipHistory(ctx, canonicalID)
	require.NoError(t, err)

	activeCount := 0
	for _, iv := range history {
		if iv.Active {
			activeCount++
			assert.Nil(t, iv.ValidTo)
		} else {
			assert.NotNil(t, iv.ValidTo)
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one interval may be active")
	assert.Len(t, history, 16, "every superseded writer's content survives as a closed interval")
}

func TestOpenEdge_MirrorsIntervalRowsRelationally(t *testing.T) {
	ledger, _, relational := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	renamed := importEdge("bpkg")
	renamed.LastSeenAt = time.Now().UTC().Add(time.Second)
	_, err = ledger.OpenEdge(ctx, rel.CanonicalID, renamed, "cs-2")
	require.NoError(t, err)

	rows := relational.RelationshipRows(rel.CanonicalID)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Active)
	require.NotNil(t, rows[0].ValidTo)
	assert.True(t, rows[1].Active)
	assert.Nil(t, rows[1].ValidTo)
}

func TestOpenEdge_ContendedMirrorKeepsSingleActiveRow(t *testing.T) {
	// Mirror rows land while the key lock is held, so a slow writer can
	// never overwrite a newer mirror row with its stale open interval.
	relational := store.NewMemoryRelationalStore()
	ledger := NewLedger(store.NewMemoryGraphStore(), relational, nil)
	ctx := context.Background()
	canonicalID := importEdge("b").CanonicalID

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel := importEdge(fmt.Sprintf("alias%d", i))
			_, err := ledger.OpenEdge(ctx, canonicalID, rel, fmt.Sprintf("cs-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rows := relational.RelationshipRows(canonicalID)
	require.Len(t, rows, 16)
	activeCount := 0
	for _, row := range rows {
		if row.Active {
			activeCount++
			assert.Nil(t, row.ValidTo)
		}
	}
	assert.Equal(t, 1, activeCount, "the mirror holds exactly one open row")
}

func TestRestoreEdge_ReappliesAttributeOnlyDrift(t *testing.T) {
	ledger, graph, relational := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	rel.Confidence = 0.6
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)

	captured, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)

	boosted := importEdge("b")
	boosted.Confidence = 0.95
	boosted.ResolutionState = model.StateConfirmed
	boosted.LastSeenAt = time.Now().UTC().Add(time.Second)
	_, err = ledger.OpenEdge(ctx, rel.CanonicalID, boosted, "cs-2")
	require.NoError(t, err)

	// Restore wins even though the current record outranks the capture.
	res, err := ledger.RestoreEdge(ctx, captured, "cs-rollback")
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	assert.Nil(t, res.Closed)

	active, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, active.Confidence)
	assert.Equal(t, model.StateInferred, active.ResolutionState)

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "attribute drift restores in place")

	rows := relational.RelationshipRows(rel.CanonicalID)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.6, rows[0].Confidence)
}

func TestRestoreEdge_EqualRecordWritesNothing(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)
	captured, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)

	res, err := ledger.RestoreEdge(ctx, captured, "cs-rollback")
	require.NoError(t, err)
	assert.Nil(t, res.Opened)
	assert.Nil(t, res.Closed)

	active, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, "cs-1", active.ChangeSetID)
}

func TestRestoreEdge_StructuralDriftClosesAndReopens(t *testing.T) {
	ledger, graph, _ := newTestLedger()
	ctx := context.Background()

	rel := importEdge("b")
	_, err := ledger.OpenEdge(ctx, rel.CanonicalID, rel, "cs-1")
	require.NoError(t, err)
	captured, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)

	renamed := importEdge("bpkg")
	renamed.LastSeenAt = time.Now().UTC().Add(time.Second)
	_, err = ledger.OpenEdge(ctx, rel.CanonicalID, renamed, "cs-2")
	require.NoError(t, err)

	res, err := ledger.RestoreEdge(ctx, captured, "cs-rollback")
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	require.NotNil(t, res.Closed)

	active, err := graph.ActiveRelationship(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, "b", active.Metadata["import_alias"])

	history, err := graph.RelationshipHistory(ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestAppendVersion_ChainsAndIdempotent(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	v1, err := ledger.AppendVersion(ctx, "file:a.go", "hash-1", "cs-1")
	require.NoError(t, err)
	assert.Empty(t, v1.PreviousVersionID)

	// Unchanged content is a no-op.
	again, err := ledger.AppendVersion(ctx, "file:a.go", "hash-1", "cs-2")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, again.VersionID)

	v2, err := ledger.AppendVersion(ctx, "file:a.go", "hash-2", "cs-3")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, v2.PreviousVersionID)
	assert.True(t, v2.Timestamp.After(v1.Timestamp))
}

func TestGetEntityTimeline_MonotonicChain(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.AppendVersion(ctx, "file:a.go", fmt.Sprintf("hash-%d", i), "cs")
		require.NoError(t, err)
	}

	timeline, err := ledger.GetEntityTimeline(ctx, "file:a.go", TimelineOptions{})
	require.NoError(t, err)
	require.Len(t, timeline.Versions, 5)
	assert.False(t, timeline.Truncated)

	// Walking previousVersionId from the latest strictly decreases
	// timestamp and never revisits a version.
	seen := map[string]bool{}
	for i, v := range timeline.Versions {
		assert.False(t, seen[v.VersionID])
		seen[v.VersionID] = true
		if i > 0 {
			assert.True(t, timeline.Versions[i-1].Timestamp.After(v.Timestamp))
			assert.Equal(t, v.VersionID, timeline.Versions[i-1].PreviousVersionID)
		}
	}
}

func TestGetEntityTimeline_LimitFlagsTruncation(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.AppendVersion(ctx, "file:a.go", fmt.Sprintf("hash-%d", i), "cs")
		require.NoError(t, err)
	}

	timeline, err := ledger.GetEntityTimeline(ctx, "file:a.go", TimelineOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, timeline.Versions, 2)
	assert.True(t, timeline.Truncated)
}

func TestGetRelationshipTimeline_Empty(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	timeline, err := ledger.GetRelationshipTimeline(ctx, "never-seen")
	require.NoError(t, err)
	assert.Empty(t, timeline.Intervals)
	assert.False(t, timeline.Truncated)
}
