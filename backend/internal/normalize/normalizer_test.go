package normalize

import (
	"fmt"
	"testing"
	"time"

	"codegraph/backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFact(confidence float64, state model.ResolutionState) model.RawFact {
	return model.RawFact{
		FromEntityID:    "test:auth_test.go:TestLogin",
		ToEntityID:      "symbol:auth.go:Login",
		Type:            "tests",
		Confidence:      confidence,
		ResolutionState: state,
		Metadata: map[string]any{
			"suite_id":  "unit",
			"test_name": "TestLogin",
		},
	}
}

func TestNormalize_CanonicalIDStable(t *testing.T) {
	n := New(DefaultEvidenceCap)

	first, err := n.Normalize(testFact(0.6, model.StateInferred))
	require.NoError(t, err)

	second, err := n.Normalize(testFact(0.9, model.StateInferred))
	require.NoError(t, err)

	assert.Equal(t, first.CanonicalID, second.CanonicalID,
		"same real-world fact must hash to the same canonical id")
}

func TestNormalize_DisambiguatorSeparatesFacts(t *testing.T) {
	n := New(DefaultEvidenceCap)

	unit, err := n.Normalize(testFact(0.6, model.StateInferred))
	require.NoError(t, err)

	integration := testFact(0.6, model.StateInferred)
	integration.Metadata["suite_id"] = "integration"
	other, err := n.Normalize(integration)
	require.NoError(t, err)

	assert.NotEqual(t, unit.CanonicalID, other.CanonicalID,
		"different suites between the same pair must not collide")
}

func TestNormalize_IdempotentIdentity(t *testing.T) {
	n := New(DefaultEvidenceCap)

	rel, err := n.Normalize(testFact(0.6, model.StateInferred))
	require.NoError(t, err)

	// Re-normalizing the already-normalized record keeps the identity.
	again := CanonicalID(rel.FromEntityID, rel.ToEntityID, rel.Type, rel.Disambiguator)
	assert.Equal(t, rel.CanonicalID, again)
}

func TestNormalize_EmptyEndpointsRejected(t *testing.T) {
	n := New(DefaultEvidenceCap)

	fact := testFact(0.5, model.StateInferred)
	fact.FromEntityID = ""
	_, err := n.Normalize(fact)
	assert.Error(t, err)

	fact = testFact(0.5, model.StateInferred)
	fact.ToEntityID = ""
	_, err = n.Normalize(fact)
	assert.Error(t, err)
}

func TestNormalize_UnknownTypeDefaults(t *testing.T) {
	n := New(DefaultEvidenceCap)

	fact := testFact(0.5, model.StateInferred)
	fact.Type = "mystery_edge"
	rel, err := n.Normalize(fact)
	require.NoError(t, err)

	assert.Equal(t, model.RelRelatedTo, rel.Type)
	assert.Equal(t, uint64(1), n.Counters().UnknownRelationshipType)
}

func TestNormalize_MissingDisambiguatorBuckets(t *testing.T) {
	n := New(DefaultEvidenceCap)

	fact := testFact(0.5, model.StateInferred)
	delete(fact.Metadata, "suite_id")
	rel, err := n.Normalize(fact)
	require.NoError(t, err)

	assert.Equal(t, "unknown", rel.Disambiguator)
	assert.Equal(t, uint64(1), n.Counters().MissingDisambiguator)
}

func TestNormalize_ConfidenceClamped(t *testing.T) {
	n := New(DefaultEvidenceCap)

	rel, err := n.Normalize(testFact(1.7, model.StateInferred))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Confidence)

	rel, err = n.Normalize(testFact(-0.2, model.StateInferred))
	require.NoError(t, err)
	assert.Equal(t, 0.0, rel.Confidence)
	assert.Equal(t, uint64(2), n.Counters().ClampedConfidence)
}

func TestMerge_ReingestTakesMaxConfidence(t *testing.T) {
	n := New(DefaultEvidenceCap)
	base := time.Now().UTC()

	first, err := n.Normalize(testFact(0.6, model.StateInferred))
	require.NoError(t, err)
	first.Evidence = []model.Evidence{{SourceKind: "heuristic", Location: model.Location{File: "auth_test.go", Line: 10}, RecordedAt: base}}

	second, err := n.Normalize(testFact(0.9, model.StateInferred))
	require.NoError(t, err)
	second.Evidence = []model.Evidence{{SourceKind: "parser", Location: model.Location{File: "auth_test.go", Line: 12}, RecordedAt: base.Add(time.Minute)}}

	merged := n.Merge(first, second)
	assert.Equal(t, 0.9, merged.Confidence)
	assert.Equal(t, model.StateInferred, merged.ResolutionState)
	assert.Len(t, merged.Evidence, 2)
}

func TestMerge_ConfirmedPrecedence(t *testing.T) {
	n := New(DefaultEvidenceCap)

	existing, err := n.Normalize(testFact(0.9, model.StateInferred))
	require.NoError(t, err)

	// Manual confirmation with lower confidence still wins.
	confirmation, err := n.Normalize(testFact(0.3, model.StateConfirmed))
	require.NoError(t, err)

	merged := n.Merge(existing, confirmation)
	assert.Equal(t, model.StateConfirmed, merged.ResolutionState)
	assert.Equal(t, 0.3, merged.Confidence)

	// Automation never silently downgrades a confirmation.
	later, err := n.Normalize(testFact(0.99, model.StateInferred))
	require.NoError(t, err)
	merged = n.Merge(merged, later)
	assert.Equal(t, model.StateConfirmed, merged.ResolutionState)
	assert.Equal(t, 0.3, merged.Confidence)
}

func TestMerge_Commutative(t *testing.T) {
	n := New(DefaultEvidenceCap)
	base := time.Now().UTC()

	a, err := n.Normalize(testFact(0.6, model.StateInferred))
	require.NoError(t, err)
	a.FirstSeenAt = base
	a.LastSeenAt = base
	a.Evidence = []model.Evidence{{SourceKind: "heuristic", Location: model.Location{File: "a.go", Line: 5}, RecordedAt: base}}

	b, err := n.Normalize(testFact(0.8, model.StateInferred))
	require.NoError(t, err)
	b.FirstSeenAt = base.Add(time.Minute)
	b.LastSeenAt = base.Add(time.Minute)
	b.Evidence = []model.Evidence{{SourceKind: "parser", Location: model.Location{File: "a.go", Line: 7}, RecordedAt: base.Add(time.Minute)}}

	ab := n.Merge(a.Clone(), b.Clone())
	ba := n.Merge(b.Clone(), a.Clone())

	assert.Equal(t, ab.Confidence, ba.Confidence)
	assert.Equal(t, ab.ResolutionState, ba.ResolutionState)
	assert.Equal(t, ab.Evidence, ba.Evidence)
	assert.True(t, ab.FirstSeenAt.Equal(ba.FirstSeenAt))
	assert.True(t, ab.LastSeenAt.Equal(ba.LastSeenAt))
	assert.Equal(t, ab.ContentHash(), ba.ContentHash())
}

func TestMerge_EvidenceCapEvictsOldest(t *testing.T) {
	n := New(3)
	base := time.Now().UTC()

	existing, err := n.Normalize(testFact(0.5, model.StateInferred))
	require.NoError(t, err)
	incoming := existing.Clone()

	for i := 0; i < 5; i++ {
		ev := model.Evidence{
			SourceKind: "parser",
			Location:   model.Location{File: "a.go", Line: i},
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i < 3 {
			existing.Evidence = append(existing.Evidence, ev)
		} else {
			incoming.Evidence = append(incoming.Evidence, ev)
		}
	}

	merged := n.Merge(existing, incoming)
	require.Len(t, merged.Evidence, 3)
	// Oldest entries over the cap are gone.
	assert.Equal(t, 2, merged.Evidence[0].Location.Line)
	assert.Equal(t, 4, merged.Evidence[2].Location.Line)
}

func TestPrimaryLocation_EarliestByLine(t *testing.T) {
	n := New(DefaultEvidenceCap)

	fact := testFact(0.5, model.StateInferred)
	fact.Locations = []model.Location{
		{File: "auth.go", Line: 40},
		{File: "auth.go", Line: 12},
		{File: "auth.go", Line: 40}, // duplicate
	}
	rel, err := n.Normalize(fact)
	require.NoError(t, err)

	require.NotNil(t, rel.PrimaryLocation())
	assert.Equal(t, 12, rel.PrimaryLocation().Line)
	assert.Len(t, rel.Locations, 2)
}

func TestNormalizeEntity_UnknownTypeDefaults(t *testing.T) {
	n := New(DefaultEvidenceCap)

	entity, err := n.NormalizeEntity(model.Entity{ID: "thing-1", Type: "widget"})
	require.NoError(t, err)
	assert.Equal(t, model.EntityDomain, entity.Type)

	_, err = n.NormalizeEntity(model.Entity{Type: model.EntityFile})
	assert.Error(t, err)
}

func TestResolve_TotalAndDeterministic(t *testing.T) {
	n := New(DefaultEvidenceCap)

	a, err := n.Normalize(testFact(0.5, model.StateInferred))
	require.NoError(t, err)
	b := a.Clone()

	// Fully identical inputs still produce a decision.
	winner := Resolve(a, b)
	assert.NotNil(t, winner)

	for i := 0; i < 10; i++ {
		assert.Equal(t, winner == a, Resolve(a, b) == a, fmt.Sprintf("iteration %d", i))
	}
}

func TestResolve_DeprecatedLoses(t *testing.T) {
	n := New(DefaultEvidenceCap)

	deprecated, err := n.Normalize(testFact(0.9, model.StateDeprecated))
	require.NoError(t, err)
	inferred, err := n.Normalize(testFact(0.2, model.StateInferred))
	require.NoError(t, err)

	assert.Equal(t, inferred, Resolve(deprecated, inferred))
}
