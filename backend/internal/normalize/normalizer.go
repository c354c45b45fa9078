package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"go.uber.org/zap"
)

// DefaultEvidenceCap bounds the evidence retained per relationship
const DefaultEvidenceCap = 20

// fallbackDisambiguator buckets facts whose required disambiguator inputs
// are missing, so ingestion never hard-fails on a single malformed fact.
const fallbackDisambiguator = "unknown"

// Counters is a snapshot of normalization warning counts
type Counters struct {
	UnknownRelationshipType uint64 `json:"unknown_relationship_type"`
	UnknownEntityType       uint64 `json:"unknown_entity_type"`
	MissingDisambiguator    uint64 `json:"missing_disambiguator"`
	ClampedConfidence       uint64 `json:"clamped_confidence"`
}

// Normalizer computes canonical identity for relationship facts and
// sanitizes their scalar fields. It holds no store handles and produces
// no side effects beyond warning counters.
type Normalizer struct {
	evidenceCap int
	logger      *zap.Logger

	unknownRelType  atomic.Uint64
	unknownEntType  atomic.Uint64
	missingDisambig atomic.Uint64
	clampedConf     atomic.Uint64
}

// New creates a normalizer with the given evidence cap
func New(evidenceCap int) *Normalizer {
	if evidenceCap < 1 {
		evidenceCap = DefaultEvidenceCap
	}
	return &Normalizer{
		evidenceCap: evidenceCap,
		logger:      logger.Get(),
	}
}

// Counters returns a snapshot of warning counts
func (n *Normalizer) Counters() Counters {
	return Counters{
		UnknownRelationshipType: n.unknownRelType.Load(),
		UnknownEntityType:       n.unknownEntType.Load(),
		MissingDisambiguator:    n.missingDisambig.Load(),
		ClampedConfidence:       n.clampedConf.Load(),
	}
}

// CanonicalID computes the deterministic identity hash for a relationship
// fact. Two facts describing the same real-world relationship hash to the
// same id; distinct facts between the same entity pair differ through the
// type-specific disambiguator.
func CanonicalID(from, to string, relType model.RelationshipType, disambiguator string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", from, to, relType, disambiguator)))
	return hex.EncodeToString(h[:])
}

// Normalize produces a normalized relationship with a stable canonical id,
// clamped scalar fields, and deduplicated evidence. Re-normalizing an
// already-normalized record yields the same canonical id.
func (n *Normalizer) Normalize(fact model.RawFact) (*model.Relationship, error) {
	if fact.FromEntityID == "" {
		return nil, errors.NewValidationError("from_entity_id", "fromEntityId must not be empty")
	}
	if fact.ToEntityID == "" {
		return nil, errors.NewValidationError("to_entity_id", "toEntityId must not be empty")
	}

	relType := model.RelationshipType(fact.Type)
	if !model.KnownRelationshipType(relType) {
		n.unknownRelType.Add(1)
		n.logger.Warn("Unknown relationship type, defaulting",
			zap.String("type", fact.Type),
			zap.String("default", string(model.RelRelatedTo)))
		relType = model.RelRelatedTo
	}

	confidence := fact.Confidence
	if confidence < 0 || confidence > 1 {
		n.clampedConf.Add(1)
		if confidence < 0 {
			confidence = 0
		} else {
			confidence = 1
		}
	}

	state := fact.ResolutionState
	if state != model.StateInferred && state != model.StateConfirmed && state != model.StateDeprecated {
		state = model.StateInferred
	}

	disambiguator := n.disambiguator(relType, fact.Metadata)
	now := time.Now().UTC()

	rel := &model.Relationship{
		CanonicalID:     CanonicalID(fact.FromEntityID, fact.ToEntityID, relType, disambiguator),
		FromEntityID:    fact.FromEntityID,
		ToEntityID:      fact.ToEntityID,
		Type:            relType,
		Disambiguator:   disambiguator,
		Confidence:      confidence,
		ResolutionState: state,
		Evidence:        n.dedupEvidence(fact.Evidence),
		Locations:       dedupLocations(fact.Locations),
		FirstSeenAt:     now,
		LastSeenAt:      now,
		Metadata:        fact.Metadata,
	}
	return rel, nil
}

// NormalizeEntity validates an entity record, defaulting unknown types
// rather than rejecting them.
func (n *Normalizer) NormalizeEntity(entity model.Entity) (*model.Entity, error) {
	if entity.ID == "" {
		return nil, errors.NewValidationError("id", "entity id must not be empty")
	}
	if !model.KnownEntityType(entity.Type) {
		n.unknownEntType.Add(1)
		n.logger.Warn("Unknown entity type, defaulting",
			zap.String("entity_id", entity.ID),
			zap.String("type", string(entity.Type)),
			zap.String("default", string(model.EntityDomain)))
		entity.Type = model.EntityDomain
	}
	now := time.Now().UTC()
	if entity.Created.IsZero() {
		entity.Created = now
	}
	if entity.LastModified.IsZero() {
		entity.LastModified = now
	}
	return &entity, nil
}

// Merge folds an incoming fact into an existing record that resolved to
// the same canonical id. Evidence is unioned and capped; the conflict
// resolver decides whose confidence and resolution state survive. Merge
// order does not affect the outcome.
func (n *Normalizer) Merge(existing, incoming *model.Relationship) *model.Relationship {
	winner := Resolve(existing, incoming)
	merged := winner.Clone()

	merged.Evidence = n.dedupEvidence(append(append([]model.Evidence(nil), existing.Evidence...), incoming.Evidence...))
	merged.Locations = dedupLocations(append(append([]model.Location(nil), existing.Locations...), incoming.Locations...))

	if existing.FirstSeenAt.Before(incoming.FirstSeenAt) {
		merged.FirstSeenAt = existing.FirstSeenAt
	} else {
		merged.FirstSeenAt = incoming.FirstSeenAt
	}
	if existing.LastSeenAt.After(incoming.LastSeenAt) {
		merged.LastSeenAt = existing.LastSeenAt
	} else {
		merged.LastSeenAt = incoming.LastSeenAt
	}

	// Union metadata keys; conflicting keys follow the resolver's winner.
	loser := existing
	if winner == existing {
		loser = incoming
	}
	if len(loser.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(loser.Metadata))
		}
		for k, v := range loser.Metadata {
			if _, ok := merged.Metadata[k]; !ok {
				merged.Metadata[k] = v
			}
		}
	}
	return merged
}

// disambiguator computes the type-specific extra key folded into the
// canonical id. Structural edges (imports, calls) are already unique per
// entity pair, so their disambiguator stays empty and an alias change
// shows up as interval content change instead.
func (n *Normalizer) disambiguator(relType model.RelationshipType, metadata map[string]any) string {
	switch relType {
	case model.RelTests:
		suite, okSuite := metaString(metadata, "suite_id")
		name, okName := metaString(metadata, "test_name")
		if !okSuite || !okName {
			n.missingDisambig.Add(1)
			n.logger.Warn("Test edge missing suite_id/test_name, bucketing",
				zap.String("type", string(relType)))
			return fallbackDisambiguator
		}
		return suite + "/" + name
	case model.RelImplementsSpec:
		// Acceptance-criterion id is optional for spec edges.
		ac, _ := metaString(metadata, "acceptance_criteria_id")
		return ac
	case model.RelSessionTouched:
		session, okSession := metaString(metadata, "session_id")
		seq, okSeq := metaString(metadata, "sequence_number")
		if !okSession || !okSeq {
			n.missingDisambig.Add(1)
			n.logger.Warn("Session edge missing session_id/sequence_number, bucketing",
				zap.String("type", string(relType)))
			return fallbackDisambiguator
		}
		return session + "/" + seq
	case model.RelVulnerableTo:
		finding, ok := metaString(metadata, "finding_id")
		if !ok {
			n.missingDisambig.Add(1)
			n.logger.Warn("Security edge missing finding_id, bucketing",
				zap.String("type", string(relType)))
			return fallbackDisambiguator
		}
		return finding
	default:
		return ""
	}
}

// dedupEvidence unions evidence entries by key, keeps chronological order,
// and evicts the oldest entries over the cap.
func (n *Normalizer) dedupEvidence(evidence []model.Evidence) []model.Evidence {
	if len(evidence) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(evidence))
	unique := make([]model.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		key := ev.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, ev)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].RecordedAt.Before(unique[j].RecordedAt)
	})
	if len(unique) > n.evidenceCap {
		unique = unique[len(unique)-n.evidenceCap:]
	}
	return unique
}

func dedupLocations(locations []model.Location) []model.Location {
	if len(locations) == 0 {
		return nil
	}
	seen := make(map[model.Location]bool, len(locations))
	unique := make([]model.Location, 0, len(locations))
	for _, loc := range locations {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		unique = append(unique, loc)
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].File != unique[j].File {
			return unique[i].File < unique[j].File
		}
		return unique[i].Line < unique[j].Line
	})
	return unique
}

func metaString(metadata map[string]any, key string) (string, bool) {
	if metadata == nil {
		return "", false
	}
	switch v := metadata[key].(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case int:
		return fmt.Sprintf("%d", v), true
	case int64:
		return fmt.Sprintf("%d", v), true
	case float64:
		return fmt.Sprintf("%d", int64(v)), true
	default:
		return "", false
	}
}
