package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Entity and Relationship Types
// ============================================================================

// EntityType tags the kind of artifact an entity describes
type EntityType string

const (
	EntityFile          EntityType = "file"
	EntitySymbol        EntityType = "symbol"
	EntitySpec          EntityType = "spec"
	EntityTest          EntityType = "test"
	EntityDocumentation EntityType = "documentation"
	EntityDomain        EntityType = "domain"
	EntityCluster       EntityType = "cluster"
	EntityVulnerability EntityType = "vulnerability"
	EntitySessionAnchor EntityType = "session_anchor"
)

// KnownEntityType reports whether t is a recognized entity type
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityFile, EntitySymbol, EntitySpec, EntityTest, EntityDocumentation,
		EntityDomain, EntityCluster, EntityVulnerability, EntitySessionAnchor:
		return true
	}
	return false
}

// RelationshipType tags the kind of fact an edge asserts
type RelationshipType string

const (
	RelTests          RelationshipType = "tests"
	RelImplementsSpec RelationshipType = "implements_spec"
	RelDocuments      RelationshipType = "documents"
	RelImports        RelationshipType = "imports"
	RelCalls          RelationshipType = "calls"
	RelMemberOf       RelationshipType = "member_of"
	RelVulnerableTo   RelationshipType = "vulnerable_to"
	RelSessionTouched RelationshipType = "session_touched"
	// RelRelatedTo is the safe default for unrecognized relationship types
	RelRelatedTo RelationshipType = "related_to"
)

// KnownRelationshipType reports whether t is a recognized relationship type
func KnownRelationshipType(t RelationshipType) bool {
	switch t {
	case RelTests, RelImplementsSpec, RelDocuments, RelImports, RelCalls,
		RelMemberOf, RelVulnerableTo, RelSessionTouched, RelRelatedTo:
		return true
	}
	return false
}

// ResolutionState records how a fact came to be believed
type ResolutionState string

const (
	StateInferred   ResolutionState = "inferred"
	StateConfirmed  ResolutionState = "confirmed"
	StateDeprecated ResolutionState = "deprecated"
)

// Rank orders resolution states for conflict resolution: confirmed beats
// inferred, inferred beats deprecated.
func (s ResolutionState) Rank() int {
	switch s {
	case StateConfirmed:
		return 2
	case StateInferred:
		return 1
	default:
		return 0
	}
}

// Location points into a source artifact
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Evidence is one observation supporting a relationship
type Evidence struct {
	SourceKind string    `json:"source_kind"` // parser, scanner, doc, heuristic, manual
	Location   Location  `json:"location"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Key identifies an evidence entry for deduplication
func (e Evidence) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.SourceKind, e.Location.File, e.Location.Line, e.Note)
}

// Entity represents a code/test/spec/doc/domain artifact
type Entity struct {
	ID           string         `json:"id"`
	Type         EntityType     `json:"type"`
	Name         string         `json:"name,omitempty"`
	ContentHash  string         `json:"content_hash"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"last_modified"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// PayloadJSON serializes the type-specific payload as the stringified
// companion blob handed to stores that only bind primitive parameters.
func (e *Entity) PayloadJSON() string {
	if len(e.Payload) == 0 {
		return "{}"
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RawFact is an unnormalized relationship record emitted by an ingestion
// producer. Disambiguator inputs travel in Metadata under type-specific
// keys (suite_id, test_name, acceptance_criteria_id, session_id,
// sequence_number, finding_id, import_alias).
type RawFact struct {
	FromEntityID    string          `json:"from_entity_id"`
	ToEntityID      string          `json:"to_entity_id"`
	Type            string          `json:"type"`
	Confidence      float64         `json:"confidence"`
	ResolutionState ResolutionState `json:"resolution_state,omitempty"`
	Evidence        []Evidence      `json:"evidence,omitempty"`
	Locations       []Location      `json:"locations,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Relationship is a normalized directed fact between two entities
type Relationship struct {
	CanonicalID     string           `json:"canonical_id"`
	FromEntityID    string           `json:"from_entity_id"`
	ToEntityID      string           `json:"to_entity_id"`
	Type            RelationshipType `json:"type"`
	Disambiguator   string           `json:"disambiguator,omitempty"`
	Confidence      float64          `json:"confidence"`
	ResolutionState ResolutionState  `json:"resolution_state"`
	Evidence        []Evidence       `json:"evidence,omitempty"`
	Locations       []Location       `json:"locations,omitempty"`
	ValidFrom       time.Time        `json:"valid_from"`
	ValidTo         *time.Time       `json:"valid_to,omitempty"` // nil means currently active
	FirstSeenAt     time.Time        `json:"first_seen_at"`
	LastSeenAt      time.Time        `json:"last_seen_at"`
	Active          bool             `json:"active"`
	ChangeSetID     string           `json:"change_set_id,omitempty"` // provenance of the last write
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// PrimaryLocation is the earliest-by-line location, or nil when the
// relationship carries no locations. The full Locations array stays
// available alongside it.
func (r *Relationship) PrimaryLocation() *Location {
	if len(r.Locations) == 0 {
		return nil
	}
	primary := r.Locations[0]
	for _, loc := range r.Locations[1:] {
		if loc.Line < primary.Line {
			primary = loc
		}
	}
	return &primary
}

// MetadataJSON serializes residual metadata as the stringified companion
// blob; scalar fields are always hoisted into first-class columns.
func (r *Relationship) MetadataJSON() string {
	if len(r.Metadata) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Metadata)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ContentHash fingerprints the interval-defining content of a
// relationship: endpoints, type, disambiguator, and structured metadata.
// A changed hash is what closes one interval and opens the next.
// Confidence, resolution state, and evidence are mutable attributes of
// the current interval and deliberately stay outside the hash, so a
// re-ingestion that only raises confidence updates the record in place.
func (r *Relationship) ContentHash() string {
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s",
		r.FromEntityID, r.ToEntityID, r.Type, r.Disambiguator)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, r.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy safe to mutate independently
func (r *Relationship) Clone() *Relationship {
	cp := *r
	if r.ValidTo != nil {
		t := *r.ValidTo
		cp.ValidTo = &t
	}
	cp.Evidence = append([]Evidence(nil), r.Evidence...)
	cp.Locations = append([]Location(nil), r.Locations...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
