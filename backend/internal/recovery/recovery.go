// Package recovery provides the two recovery primitives: cheap
// reference-only checkpoints for impact analysis, and heavier rollback
// points that capture record content so a specific multi-store write can
// be undone.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codegraph/backend/internal/coordinator"
	"codegraph/backend/internal/model"
	"codegraph/backend/internal/store"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Strategy selects how much of a rollback point to apply
type Strategy string

const (
	// StrategyFull restores every captured record
	StrategyFull Strategy = "full"
	// StrategyPartial restores only the requested record ids
	StrategyPartial Strategy = "partial"
	// StrategyDryRun reports what would be restored without writing
	StrategyDryRun Strategy = "dry-run"
)

// Conflict records one diverged record skipped during rollback
type Conflict struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Counters is a snapshot of the manager's degradation counters
type Counters struct {
	RollbackConflicts int64 `json:"rollback_conflicts"`
}

// RollbackRequest selects a point, a strategy, and (for partial) the
// entity ids or canonical ids to restore.
type RollbackRequest struct {
	PointID   string   `json:"point_id"`
	Strategy  Strategy `json:"strategy"`
	RecordIDs []string `json:"record_ids,omitempty"`
}

// RollbackReport summarizes what a rollback did or would do
type RollbackReport struct {
	PointID               string     `json:"point_id"`
	Strategy              Strategy   `json:"strategy"`
	ChangeSetID           string     `json:"change_set_id,omitempty"`
	RestoredEntities      int        `json:"restored_entities"`
	RestoredRelationships int        `json:"restored_relationships"`
	ClosedRelationships   int        `json:"closed_relationships"`
	Conflicts             []Conflict `json:"conflicts,omitempty"`
	DryRun                bool       `json:"dry_run"`
}

// Options tunes checkpoint scope, the rollback point cache, and retention
type Options struct {
	CheckpointHops      int
	CheckpointRetention time.Duration
	RollbackCap         int
	RollbackTTL         time.Duration
	// RollbackDurable mirrors captures into the relational store so they
	// survive a restart
	RollbackDurable bool
}

func (o *Options) withDefaults() {
	if o.CheckpointHops <= 0 {
		o.CheckpointHops = 2
	}
	if o.CheckpointRetention <= 0 {
		o.CheckpointRetention = 7 * 24 * time.Hour
	}
	if o.RollbackCap <= 0 {
		o.RollbackCap = 1000
	}
	if o.RollbackTTL <= 0 {
		o.RollbackTTL = 24 * time.Hour
	}
}

// Manager owns checkpoints and the bounded rollback point cache. All
// restore writes route through the coordinator so mirroring and cache
// invalidation behave exactly like any other write.
type Manager struct {
	graph      store.GraphStore
	relational store.RelationalStore
	coord      *coordinator.Coordinator
	opts       Options
	logger     *zap.Logger

	mu     sync.Mutex
	points map[string]*model.RollbackPoint
	order  []string // insertion order, oldest first

	conflicts atomic.Int64
}

// Counters returns a snapshot of the degradation counters
func (m *Manager) Counters() Counters {
	return Counters{RollbackConflicts: m.conflicts.Load()}
}

// NewManager creates a recovery manager
func NewManager(graph store.GraphStore, relational store.RelationalStore, coord *coordinator.Coordinator, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		graph:      graph,
		relational: relational,
		coord:      coord,
		opts:       opts,
		logger:     logger.Get(),
		points:     make(map[string]*model.RollbackPoint),
	}
}

// ============================================================================
// Checkpoints
// ============================================================================

// CreateCheckpoint records a reference-only anchor over the hop-bounded
// neighborhood of the seed entities. It never copies subgraph content;
// the summary names what was in scope so later impact analysis can start
// from it.
func (m *Manager) CreateCheckpoint(ctx context.Context, seedIDs []string, hops int) (*model.Checkpoint, error) {
	if len(seedIDs) == 0 {
		return nil, errors.NewValidationError("seed_entity_ids", "checkpoint requires at least one seed entity")
	}
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	if hops <= 0 {
		hops = m.opts.CheckpointHops
	}

	impacted, relationshipCount, err := m.graph.Neighborhood(ctx, seedIDs, hops)
	if err != nil {
		return nil, err
	}

	cp := model.Checkpoint{
		ID:            uuid.NewString(),
		SeedEntityIDs: seedIDs,
		HopCount:      hops,
		CreatedAt:     time.Now().UTC(),
		Summary: model.CheckpointSummary{
			EntityCount:       len(impacted),
			RelationshipCount: relationshipCount,
			ImpactedIDs:       impacted,
		},
	}
	if err := m.relational.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	if pruned, err := m.relational.PruneCheckpoints(ctx, time.Now().UTC().Add(-m.opts.CheckpointRetention)); err != nil {
		m.logger.Warn("Checkpoint pruning failed", zap.Error(err))
	} else if pruned > 0 {
		m.logger.Info("Pruned expired checkpoints", zap.Int("count", pruned))
	}

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("entities", cp.Summary.EntityCount),
		zap.Int("hops", hops))
	return &cp, nil
}

// ListCheckpoints returns up to limit checkpoints, newest first
func (m *Manager) ListCheckpoints(ctx context.Context, limit int) ([]model.Checkpoint, error) {
	return m.relational.ListCheckpoints(ctx, limit)
}

// ============================================================================
// Rollback Points
// ============================================================================

// CreateRollbackPoint captures the current content of the named records
// before an operation mutates them. Canonical ids with no active interval
// are remembered as absent so a rollback can close what the operation
// created. The cache holds at most RollbackCap points; the oldest is
// evicted first.
func (m *Manager) CreateRollbackPoint(ctx context.Context, entityIDs, canonicalIDs, guardChangeSetIDs []string) (*model.RollbackPoint, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	point := &model.RollbackPoint{
		ID:                uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		GuardChangeSetIDs: guardChangeSetIDs,
		TTL:               m.opts.RollbackTTL,
		Status:            model.RollbackActive,
	}

	for _, id := range entityIDs {
		entity, err := m.graph.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			point.CapturedEntities = append(point.CapturedEntities, *entity)
		}
	}
	for _, cid := range canonicalIDs {
		rel, err := m.graph.ActiveRelationship(ctx, cid)
		if err != nil {
			return nil, err
		}
		if rel != nil {
			point.CapturedRelationships = append(point.CapturedRelationships, *rel)
		} else {
			point.AbsentCanonicalIDs = append(point.AbsentCanonicalIDs, cid)
		}
	}

	m.mu.Lock()
	m.points[point.ID] = point
	m.order = append(m.order, point.ID)
	for len(m.order) > m.opts.RollbackCap {
		evicted := m.order[0]
		m.order = m.order[1:]
		delete(m.points, evicted)
		m.logger.Warn("Rollback point evicted at capacity", zap.String("point_id", evicted))
	}
	m.mu.Unlock()

	if m.opts.RollbackDurable {
		if err := m.relational.SaveRollbackPoint(ctx, *point); err != nil {
			m.logger.Warn("Durable rollback capture failed", zap.String("point_id", point.ID), zap.Error(err))
		}
	}

	m.logger.Info("Rollback point created",
		zap.String("point_id", point.ID),
		zap.Int("entities", len(point.CapturedEntities)),
		zap.Int("relationships", len(point.CapturedRelationships)))
	return point, nil
}

// GetRollbackPoint returns a live point, expiring it lazily
func (m *Manager) GetRollbackPoint(id string) (*model.RollbackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	point, ok := m.points[id]
	if !ok {
		return nil, errors.NewRollbackPointNotFound(id)
	}
	if point.Expired(time.Now().UTC()) {
		point.Status = model.RollbackExpired
		delete(m.points, id)
		m.removeFromOrder(id)
		return nil, errors.NewRollbackPointNotFound(id)
	}
	return point, nil
}

// AddGuard attaches a committed changeset to an existing point. Capture
// happens before the operation, so the changeset id it guards against is
// only known once the commit returns.
func (m *Manager) AddGuard(pointID, changeSetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	point, ok := m.points[pointID]
	if !ok {
		return errors.NewRollbackPointNotFound(pointID)
	}
	point.GuardChangeSetIDs = append(point.GuardChangeSetIDs, changeSetID)
	return nil
}

// Rollback applies a rollback point with the requested strategy.
//
// Records that diverged since capture (rewritten by a changeset outside
// the point's guard set) are skipped and reported as conflicts; the
// rollback continues past them rather than aborting.
func (m *Manager) Rollback(ctx context.Context, req RollbackRequest) (*RollbackReport, error) {
	point, err := m.GetRollbackPoint(req.PointID)
	if err != nil {
		return nil, err
	}

	switch req.Strategy {
	case StrategyFull, StrategyDryRun:
	case StrategyPartial:
		if len(req.RecordIDs) == 0 {
			return nil, errors.NewValidationError("record_ids", "partial rollback requires record ids")
		}
	default:
		return nil, errors.NewValidationError("strategy", "unknown rollback strategy: "+string(req.Strategy))
	}
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	report := &RollbackReport{
		PointID:  point.ID,
		Strategy: req.Strategy,
		DryRun:   req.Strategy == StrategyDryRun,
	}
	if !report.DryRun {
		report.ChangeSetID = uuid.NewString()
	}

	selected := func(id string) bool {
		if req.Strategy != StrategyPartial {
			return true
		}
		for _, want := range req.RecordIDs {
			if want == id {
				return true
			}
		}
		return false
	}

	// Entities first, mirroring normal commit ordering.
	var restore []model.Entity
	for i := range point.CapturedEntities {
		entity := point.CapturedEntities[i]
		if !selected(entity.ID) {
			continue
		}
		if conflict := m.entityDiverged(ctx, point, entity.ID); conflict != nil {
			m.addConflict(report, *conflict)
			continue
		}
		restore = append(restore, entity)
	}
	if !report.DryRun && len(restore) > 0 {
		if err := m.coord.RestoreEntities(ctx, restore); err != nil {
			return nil, err
		}
	}
	report.RestoredEntities = len(restore)

	for i := range point.CapturedRelationships {
		captured := point.CapturedRelationships[i]
		if !selected(captured.CanonicalID) {
			continue
		}
		conflict, err := m.relationshipDiverged(ctx, point, captured.CanonicalID)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			m.addConflict(report, *conflict)
			continue
		}
		if !report.DryRun {
			// RestoreEdge applies captured content verbatim, including the
			// confidence, resolution state, and evidence the guarded
			// operation mutated on an otherwise unchanged interval.
			if _, err := m.coord.RestoreEdge(ctx, &captured, report.ChangeSetID); err != nil {
				return nil, err
			}
		}
		report.RestoredRelationships++
	}

	// Facts absent at capture: undo whatever the guarded operation opened.
	for _, cid := range point.AbsentCanonicalIDs {
		if !selected(cid) {
			continue
		}
		current, err := m.graph.ActiveRelationship(ctx, cid)
		if err != nil {
			return nil, err
		}
		if current == nil {
			continue
		}
		if !point.Guards(current.ChangeSetID) {
			m.addConflict(report, Conflict{
				RecordID: cid,
				Reason:   "active interval written by unguarded changeset " + current.ChangeSetID,
			})
			continue
		}
		if !report.DryRun {
			if _, err := m.coord.CloseEdge(ctx, cid, "rollback", report.ChangeSetID); err != nil {
				return nil, err
			}
		}
		report.ClosedRelationships++
	}

	if !report.DryRun && req.Strategy == StrategyFull {
		m.mu.Lock()
		point.Status = model.RollbackApplied
		delete(m.points, point.ID)
		m.removeFromOrder(point.ID)
		m.mu.Unlock()
		if m.opts.RollbackDurable {
			if err := m.relational.DeleteRollbackPoint(ctx, point.ID); err != nil {
				m.logger.Warn("Durable rollback point cleanup failed", zap.String("point_id", point.ID), zap.Error(err))
			}
		}
	}

	m.logger.Info("Rollback processed",
		zap.String("point_id", point.ID),
		zap.String("strategy", string(req.Strategy)),
		zap.Int("restored_entities", report.RestoredEntities),
		zap.Int("restored_relationships", report.RestoredRelationships),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Bool("dry_run", report.DryRun))
	return report, nil
}

// PointCount reports how many rollback points are held
func (m *Manager) PointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// ============================================================================
// Internals
// ============================================================================

func (m *Manager) gate(ctx context.Context) error {
	for name, err := range m.coord.DependenciesReady(ctx) {
		if name == store.NameVector {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// entityDiverged reports whether an entity was rewritten by a changeset
// outside the guard set after capture.
func (m *Manager) entityDiverged(ctx context.Context, point *model.RollbackPoint, entityID string) *Conflict {
	latest, err := m.relational.LatestVersion(ctx, entityID)
	if err != nil {
		m.logger.Warn("Divergence check failed", zap.String("entity_id", entityID), zap.Error(err))
		return &Conflict{RecordID: entityID, Reason: "divergence check failed: " + err.Error()}
	}
	if latest == nil {
		return nil
	}
	if latest.Timestamp.After(point.Timestamp) && !point.Guards(latest.ChangeSetID) {
		return &Conflict{
			RecordID: entityID,
			Reason:   "rewritten by unguarded changeset " + latest.ChangeSetID,
		}
	}
	return nil
}

func (m *Manager) relationshipDiverged(ctx context.Context, point *model.RollbackPoint, canonicalID string) (*Conflict, error) {
	current, err := m.graph.ActiveRelationship(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// Closed since capture; restoring reopens it, which is the point.
		return nil, nil
	}
	if current.ChangeSetID != "" && !point.Guards(current.ChangeSetID) &&
		current.ValidFrom.After(point.Timestamp) {
		return &Conflict{
			RecordID: canonicalID,
			Reason:   "active interval written by unguarded changeset " + current.ChangeSetID,
		}, nil
	}
	return nil, nil
}

func (m *Manager) addConflict(report *RollbackReport, conflict Conflict) {
	m.conflicts.Add(1)
	report.Conflicts = append(report.Conflicts, conflict)
}

// removeFromOrder must be called with m.mu held
func (m *Manager) removeFromOrder(id string) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
