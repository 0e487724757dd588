package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/soulmesh/lifestream-backend/internal/data/repos/patterns"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// ChangeKind says what the reconciler did to a pattern this cycle.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeDeactivated ChangeKind = "deactivated"
)

// Change pairs a pattern with what happened to it, plus the candidate that
// drove it (nil for deactivations). The projector consumes these.
type Change struct {
	Pattern   *types.Pattern
	Kind      ChangeKind
	Candidate *Candidate
}

// Reconciler merges freshly detected candidates into the durable pattern
// table for one subject. All writes for a subject happen inside a single
// transaction when a db handle is present; with a nil db it runs the same
// logic directly against the repo, which keeps the merge rules testable
// with an in-memory repo.
type Reconciler struct {
	db   *gorm.DB
	repo patterns.PatternRepo
	cfg  Config
	log  *logger.Logger
	now  func() time.Time
}

func NewReconciler(db *gorm.DB, repo patterns.PatternRepo, cfg Config, baseLog *logger.Logger) *Reconciler {
	return &Reconciler{
		db:   db,
		repo: repo,
		cfg:  cfg,
		log:  baseLog.With("component", "Reconciler"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Apply(ctx context.Context, subjectID uuid.UUID, candidates []Candidate) ([]Change, error) {
	if subjectID == uuid.Nil {
		return nil, fmt.Errorf("reconcile: subject id required")
	}

	if r.db == nil {
		return r.apply(dbctx.Context{Ctx: ctx}, subjectID, candidates)
	}

	var changes []Change
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		changes, txErr = r.apply(dbctx.Context{Ctx: ctx, Tx: tx}, subjectID, candidates)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *Reconciler) apply(dbc dbctx.Context, subjectID uuid.UUID, candidates []Candidate) ([]Change, error) {
	existing, err := r.repo.ListActiveBySubject(dbc, subjectID, nil)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active patterns: %w", err)
	}

	// Higher-confidence candidates claim existing rows first, so a conflict
	// between two same-cycle candidates resolves to the stronger one.
	cands := make([]Candidate, len(candidates))
	copy(cands, candidates)
	SortCandidates(cands)

	claimed := map[uuid.UUID]bool{}
	var changes []Change

	for i := range cands {
		cand := &cands[i]
		target, err := r.match(dbc, subjectID, cand, existing)
		if err != nil {
			return nil, err
		}

		if target == nil {
			created, err := r.create(dbc, subjectID, cand)
			if err != nil {
				return nil, err
			}
			existing = append(existing, created)
			claimed[created.ID] = true
			changes = append(changes, Change{Pattern: created, Kind: ChangeCreated, Candidate: cand})
			continue
		}

		if claimed[target.ID] {
			r.log.Warn("Discarding conflicting pattern candidate",
				"subject_id", subjectID,
				"pattern_id", target.ID,
				"candidate", cand.Name,
				"error", apperr.ErrReconcileConflict.Error())
			continue
		}
		claimed[target.ID] = true

		// No new evidence since the last cycle: leave the row untouched so
		// re-running over the same window is a no-op.
		if !cand.LastSeen.After(target.LastSeen) {
			continue
		}

		updated, err := r.update(dbc, target, cand)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Pattern: updated, Kind: ChangeUpdated, Candidate: cand})
	}

	cutoff := r.now().Add(-r.cfg.GracePeriod())
	for _, p := range existing {
		if claimed[p.ID] || !p.LastSeen.Before(cutoff) {
			continue
		}
		if err := r.repo.UpdateFields(dbc, p.ID, map[string]interface{}{"is_active": false}); err != nil {
			return nil, fmt.Errorf("reconcile: deactivate pattern %s: %w", p.ID, err)
		}
		p.IsActive = false
		changes = append(changes, Change{Pattern: p, Kind: ChangeDeactivated})
	}

	return changes, nil
}

// match finds the existing active row a candidate refreshes: exact
// normalized-name lookup first, then for located patterns the nearest row of
// the same type whose centroid sits within the merge radius. The proximity
// fallback absorbs centroid drift that shifts the rounded place label. The
// key lookup runs against the repo so rows created earlier in the same cycle
// are visible inside the transaction.
func (r *Reconciler) match(dbc dbctx.Context, subjectID uuid.UUID, cand *Candidate, existing []*types.Pattern) (*types.Pattern, error) {
	p, err := r.repo.GetActiveByKey(dbc, subjectID, cand.PatternType, types.NormalizeName(cand.Name))
	if err != nil {
		return nil, fmt.Errorf("reconcile: lookup pattern %q: %w", cand.Name, err)
	}
	if p != nil {
		return p, nil
	}
	if cand.Data.CenterLat == nil || cand.Data.CenterLon == nil {
		return nil, nil
	}

	var best *types.Pattern
	bestDist := r.cfg.MergeRadiusMeters
	for _, p := range existing {
		if p.PatternType != cand.PatternType {
			continue
		}
		var data types.PatternData
		if err := json.Unmarshal(p.Data, &data); err != nil || data.CenterLat == nil || data.CenterLon == nil {
			continue
		}
		d := HaversineM(*cand.Data.CenterLat, *cand.Data.CenterLon, *data.CenterLat, *data.CenterLon)
		if d < bestDist || (d == bestDist && best != nil && p.ID.String() < best.ID.String()) {
			best = p
			bestDist = d
		}
	}
	return best, nil
}

func (r *Reconciler) create(dbc dbctx.Context, subjectID uuid.UUID, cand *Candidate) (*types.Pattern, error) {
	raw, err := json.Marshal(cand.Data)
	if err != nil {
		return nil, fmt.Errorf("reconcile: marshal pattern data: %w", err)
	}
	p := &types.Pattern{
		SubjectID:      subjectID,
		PatternType:    cand.PatternType,
		Name:           cand.Name,
		NormalizedName: types.NormalizeName(cand.Name),
		Confidence:     cand.Confidence,
		Data:           datatypes.JSON(raw),
		FirstSeen:      cand.FirstSeen,
		LastSeen:       cand.LastSeen,
		Occurrences:    cand.Occurrences,
		IsActive:       true,
	}
	created, err := r.repo.Create(dbc, p)
	if err != nil {
		return nil, fmt.Errorf("reconcile: create pattern %q: %w", cand.Name, err)
	}
	return created, nil
}

// update refreshes a matched row in place. Confidence moves by exponential
// smoothing toward the candidate, which bounds per-cycle swings; occurrences
// accumulate and last_seen advances. The stored name stays stable, only the
// descriptor data is refreshed.
func (r *Reconciler) update(dbc dbctx.Context, p *types.Pattern, cand *Candidate) (*types.Pattern, error) {
	raw, err := json.Marshal(cand.Data)
	if err != nil {
		return nil, fmt.Errorf("reconcile: marshal pattern data: %w", err)
	}

	w := r.cfg.SmoothingOldWeight
	conf := clamp01(w*p.Confidence + (1-w)*cand.Confidence)
	occ := p.Occurrences + cand.Occurrences
	firstSeen := p.FirstSeen
	if cand.FirstSeen.Before(firstSeen) {
		firstSeen = cand.FirstSeen
	}

	updates := map[string]interface{}{
		"confidence":  conf,
		"occurrences": occ,
		"first_seen":  firstSeen,
		"last_seen":   cand.LastSeen,
		"data":        datatypes.JSON(raw),
		"is_active":   true,
	}
	if err := r.repo.UpdateFields(dbc, p.ID, updates); err != nil {
		return nil, fmt.Errorf("reconcile: update pattern %s: %w", p.ID, err)
	}

	out := *p
	out.Confidence = conf
	out.Occurrences = occ
	out.FirstSeen = firstSeen
	out.LastSeen = cand.LastSeen
	out.Data = datatypes.JSON(raw)
	out.IsActive = true
	return &out, nil
}
