package miner

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// fakePatternRepo keeps patterns in memory so the merge rules are testable
// without Postgres. Behavior mirrors the real repo's queries.
type fakePatternRepo struct {
	rows map[uuid.UUID]*types.Pattern
}

func newFakePatternRepo() *fakePatternRepo {
	return &fakePatternRepo{rows: map[uuid.UUID]*types.Pattern{}}
}

func (r *fakePatternRepo) Create(_ dbctx.Context, p *types.Pattern) (*types.Pattern, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	r.rows[p.ID] = &cp
	return p, nil
}

func (r *fakePatternRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Pattern, error) {
	if p, ok := r.rows[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *fakePatternRepo) GetActiveByKey(_ dbctx.Context, subjectID uuid.UUID, patternType types.PatternType, normalizedName string) (*types.Pattern, error) {
	for _, p := range r.rows {
		if p.SubjectID == subjectID && p.PatternType == patternType && p.NormalizedName == normalizedName && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakePatternRepo) ListActiveBySubject(dbc dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType) ([]*types.Pattern, error) {
	return r.ListBySubject(dbc, subjectID, patternType, true)
}

func (r *fakePatternRepo) ListBySubject(_ dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType, activeOnly bool) ([]*types.Pattern, error) {
	var out []*types.Pattern
	for _, p := range r.rows {
		if p.SubjectID != subjectID {
			continue
		}
		if patternType != nil && p.PatternType != *patternType {
			continue
		}
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *fakePatternRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	p, ok := r.rows[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "confidence":
			p.Confidence = v.(float64)
		case "occurrences":
			p.Occurrences = v.(int)
		case "first_seen":
			p.FirstSeen = v.(time.Time)
		case "last_seen":
			p.LastSeen = v.(time.Time)
		case "data":
			p.Data = v.(datatypes.JSON)
		case "is_active":
			p.IsActive = v.(bool)
		case "last_projected_confidence":
			c := v.(float64)
			p.LastProjectedConfidence = &c
		case "last_projected_occurrences":
			o := v.(int)
			p.LastProjectedOccurrences = &o
		}
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func newTestReconciler(t *testing.T, repo *fakePatternRepo, now time.Time) *Reconciler {
	t.Helper()
	r := NewReconciler(nil, repo, DefaultConfig(), testLogger(t))
	r.now = func() time.Time { return now }
	return r
}

func clusterCandidateAt(lat, lon float64, occ int, last time.Time) Candidate {
	radius := 50.0
	stability := 0.5
	return Candidate{
		PatternType: types.PatternLocationCluster,
		Name:        PlaceLabel(lat, lon),
		Confidence:  0.7,
		Data: types.PatternData{
			CenterLat: &lat,
			CenterLon: &lon,
			RadiusM:   &radius,
			Stability: &stability,
		},
		FirstSeen:   last.AddDate(0, 0, -14),
		LastSeen:    last,
		Occurrences: occ,
		EvidenceIDs: []uuid.UUID{uuid.New(), uuid.New()},
	}
}

func TestReconcilerCreatesNewPatterns(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	cands := []Candidate{
		clusterCandidateAt(55.75, 37.61, 20, now),
		{
			PatternType: types.PatternHabit,
			Name:        "daily coffee around 09:00",
			Confidence:  0.6,
			FirstSeen:   now.AddDate(0, 0, -10),
			LastSeen:    now,
			Occurrences: 10,
		},
	}

	changes, err := r.Apply(context.Background(), subjectID, cands)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for _, ch := range changes {
		if ch.Kind != ChangeCreated {
			t.Fatalf("expected created change, got %s", ch.Kind)
		}
		if !ch.Pattern.IsActive {
			t.Fatal("created pattern must be active")
		}
		if ch.Pattern.NormalizedName != types.NormalizeName(ch.Pattern.Name) {
			t.Fatalf("normalized name not set: %q", ch.Pattern.NormalizedName)
		}
	}

	active, _ := repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 2 {
		t.Fatalf("expected 2 active rows, got %d", len(active))
	}
}

func TestReconcilerIdempotent(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	cands := []Candidate{clusterCandidateAt(55.75, 37.61, 20, now)}

	if _, err := r.Apply(context.Background(), subjectID, cands); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	active, _ := repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 1 {
		t.Fatalf("expected 1 active row, got %d", len(active))
	}
	occ := active[0].Occurrences
	conf := active[0].Confidence

	// Same candidates, no new evidence: a re-run must be a no-op.
	changes, err := r.Apply(context.Background(), subjectID, cands)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes on re-run, got %d", len(changes))
	}
	active, _ = repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 1 {
		t.Fatalf("re-run created a duplicate row: %d active", len(active))
	}
	if active[0].Occurrences != occ || active[0].Confidence != conf {
		t.Fatalf("re-run changed the row: occ %d->%d conf %f->%f",
			occ, active[0].Occurrences, conf, active[0].Confidence)
	}
}

func TestReconcilerAccumulatesNewEvidence(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	if _, err := r.Apply(context.Background(), subjectID, []Candidate{clusterCandidateAt(55.75, 37.61, 20, now)}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	later := clusterCandidateAt(55.75, 37.61, 5, now.AddDate(0, 0, 7))
	changes, err := r.Apply(context.Background(), subjectID, []Candidate{later})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdated {
		t.Fatalf("expected 1 updated change, got %+v", changes)
	}
	p := changes[0].Pattern
	if p.Occurrences != 25 {
		t.Fatalf("occurrences = %d, want 25", p.Occurrences)
	}
	if !p.LastSeen.Equal(later.LastSeen) {
		t.Fatalf("last seen not advanced: %v", p.LastSeen)
	}
}

func TestReconcilerSmoothsConfidence(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	first := clusterCandidateAt(55.75, 37.61, 20, now)
	first.Confidence = 0.9
	if _, err := r.Apply(context.Background(), subjectID, []Candidate{first}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A weak cycle must not crater confidence: movement is bounded by the
	// smoothing weight.
	weak := clusterCandidateAt(55.75, 37.61, 2, now.AddDate(0, 0, 7))
	weak.Confidence = 0.2
	changes, err := r.Apply(context.Background(), subjectID, []Candidate{weak})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	want := 0.7*0.9 + 0.3*0.2
	if math.Abs(changes[0].Pattern.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %f, want %f", changes[0].Pattern.Confidence, want)
	}
}

func TestReconcilerDeactivatesStale(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	old := clusterCandidateAt(55.75, 37.61, 20, now.AddDate(0, 0, -40))
	if _, err := r.Apply(context.Background(), subjectID, []Candidate{old}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	// Next cycle finds nothing at that place and the grace period is up.
	changes, err := r.Apply(context.Background(), subjectID, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeDeactivated {
		t.Fatalf("expected 1 deactivated change, got %+v", changes)
	}
	active, _ := repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 0 {
		t.Fatalf("expected no active rows, got %d", len(active))
	}
	all, _ := repo.ListBySubject(dbctx.Context{}, subjectID, nil, false)
	if len(all) != 1 {
		t.Fatalf("deactivation must not delete the row, got %d rows", len(all))
	}
}

func TestReconcilerKeepsFreshUnmatched(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	recent := clusterCandidateAt(55.75, 37.61, 20, now.AddDate(0, 0, -10))
	if _, err := r.Apply(context.Background(), subjectID, []Candidate{recent}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	// Unmatched but still inside the grace period: stays active.
	changes, err := r.Apply(context.Background(), subjectID, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes inside grace period, got %d", len(changes))
	}
}

func TestReconcilerProximityMatch(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	if _, err := r.Apply(context.Background(), subjectID, []Candidate{clusterCandidateAt(55.7500, 37.6100, 20, now)}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	// Centroid drifted ~65m: different rounded label, same place.
	drifted := clusterCandidateAt(55.7506, 37.6100, 6, now.AddDate(0, 0, 7))
	changes, err := r.Apply(context.Background(), subjectID, []Candidate{drifted})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdated {
		t.Fatalf("expected proximity update, got %+v", changes)
	}
	active, _ := repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 1 {
		t.Fatalf("drift must not create a second row, got %d", len(active))
	}
}

func TestReconcilerConflictKeepsHigherConfidence(t *testing.T) {
	repo := newFakePatternRepo()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, repo, now)
	subjectID := uuid.New()

	if _, err := r.Apply(context.Background(), subjectID, []Candidate{clusterCandidateAt(55.7500, 37.6100, 20, now)}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	strong := clusterCandidateAt(55.7503, 37.6100, 8, now.AddDate(0, 0, 7))
	strong.Confidence = 0.9
	weak := clusterCandidateAt(55.7506, 37.6100, 3, now.AddDate(0, 0, 7))
	weak.Confidence = 0.4

	changes, err := r.Apply(context.Background(), subjectID, []Candidate{weak, strong})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdated {
		t.Fatalf("expected exactly one update, got %+v", changes)
	}
	if changes[0].Candidate.Confidence != 0.9 {
		t.Fatalf("higher-confidence candidate must win, got %f", changes[0].Candidate.Confidence)
	}
	active, _ := repo.ListActiveBySubject(dbctx.Context{}, subjectID, nil)
	if len(active) != 1 {
		t.Fatalf("conflict must not create a row, got %d active", len(active))
	}
}
