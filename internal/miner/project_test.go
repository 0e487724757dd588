package miner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
)

type fakeInsightRepo struct {
	created []*types.Insight
}

func (r *fakeInsightRepo) Create(_ dbctx.Context, insight *types.Insight) (*types.Insight, error) {
	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	r.created = append(r.created, insight)
	return insight, nil
}

func (r *fakeInsightRepo) ListBySubject(_ dbctx.Context, subjectID uuid.UUID, _, _ time.Time, _ int) ([]*types.Insight, error) {
	var out []*types.Insight
	for _, i := range r.created {
		if i.SubjectID == subjectID {
			out = append(out, i)
		}
	}
	return out, nil
}

type fakeGraphWriter struct {
	calls int
	err   error
}

func (w *fakeGraphWriter) UpsertInsightNode(_ context.Context, _ uuid.UUID, _ *types.Insight) error {
	w.calls++
	return w.err
}

func newTestProjector(t *testing.T, patternRepo *fakePatternRepo, insightRepo *fakeInsightRepo, writer *fakeGraphWriter) *Projector {
	t.Helper()
	return NewProjector(nil, patternRepo, insightRepo, writer, DefaultConfig(), testLogger(t))
}

func seededPattern(t *testing.T, repo *fakePatternRepo, subjectID uuid.UUID, conf float64, occ int) *types.Pattern {
	t.Helper()
	p := &types.Pattern{
		SubjectID:      subjectID,
		PatternType:    types.PatternHabit,
		Name:           "daily coffee around 09:00",
		NormalizedName: "daily coffee around 09:00",
		Confidence:     conf,
		FirstSeen:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		LastSeen:       time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC),
		Occurrences:    occ,
		IsActive:       true,
	}
	created, err := repo.Create(dbctx.Context{}, p)
	if err != nil {
		t.Fatalf("seed pattern: %v", err)
	}
	return created
}

func TestProjectorEmitsOnCreate(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.8, 10)
	cand := &Candidate{
		Confidence:  0.8,
		FirstSeen:   pat.FirstSeen,
		LastSeen:    pat.LastSeen,
		EvidenceIDs: []uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
	}

	n, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeCreated, Candidate: cand}})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if n != 1 || len(insightRepo.created) != 1 {
		t.Fatalf("expected 1 insight, got %d", n)
	}
	insight := insightRepo.created[0]
	if insight.Change != types.InsightCreated {
		t.Fatalf("change = %q", insight.Change)
	}
	if insight.EvidenceCount != 3 {
		t.Fatalf("evidence count = %d, want 3", insight.EvidenceCount)
	}
	if insight.PatternID != pat.ID {
		t.Fatal("insight must reference its pattern")
	}
	if writer.calls != 1 {
		t.Fatalf("graph writer calls = %d, want 1", writer.calls)
	}

	// Snapshot recorded for future dedup.
	stored, _ := patternRepo.GetByID(dbctx.Context{}, pat.ID)
	if stored.LastProjectedConfidence == nil || *stored.LastProjectedConfidence != pat.Confidence {
		t.Fatal("projection snapshot not stored")
	}
}

func TestProjectorSuppressesUnchanged(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.8, 10)
	conf := 0.79 // within delta
	occ := 10
	pat.LastProjectedConfidence = &conf
	pat.LastProjectedOccurrences = &occ

	n, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeUpdated}})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if n != 0 || len(insightRepo.created) != 0 {
		t.Fatalf("expected no insight for immaterial update, got %d", n)
	}
	if writer.calls != 0 {
		t.Fatal("graph writer must not be called for suppressed changes")
	}
}

func TestProjectorEmitsOnMaterialUpdate(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.8, 15)
	conf := 0.6 // moved past delta
	occ := 10   // occurrences changed too
	pat.LastProjectedConfidence = &conf
	pat.LastProjectedOccurrences = &occ

	n, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeUpdated}})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 insight, got %d", n)
	}
	if insightRepo.created[0].Change != types.InsightUpdated {
		t.Fatalf("change = %q", insightRepo.created[0].Change)
	}
}

func TestProjectorEmitsOnDeactivation(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.8, 10)
	pat.IsActive = false

	n, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeDeactivated}})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 insight, got %d", n)
	}
	if insightRepo.created[0].Change != types.InsightDeactivated {
		t.Fatalf("change = %q", insightRepo.created[0].Change)
	}
	if insightRepo.created[0].EvidenceCount != 0 {
		t.Fatal("deactivation carries no fresh evidence")
	}
}

func TestProjectorConfidenceCappedByWeakestSupport(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.9, 10)
	cand := &Candidate{Confidence: 0.3, FirstSeen: pat.FirstSeen, LastSeen: pat.LastSeen, EvidenceIDs: []uuid.UUID{uuid.New()}}

	_, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeCreated, Candidate: cand}})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if got := insightRepo.created[0].Confidence; got != 0.3 {
		t.Fatalf("insight confidence = %f, want 0.3 (weakest support)", got)
	}
}

func TestProjectorGraphFailureIsNonFatal(t *testing.T) {
	patternRepo := newFakePatternRepo()
	insightRepo := &fakeInsightRepo{}
	writer := &fakeGraphWriter{err: errors.New("neo4j down")}
	p := newTestProjector(t, patternRepo, insightRepo, writer)

	subjectID := uuid.New()
	pat := seededPattern(t, patternRepo, subjectID, 0.8, 10)

	n, err := p.Project(context.Background(), subjectID, []Change{{Pattern: pat, Kind: ChangeCreated}})
	if err != nil {
		t.Fatalf("graph failure must not fail projection: %v", err)
	}
	if n != 1 || len(insightRepo.created) != 1 {
		t.Fatalf("insight must still be written, got %d", n)
	}
}
