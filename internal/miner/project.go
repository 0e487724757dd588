package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/soulmesh/lifestream-backend/internal/data/repos/insights"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/patterns"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/graph"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// Projector turns material pattern changes into immutable insight rows and
// mirrors them into the subject graph. A change is material when the pattern
// was created or deactivated, or when confidence moved more than the
// configured delta (or occurrences changed) since the last projection; the
// comparison runs against a snapshot stored on the pattern row, so an
// unchanged pattern never re-emits across process restarts.
type Projector struct {
	db          *gorm.DB
	patternRepo patterns.PatternRepo
	insightRepo insights.InsightRepo
	writer      graph.InsightWriter
	cfg         Config
	log         *logger.Logger
	now         func() time.Time
}

func NewProjector(
	db *gorm.DB,
	patternRepo patterns.PatternRepo,
	insightRepo insights.InsightRepo,
	writer graph.InsightWriter,
	cfg Config,
	baseLog *logger.Logger,
) *Projector {
	return &Projector{
		db:          db,
		patternRepo: patternRepo,
		insightRepo: insightRepo,
		writer:      writer,
		cfg:         cfg,
		log:         baseLog.With("component", "Projector"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Project emits insights for the material subset of changes and returns how
// many were written. Graph write-back happens after the relational commit
// and is best-effort: failures are logged, never propagated.
func (p *Projector) Project(ctx context.Context, subjectID uuid.UUID, changes []Change) (int, error) {
	var emitted []*types.Insight
	for _, ch := range changes {
		if !p.material(ch) {
			continue
		}
		insight, err := p.emit(ctx, subjectID, ch)
		if err != nil {
			return len(emitted), err
		}
		emitted = append(emitted, insight)
	}

	for _, insight := range emitted {
		if err := p.writer.UpsertInsightNode(ctx, subjectID, insight); err != nil {
			p.log.Warn("Graph insight write failed", "subject_id", subjectID, "insight_id", insight.ID, "error", err)
		}
	}
	return len(emitted), nil
}

func (p *Projector) material(ch Change) bool {
	if ch.Kind != ChangeUpdated {
		return true
	}
	pat := ch.Pattern
	if pat.LastProjectedConfidence == nil || pat.LastProjectedOccurrences == nil {
		return true
	}
	if math.Abs(pat.Confidence-*pat.LastProjectedConfidence) > p.cfg.ProjectionDelta {
		return true
	}
	return pat.Occurrences != *pat.LastProjectedOccurrences
}

func (p *Projector) emit(ctx context.Context, subjectID uuid.UUID, ch Change) (*types.Insight, error) {
	insight, err := buildInsight(subjectID, ch)
	if err != nil {
		return nil, err
	}

	write := func(dbc dbctx.Context) error {
		if _, err := p.insightRepo.Create(dbc, insight); err != nil {
			return fmt.Errorf("project: create insight for pattern %s: %w", ch.Pattern.ID, err)
		}
		snapshot := map[string]interface{}{
			"last_projected_confidence":  ch.Pattern.Confidence,
			"last_projected_occurrences": ch.Pattern.Occurrences,
		}
		if err := p.patternRepo.UpdateFields(dbc, ch.Pattern.ID, snapshot); err != nil {
			return fmt.Errorf("project: snapshot pattern %s: %w", ch.Pattern.ID, err)
		}
		return nil
	}

	if p.db == nil {
		if err := write(dbctx.Context{Ctx: ctx}); err != nil {
			return nil, err
		}
	} else {
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return write(dbctx.Context{Ctx: ctx, Tx: tx})
		})
		if err != nil {
			return nil, err
		}
	}

	return insight, nil
}

func buildInsight(subjectID uuid.UUID, ch Change) (*types.Insight, error) {
	pat := ch.Pattern
	label := typeLabel(pat.PatternType)

	// An insight is never more certain than its weakest supporting pattern.
	conf := clamp01(pat.Confidence)
	if ch.Candidate != nil && ch.Candidate.Confidence < conf {
		conf = clamp01(ch.Candidate.Confidence)
	}

	insight := &types.Insight{
		SubjectID:   subjectID,
		PatternID:   pat.ID,
		InsightType: string(pat.PatternType),
		Confidence:  conf,
	}

	const dateFmt = "2006-01-02"
	switch ch.Kind {
	case ChangeCreated:
		insight.Change = types.InsightCreated
		insight.Title = fmt.Sprintf("New %s: %s", label, pat.Name)
		insight.Description = fmt.Sprintf("Observed %d times between %s and %s.",
			pat.Occurrences, pat.FirstSeen.UTC().Format(dateFmt), pat.LastSeen.UTC().Format(dateFmt))
	case ChangeUpdated:
		insight.Change = types.InsightUpdated
		insight.Title = fmt.Sprintf("Updated %s: %s", label, pat.Name)
		insight.Description = fmt.Sprintf("Now observed %d times; last seen %s.",
			pat.Occurrences, pat.LastSeen.UTC().Format(dateFmt))
	case ChangeDeactivated:
		insight.Change = types.InsightDeactivated
		insight.Title = fmt.Sprintf("Faded %s: %s", label, pat.Name)
		insight.Description = fmt.Sprintf("No supporting evidence since %s.",
			pat.LastSeen.UTC().Format(dateFmt))
	default:
		return nil, fmt.Errorf("project: unknown change kind %q", ch.Kind)
	}

	insight.TimeRangeStart = pat.FirstSeen
	insight.TimeRangeEnd = pat.LastSeen

	if ch.Candidate != nil && len(ch.Candidate.EvidenceIDs) > 0 {
		raw, err := json.Marshal(ch.Candidate.EvidenceIDs)
		if err != nil {
			return nil, fmt.Errorf("project: marshal evidence ids: %w", err)
		}
		insight.EvidenceEventIDs = datatypes.JSON(raw)
		insight.EvidenceCount = len(ch.Candidate.EvidenceIDs)
		insight.TimeRangeStart = ch.Candidate.FirstSeen
		insight.TimeRangeEnd = ch.Candidate.LastSeen
	}

	return insight, nil
}

func typeLabel(t types.PatternType) string {
	switch t {
	case types.PatternLocationCluster:
		return "significant location"
	case types.PatternRoutine:
		return "routine"
	case types.PatternHabit:
		return "habit"
	default:
		return string(t)
	}
}
