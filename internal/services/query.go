package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/soulmesh/lifestream-backend/internal/data/events"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/insights"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/patterns"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// QueryService is the read-only retrieval surface: patterns, insights and
// raw events for one subject. External collaborators use it to answer
// memory questions; it never writes.
type QueryService interface {
	QueryPatterns(ctx context.Context, subjectID uuid.UUID, patternType *types.PatternType, activeOnly bool) ([]*types.Pattern, error)
	QueryInsights(ctx context.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Insight, error)
	QueryEvents(ctx context.Context, subjectID uuid.UUID, typeFilter []types.EventType, start, end time.Time, limit int) ([]*types.Event, error)
	Stats(ctx context.Context, subjectID uuid.UUID) (map[types.EventType]events.TypeStats, error)
}

type queryService struct {
	store       events.Store
	patternRepo patterns.PatternRepo
	insightRepo insights.InsightRepo
	log         *logger.Logger
}

func NewQueryService(
	store events.Store,
	patternRepo patterns.PatternRepo,
	insightRepo insights.InsightRepo,
	baseLog *logger.Logger,
) QueryService {
	return &queryService{
		store:       store,
		patternRepo: patternRepo,
		insightRepo: insightRepo,
		log:         baseLog.With("service", "QueryService"),
	}
}

func (s *queryService) QueryPatterns(ctx context.Context, subjectID uuid.UUID, patternType *types.PatternType, activeOnly bool) ([]*types.Pattern, error) {
	return s.patternRepo.ListBySubject(dbctx.Context{Ctx: ctx}, subjectID, patternType, activeOnly)
}

func (s *queryService) QueryInsights(ctx context.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Insight, error) {
	return s.insightRepo.ListBySubject(dbctx.Context{Ctx: ctx}, subjectID, start, end, limit)
}

func (s *queryService) QueryEvents(ctx context.Context, subjectID uuid.UUID, typeFilter []types.EventType, start, end time.Time, limit int) ([]*types.Event, error) {
	return s.store.Scan(ctx, subjectID, typeFilter, start, end, limit)
}

func (s *queryService) Stats(ctx context.Context, subjectID uuid.UUID) (map[types.EventType]events.TypeStats, error) {
	return s.store.Stats(ctx, subjectID)
}
