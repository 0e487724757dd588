package insights

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

type InsightRepo interface {
	Create(dbc dbctx.Context, insight *types.Insight) (*types.Insight, error)
	ListBySubject(dbc dbctx.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Insight, error)
}

type insightRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInsightRepo(db *gorm.DB, baseLog *logger.Logger) InsightRepo {
	return &insightRepo{
		db:  db,
		log: baseLog.With("repo", "InsightRepo"),
	}
}

func (r *insightRepo) Create(dbc dbctx.Context, insight *types.Insight) (*types.Insight, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(insight).Error; err != nil {
		return nil, err
	}
	return insight, nil
}

func (r *insightRepo) ListBySubject(dbc dbctx.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Insight, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Insight
	if subjectID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ?", subjectID)
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("created_at < ?", end)
	}
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
