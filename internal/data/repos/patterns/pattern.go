package patterns

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

type PatternRepo interface {
	Create(dbc dbctx.Context, pattern *types.Pattern) (*types.Pattern, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pattern, error)
	GetActiveByKey(dbc dbctx.Context, subjectID uuid.UUID, patternType types.PatternType, normalizedName string) (*types.Pattern, error)
	ListActiveBySubject(dbc dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType) ([]*types.Pattern, error)
	ListBySubject(dbc dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType, activeOnly bool) ([]*types.Pattern, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type patternRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPatternRepo(db *gorm.DB, baseLog *logger.Logger) PatternRepo {
	return &patternRepo{
		db:  db,
		log: baseLog.With("repo", "PatternRepo"),
	}
}

func (r *patternRepo) Create(dbc dbctx.Context, pattern *types.Pattern) (*types.Pattern, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(pattern).Error; err != nil {
		return nil, err
	}
	return pattern, nil
}

func (r *patternRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pattern, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Pattern
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *patternRepo) GetActiveByKey(dbc dbctx.Context, subjectID uuid.UUID, patternType types.PatternType, normalizedName string) (*types.Pattern, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if subjectID == uuid.Nil || patternType == "" || normalizedName == "" {
		return nil, nil
	}
	var p types.Pattern
	err := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ? AND pattern_type = ? AND normalized_name = ? AND is_active = ?",
			subjectID, patternType, normalizedName, true).
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *patternRepo) ListActiveBySubject(dbc dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType) ([]*types.Pattern, error) {
	return r.ListBySubject(dbc, subjectID, patternType, true)
}

func (r *patternRepo) ListBySubject(dbc dbctx.Context, subjectID uuid.UUID, patternType *types.PatternType, activeOnly bool) ([]*types.Pattern, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Pattern
	if subjectID == uuid.Nil {
		return out, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ?", subjectID)
	if patternType != nil && *patternType != "" {
		q = q.Where("pattern_type = ?", *patternType)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Order("confidence DESC, occurrences DESC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *patternRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Pattern{}).
		Where("id = ?", id).
		Updates(updates).Error
}
