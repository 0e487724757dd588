package mining

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

type MiningRunRepo interface {
	Create(dbc dbctx.Context, run *types.MiningRun) (*types.MiningRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	LatestBySubject(dbc dbctx.Context, subjectID uuid.UUID) (*types.MiningRun, error)
}

type miningRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMiningRunRepo(db *gorm.DB, baseLog *logger.Logger) MiningRunRepo {
	return &miningRunRepo{
		db:  db,
		log: baseLog.With("repo", "MiningRunRepo"),
	}
}

func (r *miningRunRepo) Create(dbc dbctx.Context, run *types.MiningRun) (*types.MiningRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *miningRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.MiningRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *miningRunRepo) LatestBySubject(dbc dbctx.Context, subjectID uuid.UUID) (*types.MiningRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if subjectID == uuid.Nil {
		return nil, nil
	}
	var run types.MiningRun
	err := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ?", subjectID).
		Order("started_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}
