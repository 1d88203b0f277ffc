package supplements

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type ActionConfigRepo interface {
	ListByAsset(dbc dbctx.Context, assetUID string) ([]*types.AssetActionConfig, error)
	Upsert(dbc dbctx.Context, rows []*types.AssetActionConfig) error
	// Replace swaps the asset's whole configuration for rows.
	Replace(dbc dbctx.Context, assetUID string, rows []*types.AssetActionConfig) error
	Delete(dbc dbctx.Context, assetUID, questionXPath, actionID string) error
}

type actionConfigRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActionConfigRepo(db *gorm.DB, baseLog *logger.Logger) ActionConfigRepo {
	return &actionConfigRepo{
		db:  db,
		log: baseLog.With("repo", "ActionConfigRepo"),
	}
}

func (r *actionConfigRepo) ListByAsset(dbc dbctx.Context, assetUID string) ([]*types.AssetActionConfig, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AssetActionConfig
	if err := transaction.WithContext(dbc.Ctx).
		Where("asset_uid = ?", assetUID).
		Order("question_xpath ASC, action_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *actionConfigRepo) Upsert(dbc dbctx.Context, rows []*types.AssetActionConfig) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asset_uid"}, {Name: "question_xpath"}, {Name: "action_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"params", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *actionConfigRepo) Replace(dbc dbctx.Context, assetUID string, rows []*types.AssetActionConfig) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("asset_uid = ?", assetUID).Delete(&types.AssetActionConfig{}).Error; err != nil {
			return err
		}
		for _, row := range rows {
			row.AssetUID = assetUID
		}
		return r.Upsert(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, rows)
	})
}

func (r *actionConfigRepo) Delete(dbc dbctx.Context, assetUID, questionXPath, actionID string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("asset_uid = ? AND question_xpath = ? AND action_id = ?", assetUID, questionXPath, actionID).
		Delete(&types.AssetActionConfig{}).Error
}
