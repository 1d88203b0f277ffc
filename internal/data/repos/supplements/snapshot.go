package supplements

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type SnapshotRepo interface {
	Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSnapshot, error)
	Upsert(dbc dbctx.Context, snap *types.SubmissionSnapshot) error
}

type snapshotRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSnapshotRepo(db *gorm.DB, baseLog *logger.Logger) SnapshotRepo {
	return &snapshotRepo{
		db:  db,
		log: baseLog.With("repo", "SnapshotRepo"),
	}
}

func (r *snapshotRepo) Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSnapshot, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var snap types.SubmissionSnapshot
	if err := transaction.WithContext(dbc.Ctx).
		Where("asset_uid = ? AND root_uuid = ?", assetUID, rootUUID).
		Limit(1).
		Find(&snap).Error; err != nil {
		return nil, err
	}
	if snap.AssetUID == "" {
		return nil, nil
	}
	return &snap, nil
}

func (r *snapshotRepo) Upsert(dbc dbctx.Context, snap *types.SubmissionSnapshot) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if snap == nil {
		return nil
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asset_uid"}, {Name: "root_uuid"}},
			DoUpdates: clause.AssignmentColumns([]string{"submission_uuid", "attachments", "updated_at"}),
		}).
		Create(snap).Error
}
