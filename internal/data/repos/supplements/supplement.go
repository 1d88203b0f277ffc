package supplements

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type SupplementRepo interface {
	Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSupplementRow, error)
	// GetForUpdate locks the row for (asset, root), creating an empty one
	// first when it does not exist. It must run inside a transaction.
	GetForUpdate(dbc dbctx.Context, assetUID, rootUUID, submissionUUID string) (*types.SubmissionSupplementRow, error)
	Save(dbc dbctx.Context, row *types.SubmissionSupplementRow) error
	ListByAsset(dbc dbctx.Context, assetUID string, rootUUIDs []string) ([]*types.SubmissionSupplementRow, error)
}

type supplementRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSupplementRepo(db *gorm.DB, baseLog *logger.Logger) SupplementRepo {
	return &supplementRepo{
		db:  db,
		log: baseLog.With("repo", "SupplementRepo"),
	}
}

func (r *supplementRepo) Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSupplementRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.SubmissionSupplementRow
	err := transaction.WithContext(dbc.Ctx).
		Where("asset_uid = ? AND submission_root_uuid = ?", assetUID, rootUUID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.AssetUID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *supplementRepo) GetForUpdate(dbc dbctx.Context, assetUID, rootUUID, submissionUUID string) (*types.SubmissionSupplementRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	lock := func() (*types.SubmissionSupplementRow, error) {
		var row types.SubmissionSupplementRow
		err := transaction.WithContext(dbc.Ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("asset_uid = ? AND submission_root_uuid = ?", assetUID, rootUUID).
			Limit(1).
			Find(&row).Error
		if err != nil {
			return nil, err
		}
		if row.AssetUID == "" {
			return nil, nil
		}
		return &row, nil
	}

	row, err := lock()
	if err != nil || row != nil {
		return row, err
	}

	fresh := &types.SubmissionSupplementRow{
		AssetUID:           assetUID,
		SubmissionRootUUID: rootUUID,
		SubmissionUUID:     submissionUUID,
	}
	// Create under a savepoint so a lost insert race leaves the outer
	// transaction usable on postgres.
	cerr := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		return txx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error
	})
	if cerr != nil && !isDuplicate(cerr) {
		return nil, cerr
	}
	if cerr != nil {
		r.log.Debug("supplement row created concurrently", "asset_uid", assetUID, "root_uuid", rootUUID)
	}
	row, err = lock()
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (r *supplementRepo) Save(dbc dbctx.Context, row *types.SubmissionSupplementRow) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil {
		return nil
	}
	row.UpdatedAt = time.Now().UTC()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.SubmissionSupplementRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"content":         row.Content,
			"submission_uuid": row.SubmissionUUID,
			"updated_at":      row.UpdatedAt,
		}).Error
}

func (r *supplementRepo) ListByAsset(dbc dbctx.Context, assetUID string, rootUUIDs []string) ([]*types.SubmissionSupplementRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SubmissionSupplementRow
	q := transaction.WithContext(dbc.Ctx).Where("asset_uid = ?", assetUID)
	if len(rootUUIDs) > 0 {
		q = q.Where("submission_root_uuid IN ?", rootUUIDs)
	}
	if err := q.Order("submission_root_uuid ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
