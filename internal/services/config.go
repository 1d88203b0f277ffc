package services

import (
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type ConfigService interface {
	List(dbc dbctx.Context, assetUID string) ([]*types.AssetActionConfig, error)
	// Replace validates every row against its action variant and swaps the
	// asset's configuration atomically.
	Replace(dbc dbctx.Context, assetUID string, rows []*types.AssetActionConfig) ([]*types.AssetActionConfig, error)
	Delete(dbc dbctx.Context, assetUID, questionXPath, actionID string) error
	// ActionSet builds the configured actions of an asset.
	ActionSet(dbc dbctx.Context, assetUID string) (*actions.Set, error)
}

type configService struct {
	db      *gorm.DB
	log     *logger.Logger
	repo    repos.ActionConfigRepo
	catalog *actions.Catalog
}

func NewConfigService(db *gorm.DB, baseLog *logger.Logger, repo repos.ActionConfigRepo, catalog *actions.Catalog) ConfigService {
	return &configService{
		db:      db,
		log:     baseLog.With("service", "ConfigService"),
		repo:    repo,
		catalog: catalog,
	}
}

func (s *configService) List(dbc dbctx.Context, assetUID string) ([]*types.AssetActionConfig, error) {
	if strings.TrimSpace(assetUID) == "" {
		return nil, errMissingAsset
	}
	return s.repo.ListByAsset(dbc, assetUID)
}

func (s *configService) Replace(dbc dbctx.Context, assetUID string, rows []*types.AssetActionConfig) ([]*types.AssetActionConfig, error) {
	if strings.TrimSpace(assetUID) == "" {
		return nil, errMissingAsset
	}
	plain := make([]types.AssetActionConfig, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		row.AssetUID = assetUID
		plain = append(plain, *row)
	}
	if _, err := s.catalog.BuildSet(plain); err != nil {
		return nil, err
	}
	if err := s.repo.Replace(dbc, assetUID, rows); err != nil {
		return nil, err
	}
	s.log.Info("action configs replaced", "asset_uid", assetUID, "count", len(rows))
	return s.repo.ListByAsset(dbc, assetUID)
}

func (s *configService) Delete(dbc dbctx.Context, assetUID, questionXPath, actionID string) error {
	return s.repo.Delete(dbc, assetUID, questionXPath, actionID)
}

func (s *configService) ActionSet(dbc dbctx.Context, assetUID string) (*actions.Set, error) {
	rows, err := s.repo.ListByAsset(dbc, assetUID)
	if err != nil {
		return nil, err
	}
	plain := make([]types.AssetActionConfig, 0, len(rows))
	for _, row := range rows {
		plain = append(plain, *row)
	}
	return s.catalog.BuildSet(plain)
}
