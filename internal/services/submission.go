package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/apierr"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// SubmissionService mirrors the submission facts the actions need
// (identifiers and attachments) from the form platform.
type SubmissionService interface {
	Put(dbc dbctx.Context, assetUID string, sub types.Submission) (*types.SubmissionSnapshot, error)
	// Resolve returns the mirrored submission, or a bare one keyed by rootUUID.
	Resolve(dbc dbctx.Context, assetUID, rootUUID string) (types.Submission, error)
}

type submissionService struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.SnapshotRepo
}

func NewSubmissionService(db *gorm.DB, baseLog *logger.Logger, repo repos.SnapshotRepo) SubmissionService {
	return &submissionService{
		db:   db,
		log:  baseLog.With("service", "SubmissionService"),
		repo: repo,
	}
}

func (s *submissionService) Put(dbc dbctx.Context, assetUID string, sub types.Submission) (*types.SubmissionSnapshot, error) {
	if strings.TrimSpace(assetUID) == "" || strings.TrimSpace(sub.RootUUID) == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_submission", errors.New("missing asset_uid or root_uuid"))
	}
	if sub.UUID == "" {
		sub.UUID = sub.RootUUID
	}
	atts := sub.Attachments
	if atts == nil {
		atts = []types.Attachment{}
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return nil, err
	}
	snap := &types.SubmissionSnapshot{
		AssetUID:       assetUID,
		RootUUID:       sub.RootUUID,
		SubmissionUUID: sub.UUID,
		Attachments:    datatypes.JSON(b),
	}
	if err := s.repo.Upsert(dbc, snap); err != nil {
		return nil, err
	}
	return s.repo.Get(dbc, assetUID, sub.RootUUID)
}

func (s *submissionService) Resolve(dbc dbctx.Context, assetUID, rootUUID string) (types.Submission, error) {
	snap, err := s.repo.Get(dbc, assetUID, rootUUID)
	if err != nil {
		return types.Submission{}, err
	}
	if snap == nil {
		return types.Submission{UUID: rootUUID, RootUUID: rootUUID}, nil
	}
	return snap.Submission(), nil
}
