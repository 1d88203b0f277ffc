package testutil

import (
	"context"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/supplements-backend/internal/domain"
)

func SeedActionConfig(tb testing.TB, ctx context.Context, tx *gorm.DB, assetUID, xpath, actionID, params string) *types.AssetActionConfig {
	tb.Helper()
	if params == "" {
		params = "{}"
	}
	row := &types.AssetActionConfig{
		AssetUID:      assetUID,
		QuestionXPath: xpath,
		ActionID:      actionID,
		Params:        datatypes.JSON([]byte(params)),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed action config: %v", err)
	}
	return row
}

func SeedSnapshot(tb testing.TB, ctx context.Context, tx *gorm.DB, assetUID, rootUUID, submissionUUID, attachments string) *types.SubmissionSnapshot {
	tb.Helper()
	if attachments == "" {
		attachments = "[]"
	}
	snap := &types.SubmissionSnapshot{
		AssetUID:       assetUID,
		RootUUID:       rootUUID,
		SubmissionUUID: submissionUUID,
		Attachments:    datatypes.JSON([]byte(attachments)),
	}
	if err := tx.WithContext(ctx).Create(snap).Error; err != nil {
		tb.Fatalf("seed snapshot: %v", err)
	}
	return snap
}
