package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/supplements-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(types.Models()...)
}

// EnsureIndexes adds the postgres-only indexes AutoMigrate cannot express.
func EnsureIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	// Claim scans filter on status and run_at together.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_run_claim
		ON task_run(status, run_at)
		WHERE status IN ('queued', 'retry', 'running');
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_run_claim: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_submission_supplement_content
		ON submission_supplement
		USING GIN (content jsonb_path_ops);
	`).Error; err != nil {
		return fmt.Errorf("create idx_submission_supplement_content: %w", err)
	}
	return nil
}
