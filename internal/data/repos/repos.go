package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/data/repos/jobs"
	"github.com/yungbote/supplements-backend/internal/data/repos/supplements"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

type SupplementRepo = supplements.SupplementRepo
type ActionConfigRepo = supplements.ActionConfigRepo
type SnapshotRepo = supplements.SnapshotRepo

type TaskRunRepo = jobs.TaskRunRepo

// Repos bundles every repository the service uses.
type Repos struct {
	Supplements   SupplementRepo
	ActionConfigs ActionConfigRepo
	Snapshots     SnapshotRepo
	TaskRuns      TaskRunRepo
}

func New(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Supplements:   supplements.NewSupplementRepo(db, log),
		ActionConfigs: supplements.NewActionConfigRepo(db, log),
		Snapshots:     supplements.NewSnapshotRepo(db, log),
		TaskRuns:      jobs.NewTaskRunRepo(db, log),
	}
}
