package domain

import (
	"github.com/yungbote/supplements-backend/internal/domain/jobs"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

const (
	SchemaVersion = supplements.SchemaVersion

	StatusInProgress = supplements.StatusInProgress
	StatusComplete   = supplements.StatusComplete
	StatusFailed     = supplements.StatusFailed
	StatusDeleted    = supplements.StatusDeleted

	TaskStatusQueued    = jobs.TaskStatusQueued
	TaskStatusRunning   = jobs.TaskStatusRunning
	TaskStatusRetry     = jobs.TaskStatusRetry
	TaskStatusSucceeded = jobs.TaskStatusSucceeded
	TaskStatusFailed    = jobs.TaskStatusFailed
)

type (
	Payload                 = supplements.Payload
	Dependency              = supplements.Dependency
	Version                 = supplements.Version
	ActionInstance          = supplements.ActionInstance
	ActionEntry             = supplements.ActionEntry
	QuestionSupplement      = supplements.QuestionSupplement
	SubmissionSupplement    = supplements.SubmissionSupplement
	SubmissionSupplementRow = supplements.SubmissionSupplementRow
	ActionConfig            = supplements.ActionConfig
	AssetActionConfig       = supplements.AssetActionConfig
	ReviewMode              = supplements.ReviewMode
	Attachment              = supplements.Attachment
	Submission              = supplements.Submission
	SubmissionSnapshot      = supplements.SubmissionSnapshot

	TaskRun = jobs.TaskRun
)

var NewSubmissionSupplement = supplements.NewSubmissionSupplement

// Models lists every table the service owns, in migration order.
func Models() []any {
	return []any{
		&supplements.AssetActionConfig{},
		&supplements.SubmissionSnapshot{},
		&supplements.SubmissionSupplementRow{},
		&jobs.TaskRun{},
	}
}
