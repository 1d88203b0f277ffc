package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusRetry     = "retry"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
)

// TaskRun is one scheduled unit of background work. RunAt is the
// not-before time; a task is never claimed earlier.
type TaskRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TaskType    string         `gorm:"column:task_type;not null;index" json:"task_type"`
	DedupeKey   string         `gorm:"column:dedupe_key;index" json:"dedupe_key,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:1" json:"max_attempts"`
	RunAt       time.Time      `gorm:"column:run_at;not null;index" json:"run_at"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (TaskRun) TableName() string { return "task_run" }

func (t *TaskRun) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskStatusQueued
	}
	if t.MaxAttempts < 1 {
		t.MaxAttempts = 1
	}
	if t.RunAt.IsZero() {
		t.RunAt = time.Now().UTC()
	}
	return nil
}

// Exhausted reports whether the attempt that just ran was the last allowed one.
func (t *TaskRun) Exhausted() bool {
	return t != nil && t.Attempts >= t.MaxAttempts
}
