package task

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is an execution record of one sweep run.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	TaskName    string         `gorm:"column:task_name;index;type:varchar(100);not null"`
	Status      JobStatus      `gorm:"column:status;type:varchar(20);default:'running'"`
	Processed   int64          `gorm:"column:processed;not null;default:0"`
	Skipped     int64          `gorm:"column:skipped;not null;default:0"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

func Models() []any {
	return []any{&Job{}}
}
