package domain

import (
	"time"

	"gorm.io/datatypes"
)

type JobState string

const (
	JobQueued     JobState = "queued"
	JobDispatched JobState = "dispatched"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ValidTransition reports whether from -> to is a legal step of the job
// state machine. Terminal states accept nothing; any non-terminal state may
// fail.
func ValidTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == JobFailed {
		return true
	}
	switch from {
	case JobQueued:
		return to == JobDispatched
	case JobDispatched:
		return to == JobProcessing
	case JobProcessing:
		return to == JobProcessing || to == JobCompleted
	default:
		return false
	}
}

// Job is the unit of work tracking one uploaded video from confirmation
// through indexed completion. (ObjectKey, ObjectVersion) is the idempotency
// key; the version is the blob store's content hash (etag).
type Job struct {
	JobID              string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	ObjectKey          string         `gorm:"column:object_key;index" json:"object_key"`
	ObjectVersion      string         `gorm:"column:object_version" json:"object_version"`
	ClientDurationHint *float64       `gorm:"column:client_duration_hint" json:"client_duration_hint,omitempty"`
	State              JobState       `gorm:"column:state;index" json:"state"`
	Stage              string         `gorm:"column:stage" json:"stage"`
	Progress           float64        `gorm:"column:progress" json:"progress"`
	Timings            datatypes.JSON `gorm:"column:timings" json:"timings,omitempty"`
	TaskHandle         string         `gorm:"column:task_handle" json:"task_handle,omitempty"`
	ResultKey          string         `gorm:"column:result_key" json:"result_key,omitempty"`
	FailureReportKey   string         `gorm:"column:failure_report_key" json:"failure_report_key,omitempty"`
	ErrorSummary       string         `gorm:"column:error_summary" json:"error_summary,omitempty"`
	CreatedAt          time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// IdempotencyRecord maps (object_key, object_version) to the single job that
// owns that upload. Rows are created with a conditional insert and never
// updated except for the processed marker at completion.
type IdempotencyRecord struct {
	ObjectKey     string    `gorm:"column:object_key;primaryKey" json:"object_key"`
	ObjectVersion string    `gorm:"column:object_version;primaryKey" json:"object_version"`
	JobID         string    `gorm:"column:job_id" json:"job_id"`
	Status        string    `gorm:"column:status" json:"status"`
	ResultKey     string    `gorm:"column:result_key" json:"result_key,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
