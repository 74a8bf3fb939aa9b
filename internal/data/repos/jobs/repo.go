package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// Table is the narrow persistence surface for job rows. Every state change
// is a conditional update gated on the prior state; callers learn about lost
// races through the bool return instead of an error.
type Table interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	FindQueuedByObjectKey(ctx context.Context, objectKey string) (*domain.Job, error)
	TransitionState(ctx context.Context, jobID string, from, to domain.JobState) (bool, error)
	SetTaskHandle(ctx context.Context, jobID, handle string) error
	UpdateStage(ctx context.Context, jobID, stage string, progress float64, timings map[string]float64) (bool, error)
	Complete(ctx context.Context, jobID, resultKey string, timings map[string]float64) (bool, error)
	Fail(ctx context.Context, jobID, stage, errSummary, failureReportKey string, timings map[string]float64) (bool, error)
}

type table struct {
	db *gorm.DB
}

func NewTable(db *gorm.DB) Table {
	return &table{db: db}
}

func (t *table) Create(ctx context.Context, job *domain.Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with job_id required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return t.db.WithContext(ctx).Create(job).Error
}

func (t *table) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := t.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (t *table) FindQueuedByObjectKey(ctx context.Context, objectKey string) (*domain.Job, error) {
	var job domain.Job
	err := t.db.WithContext(ctx).
		Where("object_key = ? AND state = ?", objectKey, domain.JobQueued).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// TransitionState is the CAS primitive of the state machine. It refuses
// transitions the machine forbids and reports false when another writer won.
func (t *table) TransitionState(ctx context.Context, jobID string, from, to domain.JobState) (bool, error) {
	if !domain.ValidTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res := t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND state = ?", jobID, from).
		Updates(map[string]any{
			"state":      to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *table) SetTaskHandle(ctx context.Context, jobID, handle string) error {
	return t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"task_handle": handle,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// UpdateStage advances stage/progress on a processing row. The state guard
// keeps a stale task from overwriting a terminal row; the progress guard keeps
// a slower concurrent stage from rolling progress backwards.
func (t *table) UpdateStage(ctx context.Context, jobID, stage string, progress float64, timings map[string]float64) (bool, error) {
	updates := map[string]any{
		"stage":      stage,
		"progress":   progress,
		"updated_at": time.Now().UTC(),
	}
	if timings != nil {
		updates["timings"] = encodeTimings(timings)
	}
	res := t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND state = ? AND progress <= ?", jobID, domain.JobProcessing, progress).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *table) Complete(ctx context.Context, jobID, resultKey string, timings map[string]float64) (bool, error) {
	res := t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND state = ?", jobID, domain.JobProcessing).
		Updates(map[string]any{
			"state":      domain.JobCompleted,
			"stage":      "completed",
			"progress":   1.0,
			"result_key": resultKey,
			"timings":    encodeTimings(timings),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *table) Fail(ctx context.Context, jobID, stage, errSummary, failureReportKey string, timings map[string]float64) (bool, error) {
	res := t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND state NOT IN ?", jobID, []domain.JobState{domain.JobCompleted, domain.JobFailed}).
		Updates(map[string]any{
			"state":              domain.JobFailed,
			"stage":              stage,
			"error_summary":      errSummary,
			"failure_report_key": failureReportKey,
			"timings":            encodeTimings(timings),
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func encodeTimings(timings map[string]float64) datatypes.JSON {
	if timings == nil {
		timings = map[string]float64{}
	}
	b, _ := json.Marshal(timings)
	return datatypes.JSON(b)
}

// DecodeTimings reads the timings JSON column back into a map.
func DecodeTimings(raw datatypes.JSON) map[string]float64 {
	out := map[string]float64{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
