package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

var ErrNotFound = errors.New("idempotency record not found")

// Table guards against double-processing of one upload. Claim is the only
// write path and is append-only: a conditional insert that loses cleanly to
// an existing row.
type Table interface {
	// Claim attempts to bind (objectKey, objectVersion) to jobID. When the
	// pair is already claimed it returns the owning job id and created=false.
	Claim(ctx context.Context, objectKey, objectVersion, jobID string) (ownerJobID string, created bool, err error)
	Get(ctx context.Context, objectKey, objectVersion string) (*domain.IdempotencyRecord, error)
	MarkProcessed(ctx context.Context, objectKey, objectVersion, resultKey string) error
}

type table struct {
	db *gorm.DB
}

func NewTable(db *gorm.DB) Table {
	return &table{db: db}
}

func (t *table) Claim(ctx context.Context, objectKey, objectVersion, jobID string) (string, bool, error) {
	if objectKey == "" || jobID == "" {
		return "", false, fmt.Errorf("object_key and job_id required")
	}
	rec := domain.IdempotencyRecord{
		ObjectKey:     objectKey,
		ObjectVersion: objectVersion,
		JobID:         jobID,
		Status:        "dispatched",
		CreatedAt:     time.Now().UTC(),
	}
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected > 0 {
		return jobID, true, nil
	}
	existing, err := t.Get(ctx, objectKey, objectVersion)
	if err != nil {
		return "", false, err
	}
	return existing.JobID, false, nil
}

func (t *table) Get(ctx context.Context, objectKey, objectVersion string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := t.db.WithContext(ctx).
		Where("object_key = ? AND object_version = ?", objectKey, objectVersion).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *table) MarkProcessed(ctx context.Context, objectKey, objectVersion, resultKey string) error {
	return t.db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("object_key = ? AND object_version = ?", objectKey, objectVersion).
		Updates(map[string]any{
			"status":     "processed",
			"result_key": resultKey,
		}).Error
}
