package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Repo holds the narrator job rows.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*NarratorJob, error) {
	var j NarratorJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetJobByTrigger(ctx context.Context, messageID string) (*NarratorJob, error) {
	var j NarratorJob
	if err := r.db.WithContext(ctx).
		Where("trigger_message_id = ?", messageID).
		First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkJobRunning moves a queued job to running. It reports false when the job
// was not queued, i.e. another worker already took it.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&NarratorJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, responses int, newCharacterID *string) error {
	return r.db.WithContext(ctx).Model(&NarratorJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           JobSucceeded,
			"response_count":   responses,
			"new_character_id": newCharacterID,
			"error":            nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&NarratorJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

// RequeueJob puts a failed job back to queued so a retry can take it.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&NarratorJob{}).
		Where("id = ? AND status = ?", id, JobFailed).
		Update("status", JobQueued).Error
}

// CreateJobOrGetExisting creates a job, but if one already exists for the
// trigger message it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *NarratorJob) (*NarratorJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByTrigger(ctx, job.TriggerMessageID)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
