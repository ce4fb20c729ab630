package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
)

// JobPublisher puts a job id on the narrator queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// NarratorRunner executes one narrator invocation.
type NarratorRunner interface {
	Invoke(ctx context.Context, req narrator.Request) (*narrator.Result, error)
}

// Service owns the narrator job lifecycle: the API side enqueues a job per
// user room message, the worker side runs it. The API process leaves the
// narrator store and runner nil.
type Service struct {
	repo         *Repo
	pub          JobPublisher
	narr         *NarratorStore
	runner       NarratorRunner
	historyLimit int
	log          *zap.Logger
}

func NewService(repo *Repo, pub JobPublisher, narr *NarratorStore, runner NarratorRunner, historyLimit int, log *zap.Logger) *Service {
	if historyLimit <= 0 || historyLimit > 100 {
		historyLimit = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, pub: pub, narr: narr, runner: runner, historyLimit: historyLimit, log: log}
}

// EnqueueTrigger creates the job row for a user room message and publishes
// it. A message that already has a job is not published again.
func (s *Service) EnqueueTrigger(ctx context.Context, m message.Message) error {
	if m.IsAI || m.Conversation.Kind != message.KindRoom {
		return nil
	}
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, &NarratorJob{
		ID:               id,
		TriggerMessageID: m.ID,
		RoomID:           m.Conversation.ID,
		Status:           JobQueued,
	})
	if err != nil {
		return fmt.Errorf("create narrator job: %w", err)
	}
	if !created || s.pub == nil {
		return nil
	}
	if err := s.pub.PublishJob(ctx, job.ID); err != nil {
		_ = s.repo.MarkJobFailed(ctx, job.ID, "publish failed: "+err.Error())
		return fmt.Errorf("publish narrator job: %w", err)
	}
	return nil
}

// RunJob executes a queued job. It returns (nil, nil) when there is nothing
// to do: the job was already taken, or its trigger message is gone.
func (s *Service) RunJob(ctx context.Context, jobID string) (*narrator.Result, error) {
	if s.narr == nil || s.runner == nil {
		return nil, errors.New("narrator service is not configured to run jobs")
	}
	ok, err := s.repo.MarkJobRunning(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Debug("narrator job not queued, skipping", zap.String("job_id", jobID))
		return nil, nil
	}
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	req, err := s.narr.RequestForMessage(ctx, job.TriggerMessageID, s.historyLimit)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, ErrNotTrigger) {
			return nil, nil
		}
		return nil, err
	}

	res, err := s.runner.Invoke(ctx, *req)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return nil, err
	}
	if err := s.repo.MarkJobSucceeded(ctx, jobID, len(res.Responses), res.NewCharacterID); err != nil {
		return res, err
	}
	return res, nil
}

// RetryJob returns a failed job to the queue state so a redelivery runs it.
func (s *Service) RetryJob(ctx context.Context, jobID string) error {
	return s.repo.RequeueJob(ctx, jobID)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*NarratorJob, error) {
	return s.repo.GetJobByID(ctx, jobID)
}
