package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bastionhq/bastion/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRetention prunes audit log entries past the retention window.
	TaskAuditRetention = "audit:retention"
)

// AuditRetentionPayload carries the retention window for a cleanup run.
type AuditRetentionPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditRetentionTask constructs an Asynq task.
func NewAuditRetentionTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(AuditRetentionPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}

// AuditRetentionJob handles TaskAuditRetention tasks.
type AuditRetentionJob struct {
	service *audit.Service
	logger  *slog.Logger
}

// NewAuditRetentionJob builds the job handler.
func NewAuditRetentionJob(service *audit.Service, logger *slog.Logger) *AuditRetentionJob {
	return &AuditRetentionJob{service: service, logger: logger}
}

// Handle prunes old audit entries.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AuditRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		return asynq.SkipRetry
	}
	deleted, err := j.service.Cleanup(ctx, payload.Retention)
	if err != nil {
		return err
	}
	if j.logger != nil {
		j.logger.Info("audit retention task done", slog.Int64("deleted", deleted))
	}
	return nil
}
