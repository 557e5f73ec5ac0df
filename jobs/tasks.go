package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionsSweep expires idle sessions and evicts stale records.
	TaskSessionsSweep = "access:sessions:sweep"
	// TaskAuditVerify recomputes the audit hash chain.
	TaskAuditVerify = "access:audit:verify"
)

// TriggerPayload records who asked for a run. Scheduled runs carry "cron".
type TriggerPayload struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

func newTask(taskType, requestedBy string) (*asynq.Task, error) {
	if requestedBy == "" {
		requestedBy = "cron"
	}
	data, err := json.Marshal(TriggerPayload{RequestedBy: requestedBy, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// NewSessionsSweepTask constructs a sweep task.
func NewSessionsSweepTask(requestedBy string) (*asynq.Task, error) {
	return newTask(TaskSessionsSweep, requestedBy)
}

// NewAuditVerifyTask constructs a chain verification task.
func NewAuditVerifyTask(requestedBy string) (*asynq.Task, error) {
	return newTask(TaskAuditVerify, requestedBy)
}

// NewTask builds the task registered under taskType.
func NewTask(taskType, requestedBy string) (*asynq.Task, error) {
	switch taskType {
	case TaskSessionsSweep:
		return NewSessionsSweepTask(requestedBy)
	case TaskAuditVerify:
		return NewAuditVerifyTask(requestedBy)
	default:
		return nil, ErrUnknownTask
	}
}

func decodeTrigger(t *asynq.Task) (TriggerPayload, error) {
	var payload TriggerPayload
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
