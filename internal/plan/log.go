package plan

import "time"

// LogType names an entry in a plan's append-only log.
type LogType string

const (
	LogPlanCreated   LogType = "plan_created"
	LogPlanStarted   LogType = "plan_started"
	LogPlanCompleted LogType = "plan_completed"
	LogPlanFailed    LogType = "plan_failed"
	LogPlanCancelled LogType = "plan_cancelled"
	LogStepStarted   LogType = "step_started"
	LogStepCompleted LogType = "step_completed"
	LogStepRetry     LogType = "step_retry"
	LogStepFailed    LogType = "step_failed"
)

// LogEntry records one event in a plan's execution history.
type LogEntry struct {
	PlanID    string         `json:"plan_id"`
	StepID    string         `json:"step_id,omitempty"`
	Type      LogType        `json:"type"`
	Message   string         `json:"message,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
