package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeConnector   EventType = "connector"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeDispatch    EventType = "dispatch"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
	EventTypeCost        EventType = "cost"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// NewLoggerTo writes events to w. An empty llmLogPath disables the LLM file.
func NewLoggerTo(w io.Writer, llmLogPath string) *Logger {
	return &Logger{
		out:        w,
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024,
	}
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf("{\"error\": \"failed to marshal event: %v\"}", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out != nil {
		fmt.Fprintln(l.out, string(data))
	}
	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPlan(planID, phase string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["phase"] = phase
	l.Log(Event{Type: EventTypePlan, PlanID: planID, Data: data})
}

func (l *Logger) LogStep(planID, stepID, phase string, attempt int, detail string) {
	l.Log(Event{
		Type:   EventTypeStep,
		PlanID: planID,
		StepID: stepID,
		Data: map[string]any{
			"phase":   phase,
			"attempt": attempt,
			"detail":  detail,
		},
	})
}

func (l *Logger) LogConnectorCall(planID, stepID, connector, action string, duration time.Duration, err error) {
	data := map[string]any{
		"connector":   connector,
		"action":      action,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.Log(Event{Type: EventTypeConnector, PlanID: planID, StepID: stepID, Data: data})
}

func (l *Logger) LogPolicyCheck(planID, stepID, target, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		PlanID: planID,
		StepID: stepID,
		Data: map[string]string{
			"target": target,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogDispatch(planID, phase string, active int) {
	l.Log(Event{
		Type:   EventTypeDispatch,
		PlanID: planID,
		Data:   map[string]any{"phase": phase, "active": active},
	})
}

func (l *Logger) LogCost(planID string, promptTokens, completionTokens int, model string) {
	l.Log(Event{
		Type:   EventTypeCost,
		PlanID: planID,
		Data: map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
			"model":             model,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]any{"status": "alive", "active_executions": ActiveExecutions()},
	})
}

func (l *Logger) LogLLM(planID string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:   EventTypeLLM,
		PlanID: planID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
