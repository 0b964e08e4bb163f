package run

import "time"

// Level is the severity of a run log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Log is an append-only event attached to a run. Entries are never mutated or deleted
// and are ordered by creation time.
type Log struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	StepKey   string         `json:"step_key,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogRequest is the input for appending a log entry.
type LogRequest struct {
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	StepKey string         `json:"step_key,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewLog builds a log entry for runID.
func NewLog(runID string, req LogRequest, now time.Time) *Log {
	level := req.Level
	if level == "" {
		level = LevelInfo
	}
	return &Log{
		ID:        NewID("log"),
		RunID:     runID,
		Level:     level,
		Message:   req.Message,
		StepKey:   req.StepKey,
		Data:      req.Data,
		CreatedAt: now,
	}
}
