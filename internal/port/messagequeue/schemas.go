package messagequeue

// RunQueuedPayload is the schema for runs.queued.{workspace} messages.
type RunQueuedPayload struct {
	RunID       string `json:"run_id"`
	CardID      string `json:"card_id"`
	WorkspaceID string `json:"workspace_id"`
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	TriggeredBy string `json:"triggered_by"`
}

// RunFinishedPayload is the schema for runs.finished and runs.rescued messages.
type RunFinishedPayload struct {
	RunID        string `json:"run_id"`
	CardID       string `json:"card_id"`
	WorkspaceID  string `json:"workspace_id"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	WorkerID     string `json:"worker_id,omitempty"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

// StageDecidedPayload is the schema for stages.decided messages.
type StageDecidedPayload struct {
	CardID      string   `json:"card_id"`
	WorkspaceID string   `json:"workspace_id"`
	Stage       string   `json:"stage"`
	NextStage   string   `json:"next_stage,omitempty"`
	Outcome     string   `json:"outcome"`
	Level       string   `json:"effective_level"`
	OnFail      string   `json:"on_fail_behavior,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	Reasons     []string `json:"reasons"`
}

// WorkerHeartbeatPayload is the schema for workers.heartbeat messages.
type WorkerHeartbeatPayload struct {
	WorkerID    string `json:"worker_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Status      string `json:"status"`
}
