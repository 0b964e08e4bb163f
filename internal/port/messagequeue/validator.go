package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch {
	case strings.HasPrefix(subject, SubjectRunQueued+"."):
		target = &RunQueuedPayload{}
	case subject == SubjectRunFinished, subject == SubjectRunRescued:
		target = &RunFinishedPayload{}
	case subject == SubjectStageDecided:
		target = &StageDecidedPayload{}
	case subject == SubjectWorkerHeartbeat:
		p := &WorkerHeartbeatPayload{}
		if err := json.Unmarshal(data, p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.WorkerID == "" {
			return fmt.Errorf("schema validation failed for %s: worker_id is required", subject)
		}
		return nil
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
