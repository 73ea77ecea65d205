package dispatch

import (
	"encoding/json"

	"github.com/hookline/hookline/internal/provider"
)

// TaskKind is the queue kind dispatch tasks travel under.
const TaskKind = "webhook:dispatch"

// Task is the unit of work handed from ingestion to the dispatcher. When
// Persisted is false the event never made it to the database (degraded
// ingestion) and status bookkeeping is skipped.
type Task struct {
	EventID   string         `json:"event_id,omitempty"`
	Persisted bool           `json:"persisted"`
	Event     provider.Event `json:"event"`
}

// EncodeTask serializes a task for the queue.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask deserializes a queued task payload.
func DecodeTask(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}
