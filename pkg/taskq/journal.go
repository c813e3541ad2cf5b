package taskq

import (
	"context"
	"encoding/json"

	"github.com/wilhg/geotask/pkg/store"
)

// Journal writes executor events into a run store.
type Journal struct {
	events store.EventStore
}

// NewJournal returns a journal backed by st.
func NewJournal(st store.EventStore) *Journal { return &Journal{events: st} }

// Record appends one event for runID.
func (j *Journal) Record(ctx context.Context, runID, eventType string, payload map[string]any) error {
	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := j.events.AppendEvent(ctx, store.EventRecord{RunID: runID, Type: eventType, Payload: raw})
	return err
}
