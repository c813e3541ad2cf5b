// Package audit replays a run journal into the state of every effect the run
// recorded, so leftovers of a failed compensation can be listed.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/store"
)

// Effect states.
const (
	// Kept effects belong to a successful run.
	Kept        = "kept"
	Compensated = "compensated"
	Failed      = "compensation_failed"
	// Pending effects were recorded but neither kept nor undone yet, either
	// because the run is in flight or because the process died.
	Pending = "pending"
)

// EffectState is one recorded effect and what happened to it.
type EffectState struct {
	Kind   string   `json:"kind"`
	Target string   `json:"target"`
	State  string   `json:"state"`
	Errors []string `json:"errors,omitempty"`
}

// Report is the replayed view of one run.
type Report struct {
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"`
	FailedStep string        `json:"failed_step,omitempty"`
	Effects    []EffectState `json:"effects"`
}

type eventPayload struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Step   string `json:"step"`
	Error  string `json:"error"`
}

// Replay folds events, ordered by Seq, into a report.
func Replay(runID string, events []store.EventRecord) (Report, error) {
	r := Report{RunID: runID, Status: string(executor.StatusRunning), Effects: []EffectState{}}
	for _, ev := range events {
		var p eventPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return Report{}, fmt.Errorf("event %d: %w", ev.Seq, err)
			}
		}
		switch ev.Type {
		case executor.EventEffectRecorded:
			r.Effects = append(r.Effects, EffectState{Kind: p.Kind, Target: p.Target, State: Pending})
		case executor.EventStepFailed:
			r.FailedStep = p.Step
		case executor.EventCompensated:
			if i := r.find(p.Target); i >= 0 {
				r.Effects[i].State = Compensated
			}
		case executor.EventCompensationFailed:
			if i := r.find(p.Target); i >= 0 {
				r.Effects[i].State = Failed
				r.Effects[i].Errors = append(r.Effects[i].Errors, p.Error)
			}
		case executor.EventRunSucceeded:
			r.Status = string(executor.StatusSucceeded)
			for i := range r.Effects {
				r.Effects[i].State = Kept
			}
		case executor.EventRunFailed:
			r.Status = string(executor.StatusFailed)
		}
	}
	return r, nil
}

// find returns the most recent effect with target that has not been undone.
func (r *Report) find(target string) int {
	for i := len(r.Effects) - 1; i >= 0; i-- {
		if r.Effects[i].Target == target && r.Effects[i].State != Compensated {
			return i
		}
	}
	return -1
}

// Leftovers lists targets that may still exist after a failed run.
func (r Report) Leftovers() []string {
	if r.Status != string(executor.StatusFailed) {
		return nil
	}
	var out []string
	for _, e := range r.Effects {
		if e.State == Failed || e.State == Pending {
			out = append(out, e.Target)
		}
	}
	return out
}
