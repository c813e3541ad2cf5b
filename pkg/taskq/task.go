// Package taskq is the in-process task runtime: a registry of named tasks,
// argument validation against JSON schemas inferred from the tasks' Go
// argument types, a worker pool, and per-task time limits.
package taskq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	schemagen "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/geotask/pkg/errmodel"
)

// RunFunc executes a task with already validated arguments and returns the
// processed fragments of its result.
type RunFunc func(ctx context.Context, runID string, args json.RawMessage) ([]any, error)

// Task is a registered unit of work.
type Task struct {
	Name        string
	Description string
	// TimeLimit bounds one run. Zero uses the runtime default.
	TimeLimit time.Duration
	// Schema is the JSON schema arguments must satisfy.
	Schema []byte
	Run    RunFunc

	compiled *jsonschema.Schema
}

// NewTask builds a task whose argument schema is inferred from A. Fields of
// A without omitempty are required and unknown fields are rejected.
func NewTask[A any](name string, limit time.Duration, fn func(ctx context.Context, runID string, args A) ([]any, error)) (Task, error) {
	s, err := schemagen.For[A](nil)
	if err != nil {
		return Task{}, fmt.Errorf("infer schema for %s: %w", name, err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Task{}, err
	}
	return Task{
		Name:      name,
		TimeLimit: limit,
		Schema:    raw,
		Run: func(ctx context.Context, runID string, args json.RawMessage) ([]any, error) {
			var a A
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, errmodel.Validation("invalid_args", "task arguments could not be decoded",
					map[string]any{"task": name, "error": err.Error()})
			}
			return fn(ctx, runID, a)
		},
	}, nil
}

func (t *Task) compile() error {
	if len(t.Schema) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(t.Schema, &doc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	url := "mem://tasks/" + t.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return err
	}
	sch, err := c.Compile(url)
	if err != nil {
		return err
	}
	t.compiled = sch
	return nil
}

// validate checks args against the task schema.
func (t *Task) validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return errmodel.Validation("bad_json", "task arguments are not valid JSON",
			map[string]any{"task": t.Name, "error": err.Error()})
	}
	if t.compiled == nil {
		return nil
	}
	if err := t.compiled.Validate(v); err != nil {
		return errmodel.Validation("invalid_args", "task arguments failed validation",
			map[string]any{"task": t.Name, "error": err.Error()})
	}
	return nil
}
