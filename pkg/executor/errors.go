package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/ledger"
)

// TimeoutMessage is the user-facing message for runs that hit their deadline.
const TimeoutMessage = "Time limit exceeded. File might be too big to process."

// CompensationError is one undo that did not succeed.
type CompensationError struct {
	Effect ledger.Effect
	// Target is what an operator has to remove by hand.
	Target string
	Err    error
}

func (c CompensationError) Error() string { return c.Target + ": " + c.Err.Error() }

func (c CompensationError) Unwrap() error { return c.Err }

// Compact reports the undo as a compensation error naming its target.
func (c CompensationError) Compact() *errmodel.Error {
	ctx := map[string]any{"target": c.Target}
	if c.Effect != nil {
		ctx["kind"] = c.Effect.Kind()
	}
	return errmodel.New(errmodel.CategoryCompensation, "compensation_failed", c.Error(), ctx, c.Err)
}

// Failure is returned by Run when a run did not succeed. Cause is the first
// error that stopped the run and is never replaced by compensation errors.
type Failure struct {
	Run                TaskRun
	Step               string
	Cause              error
	Timeout            bool
	CompensationErrors []CompensationError
}

func (f *Failure) Error() string {
	var msg string
	switch {
	case f.Timeout:
		msg = TimeoutMessage
	case f.Cause != nil:
		msg = f.Cause.Error()
	default:
		msg = "task failed"
	}
	if len(f.CompensationErrors) > 0 {
		msg += fmt.Sprintf(" Error deleting half generated artifacts. Please delete manually: [%s]",
			strings.Join(f.ManualCleanup(), ", "))
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Cause }

// ManualCleanup lists the targets whose undo failed, in compensation order.
func (f *Failure) ManualCleanup() []string {
	out := make([]string, len(f.CompensationErrors))
	for i, ce := range f.CompensationErrors {
		out[i] = ce.Target
	}
	return out
}

// CompensationMessages renders each compensation error for payloads.
func (f *Failure) CompensationMessages() []string {
	if len(f.CompensationErrors) == 0 {
		return nil
	}
	out := make([]string, len(f.CompensationErrors))
	for i, ce := range f.CompensationErrors {
		out[i] = ce.Error()
	}
	return out
}

// Compact converts the failure into the API error model. A validation error
// raised inside a step keeps its category. Failed undos follow the cause as
// compensation causes.
func (f *Failure) Compact() *errmodel.Error {
	category, code := errmodel.CategoryStep, "step_failed"
	var ce *errmodel.Error
	switch {
	case f.Timeout:
		category, code = errmodel.CategoryTimeout, "time_limit_exceeded"
	case errors.As(f.Cause, &ce) && ce.Category == errmodel.CategoryValidation:
		category, code = errmodel.CategoryValidation, ce.Code
	case f.Step == "":
		category, code = errmodel.CategorySystem, "run_setup_failed"
	}
	ctx := map[string]any{"run_id": f.Run.ID}
	if f.Step != "" {
		ctx["step"] = f.Step
	}
	if cleanup := f.ManualCleanup(); len(cleanup) > 0 {
		ctx["manual_cleanup"] = cleanup
	}
	causes := []error{f.Cause}
	for _, c := range f.CompensationErrors {
		causes = append(causes, c)
	}
	return errmodel.New(category, code, f.Error(), ctx, causes...)
}
