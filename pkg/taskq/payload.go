package taskq

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/executor"
)

// Payload is the stored result of a run: {"processed": [...]} on success,
// {"error": msg, "compensationErrors": [...]} on failure.
type Payload struct {
	Processed          []any
	Error              string
	CompensationErrors []string
}

// Failed reports whether the payload describes a failure.
func (p Payload) Failed() bool { return p.Error != "" }

// MarshalJSON keeps messages literal ("<=" stays "<="). json.Marshal escapes
// HTML in a Marshaler's output again, so stored and served payloads are
// encoded by calling this method or an Encoder with SetEscapeHTML(false).
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Failed() {
		return marshalLiteral(struct {
			Error              string   `json:"error"`
			CompensationErrors []string `json:"compensationErrors,omitempty"`
		}{p.Error, p.CompensationErrors})
	}
	processed := p.Processed
	if processed == nil {
		processed = []any{}
	}
	return marshalLiteral(struct {
		Processed []any `json:"processed"`
	}{processed})
}

func marshalLiteral(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var w struct {
		Processed          []any    `json:"processed"`
		Error              string   `json:"error"`
		CompensationErrors []string `json:"compensationErrors"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Payload{Processed: w.Processed, Error: w.Error, CompensationErrors: w.CompensationErrors}
	return nil
}

// FailurePayload renders err as a failure payload. The message is the
// executor's failure message when available, else the error's user message.
func FailurePayload(err error) Payload {
	var f *executor.Failure
	if errors.As(err, &f) {
		return Payload{Error: f.Error(), CompensationErrors: f.CompensationMessages()}
	}
	var ce *errmodel.Error
	if errors.As(err, &ce) {
		return Payload{Error: ce.Message}
	}
	return Payload{Error: err.Error()}
}
