package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{ServiceName: "geotask-test", UseStdout: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "Executor.Run")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Executor.Run") || !strings.Contains(buf.String(), "geotask-test") {
		t.Fatalf("export=%s", buf.String())
	}
}
