package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewReleaseWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter("release", &buf)
	logger.Info().Str("job_id", "job-1").Msg("picked")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["job_id"] != "job-1" {
		t.Fatalf("job_id = %v, want job-1", line["job_id"])
	}
	if line["level"] != "info" {
		t.Fatalf("level = %v, want info", line["level"])
	}
}

func TestNewReleaseSkipsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter("release", &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered in release mode: %q", buf.String())
	}
}

func TestAsynqAdapterTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	adapter := AsynqAdapter{Logger: newWithWriter("release", &buf)}
	adapter.Warn("queue ", "busy")

	if !strings.Contains(buf.String(), `"component":"asynq"`) {
		t.Fatalf("missing component field: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "queue busy") {
		t.Fatalf("message not joined: %q", buf.String())
	}
}
