package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestInfoWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	f := Fields{"session": "abc", "bytes": 8192}
	Info("forward.chunk", f)

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("Expected a single line, got %q", line)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("Expected JSON, got %q: %v", line, err)
	}
	if got["msg"] != "forward.chunk" || got["level"] != "info" || got["session"] != "abc" {
		t.Errorf("Unexpected log fields: %v", got)
	}
	if _, ok := got["ts"]; !ok {
		t.Error("Expected timestamp field")
	}
	if _, ok := f["ts"]; ok {
		t.Error("Expected caller fields to be left untouched")
	}
}

func TestDebugRequiresEnable(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer EnableDebug(false)

	Debug("forward.read.closed", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected no debug output when disabled, got %q", buf.String())
	}
	EnableDebug(true)
	Debug("forward.read.closed", nil)
	if !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Errorf("Expected debug line, got %q", buf.String())
	}
}
