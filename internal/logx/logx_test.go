package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, false, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged without verbose: %q", buf.String())
	}

	New(&buf, true, "text").Debug("shown", "location", "etl")
	if !strings.Contains(buf.String(), "msg=shown") || !strings.Contains(buf.String(), "location=etl") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, false, "json").Info("built", "cache_key", "abc")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if rec["msg"] != "built" || rec["cache_key"] != "abc" {
		t.Errorf("record = %v", rec)
	}
}
