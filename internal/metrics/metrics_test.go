package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := New()
	r.CacheDecision("reuse")
	r.CacheDecision("reuse")
	r.CacheDecision("rebuild")
	r.Build("deps", "ok", 3*time.Second)
	r.Upload("ok")
	r.Location("ok")
	r.Location("error")

	if got := counterValue(t, r, "pexship_cache_decisions_total", map[string]string{"state": "reuse"}); got != 2 {
		t.Errorf("reuse decisions = %v, want 2", got)
	}
	if got := counterValue(t, r, "pexship_build_bundles_total", map[string]string{"kind": "deps", "result": "ok"}); got != 1 {
		t.Errorf("deps builds = %v, want 1", got)
	}
	if got := counterValue(t, r, "pexship_publish_locations_total", map[string]string{"result": "error"}); got != 1 {
		t.Errorf("failed locations = %v, want 1", got)
	}
}

// counterValue gathers r and returns the counter named name with exactly
// the given labels, or -1 when absent.
func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	r := New()
	r.Build("source", "ok", time.Second)
	path := filepath.Join(t.TempDir(), "pexship.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `pexship_build_bundles_total{kind="source",result="ok"} 1`) {
		t.Errorf("unexpected textfile:\n%s", data)
	}
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.CacheDecision("reuse")
	r.Build("deps", "ok", time.Second)
	r.Upload("ok")
	r.Location("ok")
	if r.Registry() != nil {
		t.Error("nil recorder should have no registry")
	}
	if err := r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("nil WriteTextfile: %v", err)
	}
}
