package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMetricsTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuildctl.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, TextfilePath: path, Namespace: "rebuildctl"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRun("testhost", "fetched", "fast-forwarded", 3*time.Second, true)
	m.RecordPrivilegedOp("target.merge-ff")
	m.RecordPrivilegedOp("system.rebuild")
	m.RecordPrivilegedOp("system.rebuild")

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("write textfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read textfile: %v", err)
	}
	out := string(data)

	for _, want := range []string{
		"rebuildctl_last_run_success 1",
		"rebuildctl_last_run_duration_seconds 3",
		`rebuildctl_last_run_info{decision="fetched",hostname="testhost",outcome="fast-forwarded"} 1`,
		`rebuildctl_last_run_privileged_ops{kind="system.rebuild"} 2`,
		`rebuildctl_last_run_privileged_ops{kind="target.merge-ff"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}

	// No stray temp files after the atomic publish.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".rebuildctl-metrics-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordRun("testhost", "fetched", "up-to-date", time.Second, true)
	m.RecordPrivilegedOp("target.fetch")
	if err := m.WriteTextfile(); err != nil {
		t.Errorf("disabled metrics write failed: %v", err)
	}
}

func TestMetricsFailedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuildctl.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, TextfilePath: path})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordRun("testhost", "abort", "", time.Second, false)
	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("write textfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "rebuildctl_last_run_success 0") {
		t.Errorf("failed run not recorded:\n%s", data)
	}
}
