package daemon

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/pipeline"
	"github.com/msageha/cogno/internal/poller"
	yamlutil "github.com/msageha/cogno/internal/yaml"
)

func newTestMetricsHandler(dataDir string) *MetricsHandler {
	return NewMetricsHandler(dataDir, prometheus.NewRegistry(), log.New(&bytes.Buffer{}, "", 0), pipeline.LogLevelDebug)
}

func TestMetricsHandler_WriteStatus(t *testing.T) {
	dataDir := t.TempDir()
	mh := newTestMetricsHandler(dataDir)

	mh.RecordInbox(outcomeProcessed)
	mh.RecordInbox(outcomeProcessed)
	mh.RecordInbox(outcomeQuarantined)
	mh.RecordRun(events.Event{Type: events.EventRunCompleted, RunID: "r1", WorkspaceID: 3,
		Timestamp: time.Now(), Data: map[string]any{"status": "ok", "issues": 0}})
	mh.RecordRun(events.Event{Type: events.EventRunCompleted, RunID: "r2", WorkspaceID: 3,
		Timestamp: time.Now(), Data: map[string]any{"status": "degraded", "issues": 2}})

	started := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	lastSync := started.Add(10 * time.Minute)
	if err := mh.WriteStatus(started, lastSync); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	statusPath := filepath.Join(dataDir, "state", "status.yaml")
	if err := yamlutil.ValidateSchemaHeader(statusPath, yamlutil.StatusFileType); err != nil {
		t.Fatalf("status header: %v", err)
	}
	data, err := os.ReadFile(statusPath)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	var status StatusFile
	if err := yamlv3.Unmarshal(data, &status); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status.StartedAt != "2026-03-02T01:00:00Z" {
		t.Errorf("started_at: got %q", status.StartedAt)
	}
	if status.LastSync == nil || *status.LastSync != "2026-03-02T01:10:00Z" {
		t.Errorf("last_sync: got %v", status.LastSync)
	}
	if status.Counters.InboxProcessed != 2 || status.Counters.InboxQuarantined != 1 {
		t.Errorf("inbox counters: got %+v", status.Counters)
	}
	if status.Counters.Runs != 2 || status.Counters.DegradedRuns != 1 {
		t.Errorf("run counters: got %+v", status.Counters)
	}
	if len(status.RecentRuns) != 2 || status.RecentRuns[1].Issues != 2 {
		t.Errorf("recent runs: got %+v", status.RecentRuns)
	}

	dashboard, err := os.ReadFile(filepath.Join(dataDir, "dashboard.md"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	text := string(dashboard)
	for _, want := range []string{"# cogno Dashboard", "| degraded runs | 1 |", "| inbox quarantined | 1 |", "`r2`"} {
		if !strings.Contains(text, want) {
			t.Errorf("dashboard missing %q:\n%s", want, text)
		}
	}
	// Newest run first.
	if strings.Index(text, "`r2`") > strings.Index(text, "`r1`") {
		t.Error("dashboard runs not newest first")
	}
}

func TestMetricsHandler_NoRunsDashboard(t *testing.T) {
	dataDir := t.TempDir()
	mh := newTestMetricsHandler(dataDir)

	if err := mh.WriteStatus(time.Now(), time.Time{}); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dataDir, "dashboard.md"))
	if !strings.Contains(string(data), "_No runs yet_") {
		t.Errorf("expected empty run table, got:\n%s", data)
	}
	if strings.Contains(string(data), "Last sync") {
		t.Error("last sync shown before the first sync")
	}
}

func TestMetricsHandler_RecentRunsBounded(t *testing.T) {
	mh := newTestMetricsHandler(t.TempDir())
	for i := range recentRunsKept + 5 {
		mh.RecordRun(events.Event{RunID: string(rune('a' + i)), Data: map[string]any{"status": "ok"}})
	}
	mh.mu.Lock()
	n := len(mh.recent)
	first := mh.recent[0].RunID
	mh.mu.Unlock()
	if n != recentRunsKept {
		t.Errorf("recent runs: got %d, want %d", n, recentRunsKept)
	}
	if first != string(rune('a'+5)) {
		t.Errorf("oldest kept run: got %q", first)
	}
}

func TestMetricsHandler_RecordSync(t *testing.T) {
	mh := newTestMetricsHandler(t.TempDir())
	until := time.Unix(1_772_000_000, 0)

	mh.RecordSync(&poller.SyncReport{Until: until}, nil)
	mh.RecordSync(nil, errors.New("feed down"))

	if got := testutil.ToFloat64(mh.syncs.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok syncs: got %v", got)
	}
	if got := testutil.ToFloat64(mh.syncs.WithLabelValues("error")); got != 1 {
		t.Errorf("failed syncs: got %v", got)
	}
	if got := testutil.ToFloat64(mh.lastSync); got != float64(until.Unix()) {
		t.Errorf("last sync gauge: got %v", got)
	}
	c := mh.Counters()
	if c.Syncs != 2 || c.SyncFailures != 1 {
		t.Errorf("counters: got %+v", c)
	}
}

func TestMetricsHandler_Serve(t *testing.T) {
	reg := prometheus.NewRegistry()
	mh := NewMetricsHandler(t.TempDir(), reg, nil, pipeline.LogLevelInfo)
	pipeline.NewMetrics(reg)
	mh.RecordInbox(outcomeFailed)

	addr, err := mh.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { _ = mh.Close() })

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `cogno_inbox_files_total{outcome="failed"} 1`) {
		t.Errorf("metrics output missing inbox counter:\n%s", body)
	}

	if err := mh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mh.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
