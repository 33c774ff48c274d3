package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/pipeline"
	"github.com/msageha/cogno/internal/poller"
	yamlutil "github.com/msageha/cogno/internal/yaml"
)

const recentRunsKept = 20

// DaemonCounters are cumulative since the daemon started.
type DaemonCounters struct {
	InboxProcessed   int `yaml:"inbox_processed"`
	InboxQuarantined int `yaml:"inbox_quarantined"`
	InboxFailed      int `yaml:"inbox_failed"`
	Syncs            int `yaml:"syncs"`
	SyncFailures     int `yaml:"sync_failures"`
	Runs             int `yaml:"runs"`
	DegradedRuns     int `yaml:"degraded_runs"`
}

// RecentRun is one entry of the dashboard run table.
type RecentRun struct {
	RunID       string    `yaml:"run_id"`
	WorkspaceID int64     `yaml:"workspace_id"`
	Status      string    `yaml:"status"`
	Issues      int       `yaml:"issues"`
	FinishedAt  time.Time `yaml:"finished_at"`
}

// StatusFile is written to state/status.yaml on every tick.
type StatusFile struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	StartedAt     string         `yaml:"started_at"`
	Heartbeat     string         `yaml:"heartbeat"`
	LastSync      *string        `yaml:"last_sync,omitempty"`
	Counters      DaemonCounters `yaml:"counters"`
	RecentRuns    []RecentRun    `yaml:"recent_runs"`
}

// MetricsHandler owns the daemon level collectors, the optional /metrics
// listener and the on-disk status snapshot.
type MetricsHandler struct {
	dataDir  string
	registry *prometheus.Registry
	logger   *log.Logger
	logLevel pipeline.LogLevel

	inboxFiles *prometheus.CounterVec
	syncs      *prometheus.CounterVec
	lastSync   prometheus.Gauge

	mu       sync.Mutex
	counters DaemonCounters
	recent   []RecentRun
	srv      *http.Server
}

func NewMetricsHandler(dataDir string, reg *prometheus.Registry, logger *log.Logger, level pipeline.LogLevel) *MetricsHandler {
	mh := &MetricsHandler{
		dataDir:  dataDir,
		registry: reg,
		logger:   logger,
		logLevel: level,
		inboxFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogno",
			Name:      "inbox_files_total",
			Help:      "Inbox batch files handled by outcome.",
		}, []string{"outcome"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogno",
			Name:      "sync_polls_total",
			Help:      "Sync polls by outcome.",
		}, []string{"outcome"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cogno",
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last sync poll that reached the change feed.",
		}),
	}
	reg.MustRegister(mh.inboxFiles, mh.syncs, mh.lastSync)
	return mh
}

type inboxOutcome string

const (
	outcomeProcessed   inboxOutcome = "processed"
	outcomeQuarantined inboxOutcome = "quarantined"
	outcomeFailed      inboxOutcome = "failed"
)

func (mh *MetricsHandler) RecordInbox(o inboxOutcome) {
	mh.inboxFiles.WithLabelValues(string(o)).Inc()
	mh.mu.Lock()
	defer mh.mu.Unlock()
	switch o {
	case outcomeProcessed:
		mh.counters.InboxProcessed++
	case outcomeQuarantined:
		mh.counters.InboxQuarantined++
	case outcomeFailed:
		mh.counters.InboxFailed++
	}
}

func (mh *MetricsHandler) RecordSync(report *poller.SyncReport, err error) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.counters.Syncs++
	if err != nil {
		mh.syncs.WithLabelValues("error").Inc()
		mh.counters.SyncFailures++
		return
	}
	mh.syncs.WithLabelValues("ok").Inc()
	mh.lastSync.Set(float64(report.Until.Unix()))
}

// RecordRun consumes run_completed bus events.
func (mh *MetricsHandler) RecordRun(e events.Event) {
	status, _ := e.Data["status"].(string)
	issues, _ := e.Data["issues"].(int)

	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.counters.Runs++
	if status == "degraded" {
		mh.counters.DegradedRuns++
	}
	mh.recent = append(mh.recent, RecentRun{
		RunID:       e.RunID,
		WorkspaceID: e.WorkspaceID,
		Status:      status,
		Issues:      issues,
		FinishedAt:  e.Timestamp,
	})
	if len(mh.recent) > recentRunsKept {
		mh.recent = slices.Clone(mh.recent[len(mh.recent)-recentRunsKept:])
	}
}

func (mh *MetricsHandler) Counters() DaemonCounters {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return mh.counters
}

// Serve exposes the registry at /metrics on addr and returns the bound address.
func (mh *MetricsHandler) Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mh.registry, promhttp.HandlerOpts{Registry: mh.registry}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	mh.mu.Lock()
	mh.srv = srv
	mh.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mh.log(pipeline.LogLevelError, "metrics listener stopped: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}

func (mh *MetricsHandler) Close() error {
	mh.mu.Lock()
	srv := mh.srv
	mh.srv = nil
	mh.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// WriteStatus writes state/status.yaml and dashboard.md.
func (mh *MetricsHandler) WriteStatus(startedAt, lastSync time.Time) error {
	mh.mu.Lock()
	status := StatusFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.StatusFileType,
		StartedAt:     startedAt.UTC().Format(time.RFC3339),
		Heartbeat:     time.Now().UTC().Format(time.RFC3339),
		Counters:      mh.counters,
		RecentRuns:    slices.Clone(mh.recent),
	}
	mh.mu.Unlock()
	if !lastSync.IsZero() {
		s := lastSync.UTC().Format(time.RFC3339)
		status.LastSync = &s
	}

	if err := yamlutil.AtomicWrite(filepath.Join(mh.dataDir, "state", "status.yaml"), status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return atomicWriteText(filepath.Join(mh.dataDir, "dashboard.md"), formatDashboard(status))
}

func formatDashboard(s StatusFile) string {
	var sb strings.Builder
	sb.WriteString("# cogno Dashboard\n\n")
	fmt.Fprintf(&sb, "Updated: %s\n\n", s.Heartbeat)
	if s.LastSync != nil {
		fmt.Fprintf(&sb, "Last sync: %s\n\n", *s.LastSync)
	}

	sb.WriteString("## Counters\n\n")
	sb.WriteString("| Counter | Value |\n")
	sb.WriteString("|---------|------:|\n")
	c := s.Counters
	for _, row := range []struct {
		name string
		v    int
	}{
		{"runs", c.Runs},
		{"degraded runs", c.DegradedRuns},
		{"inbox processed", c.InboxProcessed},
		{"inbox quarantined", c.InboxQuarantined},
		{"inbox failed", c.InboxFailed},
		{"syncs", c.Syncs},
		{"sync failures", c.SyncFailures},
	} {
		fmt.Fprintf(&sb, "| %s | %d |\n", row.name, row.v)
	}

	sb.WriteString("\n## Recent Runs\n\n")
	if len(s.RecentRuns) == 0 {
		sb.WriteString("_No runs yet_\n")
		return sb.String()
	}
	sb.WriteString("| Finished | Workspace | Status | Issues | Run |\n")
	sb.WriteString("|----------|----------:|--------|-------:|-----|\n")
	for i := len(s.RecentRuns) - 1; i >= 0; i-- {
		r := s.RecentRuns[i]
		fmt.Fprintf(&sb, "| %s | %d | %s | %d | `%s` |\n",
			r.FinishedAt.UTC().Format(time.RFC3339), r.WorkspaceID, r.Status, r.Issues, r.RunID)
	}
	return sb.String()
}

// atomicWriteText writes raw text to a file using temp+rename.
func atomicWriteText(path string, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cogno-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

func (mh *MetricsHandler) log(level pipeline.LogLevel, format string, args ...any) {
	if mh.logger == nil || level < mh.logLevel {
		return
	}
	mh.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}
