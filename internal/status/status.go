package status

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/cogno/internal/daemon"
	"github.com/msageha/cogno/internal/uds"
	cognoyaml "github.com/msageha/cogno/internal/yaml"
)

type Report struct {
	Daemon DaemonStatus  `json:"daemon"`
	Dirs   []DirStatus   `json:"dirs"`
	Last   *LastSnapshot `json:"last_snapshot,omitempty"`
}

type DaemonStatus struct {
	Running   bool   `json:"running"`
	Version   string `json:"version,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

type DirStatus struct {
	Name  string `json:"name"`
	Files int    `json:"files"`
}

// LastSnapshot is what the daemon last wrote to state/status.yaml.
type LastSnapshot struct {
	Heartbeat    string `json:"heartbeat"`
	LastSync     string `json:"last_sync,omitempty"`
	Runs         int    `json:"runs"`
	DegradedRuns int    `json:"degraded_runs"`
	InboxFailed  int    `json:"inbox_failed"`
	SyncFailures int    `json:"sync_failures"`
}

// Run collects the status of the data directory and prints it to w.
func Run(dataDir string, w io.Writer, jsonOutput bool) error {
	report := Report{
		Daemon: checkDaemon(filepath.Join(dataDir, uds.DefaultSocketName)),
		Dirs:   countFiles(dataDir),
		Last:   readSnapshot(dataDir),
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(w, report)
	return nil
}

func checkDaemon(sockPath string) DaemonStatus {
	var ping uds.PingResult
	if err := uds.NewClient(sockPath).Call(uds.CommandPing, nil, &ping); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, Version: ping.Version, StartedAt: ping.StartedAt.Format("2006-01-02T15:04:05Z07:00")}
}

// countFiles counts pending inbox batches, written results and quarantined files.
func countFiles(dataDir string) []DirStatus {
	dirs := []struct {
		name   string
		suffix string
	}{
		{daemon.InboxDir, ".yaml"},
		{daemon.ProcessedDir, ".result.yaml"},
		{cognoyaml.QuarantineDir, ""},
	}
	out := make([]DirStatus, 0, len(dirs))
	for _, d := range dirs {
		entries, err := os.ReadDir(filepath.Join(dataDir, d.name))
		if err != nil {
			out = append(out, DirStatus{Name: d.name})
			continue
		}
		n := 0
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), d.suffix) {
				continue
			}
			n++
		}
		out = append(out, DirStatus{Name: d.name, Files: n})
	}
	return out
}

func readSnapshot(dataDir string) *LastSnapshot {
	path := filepath.Join(dataDir, "state", "status.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if err := cognoyaml.ValidateSchemaHeaderFromBytes(data, cognoyaml.StatusFileType); err != nil {
		log.Printf("status: invalid schema in %s: %v", path, err)
		return nil
	}
	var sf daemon.StatusFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		log.Printf("status: failed to parse %s: %v", path, err)
		return nil
	}
	snap := &LastSnapshot{
		Heartbeat:    sf.Heartbeat,
		Runs:         sf.Counters.Runs,
		DegradedRuns: sf.Counters.DegradedRuns,
		InboxFailed:  sf.Counters.InboxFailed,
		SyncFailures: sf.Counters.SyncFailures,
	}
	if sf.LastSync != nil {
		snap.LastSync = *sf.LastSync
	}
	return snap
}

func printStatus(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (version %s, since %s)\n", r.Daemon.Version, r.Daemon.StartedAt)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	fmt.Fprintln(w, "\nFiles:")
	for _, d := range r.Dirs {
		fmt.Fprintf(w, "  %-12s  %5d\n", d.Name, d.Files)
	}

	if r.Last == nil {
		fmt.Fprintln(w, "\nLast snapshot: none")
		return
	}
	fmt.Fprintf(w, "\nLast snapshot (%s):\n", r.Last.Heartbeat)
	if r.Last.LastSync != "" {
		fmt.Fprintf(w, "  last sync      %s\n", r.Last.LastSync)
	}
	fmt.Fprintf(w, "  runs           %d (%d degraded)\n", r.Last.Runs, r.Last.DegradedRuns)
	fmt.Fprintf(w, "  inbox failures %d\n", r.Last.InboxFailed)
	fmt.Fprintf(w, "  sync failures  %d\n", r.Last.SyncFailures)
}
