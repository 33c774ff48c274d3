package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/cogno/internal/model"
)

const (
	DefaultMaxLogSize = 50 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// RunRecord is one line of the run audit log.
type RunRecord struct {
	Timestamp            time.Time       `json:"timestamp"`
	RunID                string          `json:"run_id"`
	WorkspaceID          int64           `json:"workspace_id"`
	Mode                 model.RunMode   `json:"mode"`
	Status               model.RunStatus `json:"status"`
	Trigger              string          `json:"trigger,omitempty"`
	TasksCreated         int             `json:"tasks_created"`
	TasksUpdated         int             `json:"tasks_updated"`
	NotificationsCreated int             `json:"notifications_created"`
	NotificationsDeleted int             `json:"notifications_deleted"`
	NotificationsUpdated int             `json:"notifications_updated"`
	MemoryUpdated        bool            `json:"memory_updated"`
	Issues               int             `json:"issues"`
	DurationMS           int64           `json:"duration_ms"`
	Checksum             string          `json:"checksum,omitempty"`
}

// RecordFromSummary flattens a run summary into an audit record.
func RecordFromSummary(s *model.RunSummary, trigger string) RunRecord {
	return RunRecord{
		Timestamp:            s.FinishedAt.UTC(),
		RunID:                s.RunID,
		WorkspaceID:          s.WorkspaceID,
		Mode:                 s.Mode,
		Status:               s.Status,
		Trigger:              trigger,
		TasksCreated:         s.TasksCreated,
		TasksUpdated:         s.TasksUpdated,
		NotificationsCreated: s.NotificationsCreated,
		NotificationsDeleted: s.NotificationsDeleted,
		NotificationsUpdated: s.NotificationsUpdated,
		MemoryUpdated:        s.MemoryUpdated,
		Issues:               len(s.Issues),
		DurationMS:           s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
	}
}

// AuditLogger appends RunRecords to a JSONL file, rotating it into
// <dir>/archive once maxSize would be exceeded.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	checksum    bool
	rotations   int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = st.Size()
	return nil
}

// EnableChecksum stamps each subsequent record with a content checksum.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksum = enable
}

func (l *AuditLogger) Append(rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}

	rec.Checksum = ""
	if l.checksum {
		sum, err := checksumOf(rec)
		if err != nil {
			return err
		}
		rec.Checksum = sum
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	l.currentSize += int64(n)
	return l.file.Sync()
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	archive := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return err
	}
	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotations, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archive, name)); err != nil {
		return err
	}
	return l.open()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func checksumOf(rec RunRecord) (string, error) {
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal run record: %w", err)
	}
	var h uint64 = 5381
	for _, b := range data {
		h = h<<5 + h + uint64(b)
	}
	return fmt.Sprintf("%x", h), nil
}

// ReadRecords loads every well-formed record of a log file. With verify set,
// records whose checksum does not match are counted in bad and skipped.
func ReadRecords(path string, verify bool) (records []RunRecord, bad int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			bad++
			continue
		}
		if verify && rec.Checksum != "" {
			want, err := checksumOf(rec)
			if err != nil || want != rec.Checksum {
				bad++
				continue
			}
		}
		records = append(records, rec)
	}
	return records, bad, sc.Err()
}
