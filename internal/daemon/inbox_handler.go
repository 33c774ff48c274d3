package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/pipeline"
	yamlutil "github.com/msageha/cogno/internal/yaml"
)

// Runner is the pipeline entry point used by the daemon producers.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*model.RunSummary, error)
}

// ErrInvalidBatch marks inbox files that were quarantined instead of run.
var ErrInvalidBatch = errors.New("invalid event batch")

// InboxHandler turns <data>/inbox/*.yaml files into pipeline runs. Each file
// produces processed/<name>.result.yaml and is then removed from the inbox.
type InboxHandler struct {
	dataDir  string
	runner   Runner
	metrics  *MetricsHandler
	debounce time.Duration
	logger   *log.Logger
	logLevel pipeline.LogLevel

	group singleflight.Group
	wg    sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewInboxHandler(dataDir string, runner Runner, metrics *MetricsHandler, debounce time.Duration, logger *log.Logger, level pipeline.LogLevel) *InboxHandler {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &InboxHandler{
		dataDir:  dataDir,
		runner:   runner,
		metrics:  metrics,
		debounce: debounce,
		logger:   logger,
		logLevel: level,
		timers:   make(map[string]*time.Timer),
	}
}

func isBatchFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".yaml") && !strings.HasPrefix(base, ".")
}

// HandleFileEvent processes path once writes to it have been quiet for the
// debounce interval.
func (h *InboxHandler) HandleFileEvent(ctx context.Context, path string) {
	if !isBatchFile(path) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if t, ok := h.timers[path]; ok {
		t.Stop()
	}
	h.timers[path] = time.AfterFunc(h.debounce, func() {
		h.mu.Lock()
		delete(h.timers, path)
		if h.stopped {
			h.mu.Unlock()
			return
		}
		h.wg.Add(1)
		h.mu.Unlock()
		defer h.wg.Done()

		h.log(pipeline.LogLevelDebug, "debounced file=%s", filepath.Base(path))
		_, _ = h.ProcessFile(ctx, path)
	})
}

// Scan processes every batch file already in the inbox in name order and
// returns how many it found.
func (h *InboxHandler) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(filepath.Join(h.dataDir, InboxDir))
	if err != nil {
		if !os.IsNotExist(err) {
			h.log(pipeline.LogLevelWarn, "read inbox: %v", err)
		}
		return 0
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isBatchFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		_, _ = h.ProcessFile(ctx, filepath.Join(h.dataDir, InboxDir, name))
	}
	return len(names)
}

// ProcessFile runs the batch in path. Concurrent calls for the same path share
// one run. A file that disappeared in the meantime yields a nil summary.
func (h *InboxHandler) ProcessFile(ctx context.Context, path string) (*model.RunSummary, error) {
	v, err, _ := h.group.Do(path, func() (any, error) {
		return h.process(ctx, path)
	})
	summary, _ := v.(*model.RunSummary)
	return summary, err
}

func (h *InboxHandler) process(ctx context.Context, path string) (*model.RunSummary, error) {
	name := filepath.Base(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	batch, err := yamlutil.ReadEventBatch(path)
	if err != nil {
		dest, qerr := yamlutil.Quarantine(h.dataDir, path)
		if qerr != nil {
			h.log(pipeline.LogLevelError, "quarantine file=%s: %v", name, qerr)
		} else {
			h.log(pipeline.LogLevelWarn, "quarantined file=%s dest=%s error=%v", name, filepath.Base(dest), err)
		}
		h.metrics.RecordInbox(outcomeQuarantined)
		h.writeResult(name, nil, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBatch, name, err)
	}

	summary, runErr := h.runner.Run(ctx, pipeline.Request{
		WorkspaceID: batch.WorkspaceID,
		Mode:        batch.Mode,
		Events:      model.Unwrap(batch.Events),
		Trigger:     "inbox",
	})
	if runErr != nil && ctx.Err() != nil {
		// Never started; the file stays for the next daemon start.
		h.log(pipeline.LogLevelWarn, "file=%s left in inbox: %v", name, runErr)
		return nil, runErr
	}
	if runErr != nil {
		h.metrics.RecordInbox(outcomeFailed)
	} else {
		h.metrics.RecordInbox(outcomeProcessed)
	}
	h.writeResult(name, summary, runErr)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.log(pipeline.LogLevelError, "remove processed file=%s: %v", name, err)
	}
	if runErr != nil {
		h.log(pipeline.LogLevelError, "file=%s workspace=%d run failed: %v", name, batch.WorkspaceID, runErr)
		return nil, runErr
	}
	h.log(pipeline.LogLevelInfo, "file=%s workspace=%d run=%s status=%s", name, batch.WorkspaceID, summary.RunID, summary.Status)
	return summary, nil
}

// ResultPath is where the outcome of inbox file name is written.
func ResultPath(dataDir, name string) string {
	return filepath.Join(dataDir, ProcessedDir, strings.TrimSuffix(name, ".yaml")+".result.yaml")
}

func (h *InboxHandler) writeResult(name string, summary *model.RunSummary, runErr error) {
	if err := yamlutil.AtomicWrite(ResultPath(h.dataDir, name), yamlutil.NewResultFile(name, summary, runErr)); err != nil {
		h.log(pipeline.LogLevelError, "write result for file=%s: %v", name, err)
	}
}

// Stop cancels pending debounce timers. Runs already started keep going.
func (h *InboxHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for path, t := range h.timers {
		t.Stop()
		delete(h.timers, path)
	}
}

// Wait blocks until debounced runs have finished.
func (h *InboxHandler) Wait() {
	h.wg.Wait()
}

func (h *InboxHandler) log(level pipeline.LogLevel, format string, args ...any) {
	if h.logger == nil || level < h.logLevel {
		return
	}
	h.logger.Printf("%s %s inbox: %s", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}
