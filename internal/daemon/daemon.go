// Package daemon hosts the pipeline: it watches the inbox, polls for upstream
// changes, serves the UDS protocol and exports metrics.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/cogno/internal/config"
	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/lock"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/pipeline"
	"github.com/msageha/cogno/internal/poller"
	"github.com/msageha/cogno/internal/store"
	"github.com/msageha/cogno/internal/store/backend"
	"github.com/msageha/cogno/internal/uds"
	yamlutil "github.com/msageha/cogno/internal/yaml"
	"github.com/msageha/cogno/templates"
)

// Version is reported by ping and `cogno version`.
var Version = "0.1.0"

const (
	InboxDir     = "inbox"
	ProcessedDir = "processed"
	auditLogName = "audit.jsonl"
)

// AuditLogPath is the run audit log of a data directory.
func AuditLogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", auditLogName)
}

// Deps are the collaborators New would otherwise build from the configuration.
type Deps struct {
	Store  store.Gateway
	Oracle oracle.Set
	Clock  func() time.Time
}

// Daemon is the long-running cogno process.
type Daemon struct {
	dataDir   string
	config    model.Config
	logLevel  pipeline.LogLevel
	logger    *log.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store   store.Gateway
	orch    *pipeline.Orchestrator
	poller  *poller.Poller
	inbox   *InboxHandler
	metrics *MetricsHandler
	bus     *events.Bus
	audit   *events.AuditLogger
	lockMap *lock.MutexMap
	unsub   func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}

	forceExit atomic.Bool
}

// New loads <dataDir>/config.yaml, opens the configured store and oracle, and
// returns a daemon ready to Run.
func New(dataDir string) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	fail := func(err error) (*Daemon, error) {
		_ = logFile.Close()
		return nil, err
	}

	cfg, restored, err := LoadConfig(dataDir)
	if err != nil {
		return fail(err)
	}
	if restored {
		fmt.Fprintf(logFile, "%s WARN daemon: config.yaml was corrupt, restored from backup\n", time.Now().Format(time.RFC3339))
	}
	loc, err := config.Location(cfg)
	if err != nil {
		return fail(err)
	}
	prompts, err := oracle.LoadPrompts(templates.FS, loc)
	if err != nil {
		return fail(fmt.Errorf("load prompts: %w", err))
	}
	set, err := oracle.NewFromConfig(cfg.Oracle, prompts)
	if err != nil {
		return fail(err)
	}
	st, err := backend.Open(context.Background(), cfg, dataDir)
	if err != nil {
		return fail(err)
	}

	d, err := newDaemon(dataDir, cfg, logFile, logFile, Deps{Store: st, Oracle: set})
	if err != nil {
		_ = st.Close()
		return fail(err)
	}
	return d, nil
}

// LoadConfig loads the configuration, restoring config.yaml from its .bak copy
// once when the current file does not parse.
func LoadConfig(dataDir string) (cfg model.Config, restored bool, err error) {
	cfg, err = config.Load(dataDir)
	if err == nil {
		return cfg, false, nil
	}
	path := filepath.Join(dataDir, config.FileName)
	if _, statErr := os.Stat(path); statErr != nil {
		return model.Config{}, false, err
	}
	if rerr := yamlutil.RestoreFromBackup(path); rerr != nil {
		return model.Config{}, false, fmt.Errorf("%w (restore from backup: %v)", err, rerr)
	}
	cfg, err = config.Load(dataDir)
	if err != nil {
		return model.Config{}, false, err
	}
	return cfg, true, nil
}

// newDaemon wires the components around an already opened store and oracle.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer, deps Deps) (*Daemon, error) {
	cfg.ApplyDefaults()
	level := pipeline.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	audit, err := events.NewAuditLogger(AuditLogPath(dataDir), 0)
	if err != nil {
		return nil, err
	}
	audit.EnableChecksum(true)
	reg := prometheus.NewRegistry()
	bus := events.NewBus(0)
	lockMap := lock.NewMutexMap()

	orch, err := pipeline.New(pipeline.Options{
		Store:    deps.Store,
		Oracle:   deps.Oracle,
		Config:   cfg,
		Locks:    lockMap,
		Bus:      bus,
		Audit:    audit,
		Metrics:  pipeline.NewMetrics(reg),
		Logger:   logger,
		LogLevel: level,
		Clock:    deps.Clock,
	})
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	metrics := NewMetricsHandler(dataDir, reg, logger, level)
	p := poller.New(deps.Store, orch, cfg.Sync, logger, level)
	if deps.Clock != nil {
		p.SetClock(deps.Clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: level,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger),
		store:    deps.Store,
		orch:     orch,
		poller:   p,
		metrics:  metrics,
		bus:      bus,
		audit:    audit,
		lockMap:  lockMap,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	d.inbox = NewInboxHandler(dataDir, orch, metrics, time.Duration(cfg.Watcher.DebounceSec*float64(time.Second)), logger, level)
	return d, nil
}

// Run starts the daemon and blocks until it has shut down, either on SIGTERM or
// SIGINT or through the UDS shutdown command.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.stopped
	return nil
}

// Start acquires the data dir lock and brings up every producer without blocking.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(pipeline.LogLevelInfo, "daemon starting pid=%d store=%s", os.Getpid(), d.config.Store.Driver)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	inboxDir := filepath.Join(d.dataDir, InboxDir)
	for _, dir := range []string{inboxDir, filepath.Join(d.dataDir, ProcessedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	if err := watcher.Add(inboxDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", inboxDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(pipeline.LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	if addr := d.config.Metrics.ListenAddr; addr != "" {
		bound, err := d.metrics.Serve(addr)
		if err != nil {
			_ = d.server.Stop()
			d.cleanup()
			return fmt.Errorf("metrics listener: %w", err)
		}
		d.log(pipeline.LogLevelInfo, "metrics listening on %s", bound)
	}

	d.unsub = d.bus.Subscribe(func(e events.Event) {
		d.metrics.RecordRun(e)
		d.log(pipeline.LogLevelDebug, "run_completed run=%s workspace=%d status=%v", e.RunID, e.WorkspaceID, e.Data["status"])
	}, events.EventRunCompleted)

	d.wg.Add(1)
	go d.fsnotifyLoop()
	if d.config.Sync.Enabled {
		d.ticker = time.NewTicker(time.Duration(d.config.Sync.IntervalSec) * time.Second)
		d.wg.Add(1)
		go d.tickerLoop()
	}

	n := d.inbox.Scan(d.ctx)
	d.writeStatus()
	d.log(pipeline.LogLevelInfo, "daemon ready inbox_backlog=%d", n)
	return nil
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(pipeline.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.inbox.HandleFileEvent(d.ctx, event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(pipeline.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop runs the sync poll and refreshes the status snapshot.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(pipeline.LogLevelDebug, "periodic sync triggered")
			d.runSync(d.ctx, 0)
			d.writeStatus()
		}
	}
}

func (d *Daemon) runSync(ctx context.Context, lookbackMin int) (*poller.SyncReport, error) {
	report, err := d.poller.Sync(ctx, lookbackMin)
	d.metrics.RecordSync(report, err)
	if err != nil {
		d.log(pipeline.LogLevelError, "sync failed: %v", err)
	}
	return report, err
}

func (d *Daemon) writeStatus() {
	if err := d.metrics.WriteStatus(d.startedAt, d.poller.LastRun()); err != nil {
		d.log(pipeline.LogLevelWarn, "write status: %v", err)
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(pipeline.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	go func() {
		<-sigCh
		d.log(pipeline.LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the producers, drains in-flight runs and releases the data dir.
// It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.log(pipeline.LogLevelInfo, "shutdown started")

		d.cancel()
		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()
		d.inbox.Stop()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			d.inbox.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(pipeline.LogLevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(pipeline.LogLevelWarn, "shutdown timeout after %s, some runs may be incomplete", timeout)
		}

		if err := d.metrics.Close(); err != nil {
			d.log(pipeline.LogLevelWarn, "close metrics listener: %v", err)
		}
		if d.unsub != nil {
			d.unsub()
		}
		if n := d.bus.Dropped(events.EventRunCompleted); n > 0 {
			d.log(pipeline.LogLevelWarn, "dropped %d run_completed events, run counters undercount", n)
		}
		d.bus.Close()
		if err := d.audit.Close(); err != nil {
			d.log(pipeline.LogLevelWarn, "close audit log: %v", err)
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.log(pipeline.LogLevelWarn, "close store: %v", err)
			}
		}
		d.log(pipeline.LogLevelInfo, "daemon stopped")
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level pipeline.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}
