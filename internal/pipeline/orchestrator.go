// Package pipeline reconciles inbound events into tasks, scheduled notifications
// and the workspace working memory, one oracle-assisted stage at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/cogno/internal/config"
	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/ingest"
	"github.com/msageha/cogno/internal/lock"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/schedule"
	"github.com/msageha/cogno/internal/store"
)

// State is the position of a run in the stage sequence.
type State int

const (
	StateIdle State = iota
	StateNormalized
	StateResolved
	StateGenerated
	StateConsolidated
	StateSummarized
	StateDone
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateNormalized:   "normalized",
	StateResolved:     "resolved",
	StateGenerated:    "generated",
	StateConsolidated: "consolidated",
	StateSummarized:   "summarized",
	StateDone:         "done",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var stateTransitions = map[State][]State{
	StateIdle:         {StateNormalized},
	StateNormalized:   {StateResolved, StateDone},
	StateResolved:     {StateGenerated},
	StateGenerated:    {StateConsolidated},
	StateConsolidated: {StateSummarized},
	StateSummarized:   {StateDone},
}

// ValidateTransition reports whether a run may move from one state to the next.
func ValidateTransition(from, to State) error {
	for _, allowed := range stateTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition: %s -> %s", from, to)
}

// Request is one pipeline invocation for a workspace.
type Request struct {
	WorkspaceID int64
	Mode        model.RunMode
	Events      []model.Event
	// Trigger names the producer (inbox, uds, sync, cli) for the audit log.
	Trigger string
}

// Auditor persists one record per finished run.
type Auditor interface {
	Append(rec events.RunRecord) error
}

type Options struct {
	Store    store.Gateway
	Oracle   oracle.Set
	Config   model.Config
	Location *time.Location // defaults to the configured timezone
	Locks    *lock.MutexMap // shared with other producers of the same process
	Bus      events.Publisher
	Audit    Auditor
	Metrics  *Metrics
	Logger   *log.Logger
	LogLevel LogLevel
	Clock    func() time.Time
}

// Orchestrator runs the stages strictly in sequence, one run per workspace at a time.
type Orchestrator struct {
	store        store.Gateway
	policy       schedule.Policy
	maxChars     int
	locks        *lock.MutexMap
	bus          events.Publisher
	audit        Auditor
	metrics      *Metrics
	clock        func() time.Time
	logger       *log.Logger
	logLevel     LogLevel
	normalizer   *ingest.Normalizer
	resolver     *Resolver
	generator    *Generator
	consolidator *Consolidator
	summarizer   *Summarizer
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	set := opts.Oracle
	if set.Resolver == nil || set.Generator == nil || set.Consolidator == nil || set.Summarizer == nil {
		return nil, errors.New("pipeline: an oracle is required for every stage")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	loc := opts.Location
	if loc == nil {
		var err error
		if loc, err = config.Location(cfg); err != nil {
			return nil, err
		}
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewMutexMap()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	policy := schedule.NewPolicy(cfg.Schedule, loc)
	timeout := time.Duration(cfg.Oracle.TimeoutSec) * time.Second
	lg, lv := opts.Logger, opts.LogLevel
	return &Orchestrator{
		store:        opts.Store,
		policy:       policy,
		maxChars:     cfg.Memory.MaxChars,
		locks:        opts.Locks,
		bus:          opts.Bus,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       lg,
		logLevel:     lv,
		normalizer:   ingest.NewNormalizer(opts.Store),
		resolver:     NewResolver(opts.Store, opts.Store, set.Resolver, policy, cfg.Pipeline.CompletionReactions, timeout, lg, lv),
		generator:    NewGenerator(opts.Store, set.Generator, policy, timeout, lg, lv),
		consolidator: NewConsolidator(opts.Store, opts.Store, set.Consolidator, policy, timeout, lg, lv),
		summarizer:   NewSummarizer(opts.Store, opts.Store, set.Summarizer, cfg.Memory.MaxChars, cfg.Pipeline.MaxRollupTasks, timeout, lg, lv),
	}, nil
}

// LockKey is the MutexMap key serializing runs of one workspace.
func LockKey(workspaceID int64) string {
	return fmt.Sprintf("workspace:%d", workspaceID)
}

// Policy returns the schedule policy the stages enforce.
func (o *Orchestrator) Policy() schedule.Policy { return o.policy }

// Run executes the pipeline for one request. Stage failures degrade the summary;
// only failures that prevent the run from starting are returned as errors.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.RunSummary, error) {
	if req.Mode == "" {
		req.Mode = model.ModeSingle
	}
	if req.Mode != model.ModeSingle && req.Mode != model.ModeBatch {
		return nil, fmt.Errorf("unknown run mode %q", req.Mode)
	}
	key := LockKey(req.WorkspaceID)
	if err := o.locks.LockContext(ctx, key); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	defer o.locks.Unlock(key)
	// From here on the run completes even if the caller goes away.
	return o.run(context.WithoutCancel(ctx), req)
}

// run executes the stages. The caller holds the workspace lock.
func (o *Orchestrator) run(ctx context.Context, req Request) (*model.RunSummary, error) {
	now := o.clock()
	rn := &run{
		id:          uuid.NewString(),
		workspaceID: req.WorkspaceID,
		mode:        req.Mode,
		now:         now,
		metrics:     o.metrics,
		summary: &model.RunSummary{
			WorkspaceID: req.WorkspaceID,
			Mode:        req.Mode,
			StartedAt:   now,
		},
	}
	rn.summary.RunID = rn.id
	o.publish(events.EventRunStarted, rn, map[string]any{"mode": string(req.Mode), "events": len(req.Events), "trigger": req.Trigger})
	o.log(LogLevelInfo, "run_start run=%s workspace=%d mode=%s events=%d trigger=%s",
		rn.id, req.WorkspaceID, req.Mode, len(req.Events), req.Trigger)

	state := StateIdle
	advance := func(next State) {
		if err := ValidateTransition(state, next); err != nil {
			panic(err)
		}
		state = next
	}

	start := time.Now()
	batch, err := o.normalizer.Normalize(ctx, req.WorkspaceID, req.Events)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	o.stageDone(rn, model.StageNormalize, start)
	for _, d := range batch.Dropped {
		o.log(LogLevelInfo, "dropped run=%s %s", rn.id, d)
	}
	advance(StateNormalized)

	if batch.Empty() {
		o.log(LogLevelInfo, "noop run=%s workspace=%d reason=%v", rn.id, req.WorkspaceID, ErrEmptyEvent)
		advance(StateDone)
		return o.finish(rn, req, model.RunStatusNoop), nil
	}

	members, err := o.store.FindMembers(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("find members of workspace %d: %w", req.WorkspaceID, err)
	}
	mem, _, err := o.store.FindMemory(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("find memory of workspace %d: %w", req.WorkspaceID, err)
	}
	rn.members = members
	rn.memory = mem.Content

	start = time.Now()
	affected, err := o.resolver.Resolve(ctx, rn, batch)
	o.stageEnd(rn, model.StageResolve, start, err)
	advance(StateResolved)

	start = time.Now()
	created, err := o.generator.Generate(ctx, rn, affected)
	o.stageEnd(rn, model.StageGenerate, start, err)
	advance(StateGenerated)

	start = time.Now()
	final, err := o.consolidator.Consolidate(ctx, rn, created)
	o.stageEnd(rn, model.StageConsolidate, start, err)
	advance(StateConsolidated)

	start = time.Now()
	_, err = o.summarizer.Summarize(ctx, rn, batch, final)
	o.stageEnd(rn, model.StageSummarize, start, err)
	advance(StateSummarized)

	advance(StateDone)
	status := model.RunStatusOK
	if rn.degraded {
		status = model.RunStatusDegraded
	}
	return o.finish(rn, req, status), nil
}

func (o *Orchestrator) stageEnd(rn *run, stage model.Stage, start time.Time, err error) {
	if err != nil {
		rn.fail(stage, err)
		o.log(LogLevelError, "stage_failed run=%s stage=%s error=%v", rn.id, stage, err)
	}
	o.stageDone(rn, stage, start)
}

func (o *Orchestrator) stageDone(rn *run, stage model.Stage, start time.Time) {
	elapsed := time.Since(start)
	o.metrics.observeStage(stage, elapsed)
	o.publish(events.EventStageCompleted, rn, map[string]any{"stage": string(stage), "duration_ms": elapsed.Milliseconds()})
	o.log(LogLevelDebug, "stage_done run=%s stage=%s duration=%s", rn.id, stage, elapsed)
}

func (o *Orchestrator) finish(rn *run, req Request, status model.RunStatus) *model.RunSummary {
	s := rn.summary
	s.Status = status
	s.FinishedAt = o.clock()
	o.metrics.observeRun(s.Mode, s.Status)
	if o.audit != nil {
		if err := o.audit.Append(events.RecordFromSummary(s, req.Trigger)); err != nil {
			o.log(LogLevelWarn, "audit run=%s error=%v", rn.id, err)
		}
	}
	o.publish(events.EventRunCompleted, rn, map[string]any{"status": string(s.Status), "issues": len(s.Issues)})
	o.log(LogLevelInfo, "run_done run=%s workspace=%d status=%s tasks_created=%d tasks_updated=%d notif_created=%d notif_deleted=%d notif_updated=%d issues=%d",
		rn.id, s.WorkspaceID, s.Status, s.TasksCreated, s.TasksUpdated,
		s.NotificationsCreated, s.NotificationsDeleted, s.NotificationsUpdated, len(s.Issues))
	return s
}

// React records a reaction on a notification and runs the single-event pipeline
// for it. Recording and the run share one hold of the workspace lock, so a
// concurrent run can not consolidate the notification away in between.
func (o *Orchestrator) React(ctx context.Context, notificationID int64, text *string, at time.Time, trigger string) (*model.RunSummary, error) {
	if at.IsZero() {
		at = o.clock()
	}
	n, err := o.findNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	key := LockKey(n.WorkspaceID)
	if err := o.locks.LockContext(ctx, key); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	defer o.locks.Unlock(key)
	ctx = context.WithoutCancel(ctx)

	// The run we waited for may have deleted or absorbed it.
	if _, err := o.findNotification(ctx, notificationID); err != nil {
		return nil, err
	}
	n, err = o.store.RecordReaction(ctx, notificationID, text, at)
	if err != nil {
		return nil, fmt.Errorf("record reaction on notification %d: %w", notificationID, err)
	}
	o.log(LogLevelInfo, "reaction_recorded notification=%d workspace=%d ignored=%t", n.ID, n.WorkspaceID, text == nil)
	return o.run(ctx, Request{
		WorkspaceID: n.WorkspaceID,
		Mode:        model.ModeSingle,
		Events:      []model.Event{model.NotificationReacted{NotificationID: n.ID, ReactionText: text, ReactedAt: at}},
		Trigger:     trigger,
	})
}

func (o *Orchestrator) findNotification(ctx context.Context, id int64) (model.Notification, error) {
	found, err := o.store.FindNotificationsByIDs(ctx, []int64{id})
	if err != nil {
		return model.Notification{}, fmt.Errorf("find notification %d: %w", id, err)
	}
	if len(found) == 0 {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	return found[0], nil
}

// Memory returns the working memory of a workspace, empty when none was written yet.
func (o *Orchestrator) Memory(ctx context.Context, workspaceID int64) (model.WorkingMemory, error) {
	mem, found, err := o.store.FindMemory(ctx, workspaceID)
	if err != nil {
		return model.WorkingMemory{}, fmt.Errorf("find memory of workspace %d: %w", workspaceID, err)
	}
	if !found {
		return model.WorkingMemory{WorkspaceID: workspaceID}, nil
	}
	return mem, nil
}

// PutMemory overwrites the working memory, capped like a summarizer result. It
// waits for any run of the workspace to finish first.
func (o *Orchestrator) PutMemory(ctx context.Context, workspaceID int64, content string) (model.WorkingMemory, bool, error) {
	var (
		mem       model.WorkingMemory
		truncated bool
	)
	err := o.locks.WithLock(ctx, LockKey(workspaceID), func() error {
		var cut string
		cut, truncated = TruncateMemory(content, o.maxChars)
		var err error
		mem, err = o.store.UpsertMemory(context.WithoutCancel(ctx), workspaceID, cut)
		return err
	})
	if err != nil {
		return model.WorkingMemory{}, false, fmt.Errorf("put memory of workspace %d: %w", workspaceID, err)
	}
	o.log(LogLevelInfo, "memory_put workspace=%d truncated=%t", workspaceID, truncated)
	return mem, truncated, nil
}

func (o *Orchestrator) publish(t events.EventType, rn *run, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, RunID: rn.id, WorkspaceID: rn.workspaceID, Data: data})
}

func (o *Orchestrator) log(level LogLevel, format string, args ...any) {
	writeLog(o.logger, o.logLevel, level, "orchestrator", format, args...)
}
