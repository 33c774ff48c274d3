// Package poller turns recent upstream changes into batch pipeline runs.
package poller

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/pipeline"
	"github.com/msageha/cogno/internal/store"
)

// Runner is the pipeline entry point; *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*model.RunSummary, error)
}

// WorkspaceResult is the outcome of one workspace's batch run.
type WorkspaceResult struct {
	WorkspaceID int64             `json:"workspace_id" yaml:"workspace_id"`
	Events      int               `json:"events" yaml:"events"`
	Summary     *model.RunSummary `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// SyncReport aggregates one poll.
type SyncReport struct {
	Since          time.Time         `json:"since" yaml:"since"`
	Until          time.Time         `json:"until" yaml:"until"`
	NoteEvents     int               `json:"note_events" yaml:"note_events"`
	ReactionEvents int               `json:"reaction_events" yaml:"reaction_events"`
	Workspaces     []WorkspaceResult `json:"workspaces" yaml:"workspaces"`
	Failed         int               `json:"failed" yaml:"failed"`
}

type Poller struct {
	feed        store.ChangeFeed
	runner      Runner
	lookback    time.Duration
	parallelism int
	clock       func() time.Time
	logger      *log.Logger
	logLevel    pipeline.LogLevel

	mu      sync.Mutex
	lastRun time.Time
}

func New(feed store.ChangeFeed, runner Runner, cfg model.SyncConfig, logger *log.Logger, level pipeline.LogLevel) *Poller {
	if cfg.LookbackMin <= 0 {
		cfg.LookbackMin = 10
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Poller{
		feed:        feed,
		runner:      runner,
		lookback:    time.Duration(cfg.LookbackMin) * time.Minute,
		parallelism: cfg.Parallelism,
		clock:       time.Now,
		logger:      logger,
		logLevel:    level,
	}
}

// SetClock overrides the time source. Must be called before Sync.
func (p *Poller) SetClock(clock func() time.Time) {
	p.clock = clock
}

// LastRun reports when the last poll finished; zero before the first.
func (p *Poller) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// Sync collects the changes of the last lookbackMin minutes (0 means the configured
// window) and runs one batch pipeline per affected workspace. A failing workspace
// is reported, not returned; only a change feed failure aborts the poll.
func (p *Poller) Sync(ctx context.Context, lookbackMin int) (*SyncReport, error) {
	until := p.clock()
	lookback := p.lookback
	if lookbackMin > 0 {
		lookback = time.Duration(lookbackMin) * time.Minute
	}
	since := until.Add(-lookback)
	report := &SyncReport{Since: since, Until: until}

	versions, err := p.feed.RecentNoteVersions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("recent note versions: %w", err)
	}
	reactions, err := p.feed.RecentReactions(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("recent reactions: %w", err)
	}
	p.log(pipeline.LogLevelInfo, "sync_start since=%s versions=%d reactions=%d",
		since.Format(time.RFC3339), len(versions), len(reactions))

	byWorkspace := make(map[int64][]model.Event)
	for _, v := range latestVersions(versions) {
		title, text := v.Title, v.Text
		byWorkspace[v.WorkspaceID] = append(byWorkspace[v.WorkspaceID], model.NoteUpdated{
			NoteID: v.NoteID,
			Diff:   model.NoteDiff{Title: &title, Text: &text},
		})
		report.NoteEvents++
	}
	for _, n := range reactions {
		if n.ReactedAt == nil {
			continue
		}
		byWorkspace[n.WorkspaceID] = append(byWorkspace[n.WorkspaceID], model.NotificationReacted{
			NotificationID: n.ID,
			ReactionText:   n.ReactionText,
			ReactedAt:      *n.ReactedAt,
		})
		report.ReactionEvents++
	}

	ids := make([]int64, 0, len(byWorkspace))
	for id := range byWorkspace {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	report.Workspaces = make([]WorkspaceResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, ws := range ids {
		evs := byWorkspace[ws]
		report.Workspaces[i] = WorkspaceResult{WorkspaceID: ws, Events: len(evs)}
		g.Go(func() error {
			summary, err := p.runner.Run(gctx, pipeline.Request{
				WorkspaceID: ws,
				Mode:        model.ModeBatch,
				Events:      evs,
				Trigger:     "sync",
			})
			res := &report.Workspaces[i]
			if err != nil {
				res.Error = err.Error()
				p.log(pipeline.LogLevelError, "sync_workspace_failed workspace=%d error=%v", ws, err)
				return nil
			}
			res.Summary = summary
			p.log(pipeline.LogLevelInfo, "sync_workspace workspace=%d events=%d status=%s", ws, len(evs), summary.Status)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Workspaces {
		if res.Error != "" {
			report.Failed++
		}
	}
	p.mu.Lock()
	p.lastRun = until
	p.mu.Unlock()
	p.log(pipeline.LogLevelInfo, "sync_done workspaces=%d failed=%d", len(ids), report.Failed)
	return report, nil
}

// latestVersions keeps the newest version of each note, ordered by note
// first appearance.
func latestVersions(versions []model.NoteVersion) []model.NoteVersion {
	type key struct {
		ws   int64
		note string
	}
	idx := make(map[key]int)
	var out []model.NoteVersion
	for _, v := range versions {
		k := key{v.WorkspaceID, v.NoteID}
		i, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, v)
			continue
		}
		if !v.CreatedAt.Before(out[i].CreatedAt) {
			out[i] = v
		}
	}
	return out
}

func (p *Poller) log(level pipeline.LogLevel, format string, args ...any) {
	if p.logger == nil || level < p.logLevel {
		return
	}
	p.logger.Printf("%s %s poller: %s", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}
