package pipeline

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/msageha/cogno/internal/ingest"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/store"
)

// Summarizer is Stage 4: it rewrites the workspace working memory from the run's
// events, the member roster and the surviving schedule.
type Summarizer struct {
	tasks    store.TaskStore
	memory   store.MemoryStore
	oracle   oracle.MemorySummarizer
	maxChars int
	rollup   int
	timeout  time.Duration
	logger   *log.Logger
	logLevel LogLevel
}

func NewSummarizer(tasks store.TaskStore, memory store.MemoryStore, o oracle.MemorySummarizer,
	maxChars, rollup int, timeout time.Duration, logger *log.Logger, level LogLevel) *Summarizer {
	return &Summarizer{
		tasks:    tasks,
		memory:   memory,
		oracle:   o,
		maxChars: maxChars,
		rollup:   rollup,
		timeout:  timeout,
		logger:   logger,
		logLevel: level,
	}
}

// Summarize persists the new memory and returns it.
func (s *Summarizer) Summarize(ctx context.Context, rn *run, batch ingest.Batch, schedule []model.Notification) (string, error) {
	all, err := s.tasks.FindTasksByWorkspace(ctx, rn.workspaceID)
	if err != nil {
		return "", &PersistenceError{Stage: model.StageSummarize, Op: "find tasks by workspace", Err: err}
	}

	reply, err := callOracle(ctx, model.StageSummarize, s.timeout, func(ctx context.Context) (oracle.Summary, error) {
		return s.oracle.SummarizeMemory(ctx, oracle.SummarizeInput{
			Now:          rn.now,
			Current:      rn.memory,
			Members:      Rollup(rn.members, all, s.rollup),
			Events:       DescribeEvents(batch),
			Schedule:     schedule,
			TasksCreated: rn.summary.TasksCreated,
			TasksUpdated: rn.summary.TasksUpdated,
			MaxChars:     s.maxChars,
		})
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return "", &OracleError{Stage: model.StageSummarize, Err: fmt.Errorf("%w: empty content", oracle.ErrMalformed)}
	}
	if cut, truncated := TruncateMemory(content, s.maxChars); truncated {
		rn.reject(model.StageSummarize, model.IssueTruncated, "",
			fmt.Sprintf("memory cut from %d to %d characters", utf8.RuneCountInString(content), utf8.RuneCountInString(cut)))
		s.log(LogLevelWarn, "truncated run=%s from=%d to=%d", rn.id, utf8.RuneCountInString(content), utf8.RuneCountInString(cut))
		content = cut
	}

	if _, err := s.memory.UpsertMemory(ctx, rn.workspaceID, content); err != nil {
		return "", &PersistenceError{Stage: model.StageSummarize, Op: "upsert memory", Err: err}
	}
	rn.summary.MemoryUpdated = true
	rn.summary.MemoryContent = content
	s.log(LogLevelInfo, "memory run=%s workspace=%d chars=%d", rn.id, rn.workspaceID, utf8.RuneCountInString(content))
	return content, nil
}

func (s *Summarizer) log(level LogLevel, format string, args ...any) {
	writeLog(s.logger, s.logLevel, level, "summarizer", format, args...)
}

// Rollup lists each member with their open tasks, most recently updated first,
// keeping at most limit tasks per member.
func Rollup(members []model.WorkspaceMember, tasks []model.Task, limit int) []oracle.MemberRollup {
	out := make([]oracle.MemberRollup, 0, len(members))
	for _, m := range members {
		var assigned []model.Task
		for _, t := range tasks {
			if t.Status == model.TaskStatusOpen && t.AssignedTo(m.ID) {
				assigned = append(assigned, t)
			}
		}
		slices.SortStableFunc(assigned, func(a, b model.Task) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
		r := oracle.MemberRollup{Member: m, Tasks: assigned}
		if limit > 0 && len(assigned) > limit {
			r.Tasks = assigned[:limit]
			r.More = len(assigned) - limit
		}
		out = append(out, r)
	}
	return out
}

// DescribeEvents renders a normalized batch as plain text for the summarizer.
func DescribeEvents(b ingest.Batch) string {
	var parts []string
	for _, d := range b.Diffs {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Source updated (%s, id=%s)", d.SourceType, d.SourceID)
		if d.Title != nil && *d.Title != "" {
			fmt.Fprintf(&sb, "\n  Title: %s", *d.Title)
		}
		if d.Content != nil && *d.Content != "" {
			fmt.Fprintf(&sb, "\n  Content: %s", *d.Content)
		}
		parts = append(parts, sb.String())
	}
	for _, r := range b.Reactions {
		desc := "ignored (no reaction)"
		if r.ReactionText != nil && *r.ReactionText != "" {
			desc = fmt.Sprintf("%q", *r.ReactionText)
		}
		parts = append(parts, fmt.Sprintf("Notification reaction (id=%d)\n  Reaction: %s", r.NotificationID, desc))
	}
	if len(parts) == 0 {
		return "No events"
	}
	return strings.Join(parts, "\n\n")
}

// TruncateMemory cuts content to max runes, preferring the last line break in the
// second half of the allowed length.
func TruncateMemory(content string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content, false
	}
	runes := []rune(content)[:max]
	cut := string(runes)
	if i := strings.LastIndex(cut, "\n"); i >= 0 && utf8.RuneCountInString(cut[:i]) >= max/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t\r\n"), true
}
