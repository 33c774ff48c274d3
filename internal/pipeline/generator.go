package pipeline

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/schedule"
	"github.com/msageha/cogno/internal/store"
)

// Generator is Stage 2: it drafts reminders for the affected tasks and persists
// one notification per assignee, after enforcing the schedule policy.
type Generator struct {
	notifications store.NotificationStore
	oracle        oracle.NotificationGenerator
	policy        schedule.Policy
	timeout       time.Duration
	logger        *log.Logger
	logLevel      LogLevel
}

func NewGenerator(notifications store.NotificationStore, o oracle.NotificationGenerator, policy schedule.Policy,
	timeout time.Duration, logger *log.Logger, level LogLevel) *Generator {
	return &Generator{
		notifications: notifications,
		oracle:        o,
		policy:        policy,
		timeout:       timeout,
		logger:        logger,
		logLevel:      level,
	}
}

type placedDraft struct {
	draft    oracle.Draft
	task     model.Task
	proposed time.Time
}

// Generate returns the notifications it created.
func (g *Generator) Generate(ctx context.Context, rn *run, affected []model.Task) ([]model.Notification, error) {
	var open []model.Task
	for _, t := range affected {
		if t.Status != model.TaskStatusCompleted && !slices.ContainsFunc(open, func(o model.Task) bool { return o.ID == t.ID }) {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		g.log(LogLevelInfo, "skip run=%s reason=no_open_tasks affected=%d", rn.id, len(affected))
		return nil, nil
	}

	drafts, err := callOracle(ctx, model.StageGenerate, g.timeout, func(ctx context.Context) (oracle.Drafts, error) {
		return g.oracle.GenerateNotifications(ctx, oracle.GenerateInput{
			Now:    rn.now,
			Memory: rn.memory,
			Tasks:  open,
			Rules:  g.rules(),
		})
	})
	if err != nil {
		return nil, err
	}
	g.log(LogLevelInfo, "oracle run=%s drafts=%d tasks=%d", rn.id, len(drafts.Notifications), len(open))

	placed := make([]placedDraft, 0, len(drafts.Notifications))
	for i, d := range drafts.Notifications {
		task, ok := findTask(open, d.TaskID)
		if !ok {
			task = open[0]
			g.reject(rn, model.IssueFallback, idRef(d.TaskID), fmt.Sprintf("draft %d: unknown task_id, using task %d", i, task.ID))
		}
		proposed, err := g.policy.ParseTime(strings.TrimSpace(d.DueDate))
		if err != nil {
			g.reject(rn, model.IssueFallback, idRef(task.ID), fmt.Sprintf("draft %d: due_date: %v, using earliest slot", i, err))
			proposed = time.Time{}
		}
		placed = append(placed, placedDraft{draft: d, task: task, proposed: proposed})
	}
	// Spacing is enforced in due order within each task.
	slices.SortStableFunc(placed, func(a, b placedDraft) int { return a.proposed.Compare(b.proposed) })

	var created []model.Notification
	perTask := make(map[int64]int)
	lastDue := make(map[int64]time.Time)
	accepted := 0
	for _, p := range placed {
		task := p.task
		ref := idRef(task.ID)
		if g.policy.MaxPerRun > 0 && accepted >= g.policy.MaxPerRun {
			g.reject(rn, model.IssueDroppedDraft, ref, fmt.Sprintf("%q: run limit of %d drafts reached", p.draft.Title, g.policy.MaxPerRun))
			continue
		}
		if g.policy.MaxPerTask > 0 && perTask[task.ID] >= g.policy.MaxPerTask {
			g.reject(rn, model.IssueDroppedDraft, ref, fmt.Sprintf("%q: task limit of %d drafts reached", p.draft.Title, g.policy.MaxPerTask))
			continue
		}
		if len(task.Assignees) == 0 {
			g.reject(rn, model.IssueDroppedDraft, ref, fmt.Sprintf("%q: task has no assignees", p.draft.Title))
			continue
		}

		var prev *time.Time
		if last, ok := lastDue[task.ID]; ok {
			prev = &last
		}
		due, ok := g.policy.Place(p.proposed, rn.now, task.Deadline, prev)
		if !ok {
			g.reject(rn, model.IssueDroppedDraft, ref, fmt.Sprintf("%q: no slot before the task deadline", p.draft.Title))
			continue
		}
		if !p.proposed.IsZero() && !due.Equal(p.proposed.Truncate(time.Second)) {
			g.log(LogLevelDebug, "moved run=%s task_id=%d proposed=%s due=%s",
				rn.id, task.ID, g.policy.Format(p.proposed), g.policy.Format(due))
		}
		reactBy := g.policy.ReactBy(g.proposedReactBy(p.draft), due, rn.now, p.draft.ReactionChoices, task.Deadline)

		title := strings.TrimSpace(p.draft.Title)
		if title == "" {
			title = task.Title
		}
		accepted++
		perTask[task.ID]++
		lastDue[task.ID] = due

		for _, member := range task.Assignees {
			n, err := g.notifications.CreateNotification(ctx, model.Notification{
				TaskID:            task.ID,
				WorkspaceID:       rn.workspaceID,
				WorkspaceMemberID: member,
				Title:             title,
				Body:              p.draft.Body,
				DueDate:           due,
				ReactionChoices:   slices.Clone(p.draft.ReactionChoices),
				ReactedAt:         reactBy,
				Status:            model.NotificationStatusScheduled,
			})
			if err != nil {
				rn.fail(model.StageGenerate, &PersistenceError{Stage: model.StageGenerate, Op: "create notification",
					Ref: fmt.Sprintf("task %d member %d", task.ID, member), Err: err})
				continue
			}
			created = append(created, n)
			rn.summary.NotificationsCreated++
			rn.summary.CreatedDetails = append(rn.summary.CreatedDetails, notificationDetail(n))
			g.log(LogLevelInfo, "created run=%s notification_id=%d task_id=%d member_id=%d due=%s",
				rn.id, n.ID, n.TaskID, n.WorkspaceMemberID, g.policy.Format(n.DueDate))
		}
	}
	return created, nil
}

// proposedReactBy parses the oracle's reaction deadline. Unparseable values are ignored;
// ReactBy supplies the minimum.
func (g *Generator) proposedReactBy(d oracle.Draft) *time.Time {
	if d.ReactedAt == nil {
		return nil
	}
	t, err := g.policy.ParseTime(strings.TrimSpace(*d.ReactedAt))
	if err != nil {
		return nil
	}
	return &t
}

func (g *Generator) rules() oracle.Rules {
	return oracle.Rules{
		Timezone:       g.policy.Location.String(),
		MinLeadMin:     int(g.policy.MinLead / time.Minute),
		QuietStartHour: g.policy.QuietStart,
		QuietEndHour:   g.policy.QuietEnd,
		SpacingMin:     int(g.policy.Spacing / time.Minute),
		MaxPerTask:     g.policy.MaxPerTask,
		MaxPerRun:      g.policy.MaxPerRun,
	}
}

func (g *Generator) reject(rn *run, kind model.IssueKind, ref, msg string) {
	rn.reject(model.StageGenerate, kind, ref, msg)
	g.log(LogLevelWarn, "rejected run=%s kind=%s task=%s %s", rn.id, kind, ref, msg)
}

func (g *Generator) log(level LogLevel, format string, args ...any) {
	writeLog(g.logger, g.logLevel, level, "generator", format, args...)
}

func findTask(tasks []model.Task, id int64) (model.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

func notificationDetail(n model.Notification) model.NotificationDetail {
	return model.NotificationDetail{
		NotificationID:    n.ID,
		TaskID:            n.TaskID,
		WorkspaceMemberID: n.WorkspaceMemberID,
		Title:             n.Title,
		Body:              n.Body,
		DueDate:           n.DueDate,
	}
}
