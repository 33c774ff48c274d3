package pipeline

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/msageha/cogno/internal/ingest"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/schedule"
	"github.com/msageha/cogno/internal/store"
)

// HistoryHeading opens the section of a task description that accumulates reactions.
const HistoryHeading = "## Reaction history"

const historyPerTask = 10

// Resolver is Stage 1: it maps diffs and reactions onto existing tasks or creates
// tasks for sources that have none.
type Resolver struct {
	tasks         store.TaskStore
	notifications store.NotificationStore
	oracle        oracle.TaskResolver
	policy        schedule.Policy
	completion    []string
	timeout       time.Duration
	logger        *log.Logger
	logLevel      LogLevel
}

func NewResolver(tasks store.TaskStore, notifications store.NotificationStore, o oracle.TaskResolver,
	policy schedule.Policy, completion []string, timeout time.Duration, logger *log.Logger, level LogLevel) *Resolver {
	return &Resolver{
		tasks:         tasks,
		notifications: notifications,
		oracle:        o,
		policy:        policy,
		completion:    completion,
		timeout:       timeout,
		logger:        logger,
		logLevel:      level,
	}
}

// Resolve returns the tasks updated or created by this run, in decision order.
func (r *Resolver) Resolve(ctx context.Context, rn *run, batch ingest.Batch) ([]model.Task, error) {
	if len(rn.members) == 0 {
		r.log(LogLevelWarn, "skip run=%s workspace=%d reason=no_members", rn.id, rn.workspaceID)
		return nil, ErrNoMembers
	}

	refs := sourceRefs(batch.Diffs)
	linked, err := r.tasks.FindTasksBySources(ctx, rn.workspaceID, refs)
	if err != nil {
		return nil, &PersistenceError{Stage: model.StageResolve, Op: "find tasks by source", Err: err}
	}
	var reactionTaskIDs []int64
	for _, re := range batch.Reactions {
		if !slices.Contains(reactionTaskIDs, re.TaskID) {
			reactionTaskIDs = append(reactionTaskIDs, re.TaskID)
		}
	}
	reacted, err := r.tasks.FindTasksByIDs(ctx, rn.workspaceID, reactionTaskIDs)
	if err != nil {
		return nil, &PersistenceError{Stage: model.StageResolve, Op: "find reacted tasks", Err: err}
	}

	candidates := make(map[int64]model.Task)
	var candidateList []model.Task
	for _, t := range slices.Concat(linked, reacted) {
		if _, ok := candidates[t.ID]; !ok {
			candidates[t.ID] = t
			candidateList = append(candidateList, t)
		}
	}
	orphans := make(map[model.SourceRef]bool)
	var orphanList []model.SourceRef
	for _, ref := range refs {
		if !slices.ContainsFunc(linked, func(t model.Task) bool { return t.Source() == ref }) {
			orphans[ref] = true
			orphanList = append(orphanList, ref)
		}
	}

	history, err := r.history(ctx, candidateList)
	if err != nil {
		r.log(LogLevelWarn, "history lookup failed run=%s error=%v", rn.id, err)
	}

	r.log(LogLevelInfo, "input run=%s diffs=%d reactions=%d candidates=%d orphans=%v",
		rn.id, len(batch.Diffs), len(batch.Reactions), len(candidateList), orphanList)

	res, err := callOracle(ctx, model.StageResolve, r.timeout, func(ctx context.Context) (oracle.Resolution, error) {
		return r.oracle.ResolveTasks(ctx, oracle.ResolveInput{
			Now:       rn.now,
			Members:   rn.members,
			Memory:    rn.memory,
			Diffs:     batch.Diffs,
			Tasks:     candidateList,
			Orphans:   orphanList,
			Reactions: batch.Reactions,
			History:   history,
		})
	})
	if err != nil {
		return nil, err
	}
	r.log(LogLevelInfo, "oracle run=%s updates=%d creates=%d", rn.id, len(res.Updates), len(res.Creates))

	byTask := make(map[int64][]model.Reaction)
	for _, re := range batch.Reactions {
		byTask[re.TaskID] = append(byTask[re.TaskID], re)
	}

	var affected []model.Task
	updated := make(map[int64]bool)
	for i, u := range res.Updates {
		current, ok := candidates[u.TaskID]
		if !ok {
			r.reject(rn, "task_id", idRef(u.TaskID), "not a candidate task")
			continue
		}
		if updated[u.TaskID] {
			r.reject(rn, "task_id", idRef(u.TaskID), "task already updated in this run")
			continue
		}
		r.log(LogLevelDebug, "update[%d] run=%s task_id=%d description_len=%d", i, rn.id, u.TaskID, len(u.NewDescription))

		next := current
		if u.NewTitle != nil && strings.TrimSpace(*u.NewTitle) != "" {
			next.Title = strings.TrimSpace(*u.NewTitle)
		}
		next.Description = MergeDescription(current.Description, u.NewDescription, r.historyLines(byTask[u.TaskID]))
		next.Assignees = r.assignees(rn, idRef(u.TaskID), u.AssigneeMemberIDs)
		next.Deadline = r.deadline(rn, idRef(u.TaskID), u.Deadline, current.Deadline)
		if r.completes(byTask[u.TaskID]) {
			next.Status = model.TaskStatusCompleted
		}

		saved, err := r.tasks.UpdateTask(ctx, next)
		if err != nil {
			rn.fail(model.StageResolve, &PersistenceError{Stage: model.StageResolve, Op: "update task", Ref: idRef(u.TaskID), Err: err})
			continue
		}
		updated[saved.ID] = true
		affected = append(affected, saved)
		r.record(rn, saved, model.TaskUpdated)
		r.log(LogLevelInfo, "updated run=%s task_id=%d status=%s assignees=%v", rn.id, saved.ID, saved.Status, saved.Assignees)
	}

	// Reactions whose task the oracle left alone still land in the history.
	for _, taskID := range reactionTaskIDs {
		current, ok := candidates[taskID]
		if !ok || updated[taskID] {
			continue
		}
		next := current
		next.Description = MergeDescription(current.Description, "", r.historyLines(byTask[taskID]))
		if r.completes(byTask[taskID]) {
			next.Status = model.TaskStatusCompleted
		}
		if next.Description == current.Description && next.Status == current.Status {
			continue
		}
		saved, err := r.tasks.UpdateTask(ctx, next)
		if err != nil {
			rn.fail(model.StageResolve, &PersistenceError{Stage: model.StageResolve, Op: "record reaction history", Ref: idRef(taskID), Err: err})
			continue
		}
		updated[saved.ID] = true
		affected = append(affected, saved)
		r.record(rn, saved, model.TaskUpdated)
		r.log(LogLevelInfo, "history run=%s task_id=%d status=%s", rn.id, saved.ID, saved.Status)
	}

	for i, c := range res.Creates {
		ref := c.Source()
		if !orphans[ref] {
			r.reject(rn, "source", ref.String(), "not an orphan source of this run or already consumed")
			continue
		}
		delete(orphans, ref)
		r.log(LogLevelDebug, "create[%d] run=%s source=%s title=%q", i, rn.id, ref, c.Title)

		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = ref.String()
		}
		task, created, err := r.tasks.CreateTask(ctx, model.Task{
			WorkspaceID: rn.workspaceID,
			Title:       title,
			Description: c.Description,
			SourceType:  ref.Type,
			SourceID:    ref.ID,
			Assignees:   r.assignees(rn, ref.String(), c.AssigneeMemberIDs),
			Status:      model.TaskStatusOpen,
			Deadline:    r.deadline(rn, ref.String(), c.Deadline, nil),
		})
		if err != nil {
			rn.fail(model.StageResolve, &PersistenceError{Stage: model.StageResolve, Op: "create task", Ref: ref.String(), Err: err})
			continue
		}
		if !created {
			r.log(LogLevelWarn, "create run=%s source=%s returned existing task_id=%d", rn.id, ref, task.ID)
			if updated[task.ID] {
				continue
			}
			updated[task.ID] = true
			affected = append(affected, task)
			continue
		}
		affected = append(affected, task)
		r.record(rn, task, model.TaskCreated)
		r.log(LogLevelInfo, "created run=%s task_id=%d source=%s assignees=%v", rn.id, task.ID, ref, task.Assignees)
	}

	return affected, nil
}

func (r *Resolver) history(ctx context.Context, tasks []model.Task) (map[int64][]oracle.HistoryEntry, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	rows, err := r.notifications.FindReactedByTasks(ctx, ids, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]oracle.HistoryEntry)
	for _, n := range rows {
		if len(out[n.TaskID]) >= historyPerTask {
			continue
		}
		text := "(ignored)"
		if n.ReactionText != nil {
			text = *n.ReactionText
		}
		out[n.TaskID] = append(out[n.TaskID], oracle.HistoryEntry{
			NotificationID: n.ID,
			Title:          n.Title,
			ReactionText:   text,
			ReactedAt:      *n.ReactedAt,
		})
	}
	return out, nil
}

func (r *Resolver) historyLines(reactions []model.Reaction) []string {
	lines := make([]string, 0, len(reactions))
	for _, re := range reactions {
		lines = append(lines, HistoryLine(re))
	}
	return lines
}

func (r *Resolver) completes(reactions []model.Reaction) bool {
	for _, re := range reactions {
		if re.ReactionText == nil {
			continue
		}
		text := strings.TrimSpace(*re.ReactionText)
		for _, c := range r.completion {
			if strings.EqualFold(text, c) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) assignees(rn *run, ref string, proposed []int64) []int64 {
	ids, dropped, fellBack := ResolveAssignees(proposed, rn.members)
	switch {
	case fellBack:
		r.reject(rn, "assignee_member_ids", ref, fmt.Sprintf("no valid assignees in %v, assigned to all members", proposed))
	case len(dropped) > 0:
		r.reject(rn, "assignee_member_ids", ref, fmt.Sprintf("dropped non-members %v", dropped))
	}
	return ids
}

func (r *Resolver) deadline(rn *run, ref string, proposed *string, current *time.Time) *time.Time {
	if proposed == nil || strings.TrimSpace(*proposed) == "" {
		return current
	}
	t, err := r.policy.ParseTime(strings.TrimSpace(*proposed))
	if err != nil {
		rn.reject(model.StageResolve, model.IssueFallback, ref, fmt.Sprintf("deadline: %v", err))
		return current
	}
	return &t
}

func (r *Resolver) reject(rn *run, field, ref, reason string) {
	kind := model.IssueInvalidRef
	if field == "assignee_member_ids" {
		kind = model.IssueFallback
	}
	err := &ReferenceError{Stage: model.StageResolve, Field: field, Value: ref, Reason: reason}
	rn.reject(model.StageResolve, kind, ref, err.Error())
	r.log(LogLevelWarn, "rejected run=%s kind=%s %v", rn.id, kind, err)
}

func (r *Resolver) record(rn *run, t model.Task, action model.TaskAction) {
	if action == model.TaskCreated {
		rn.summary.TasksCreated++
	} else {
		rn.summary.TasksUpdated++
	}
	rn.summary.TaskDetails = append(rn.summary.TaskDetails, model.TaskDetail{
		TaskID:     t.ID,
		Action:     action,
		Title:      t.Title,
		SourceType: t.SourceType,
		SourceID:   t.SourceID,
		Assignees:  slices.Clone(t.Assignees),
		Status:     t.Status,
	})
}

func (r *Resolver) log(level LogLevel, format string, args ...any) {
	writeLog(r.logger, r.logLevel, level, "resolver", format, args...)
}

func sourceRefs(diffs []model.SourceDiff) []model.SourceRef {
	var refs []model.SourceRef
	for _, d := range diffs {
		if ref := d.Source(); !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

// HistoryLine renders one reaction as a history entry. The notification id keeps
// repeated runs over the same reaction from adding it twice.
func HistoryLine(re model.Reaction) string {
	text := "(ignored)"
	if re.ReactionText != nil {
		text = strings.TrimSpace(*re.ReactionText)
	}
	return fmt.Sprintf("- #%d %q -> %s", re.NotificationID, re.NotificationTitle, text)
}

// MergeDescription returns the proposed description, or the current one when the
// proposal is blank, with a reaction history section holding every history line
// of both plus the given new lines. History is never dropped by a rewrite.
func MergeDescription(current, proposed string, lines []string) string {
	curBody, curHist := splitHistory(current)
	body := curBody
	var propHist []string
	if strings.TrimSpace(proposed) != "" {
		body, propHist = splitHistory(proposed)
	}

	var merged []string
	for _, l := range slices.Concat(curHist, propHist, lines) {
		if l = strings.TrimSpace(l); l != "" && !slices.Contains(merged, l) {
			merged = append(merged, l)
		}
	}
	body = strings.TrimRight(body, " \n")
	if len(merged) == 0 {
		return body
	}
	if body == "" {
		return HistoryHeading + "\n" + strings.Join(merged, "\n")
	}
	return body + "\n\n" + HistoryHeading + "\n" + strings.Join(merged, "\n")
}

// splitHistory separates the reaction history section from the rest of a description.
func splitHistory(desc string) (body string, lines []string) {
	var kept []string
	in := false
	for _, l := range strings.Split(desc, "\n") {
		trimmed := strings.TrimSpace(l)
		switch {
		case trimmed == HistoryHeading:
			in = true
			continue
		case in && strings.HasPrefix(trimmed, "#"):
			in = false
		}
		if in {
			if trimmed != "" {
				lines = append(lines, trimmed)
			}
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n"), lines
}
