package pipeline

import (
	"cmp"
	"context"
	"errors"
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

// Consolidator is Stage 3: it deletes redundant notifications in the near-term window
// and merges overlapping ones that share a recipient.
type Consolidator struct {
	tasks         store.TaskStore
	notifications store.NotificationStore
	oracle        oracle.NotificationConsolidator
	policy        schedule.Policy
	timeout       time.Duration
	logger        *log.Logger
	logLevel      LogLevel
}

func NewConsolidator(tasks store.TaskStore, notifications store.NotificationStore, o oracle.NotificationConsolidator,
	policy schedule.Policy, timeout time.Duration, logger *log.Logger, level LogLevel) *Consolidator {
	return &Consolidator{
		tasks:         tasks,
		notifications: notifications,
		oracle:        o,
		policy:        policy,
		timeout:       timeout,
		logger:        logger,
		logLevel:      level,
	}
}

// Consolidate returns the surviving schedule ordered by due date. When the oracle
// fails the schedule is returned untouched together with the error.
func (c *Consolidator) Consolidate(ctx context.Context, rn *run, created []model.Notification) ([]model.Notification, error) {
	from, to := c.policy.WindowRange(rn.now)
	window, err := c.notifications.FindScheduledInWindow(ctx, rn.workspaceID, from, to)
	if err != nil {
		return nil, &PersistenceError{Stage: model.StageConsolidate, Op: "find scheduled in window", Err: err}
	}

	isNew := make(map[int64]bool, len(created))
	for _, n := range created {
		isNew[n.ID] = true
	}
	var existing []model.Notification
	for _, n := range window {
		if !isNew[n.ID] {
			existing = append(existing, n)
		}
	}

	byID := make(map[int64]model.Notification, len(existing)+len(created))
	for _, n := range existing {
		byID[n.ID] = n
	}
	for _, n := range created {
		byID[n.ID] = n
	}
	if len(byID) == 0 {
		c.log(LogLevelInfo, "skip run=%s reason=empty_window", rn.id)
		return nil, nil
	}

	decision, err := callOracle(ctx, model.StageConsolidate, c.timeout, func(ctx context.Context) (oracle.Consolidation, error) {
		return c.oracle.ConsolidateNotifications(ctx, oracle.ConsolidateInput{
			Now:      rn.now,
			Memory:   rn.memory,
			Existing: existing,
			New:      created,
		})
	})
	if err != nil {
		return c.finalize(rn, byID, nil), err
	}
	c.log(LogLevelInfo, "oracle run=%s delete=%d merge=%d candidates=%d",
		rn.id, len(decision.Delete), len(decision.MergeOrUpdate), len(byID))

	deleted := make(map[int64]bool)
	for _, d := range decision.Delete {
		if _, ok := byID[d.NotificationID]; !ok {
			c.reject(rn, model.IssueInvalidRef, d.NotificationID, "delete: not a candidate notification")
			continue
		}
		if deleted[d.NotificationID] {
			continue
		}
		if c.remove(ctx, rn, d.NotificationID, d.Reason) {
			deleted[d.NotificationID] = true
		}
	}

	if len(decision.MergeOrUpdate) > 0 {
		deadlines := c.deadlines(ctx, rn, byID)
		for _, m := range decision.MergeOrUpdate {
			c.merge(ctx, rn, m, byID, deleted, deadlines)
		}
	}
	return c.finalize(rn, byID, deleted), nil
}

func (c *Consolidator) merge(ctx context.Context, rn *run, m oracle.Merge, byID map[int64]model.Notification,
	deleted map[int64]bool, deadlines map[int64]*time.Time) {
	target, ok := byID[m.NotificationID]
	if !ok {
		c.reject(rn, model.IssueInvalidRef, m.NotificationID, "merge: not a candidate notification")
		return
	}
	if deleted[target.ID] {
		c.log(LogLevelDebug, "skip merge run=%s notification_id=%d reason=deleted", rn.id, target.ID)
		return
	}

	// Every absorb id is checked before anything is written.
	var absorb []int64
	for _, id := range m.AbsorbIDs {
		if id == target.ID || slices.Contains(absorb, id) || deleted[id] {
			continue
		}
		other, ok := byID[id]
		if !ok {
			c.reject(rn, model.IssueInvalidRef, id, fmt.Sprintf("merge into %d: absorb id is not a candidate notification", target.ID))
			continue
		}
		if other.WorkspaceMemberID != target.WorkspaceMemberID {
			cm := &CrossMemberError{TargetID: target.ID, TargetMember: target.WorkspaceMemberID, AbsorbID: id, AbsorbMember: other.WorkspaceMemberID}
			c.reject(rn, model.IssueCrossMember, target.ID, cm.Error())
			return
		}
		absorb = append(absorb, id)
	}

	next := target
	if title := strings.TrimSpace(m.NewTitle); title != "" {
		next.Title = title
	}
	if body := strings.TrimSpace(m.NewBody); body != "" {
		next.Body = m.NewBody
	}
	if m.NewDueDate != nil {
		next.DueDate = c.due(rn, target, *m.NewDueDate, deadlines[target.TaskID])
	}
	next.ReactedAt = c.policy.ReactBy(target.ReactedAt, next.DueDate, rn.now, target.ReactionChoices, deadlines[target.TaskID])

	for _, id := range absorb {
		if c.remove(ctx, rn, id, fmt.Sprintf("merged into #%d", target.ID)) {
			deleted[id] = true
		}
	}

	updated, err := c.notifications.UpdateNotification(ctx, next)
	if err != nil {
		rn.fail(model.StageConsolidate, &PersistenceError{Stage: model.StageConsolidate, Op: "update notification", Ref: idRef(target.ID), Err: err})
		return
	}
	byID[updated.ID] = updated
	rn.summary.NotificationsUpdated++
	rn.summary.UpdatedDetails = append(rn.summary.UpdatedDetails, model.UpdateDetail{
		NotificationID: updated.ID,
		AbsorbedIDs:    absorb,
		Title:          updated.Title,
		Body:           updated.Body,
		DueDate:        updated.DueDate,
		Reason:         m.Reason,
	})
	c.log(LogLevelInfo, "merged run=%s notification_id=%d absorbed=%v due=%s",
		rn.id, updated.ID, absorb, c.policy.Format(updated.DueDate))
}

// due places a proposed merge date under the schedule policy, keeping the current
// date when the proposal is unusable.
func (c *Consolidator) due(rn *run, target model.Notification, proposed string, deadline *time.Time) time.Time {
	t, err := c.policy.ParseTime(strings.TrimSpace(proposed))
	if err != nil {
		c.reject(rn, model.IssueFallback, target.ID, fmt.Sprintf("new_due_date: %v", err))
		return target.DueDate
	}
	placed, ok := c.policy.Place(t, rn.now, deadline, nil)
	if !ok {
		c.reject(rn, model.IssueFallback, target.ID, fmt.Sprintf("new_due_date %s has no valid slot", proposed))
		return target.DueDate
	}
	return placed
}

// remove deletes one notification. A row that is already gone counts as deleted.
func (c *Consolidator) remove(ctx context.Context, rn *run, id int64, reason string) bool {
	if err := c.notifications.DeleteNotification(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		rn.fail(model.StageConsolidate, &PersistenceError{Stage: model.StageConsolidate, Op: "delete notification", Ref: idRef(id), Err: err})
		return false
	}
	rn.summary.NotificationsDeleted++
	rn.summary.DeletedDetails = append(rn.summary.DeletedDetails, model.DeletionDetail{NotificationID: id, Reason: reason})
	c.log(LogLevelInfo, "deleted run=%s notification_id=%d reason=%q", rn.id, id, reason)
	return true
}

func (c *Consolidator) deadlines(ctx context.Context, rn *run, byID map[int64]model.Notification) map[int64]*time.Time {
	var ids []int64
	for _, n := range byID {
		if !slices.Contains(ids, n.TaskID) {
			ids = append(ids, n.TaskID)
		}
	}
	tasks, err := c.tasks.FindTasksByIDs(ctx, rn.workspaceID, ids)
	if err != nil {
		// Merges still apply; proposed dates are then only bounded by lead time and quiet hours.
		rn.fail(model.StageConsolidate, &PersistenceError{Stage: model.StageConsolidate, Op: "find tasks by ids", Err: err})
		return nil
	}
	out := make(map[int64]*time.Time, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t.Deadline
	}
	return out
}

func (c *Consolidator) finalize(rn *run, byID map[int64]model.Notification, deleted map[int64]bool) []model.Notification {
	final := make([]model.Notification, 0, len(byID))
	for id, n := range byID {
		if !deleted[id] {
			final = append(final, n)
		}
	}
	slices.SortFunc(final, func(a, b model.Notification) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	rn.summary.FinalSchedule = rn.summary.FinalSchedule[:0]
	for _, n := range final {
		rn.summary.FinalSchedule = append(rn.summary.FinalSchedule, notificationDetail(n))
	}
	return final
}

func (c *Consolidator) reject(rn *run, kind model.IssueKind, id int64, msg string) {
	rn.reject(model.StageConsolidate, kind, idRef(id), msg)
	c.log(LogLevelWarn, "rejected run=%s kind=%s notification=%d %s", rn.id, kind, id, msg)
}

func (c *Consolidator) log(level LogLevel, format string, args ...any) {
	writeLog(c.logger, c.logLevel, level, "consolidator", format, args...)
}
