// Package memstore is an in-process Gateway used by tests and the "memory" store driver.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
)

var _ store.Gateway = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	lastID        int64
	tasks         map[int64]model.Task
	notifications map[int64]model.Notification
	memories      map[int64]model.WorkingMemory // by workspace
	members       map[int64]model.WorkspaceMember
	notes         []model.NoteVersion
}

func New() *Store {
	return &Store{
		tasks:         make(map[int64]model.Task),
		notifications: make(map[int64]model.Notification),
		memories:      make(map[int64]model.WorkingMemory),
		members:       make(map[int64]model.WorkspaceMember),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

func now() time.Time { return time.Now().UTC() }

func cloneTask(t model.Task) model.Task {
	t.Assignees = slices.Clone(t.Assignees)
	if t.Deadline != nil {
		d := *t.Deadline
		t.Deadline = &d
	}
	return t
}

func cloneNotification(n model.Notification) model.Notification {
	if n.ReactionChoices != nil {
		n.ReactionChoices = slices.Clone(n.ReactionChoices)
	}
	if n.ReactedAt != nil {
		r := *n.ReactedAt
		n.ReactedAt = &r
	}
	if n.ReactionText != nil {
		txt := *n.ReactionText
		n.ReactionText = &txt
	}
	return n
}

func sortedTasks(in []model.Task) []model.Task {
	slices.SortFunc(in, func(a, b model.Task) int { return cmp.Compare(a.ID, b.ID) })
	return in
}

// --- tasks ---

func (s *Store) FindTasksBySources(_ context.Context, workspaceID int64, refs []model.SourceRef) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID && slices.Contains(refs, t.Source()) {
			out = append(out, cloneTask(t))
		}
	}
	return sortedTasks(out), nil
}

func (s *Store) FindTasksByIDs(_ context.Context, workspaceID int64, ids []int64) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok && t.WorkspaceID == workspaceID && !seen[id] {
			seen[id] = true
			out = append(out, cloneTask(t))
		}
	}
	return sortedTasks(out), nil
}

func (s *Store) FindTasksByWorkspace(_ context.Context, workspaceID int64) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			out = append(out, cloneTask(t))
		}
	}
	return sortedTasks(out), nil
}

func (s *Store) CreateTask(_ context.Context, t model.Task) (model.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.WorkspaceID == t.WorkspaceID && existing.Source() == t.Source() {
			return cloneTask(existing), false, nil
		}
	}
	t = cloneTask(t)
	t.ID = s.nextID()
	if t.Status == "" {
		t.Status = model.TaskStatusOpen
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = t
	return cloneTask(t), true, nil
}

func (s *Store) UpdateTask(_ context.Context, t model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, store.ErrNotFound)
	}
	if err := model.ValidateTaskTransition(existing.Status, t.Status); err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w: %v", t.ID, store.ErrConflict, err)
	}
	existing.Title = t.Title
	existing.Description = t.Description
	existing.Assignees = slices.Clone(t.Assignees)
	existing.Status = t.Status
	existing.Deadline = t.Deadline
	existing.UpdatedAt = now()
	s.tasks[t.ID] = cloneTask(existing)
	return cloneTask(existing), nil
}

// --- notifications ---

func sortByDue(in []model.Notification) []model.Notification {
	slices.SortFunc(in, func(a, b model.Notification) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return in
}

func (s *Store) FindScheduledInWindow(_ context.Context, workspaceID int64, from, to time.Time) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.WorkspaceID != workspaceID || n.Status != model.NotificationStatusScheduled {
			continue
		}
		if n.DueDate.Before(from) || n.DueDate.After(to) {
			continue
		}
		out = append(out, cloneNotification(n))
	}
	return sortByDue(out), nil
}

func (s *Store) FindNotificationsByIDs(_ context.Context, ids []int64) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if n, ok := s.notifications[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, cloneNotification(n))
		}
	}
	slices.SortFunc(out, func(a, b model.Notification) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func reacted(n model.Notification) bool {
	return n.Status == model.NotificationStatusResolved && n.ReactedAt != nil
}

func newestReactionFirst(in []model.Notification) []model.Notification {
	slices.SortFunc(in, func(a, b model.Notification) int {
		if c := b.ReactedAt.Compare(*a.ReactedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return in
}

func (s *Store) FindReactedByTasks(_ context.Context, taskIDs []int64, limit int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if reacted(n) && slices.Contains(taskIDs, n.TaskID) {
			out = append(out, cloneNotification(n))
		}
	}
	out = newestReactionFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateNotification(_ context.Context, n model.Notification) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[n.TaskID]; !ok {
		return model.Notification{}, fmt.Errorf("notification task %d: %w", n.TaskID, store.ErrNotFound)
	}
	n = cloneNotification(n)
	n.ID = s.nextID()
	if n.Status == "" {
		n.Status = model.NotificationStatusScheduled
	}
	n.CreatedAt = now()
	n.UpdatedAt = n.CreatedAt
	s.notifications[n.ID] = n
	return cloneNotification(n), nil
}

func (s *Store) UpdateNotification(_ context.Context, n model.Notification) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.notifications[n.ID]
	if !ok {
		return model.Notification{}, fmt.Errorf("notification %d: %w", n.ID, store.ErrNotFound)
	}
	existing.Title = n.Title
	existing.Body = n.Body
	existing.DueDate = n.DueDate
	existing.ReactionChoices = n.ReactionChoices
	existing.ReactedAt = n.ReactedAt
	existing.UpdatedAt = now()
	existing = cloneNotification(existing)
	s.notifications[n.ID] = existing
	return cloneNotification(existing), nil
}

func (s *Store) DeleteNotification(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	delete(s.notifications, id)
	return nil
}

func (s *Store) RecordReaction(_ context.Context, id int64, text *string, at time.Time) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.notifications[id]
	if !ok {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if err := model.ValidateNotificationTransition(existing.Status, model.NotificationStatusResolved); err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w: %v", id, store.ErrConflict, err)
	}
	at = at.UTC()
	existing.ReactionText = text
	existing.ReactedAt = &at
	existing.Status = model.NotificationStatusResolved
	existing.UpdatedAt = now()
	existing = cloneNotification(existing)
	s.notifications[id] = existing
	return cloneNotification(existing), nil
}

// --- memory ---

func (s *Store) FindMemory(_ context.Context, workspaceID int64) (model.WorkingMemory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[workspaceID]
	return m, ok, nil
}

func (s *Store) UpsertMemory(_ context.Context, workspaceID int64, content string) (model.WorkingMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[workspaceID]
	if !ok {
		m = model.WorkingMemory{ID: s.nextID(), WorkspaceID: workspaceID}
	}
	m.Content = content
	m.UpdatedAt = now()
	s.memories[workspaceID] = m
	return m, nil
}

// --- members, change feed ---

func (s *Store) FindMembers(_ context.Context, workspaceID int64) ([]model.WorkspaceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkspaceMember
	for _, m := range s.members {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.WorkspaceMember) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) PutMember(_ context.Context, m model.WorkspaceMember) (model.WorkspaceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	} else if m.ID > s.lastID {
		s.lastID = m.ID
	}
	s.members[m.ID] = m
	return m, nil
}

func (s *Store) RecordNoteVersion(_ context.Context, v model.NoteVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}
	s.notes = append(s.notes, v)
	return nil
}

func (s *Store) RecentNoteVersions(_ context.Context, since time.Time) ([]model.NoteVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NoteVersion
	for _, v := range s.notes {
		if !v.CreatedAt.Before(since) {
			out = append(out, v)
		}
	}
	slices.SortStableFunc(out, func(a, b model.NoteVersion) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) RecentReactions(_ context.Context, since, until time.Time) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if reacted(n) && !n.ReactedAt.Before(since) && !n.ReactedAt.After(until) {
			out = append(out, cloneNotification(n))
		}
	}
	slices.SortFunc(out, func(a, b model.Notification) int {
		if c := a.ReactedAt.Compare(*b.ReactedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
