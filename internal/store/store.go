// Package store defines the persistence gateway consumed by the pipeline.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/cogno/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type TaskStore interface {
	FindTasksBySources(ctx context.Context, workspaceID int64, refs []model.SourceRef) ([]model.Task, error)
	FindTasksByIDs(ctx context.Context, workspaceID int64, ids []int64) ([]model.Task, error)
	FindTasksByWorkspace(ctx context.Context, workspaceID int64) ([]model.Task, error)
	// CreateTask is idempotent on (workspace, source_type, source_id): when a task for the
	// source exists it is returned unchanged with created=false.
	CreateTask(ctx context.Context, t model.Task) (task model.Task, created bool, err error)
	UpdateTask(ctx context.Context, t model.Task) (model.Task, error)
}

type NotificationStore interface {
	// FindScheduledInWindow returns scheduled notifications due in [from, to], ordered by due date.
	FindScheduledInWindow(ctx context.Context, workspaceID int64, from, to time.Time) ([]model.Notification, error)
	FindNotificationsByIDs(ctx context.Context, ids []int64) ([]model.Notification, error)
	// FindReactedByTasks returns reacted notifications of the tasks, newest reaction first.
	FindReactedByTasks(ctx context.Context, taskIDs []int64, limit int) ([]model.Notification, error)
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	// UpdateNotification rewrites title, body, due date and reaction fields. The recipient is never changed.
	UpdateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	DeleteNotification(ctx context.Context, id int64) error
	// RecordReaction stores a user's reaction and resolves the notification.
	RecordReaction(ctx context.Context, id int64, text *string, at time.Time) (model.Notification, error)
}

type MemoryStore interface {
	FindMemory(ctx context.Context, workspaceID int64) (mem model.WorkingMemory, found bool, err error)
	UpsertMemory(ctx context.Context, workspaceID int64, content string) (model.WorkingMemory, error)
}

type MemberStore interface {
	FindMembers(ctx context.Context, workspaceID int64) ([]model.WorkspaceMember, error)
}

// ChangeFeed exposes recent upstream changes to the sync poller.
type ChangeFeed interface {
	RecentNoteVersions(ctx context.Context, since time.Time) ([]model.NoteVersion, error)
	RecentReactions(ctx context.Context, since, until time.Time) ([]model.Notification, error)
}

// Directory is written by the surrounding application; the pipeline only reads it.
type Directory interface {
	PutMember(ctx context.Context, m model.WorkspaceMember) (model.WorkspaceMember, error)
	RecordNoteVersion(ctx context.Context, v model.NoteVersion) error
}

type Gateway interface {
	TaskStore
	NotificationStore
	MemoryStore
	MemberStore
	ChangeFeed
	Directory
	Close() error
}
