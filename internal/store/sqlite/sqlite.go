// Package sqlite is a Gateway backed by a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
)

var _ store.Gateway = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS workspace_members (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id INTEGER NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_members_workspace ON workspace_members (workspace_id);

CREATE TABLE IF NOT EXISTS tasks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id INTEGER NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	source_type  TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	assignees    TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL,
	deadline     TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE (workspace_id, source_type, source_id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id             INTEGER NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	workspace_id        INTEGER NOT NULL,
	workspace_member_id INTEGER NOT NULL,
	title               TEXT NOT NULL,
	body                TEXT NOT NULL DEFAULT '',
	due_date            TEXT NOT NULL,
	reaction_choices    TEXT,
	reaction_text       TEXT,
	reacted_at          TEXT,
	status              TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_window ON notifications (workspace_id, status, due_date);
CREATE INDEX IF NOT EXISTS idx_notifications_reacted ON notifications (reacted_at);

CREATE TABLE IF NOT EXISTS working_memories (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id INTEGER NOT NULL UNIQUE,
	content      TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS note_versions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	note_id      TEXT NOT NULL,
	workspace_id INTEGER NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_note_versions_created ON note_versions (created_at);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) the database at path. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	dsn := "file::memory:?" + pragmas
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
		dsn = "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and :memory: is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return store.ErrNotFound
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return store.ErrConflict
		}
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			if strings.Contains(se.Error(), "FOREIGN KEY") {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

// --- tasks ---

const taskCols = `id, workspace_id, title, description, source_type, source_id, assignees, status, deadline, created_at, updated_at`

func scanTask(row scanner) (model.Task, error) {
	var (
		t                model.Task
		assignees        string
		deadline         sql.NullString
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.SourceType, &t.SourceID,
		&assignees, &t.Status, &deadline, &created, &updated); err != nil {
		return model.Task{}, err
	}
	if err := json.Unmarshal([]byte(assignees), &t.Assignees); err != nil {
		return model.Task{}, fmt.Errorf("decode assignees of task %d: %w", t.ID, err)
	}
	var err error
	if t.Deadline, err = parseNullTime(deadline); err != nil {
		return model.Task{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return model.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindTasksBySources(ctx context.Context, workspaceID int64, refs []model.SourceRef) ([]model.Task, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	conds := make([]string, len(refs))
	args := []any{workspaceID}
	for i, r := range refs {
		conds[i] = "(source_type = ? AND source_id = ?)"
		args = append(args, string(r.Type), r.ID)
	}
	return s.queryTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE workspace_id = ? AND (`+
		strings.Join(conds, " OR ")+`) ORDER BY id`, args...)
}

func (s *Store) FindTasksByIDs(ctx context.Context, workspaceID int64, ids []int64) ([]model.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{workspaceID}, int64Args(ids)...)
	return s.queryTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE workspace_id = ? AND id IN (`+
		placeholders(len(ids))+`) ORDER BY id`, args...)
}

func (s *Store) FindTasksByWorkspace(ctx context.Context, workspaceID int64) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE workspace_id = ? ORDER BY id`, workspaceID)
}

func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, bool, error) {
	if t.Status == "" {
		t.Status = model.TaskStatusOpen
	}
	assignees, err := json.Marshal(nonNilIDs(t.Assignees))
	if err != nil {
		return model.Task{}, false, err
	}
	now := fmtTime(time.Now())
	created, err := scanTask(s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (workspace_id, title, description, source_type, source_id, assignees, status, deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, source_type, source_id) DO NOTHING
		RETURNING `+taskCols,
		t.WorkspaceID, t.Title, t.Description, string(t.SourceType), t.SourceID, string(assignees),
		string(t.Status), fmtTimePtr(t.Deadline), now, now))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, mapErr(err)
	}
	existing, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks
		WHERE workspace_id = ? AND source_type = ? AND source_id = ?`, t.WorkspaceID, string(t.SourceType), t.SourceID))
	if err != nil {
		return model.Task{}, false, mapErr(err)
	}
	return existing, false, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func (s *Store) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	var current model.TaskStatus
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&current); err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, mapErr(err))
	}
	if err := model.ValidateTaskTransition(current, t.Status); err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w: %v", t.ID, store.ErrConflict, err)
	}
	assignees, err := json.Marshal(nonNilIDs(t.Assignees))
	if err != nil {
		return model.Task{}, err
	}
	updated, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, assignees = ?, status = ?, deadline = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+taskCols,
		t.Title, t.Description, string(assignees), string(t.Status), fmtTimePtr(t.Deadline), fmtTime(time.Now()), t.ID))
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, mapErr(err))
	}
	return updated, nil
}

// --- notifications ---

const notificationCols = `id, task_id, workspace_id, workspace_member_id, title, body, due_date,
	reaction_choices, reaction_text, reacted_at, status, created_at, updated_at`

func scanNotification(row scanner) (model.Notification, error) {
	var (
		n                        model.Notification
		due, created, updated    string
		choices, text, reactedAt sql.NullString
	)
	if err := row.Scan(&n.ID, &n.TaskID, &n.WorkspaceID, &n.WorkspaceMemberID, &n.Title, &n.Body, &due,
		&choices, &text, &reactedAt, &n.Status, &created, &updated); err != nil {
		return model.Notification{}, err
	}
	if choices.Valid {
		if err := json.Unmarshal([]byte(choices.String), &n.ReactionChoices); err != nil {
			return model.Notification{}, fmt.Errorf("decode reaction_choices of notification %d: %w", n.ID, err)
		}
		if n.ReactionChoices == nil {
			n.ReactionChoices = model.ReactionChoices{}
		}
	}
	if text.Valid {
		v := text.String
		n.ReactionText = &v
	}
	var err error
	if n.DueDate, err = parseTime(due); err != nil {
		return model.Notification{}, err
	}
	if n.ReactedAt, err = parseNullTime(reactedAt); err != nil {
		return model.Notification{}, err
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return model.Notification{}, err
	}
	if n.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Notification{}, err
	}
	return n, nil
}

func encodeChoices(c model.ReactionChoices) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) FindScheduledInWindow(ctx context.Context, workspaceID int64, from, to time.Time) ([]model.Notification, error) {
	return s.queryNotifications(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE workspace_id = ? AND status = ? AND due_date >= ? AND due_date <= ?
		ORDER BY due_date, id`,
		workspaceID, string(model.NotificationStatusScheduled), fmtTime(from), fmtTime(to))
}

func (s *Store) FindNotificationsByIDs(ctx context.Context, ids []int64) ([]model.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryNotifications(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, int64Args(ids)...)
}

func (s *Store) FindReactedByTasks(ctx context.Context, taskIDs []int64, limit int) ([]model.Notification, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	args := append(int64Args(taskIDs), string(model.NotificationStatusResolved), limit)
	return s.queryNotifications(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE task_id IN (`+placeholders(len(taskIDs))+`) AND status = ? AND reacted_at IS NOT NULL
		ORDER BY reacted_at DESC, id DESC LIMIT ?`, args...)
}

func (s *Store) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.Status == "" {
		n.Status = model.NotificationStatusScheduled
	}
	choices, err := encodeChoices(n.ReactionChoices)
	if err != nil {
		return model.Notification{}, err
	}
	now := fmtTime(time.Now())
	created, err := scanNotification(s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (task_id, workspace_id, workspace_member_id, title, body, due_date,
			reaction_choices, reaction_text, reacted_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+notificationCols,
		n.TaskID, n.WorkspaceID, n.WorkspaceMemberID, n.Title, n.Body, fmtTime(n.DueDate),
		choices, n.ReactionText, fmtTimePtr(n.ReactedAt), string(n.Status), now, now))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification for task %d: %w", n.TaskID, mapErr(err))
	}
	return created, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	choices, err := encodeChoices(n.ReactionChoices)
	if err != nil {
		return model.Notification{}, err
	}
	updated, err := scanNotification(s.db.QueryRowContext(ctx, `
		UPDATE notifications SET title = ?, body = ?, due_date = ?, reaction_choices = ?, reacted_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+notificationCols,
		n.Title, n.Body, fmtTime(n.DueDate), choices, fmtTimePtr(n.ReactedAt), fmtTime(time.Now()), n.ID))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", n.ID, mapErr(err))
	}
	return updated, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordReaction(ctx context.Context, id int64, text *string, at time.Time) (model.Notification, error) {
	var current model.NotificationStatus
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM notifications WHERE id = ?`, id).Scan(&current); err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, mapErr(err))
	}
	if err := model.ValidateNotificationTransition(current, model.NotificationStatusResolved); err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w: %v", id, store.ErrConflict, err)
	}
	n, err := scanNotification(s.db.QueryRowContext(ctx, `
		UPDATE notifications SET reaction_text = ?, reacted_at = ?, status = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+notificationCols,
		text, fmtTime(at), string(model.NotificationStatusResolved), fmtTime(time.Now()), id))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, mapErr(err))
	}
	return n, nil
}

// --- memory ---

func scanMemory(row scanner) (model.WorkingMemory, error) {
	var m model.WorkingMemory
	var updated string
	if err := row.Scan(&m.ID, &m.WorkspaceID, &m.Content, &updated); err != nil {
		return model.WorkingMemory{}, err
	}
	var err error
	m.UpdatedAt, err = parseTime(updated)
	return m, err
}

func (s *Store) FindMemory(ctx context.Context, workspaceID int64) (model.WorkingMemory, bool, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, content, updated_at FROM working_memories WHERE workspace_id = ?`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkingMemory{}, false, nil
	}
	if err != nil {
		return model.WorkingMemory{}, false, mapErr(err)
	}
	return m, true, nil
}

func (s *Store) UpsertMemory(ctx context.Context, workspaceID int64, content string) (model.WorkingMemory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `
		INSERT INTO working_memories (workspace_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		RETURNING id, workspace_id, content, updated_at`,
		workspaceID, content, fmtTime(time.Now())))
	if err != nil {
		return model.WorkingMemory{}, mapErr(err)
	}
	return m, nil
}

// --- members, change feed ---

func (s *Store) FindMembers(ctx context.Context, workspaceID int64) ([]model.WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, user_id, role, name FROM workspace_members WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.WorkspaceMember
	for rows.Next() {
		var m model.WorkspaceMember
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Role, &m.Name); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PutMember(ctx context.Context, m model.WorkspaceMember) (model.WorkspaceMember, error) {
	var id any
	if m.ID != 0 {
		id = m.ID
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspace_members (id, workspace_id, user_id, role, name) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id, user_id = excluded.user_id,
			role = excluded.role, name = excluded.name
		RETURNING id`, id, m.WorkspaceID, m.UserID, m.Role, m.Name).Scan(&m.ID)
	if err != nil {
		return model.WorkspaceMember{}, mapErr(err)
	}
	return m, nil
}

func (s *Store) RecordNoteVersion(ctx context.Context, v model.NoteVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO note_versions (note_id, workspace_id, title, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.NoteID, v.WorkspaceID, v.Title, v.Text, fmtTime(v.CreatedAt))
	return mapErr(err)
}

func (s *Store) RecentNoteVersions(ctx context.Context, since time.Time) ([]model.NoteVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT note_id, workspace_id, title, text, created_at FROM note_versions
		WHERE created_at >= ? ORDER BY created_at, id`, fmtTime(since))
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.NoteVersion
	for rows.Next() {
		var v model.NoteVersion
		var created string
		if err := rows.Scan(&v.NoteID, &v.WorkspaceID, &v.Title, &v.Text, &created); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RecentReactions(ctx context.Context, since, until time.Time) ([]model.Notification, error) {
	return s.queryNotifications(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE status = ? AND reacted_at >= ? AND reacted_at <= ?
		ORDER BY reacted_at, id`,
		string(model.NotificationStatusResolved), fmtTime(since), fmtTime(until))
}
