// Package postgres is a Gateway backed by PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
)

var _ store.Gateway = (*Store)(nil)

var ddl = []string{
	`create table if not exists workspace_members (
		id           bigserial primary key,
		workspace_id bigint not null,
		user_id      text not null default '',
		role         text not null default '',
		name         text not null default ''
	)`,
	`create index if not exists idx_members_workspace on workspace_members (workspace_id)`,
	`create table if not exists tasks (
		id           bigserial primary key,
		workspace_id bigint not null,
		title        text not null,
		description  text not null default '',
		source_type  text not null,
		source_id    text not null,
		assignees    bigint[] not null default '{}',
		status       text not null,
		deadline     timestamptz,
		created_at   timestamptz not null default now(),
		updated_at   timestamptz not null default now(),
		unique (workspace_id, source_type, source_id)
	)`,
	`create table if not exists notifications (
		id                  bigserial primary key,
		task_id             bigint not null references tasks (id) on delete cascade,
		workspace_id        bigint not null,
		workspace_member_id bigint not null,
		title               text not null,
		body                text not null default '',
		due_date            timestamptz not null,
		reaction_choices    jsonb,
		reaction_text       text,
		reacted_at          timestamptz,
		status              text not null,
		created_at          timestamptz not null default now(),
		updated_at          timestamptz not null default now()
	)`,
	`create index if not exists idx_notifications_window on notifications (workspace_id, status, due_date)`,
	`create index if not exists idx_notifications_reacted on notifications (reacted_at)`,
	`create table if not exists working_memories (
		id           bigserial primary key,
		workspace_id bigint not null unique,
		content      text not null,
		updated_at   timestamptz not null default now()
	)`,
	`create table if not exists note_versions (
		id           bigserial primary key,
		note_id      text not null,
		workspace_id bigint not null,
		title        text not null default '',
		text         text not null default '',
		created_at   timestamptz not null default now()
	)`,
	`create index if not exists idx_note_versions_created on note_versions (created_at)`,
}

type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(connectCtx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func mapPgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrConflict
		case "23503":
			return store.ErrNotFound
		default:
			return fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message)
		}
	}
	return err
}

// --- tasks ---

const taskCols = `id, workspace_id, title, description, source_type, source_id, assignees, status, deadline, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	var sourceType, status string
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &sourceType, &t.SourceID,
		&t.Assignees, &status, &t.Deadline, &t.CreatedAt, &t.UpdatedAt)
	t.SourceType = model.SourceType(sourceType)
	t.Status = model.TaskStatus(status)
	return t, err
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindTasksBySources(ctx context.Context, workspaceID int64, refs []model.SourceRef) ([]model.Task, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	types := make([]string, len(refs))
	ids := make([]string, len(refs))
	for i, r := range refs {
		types[i] = string(r.Type)
		ids[i] = r.ID
	}
	return s.queryTasks(ctx, `
		select `+taskCols+` from tasks
		where workspace_id = $1
		  and (source_type, source_id) in (select * from unnest($2::text[], $3::text[]))
		order by id`, workspaceID, types, ids)
}

func (s *Store) FindTasksByIDs(ctx context.Context, workspaceID int64, ids []int64) ([]model.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryTasks(ctx, `select `+taskCols+` from tasks where workspace_id = $1 and id = any($2) order by id`,
		workspaceID, ids)
}

func (s *Store) FindTasksByWorkspace(ctx context.Context, workspaceID int64) ([]model.Task, error) {
	return s.queryTasks(ctx, `select `+taskCols+` from tasks where workspace_id = $1 order by id`, workspaceID)
}

func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, bool, error) {
	if t.Status == "" {
		t.Status = model.TaskStatusOpen
	}
	if t.Assignees == nil {
		t.Assignees = []int64{}
	}
	created, err := scanTask(s.pool.QueryRow(ctx, `
		insert into tasks (workspace_id, title, description, source_type, source_id, assignees, status, deadline)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (workspace_id, source_type, source_id) do nothing
		returning `+taskCols,
		t.WorkspaceID, t.Title, t.Description, string(t.SourceType), t.SourceID, t.Assignees, string(t.Status), t.Deadline))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, false, mapPgErr(err)
	}
	existing, err := scanTask(s.pool.QueryRow(ctx, `
		select `+taskCols+` from tasks where workspace_id = $1 and source_type = $2 and source_id = $3`,
		t.WorkspaceID, string(t.SourceType), t.SourceID))
	if err != nil {
		return model.Task{}, false, mapPgErr(err)
	}
	return existing, false, nil
}

func (s *Store) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Task{}, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	if err := tx.QueryRow(ctx, `select status from tasks where id = $1 for update`, t.ID).Scan(&current); err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, mapPgErr(err))
	}
	if err := model.ValidateTaskTransition(model.TaskStatus(current), t.Status); err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w: %v", t.ID, store.ErrConflict, err)
	}
	if t.Assignees == nil {
		t.Assignees = []int64{}
	}
	updated, err := scanTask(tx.QueryRow(ctx, `
		update tasks set title = $2, description = $3, assignees = $4, status = $5, deadline = $6, updated_at = now()
		where id = $1
		returning `+taskCols,
		t.ID, t.Title, t.Description, t.Assignees, string(t.Status), t.Deadline))
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, mapPgErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Task{}, mapPgErr(err)
	}
	return updated, nil
}

// --- notifications ---

const notificationCols = `id, task_id, workspace_id, workspace_member_id, title, body, due_date,
	reaction_choices, reaction_text, reacted_at, status, created_at, updated_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	var choices []byte
	var status string
	if err := row.Scan(&n.ID, &n.TaskID, &n.WorkspaceID, &n.WorkspaceMemberID, &n.Title, &n.Body, &n.DueDate,
		&choices, &n.ReactionText, &n.ReactedAt, &status, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return model.Notification{}, err
	}
	n.Status = model.NotificationStatus(status)
	if choices != nil {
		n.ReactionChoices = model.ReactionChoices{}
		if err := json.Unmarshal(choices, &n.ReactionChoices); err != nil {
			return model.Notification{}, fmt.Errorf("decode reaction_choices of notification %d: %w", n.ID, err)
		}
		if n.ReactionChoices == nil {
			n.ReactionChoices = model.ReactionChoices{}
		}
	}
	return n, nil
}

func encodeChoices(c model.ReactionChoices) (*string, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) FindScheduledInWindow(ctx context.Context, workspaceID int64, from, to time.Time) ([]model.Notification, error) {
	return s.queryNotifications(ctx, `
		select `+notificationCols+` from notifications
		where workspace_id = $1 and status = $2 and due_date between $3 and $4
		order by due_date, id`,
		workspaceID, string(model.NotificationStatusScheduled), from, to)
}

func (s *Store) FindNotificationsByIDs(ctx context.Context, ids []int64) ([]model.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryNotifications(ctx, `select `+notificationCols+` from notifications where id = any($1) order by id`, ids)
}

func (s *Store) FindReactedByTasks(ctx context.Context, taskIDs []int64, limit int) ([]model.Notification, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.queryNotifications(ctx, `
		select `+notificationCols+` from notifications
		where task_id = any($1) and status = $2 and reacted_at is not null
		order by reacted_at desc, id desc
		limit $3`,
		taskIDs, string(model.NotificationStatusResolved), lim)
}

func (s *Store) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.Status == "" {
		n.Status = model.NotificationStatusScheduled
	}
	choices, err := encodeChoices(n.ReactionChoices)
	if err != nil {
		return model.Notification{}, err
	}
	created, err := scanNotification(s.pool.QueryRow(ctx, `
		insert into notifications (task_id, workspace_id, workspace_member_id, title, body, due_date,
			reaction_choices, reaction_text, reacted_at, status)
		values ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		returning `+notificationCols,
		n.TaskID, n.WorkspaceID, n.WorkspaceMemberID, n.Title, n.Body, n.DueDate,
		choices, n.ReactionText, n.ReactedAt, string(n.Status)))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification for task %d: %w", n.TaskID, mapPgErr(err))
	}
	return created, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	choices, err := encodeChoices(n.ReactionChoices)
	if err != nil {
		return model.Notification{}, err
	}
	updated, err := scanNotification(s.pool.QueryRow(ctx, `
		update notifications
		set title = $2, body = $3, due_date = $4, reaction_choices = $5::jsonb, reacted_at = $6, updated_at = now()
		where id = $1
		returning `+notificationCols,
		n.ID, n.Title, n.Body, n.DueDate, choices, n.ReactedAt))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", n.ID, mapPgErr(err))
	}
	return updated, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `delete from notifications where id = $1`, id)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordReaction(ctx context.Context, id int64, text *string, at time.Time) (model.Notification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Notification{}, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	if err := tx.QueryRow(ctx, `select status from notifications where id = $1 for update`, id).Scan(&current); err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, mapPgErr(err))
	}
	if err := model.ValidateNotificationTransition(model.NotificationStatus(current), model.NotificationStatusResolved); err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w: %v", id, store.ErrConflict, err)
	}
	n, err := scanNotification(tx.QueryRow(ctx, `
		update notifications set reaction_text = $2, reacted_at = $3, status = $4, updated_at = now()
		where id = $1
		returning `+notificationCols,
		id, text, at, string(model.NotificationStatusResolved)))
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, mapPgErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Notification{}, mapPgErr(err)
	}
	return n, nil
}

// --- memory ---

func (s *Store) FindMemory(ctx context.Context, workspaceID int64) (model.WorkingMemory, bool, error) {
	var m model.WorkingMemory
	err := s.pool.QueryRow(ctx, `select id, workspace_id, content, updated_at from working_memories where workspace_id = $1`,
		workspaceID).Scan(&m.ID, &m.WorkspaceID, &m.Content, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkingMemory{}, false, nil
	}
	if err != nil {
		return model.WorkingMemory{}, false, mapPgErr(err)
	}
	return m, true, nil
}

func (s *Store) UpsertMemory(ctx context.Context, workspaceID int64, content string) (model.WorkingMemory, error) {
	var m model.WorkingMemory
	err := s.pool.QueryRow(ctx, `
		insert into working_memories (workspace_id, content) values ($1, $2)
		on conflict (workspace_id) do update set content = excluded.content, updated_at = now()
		returning id, workspace_id, content, updated_at`,
		workspaceID, content).Scan(&m.ID, &m.WorkspaceID, &m.Content, &m.UpdatedAt)
	if err != nil {
		return model.WorkingMemory{}, mapPgErr(err)
	}
	return m, nil
}

// --- members, change feed ---

func (s *Store) FindMembers(ctx context.Context, workspaceID int64) ([]model.WorkspaceMember, error) {
	rows, err := s.pool.Query(ctx, `
		select id, workspace_id, user_id, role, name from workspace_members
		where workspace_id = $1 order by id`, workspaceID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []model.WorkspaceMember
	for rows.Next() {
		var m model.WorkspaceMember
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Role, &m.Name); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PutMember(ctx context.Context, m model.WorkspaceMember) (model.WorkspaceMember, error) {
	var err error
	if m.ID == 0 {
		err = s.pool.QueryRow(ctx, `
			insert into workspace_members (workspace_id, user_id, role, name) values ($1, $2, $3, $4)
			returning id`, m.WorkspaceID, m.UserID, m.Role, m.Name).Scan(&m.ID)
	} else {
		_, err = s.pool.Exec(ctx, `
			insert into workspace_members (id, workspace_id, user_id, role, name) values ($1, $2, $3, $4, $5)
			on conflict (id) do update
			set workspace_id = excluded.workspace_id, user_id = excluded.user_id, role = excluded.role, name = excluded.name`,
			m.ID, m.WorkspaceID, m.UserID, m.Role, m.Name)
	}
	if err != nil {
		return model.WorkspaceMember{}, mapPgErr(err)
	}
	return m, nil
}

func (s *Store) RecordNoteVersion(ctx context.Context, v model.NoteVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		insert into note_versions (note_id, workspace_id, title, text, created_at) values ($1, $2, $3, $4, $5)`,
		v.NoteID, v.WorkspaceID, v.Title, v.Text, v.CreatedAt)
	return mapPgErr(err)
}

func (s *Store) RecentNoteVersions(ctx context.Context, since time.Time) ([]model.NoteVersion, error) {
	rows, err := s.pool.Query(ctx, `
		select note_id, workspace_id, title, text, created_at from note_versions
		where created_at >= $1 order by created_at, id`, since)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []model.NoteVersion
	for rows.Next() {
		var v model.NoteVersion
		if err := rows.Scan(&v.NoteID, &v.WorkspaceID, &v.Title, &v.Text, &v.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RecentReactions(ctx context.Context, since, until time.Time) ([]model.Notification, error) {
	return s.queryNotifications(ctx, `
		select `+notificationCols+` from notifications
		where status = $1 and reacted_at between $2 and $3
		order by reacted_at, id`,
		string(model.NotificationStatusResolved), since, until)
}
