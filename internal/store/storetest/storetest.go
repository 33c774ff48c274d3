// Package storetest is a behavioral suite every store.Gateway implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
)

// Opener returns a fresh, empty gateway. The suite closes it.
type Opener func(t *testing.T) store.Gateway

var base = time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

// Run executes the conformance suite against gateways produced by open.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, g store.Gateway)
	}{
		{"CreateTaskIsIdempotent", testCreateTaskIdempotent},
		{"TaskLookupsAreWorkspaceScoped", testTaskScoping},
		{"UpdateTask", testUpdateTask},
		{"NotificationRequiresTask", testNotificationRequiresTask},
		{"ScheduledWindow", testScheduledWindow},
		{"UpdateNotificationKeepsRecipient", testUpdateKeepsRecipient},
		{"DeleteNotification", testDeleteNotification},
		{"RecordReaction", testRecordReaction},
		{"ReactedByTasksNewestFirst", testReactedByTasks},
		{"MemoryUpsertIsOnePerWorkspace", testMemoryUpsert},
		{"MembersAndNoteVersions", testDirectory},
		{"ReactionChoicesShapes", testReactionChoices},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := open(t)
			t.Cleanup(func() { _ = g.Close() })
			tc.fn(t, context.Background(), g)
		})
	}
}

func seedTask(t *testing.T, ctx context.Context, g store.Gateway, ws int64, sourceID string) model.Task {
	t.Helper()
	task, created, err := g.CreateTask(ctx, model.Task{
		WorkspaceID: ws,
		Title:       "task " + sourceID,
		SourceType:  model.SourceNote,
		SourceID:    sourceID,
		Assignees:   []int64{10},
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func seedNotification(t *testing.T, ctx context.Context, g store.Gateway, task model.Task, member int64, due time.Time) model.Notification {
	t.Helper()
	n, err := g.CreateNotification(ctx, model.Notification{
		TaskID:            task.ID,
		WorkspaceID:       task.WorkspaceID,
		WorkspaceMemberID: member,
		Title:             "remind " + task.SourceID,
		Body:              "body",
		DueDate:           due,
	})
	require.NoError(t, err)
	return n
}

func testCreateTaskIdempotent(t *testing.T, ctx context.Context, g store.Gateway) {
	first := seedTask(t, ctx, g, 1, "42")
	assert.NotZero(t, first.ID)
	assert.Equal(t, model.TaskStatusOpen, first.Status)
	assert.Equal(t, []int64{10}, first.Assignees)

	again, created, err := g.CreateTask(ctx, model.Task{
		WorkspaceID: 1, Title: "different title", SourceType: model.SourceNote, SourceID: "42",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "task 42", again.Title)

	// Same source id under another type is a distinct task.
	chat, created, err := g.CreateTask(ctx, model.Task{
		WorkspaceID: 1, Title: "chat", SourceType: model.SourceChat, SourceID: "42",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, chat.ID)

	all, err := g.FindTasksByWorkspace(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testTaskScoping(t *testing.T, ctx context.Context, g store.Gateway) {
	a := seedTask(t, ctx, g, 1, "a")
	b := seedTask(t, ctx, g, 2, "a")
	require.NotEqual(t, a.ID, b.ID)

	got, err := g.FindTasksBySources(ctx, 1, []model.SourceRef{{Type: model.SourceNote, ID: "a"}, {Type: model.SourceNote, ID: "missing"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = g.FindTasksByIDs(ctx, 1, []int64{a.ID, b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = g.FindTasksBySources(ctx, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUpdateTask(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	deadline := base.Add(48 * time.Hour)
	task.Title = "renamed"
	task.Description = "details\n\n## Reaction history\n- done"
	task.Assignees = []int64{10, 11}
	task.Deadline = &deadline
	task.Status = model.TaskStatusCompleted

	updated, err := g.UpdateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, task.Description, updated.Description)
	assert.Equal(t, []int64{10, 11}, updated.Assignees)
	assert.Equal(t, model.TaskStatusCompleted, updated.Status)
	require.NotNil(t, updated.Deadline)
	assert.True(t, deadline.Equal(*updated.Deadline))

	reopen := updated
	reopen.Status = model.TaskStatusOpen
	_, err = g.UpdateTask(ctx, reopen)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = g.UpdateTask(ctx, model.Task{ID: task.ID + 1000, Status: model.TaskStatusOpen})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = g.UpdateTask(ctx, model.Task{ID: task.ID, Title: "x", Status: "archived"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testNotificationRequiresTask(t *testing.T, ctx context.Context, g store.Gateway) {
	_, err := g.CreateNotification(ctx, model.Notification{
		TaskID: 999, WorkspaceID: 1, WorkspaceMemberID: 10, Title: "orphan", DueDate: base,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testScheduledWindow(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	other := seedTask(t, ctx, g, 2, "42")
	late := seedNotification(t, ctx, g, task, 10, base.Add(5*time.Hour))
	early := seedNotification(t, ctx, g, task, 11, base.Add(time.Hour))
	seedNotification(t, ctx, g, task, 10, base.Add(30*time.Hour))
	seedNotification(t, ctx, g, other, 10, base.Add(2*time.Hour))
	resolved := seedNotification(t, ctx, g, task, 10, base.Add(3*time.Hour))
	_, err := g.RecordReaction(ctx, resolved.ID, strp("ok"), base)
	require.NoError(t, err)

	got, err := g.FindScheduledInWindow(ctx, 1, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)
	assert.Equal(t, model.NotificationStatusScheduled, got[0].Status)
}

func testUpdateKeepsRecipient(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	n := seedNotification(t, ctx, g, task, 10, base.Add(time.Hour))

	reactBy := base.Add(3 * time.Hour)
	n.WorkspaceMemberID = 99
	n.Title = "merged"
	n.Body = "merged body"
	n.DueDate = base.Add(2 * time.Hour)
	n.ReactionChoices = model.ReactionChoices{"yes", "no"}
	n.ReactedAt = &reactBy

	updated, err := g.UpdateNotification(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, int64(10), updated.WorkspaceMemberID)
	assert.Equal(t, "merged", updated.Title)
	assert.True(t, base.Add(2*time.Hour).Equal(updated.DueDate))
	assert.Equal(t, model.ReactionChoices{"yes", "no"}, updated.ReactionChoices)
	require.NotNil(t, updated.ReactedAt)
	assert.True(t, reactBy.Equal(*updated.ReactedAt))

	_, err = g.UpdateNotification(ctx, model.Notification{ID: n.ID + 1000, DueDate: base})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteNotification(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	n := seedNotification(t, ctx, g, task, 10, base.Add(time.Hour))

	require.NoError(t, g.DeleteNotification(ctx, n.ID))
	assert.ErrorIs(t, g.DeleteNotification(ctx, n.ID), store.ErrNotFound)

	got, err := g.FindNotificationsByIDs(ctx, []int64{n.ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testRecordReaction(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	n := seedNotification(t, ctx, g, task, 10, base.Add(time.Hour))
	at := base.Add(90 * time.Minute)

	got, err := g.RecordReaction(ctx, n.ID, strp("done"), at)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusResolved, got.Status)
	require.NotNil(t, got.ReactionText)
	assert.Equal(t, "done", *got.ReactionText)
	require.NotNil(t, got.ReactedAt)
	assert.True(t, at.Equal(*got.ReactedAt))

	_, err = g.RecordReaction(ctx, n.ID, strp("again"), at)
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = g.RecordReaction(ctx, n.ID+1000, nil, at)
	assert.ErrorIs(t, err, store.ErrNotFound)

	recent, err := g.RecentReactions(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, n.ID, recent[0].ID)

	recent, err = g.RecentReactions(ctx, base.Add(2*time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func testReactedByTasks(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	other := seedTask(t, ctx, g, 1, "43")
	var ids []int64
	for i := range 3 {
		n := seedNotification(t, ctx, g, task, 10, base.Add(time.Duration(i+1)*time.Hour))
		_, err := g.RecordReaction(ctx, n.ID, strp("r"), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	// A scheduled row carrying an expected reaction time is not history.
	expect := base.Add(time.Hour)
	pending, err := g.CreateNotification(ctx, model.Notification{
		TaskID: task.ID, WorkspaceID: 1, WorkspaceMemberID: 10, Title: "pending",
		DueDate: base.Add(4 * time.Hour), ReactionChoices: model.ReactionChoices{}, ReactedAt: &expect,
	})
	require.NoError(t, err)
	seedNotification(t, ctx, g, other, 10, base.Add(time.Hour))

	got, err := g.FindReactedByTasks(ctx, []int64{task.ID, other.ID}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	got, err = g.FindReactedByTasks(ctx, []int64{task.ID}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	for _, n := range got {
		assert.NotEqual(t, pending.ID, n.ID)
	}
}

func testMemoryUpsert(t *testing.T, ctx context.Context, g store.Gateway) {
	_, found, err := g.FindMemory(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	first, err := g.UpsertMemory(ctx, 1, "v1")
	require.NoError(t, err)
	second, err := g.UpsertMemory(ctx, 1, "v2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = g.UpsertMemory(ctx, 2, "other")
	require.NoError(t, err)

	mem, found, err := g.FindMemory(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", mem.Content)
	assert.Equal(t, int64(1), mem.WorkspaceID)
}

func testDirectory(t *testing.T, ctx context.Context, g store.Gateway) {
	_, err := g.PutMember(ctx, model.WorkspaceMember{ID: 11, WorkspaceID: 1, Name: "Ren", Role: "member"})
	require.NoError(t, err)
	_, err = g.PutMember(ctx, model.WorkspaceMember{ID: 10, WorkspaceID: 1, Name: "Aki", Role: "owner"})
	require.NoError(t, err)
	_, err = g.PutMember(ctx, model.WorkspaceMember{ID: 12, WorkspaceID: 2, Name: "Sora"})
	require.NoError(t, err)
	_, err = g.PutMember(ctx, model.WorkspaceMember{ID: 11, WorkspaceID: 1, Name: "Ren K", Role: "member"})
	require.NoError(t, err)

	members, err := g.FindMembers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, int64(10), members[0].ID)
	assert.Equal(t, "Ren K", members[1].Name)

	require.NoError(t, g.RecordNoteVersion(ctx, model.NoteVersion{NoteID: "n1", WorkspaceID: 1, Text: "old", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, g.RecordNoteVersion(ctx, model.NoteVersion{NoteID: "n1", WorkspaceID: 1, Text: "v1", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, g.RecordNoteVersion(ctx, model.NoteVersion{NoteID: "n1", WorkspaceID: 1, Text: "v2", CreatedAt: base.Add(2 * time.Minute)}))

	versions, err := g.RecentNoteVersions(ctx, base)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Text)
	assert.Equal(t, "v2", versions[1].Text)
}

func testReactionChoices(t *testing.T, ctx context.Context, g store.Gateway) {
	task := seedTask(t, ctx, g, 1, "42")
	shapes := map[string]model.ReactionChoices{
		"none":      nil,
		"free text": {},
		"options":   {"yes", "later"},
	}
	for name, choices := range shapes {
		n, err := g.CreateNotification(ctx, model.Notification{
			TaskID: task.ID, WorkspaceID: 1, WorkspaceMemberID: 10, Title: name,
			DueDate: base.Add(time.Hour), ReactionChoices: choices,
		})
		require.NoError(t, err, name)
		got, err := g.FindNotificationsByIDs(ctx, []int64{n.ID})
		require.NoError(t, err, name)
		require.Len(t, got, 1, name)
		assert.Equal(t, choices, got[0].ReactionChoices, name)
		assert.Equal(t, choices.Requested(), got[0].ReactionChoices.Requested(), name)
	}
}
