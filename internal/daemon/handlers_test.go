package daemon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle/oracletest"
	"github.com/msageha/cogno/internal/poller"
	"github.com/msageha/cogno/internal/uds"
)

func errorCode(t *testing.T, err error) string {
	t.Helper()
	var detail *uds.ErrorDetail
	require.True(t, errors.As(err, &detail), "want *uds.ErrorDetail, got %v", err)
	return detail.Code
}

func TestHandlers_Validation(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{})
	client := td.start(t)

	tests := []struct {
		name    string
		command string
		params  any
	}{
		{"process without workspace", uds.CommandProcess, model.EventBatch{}},
		{"process bad mode", uds.CommandProcess, model.EventBatch{WorkspaceID: 1, Mode: "stream"}},
		{"react without id", uds.CommandReact, uds.ReactParams{}},
		{"memory_get without workspace", uds.CommandMemoryGet, uds.MemoryParams{}},
		{"memory_put without workspace", uds.CommandMemoryPut, uds.MemoryParams{Content: "x"}},
		{"sync negative lookback", uds.CommandSync, uds.SyncParams{LookbackMin: -1}},
		{"member_put without name", uds.CommandMemberPut, model.WorkspaceMember{WorkspaceID: 1}},
		{"note_put without note id", uds.CommandNotePut, uds.NotePutParams{Version: model.NoteVersion{WorkspaceID: 1}}},
		{"params of the wrong shape", uds.CommandMemoryGet, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Call(tt.command, tt.params, nil)
			require.Error(t, err)
			assert.Equal(t, uds.ErrCodeValidation, errorCode(t, err))
		})
	}
}

func TestHandlers_ProcessOverUDS(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{Resolve: createNoteTask})
	client := td.start(t)

	text := "Pay rent tomorrow"
	batch := model.EventBatch{
		WorkspaceID: 1,
		Mode:        model.ModeSingle,
		Events:      model.Wrap(model.NoteUpdated{NoteID: "rent", Diff: model.NoteDiff{Text: &text}}),
	}
	var summary model.RunSummary
	require.NoError(t, client.Call(uds.CommandProcess, batch, &summary))

	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Equal(t, 1, summary.TasksCreated)
	assert.Contains(t, summary.MemoryContent, "Source updated (note, id=rent)")
}

func TestHandlers_MemberAndNote(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{Resolve: createNoteTask})
	client := td.start(t)

	var member model.WorkspaceMember
	require.NoError(t, client.Call(uds.CommandMemberPut, model.WorkspaceMember{WorkspaceID: 2, Name: "Ben"}, &member))
	assert.NotZero(t, member.ID)
	assert.Equal(t, "member", member.Role)

	var res NotePutResult
	params := uds.NotePutParams{
		Version: model.NoteVersion{NoteID: "n1", WorkspaceID: 2, Title: "Trip", Text: "Book hotel"},
		Process: true,
	}
	require.NoError(t, client.Call(uds.CommandNotePut, params, &res))
	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.TasksCreated)
	assert.False(t, res.Version.CreatedAt.IsZero())

	tasks, err := td.st.FindTasksByWorkspace(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []int64{member.ID}, tasks[0].Assignees)

	// The recorded version is visible to the sync poll.
	var report poller.SyncReport
	require.NoError(t, client.Call(uds.CommandSync, uds.SyncParams{LookbackMin: 5}, &report))
	assert.Equal(t, 1, report.NoteEvents)
	require.Len(t, report.Workspaces, 1)
	assert.Equal(t, int64(2), report.Workspaces[0].WorkspaceID)
	assert.Equal(t, 1, td.metrics.Counters().Syncs)
}

func TestHandlers_Memory(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{})
	client := td.start(t)

	var got uds.MemoryResult
	require.NoError(t, client.Call(uds.CommandMemoryGet, uds.MemoryParams{WorkspaceID: 1}, &got))
	assert.Empty(t, got.Memory.Content)

	long := strings.Repeat("memo line\n", 1000)
	var put uds.MemoryResult
	require.NoError(t, client.Call(uds.CommandMemoryPut, uds.MemoryParams{WorkspaceID: 1, Content: long}, &put))
	assert.True(t, put.Truncated)
	assert.LessOrEqual(t, len([]rune(put.Memory.Content)), 4000)

	require.NoError(t, client.Call(uds.CommandMemoryGet, uds.MemoryParams{WorkspaceID: 1}, &got))
	assert.Equal(t, put.Memory.Content, got.Memory.Content)
}

func TestHandlers_React(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{})
	client := td.start(t)
	ctx := context.Background()

	err := client.Call(uds.CommandReact, uds.ReactParams{NotificationID: 999}, nil)
	require.Error(t, err)
	assert.Equal(t, uds.ErrCodeNotFound, errorCode(t, err))

	task, _, err := td.st.CreateTask(ctx, model.Task{WorkspaceID: 1, Title: "Rent", SourceType: model.SourceNote, SourceID: "rent", Assignees: []int64{1}, Status: model.TaskStatusOpen})
	require.NoError(t, err)
	n, err := td.st.CreateNotification(ctx, model.Notification{
		TaskID: task.ID, WorkspaceID: 1, WorkspaceMemberID: 1, Title: "Pay rent",
		DueDate: time.Now().Add(time.Hour), Status: model.NotificationStatusScheduled,
	})
	require.NoError(t, err)

	done := "done"
	var summary model.RunSummary
	require.NoError(t, client.Call(uds.CommandReact, uds.ReactParams{NotificationID: n.ID, ReactionText: &done}, &summary))
	assert.Equal(t, model.ModeSingle, summary.Mode)

	got, err := td.st.FindTasksByIDs(ctx, 1, []int64{task.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.TaskStatusCompleted, got[0].Status)
	assert.Contains(t, got[0].Description, `-> done`)
}

func TestHandlers_ShuttingDown(t *testing.T) {
	td := newTestDaemon(t, &oracletest.Script{})
	td.start(t)
	td.cancel()

	resp := td.guard(td.handleMemoryGet)(context.Background(), &uds.Request{Command: uds.CommandMemoryGet})
	require.NotNil(t, resp.Error)
	assert.Equal(t, uds.ErrCodeShuttingDown, resp.Error.Code)
}
